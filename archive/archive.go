// Package archive persists loaded frames to a lode dataset.
//
// Payloads are stored once per content digest under a blobs/ prefix of the
// store. Each terminal load produces one record in the dataset, partitioned
// by day, session and record kind:
//
//	datasets/<dataset>/partitions/day=<d>/session_id=<s>/record_kind=<k>/...
//	datasets/<dataset>/blobs/<digest[:2]>/<digest>.bin
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/wadostream/metrics"
	"github.com/pithecene-io/wadostream/types"
)

// DefaultDataset is the dataset id used when none is configured.
const DefaultDataset = "wadostream"

// Record kinds.
const (
	RecordKindFrame   = "frame"
	RecordKindFailure = "failure"
)

// Config configures an Archive.
type Config struct {
	// Dataset is the lode dataset id (default "wadostream").
	Dataset string
	// SessionID partitions records by CLI or loader session.
	SessionID string
	// Metrics is an optional collector.
	Metrics *metrics.Collector
	// Now overrides the clock used for the day partition.
	Now func() time.Time
}

// Record is one archived load outcome.
type Record struct {
	RecordID       string `json:"record_id"`
	RecordKind     string `json:"record_kind"`
	ImageID        string `json:"image_id"`
	RequestID      string `json:"request_id"`
	Status         string `json:"status,omitempty"`
	ContentType    string `json:"content_type,omitempty"`
	TransferSyntax string `json:"transfer_syntax,omitempty"`
	Bytes          int64  `json:"bytes"`
	TotalBytes     int64  `json:"total_bytes"`
	Digest         string `json:"digest,omitempty"`
	PayloadPath    string `json:"payload_path,omitempty"`
	LoadTimeMs     int64  `json:"load_time_ms"`
	ErrorKind      string `json:"error_kind,omitempty"`
	Error          string `json:"error,omitempty"`
	Ts             string `json:"ts"`

	// Partition keys
	Day       string `json:"day"`
	SessionID string `json:"session_id"`
}

func (r Record) toMap() map[string]any {
	return map[string]any{
		"record_id":       r.RecordID,
		"record_kind":     r.RecordKind,
		"image_id":        r.ImageID,
		"request_id":      r.RequestID,
		"status":          r.Status,
		"content_type":    r.ContentType,
		"transfer_syntax": r.TransferSyntax,
		"bytes":           r.Bytes,
		"total_bytes":     r.TotalBytes,
		"digest":          r.Digest,
		"payload_path":    r.PayloadPath,
		"load_time_ms":    r.LoadTimeMs,
		"error_kind":      r.ErrorKind,
		"error":           r.Error,
		"ts":              r.Ts,
		"day":             r.Day,
		"session_id":      r.SessionID,
	}
}

func recordFromMap(m map[string]any) Record {
	return Record{
		RecordID:       str(m["record_id"]),
		RecordKind:     str(m["record_kind"]),
		ImageID:        str(m["image_id"]),
		RequestID:      str(m["request_id"]),
		Status:         str(m["status"]),
		ContentType:    str(m["content_type"]),
		TransferSyntax: str(m["transfer_syntax"]),
		Bytes:          num(m["bytes"]),
		TotalBytes:     num(m["total_bytes"]),
		Digest:         str(m["digest"]),
		PayloadPath:    str(m["payload_path"]),
		LoadTimeMs:     num(m["load_time_ms"]),
		ErrorKind:      str(m["error_kind"]),
		Error:          str(m["error"]),
		Ts:             str(m["ts"]),
		Day:            str(m["day"]),
		SessionID:      str(m["session_id"]),
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func num(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// Archive writes frame records and payload blobs.
type Archive struct {
	config  Config
	dataset lode.Dataset
	factory lode.StoreFactory
	stats   *metrics.Collector

	storeOnce sync.Once
	store     lode.Store
	storeErr  error

	mu sync.Mutex // serializes dataset writes
}

// NewDataset opens the archive dataset with its layout and codec. The
// write and read paths share it.
func NewDataset(dataset string, factory lode.StoreFactory) (lode.Dataset, error) {
	return lode.NewDataset(
		lode.DatasetID(dataset),
		factory,
		lode.WithHiveLayout("day", "session_id", "record_kind"),
		lode.WithCodec(lode.NewJSONLCodec()),
	)
}

// New creates an archive over a store factory. Use lode.NewMemoryFactory()
// for tests.
func New(cfg Config, factory lode.StoreFactory) (*Archive, error) {
	if cfg.Dataset == "" {
		cfg.Dataset = DefaultDataset
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ds, err := NewDataset(cfg.Dataset, factory)
	if err != nil {
		return nil, wrap(err, "init", cfg.Dataset)
	}
	return &Archive{
		config:  cfg,
		dataset: ds,
		factory: factory,
		stats:   cfg.Metrics,
	}, nil
}

// NewFS creates an archive on the local filesystem under root. A missing
// root directory is created.
func NewFS(cfg Config, root string) (*Archive, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, wrap(err, "init", root)
	}
	return New(cfg, lode.NewFSFactory(root))
}

// getOrCreateStore lazily initializes the blob store from the factory.
func (a *Archive) getOrCreateStore() (lode.Store, error) {
	a.storeOnce.Do(func() {
		a.store, a.storeErr = a.factory()
	})
	return a.store, a.storeErr
}

// BlobPath returns the store path of a payload digest.
func (a *Archive) BlobPath(digest string) string {
	return fmt.Sprintf("datasets/%s/blobs/%s/%s.bin", a.config.Dataset, digest[:2], digest)
}

// PutPayload stores a payload under its digest. Payloads already present
// are not written again.
func (a *Archive) PutPayload(ctx context.Context, payload []byte) (digest, path string, err error) {
	store, err := a.getOrCreateStore()
	if err != nil {
		return "", "", wrap(err, "init", a.config.Dataset)
	}

	digest = Digest(payload)
	path = a.BlobPath(digest)

	exists, err := store.Exists(ctx, path)
	if err != nil {
		return "", "", wrap(err, "read", path)
	}
	if exists {
		return digest, path, nil
	}
	if err := store.Put(ctx, path, bytes.NewReader(payload)); err != nil {
		return "", "", wrap(err, "put", path)
	}
	return digest, path, nil
}

// Payload reads a stored payload.
func (a *Archive) Payload(ctx context.Context, path string) ([]byte, error) {
	store, err := a.getOrCreateStore()
	if err != nil {
		return nil, wrap(err, "init", a.config.Dataset)
	}
	rc, err := store.Get(ctx, path)
	if err != nil {
		return nil, wrap(err, "read", path)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, wrap(err, "read", path)
	}
	return data, nil
}

func (a *Archive) newRecord(kind string, ev types.Event) Record {
	now := a.config.Now().UTC()
	ts := ev.Time
	if ts.IsZero() {
		ts = now
	}
	return Record{
		RecordID:   uuid.NewString(),
		RecordKind: kind,
		ImageID:    ev.ImageID,
		RequestID:  ev.RequestID,
		Ts:         ts.UTC().Format(time.RFC3339Nano),
		Day:        now.Format("2006-01-02"),
		SessionID:  a.config.SessionID,
	}
}

// WriteFrame stores the payload of a loaded event and appends its record.
func (a *Archive) WriteFrame(ctx context.Context, ev types.Event) error {
	f := ev.Frame
	if f == nil {
		return fmt.Errorf("archive: event %s for %s carries no frame", ev.Type, ev.ImageID)
	}

	digest, path, err := a.PutPayload(ctx, f.Payload)
	if err != nil {
		a.stats.IncArchiveWriteFailure()
		return err
	}

	r := a.newRecord(RecordKindFrame, ev)
	r.Status = string(f.Status)
	r.ContentType = f.ContentType
	r.TransferSyntax = f.TransferSyntax
	r.Bytes = int64(len(f.Payload))
	r.TotalBytes = f.TotalBytes
	r.Digest = digest
	r.PayloadPath = path
	r.LoadTimeMs = f.LoadTime.Milliseconds()
	return a.write(ctx, r)
}

// WriteFailure appends a failure record.
func (a *Archive) WriteFailure(ctx context.Context, ev types.Event) error {
	r := a.newRecord(RecordKindFailure, ev)
	if ev.Err != nil {
		re := types.AsRetrievalError(ev.Err, ev.ImageID)
		r.ErrorKind = string(re.Kind)
		r.Error = ev.Err.Error()
	}
	return a.write(ctx, r)
}

func (a *Archive) write(ctx context.Context, r Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.dataset.Write(ctx, []any{r.toMap()}, lode.Metadata{}); err != nil {
		a.stats.IncArchiveWriteFailure()
		return wrap(err, "write", a.config.Dataset)
	}
	a.stats.IncArchiveWriteSuccess()
	return nil
}

// Records reads every archived record, ordered by timestamp.
func (a *Archive) Records(ctx context.Context) ([]Record, error) {
	return ReadRecords(ctx, a.dataset)
}

// ReadRecords reads every record of an archive dataset, ordered by
// timestamp. Records repeated across snapshots are returned once.
func ReadRecords(ctx context.Context, ds lode.Dataset) ([]Record, error) {
	snapshots, err := ds.Snapshots(ctx)
	if err != nil {
		return nil, wrap(err, "read", string(ds.ID())+"/snapshots")
	}

	seen := make(map[string]struct{})
	var out []Record
	for _, snap := range snapshots {
		data, err := ds.Read(ctx, snap.ID)
		if err != nil {
			return nil, wrap(err, "read", fmt.Sprintf("%s/snapshot/%s", ds.ID(), snap.ID))
		}
		for _, item := range data {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			r := recordFromMap(m)
			if _, dup := seen[r.RecordID]; dup {
				continue
			}
			seen[r.RecordID] = struct{}{}
			out = append(out, r)
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Ts < out[j].Ts })
	return out, nil
}

// Close releases archive resources.
func (a *Archive) Close() error {
	return nil
}
