package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/wadostream/events"
	"github.com/pithecene-io/wadostream/metrics"
	"github.com/pithecene-io/wadostream/types"
)

// FailingStore is a lode.Store that returns configurable errors.
type FailingStore struct {
	PutErr    error
	GetErr    error
	ExistsErr error

	PutCalls int
	PutPaths []string
}

func (s *FailingStore) Put(_ context.Context, path string, _ io.Reader) error {
	s.PutCalls++
	s.PutPaths = append(s.PutPaths, path)
	return s.PutErr
}

func (s *FailingStore) Get(_ context.Context, _ string) (io.ReadCloser, error) {
	return nil, s.GetErr
}

func (s *FailingStore) Exists(_ context.Context, _ string) (bool, error) {
	return false, s.ExistsErr
}

func (s *FailingStore) List(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

func (s *FailingStore) Delete(_ context.Context, _ string) error {
	return nil
}

func (s *FailingStore) ReadRange(_ context.Context, _ string, _, _ int64) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (s *FailingStore) ReaderAt(_ context.Context, _ string) (io.ReaderAt, error) {
	return nil, errors.New("not implemented")
}

var _ lode.Store = (*FailingStore)(nil)

func sharedFactory(store lode.Store) lode.StoreFactory {
	return func() (lode.Store, error) { return store, nil }
}

func fixedNow() time.Time {
	return time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC)
}

func loadedEvent(imageID string, payload []byte, at time.Time) types.Event {
	return types.Event{
		Type:      types.EventImageLoaded,
		ImageID:   imageID,
		RequestID: "req-" + imageID,
		Frame: &types.Frame{
			ImageID:        imageID,
			Payload:        payload,
			ContentType:    "image/jls",
			TransferSyntax: "1.2.840.10008.1.2.4.80",
			Status:         types.StatusDone,
			Final:          true,
			LoadedBytes:    int64(len(payload)),
			TotalBytes:     int64(len(payload)),
			LoadTime:       120 * time.Millisecond,
		},
		Time: at,
	}
}

func TestArchive_WriteFrameAndRead(t *testing.T) {
	store := lode.NewMemory()
	collector := metrics.NewCollector("memory", "s-1")
	a, err := New(Config{SessionID: "s-1", Metrics: collector, Now: fixedNow}, sharedFactory(store))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	payload := []byte{0xFF, 0x4F, 0xFF, 0x51, 0x01, 0x02}
	if err := a.WriteFrame(t.Context(), loadedEvent("img-1", payload, fixedNow())); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	records, err := a.Records(t.Context())
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	r := records[0]
	if r.RecordKind != RecordKindFrame || r.ImageID != "img-1" || r.RequestID != "req-img-1" {
		t.Errorf("identity = %+v", r)
	}
	if r.Status != "done" || r.Bytes != 6 || r.LoadTimeMs != 120 {
		t.Errorf("frame fields = %+v", r)
	}
	if r.Day != "2026-02-07" || r.SessionID != "s-1" {
		t.Errorf("partition keys = %s, %s", r.Day, r.SessionID)
	}
	if r.Digest != Digest(payload) {
		t.Errorf("digest = %s", r.Digest)
	}

	got, err := a.Payload(t.Context(), r.PayloadPath)
	if err != nil {
		t.Fatalf("Payload failed: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("payload = %x", got)
	}

	if snap := collector.Snapshot(); snap.ArchiveWriteSuccess != 1 {
		t.Errorf("ArchiveWriteSuccess = %d", snap.ArchiveWriteSuccess)
	}
}

func TestArchive_PayloadStoredOnce(t *testing.T) {
	store := lode.NewMemory()
	a, err := New(Config{Now: fixedNow}, sharedFactory(store))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	payload := []byte("same bytes")
	d1, p1, err := a.PutPayload(t.Context(), payload)
	if err != nil {
		t.Fatalf("PutPayload failed: %v", err)
	}
	d2, p2, err := a.PutPayload(t.Context(), payload)
	if err != nil {
		t.Fatalf("second PutPayload failed: %v", err)
	}
	if d1 != d2 || p1 != p2 {
		t.Errorf("digests differ: %s %s", d1, d2)
	}

	paths, err := store.List(t.Context(), "datasets/wadostream/blobs/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(paths) != 1 {
		t.Errorf("expected one blob, got %v", paths)
	}
}

func TestArchive_WriteFailure(t *testing.T) {
	a, err := New(Config{Now: fixedNow}, lode.NewMemoryFactory())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ev := types.Event{
		Type:    types.EventLoadFailed,
		ImageID: "img-2",
		Err:     types.NewError(types.ErrorMalformedContainer, "", "no boundary", nil),
		Time:    fixedNow(),
	}
	if err := a.WriteFailure(t.Context(), ev); err != nil {
		t.Fatalf("WriteFailure failed: %v", err)
	}

	records, err := a.Records(t.Context())
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].RecordKind != RecordKindFailure || records[0].ErrorKind != "malformed_container" {
		t.Errorf("record = %+v", records[0])
	}
}

func TestArchive_WriteFrameWithoutFrame(t *testing.T) {
	a, err := New(Config{}, lode.NewMemoryFactory())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := a.WriteFrame(t.Context(), types.Event{Type: types.EventImageLoaded}); err == nil {
		t.Fatal("expected error for event without frame")
	}
}

func TestArchive_PutFailureIsTyped(t *testing.T) {
	store := &FailingStore{
		PutErr: errors.New("write /data/blob.bin: no space left on device"),
	}
	collector := metrics.NewCollector("fs", "")
	a, err := New(Config{Metrics: collector}, sharedFactory(store))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	err = a.WriteFrame(t.Context(), loadedEvent("img-1", []byte{1}, fixedNow()))
	if err == nil {
		t.Fatal("expected error")
	}
	var storageErr *StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected *StorageError, got %T", err)
	}
	if !errors.Is(err, ErrDiskFull) {
		t.Errorf("expected ErrDiskFull, got kind %v", storageErr.Kind)
	}
	if storageErr.Op != "put" {
		t.Errorf("Op = %s, want put", storageErr.Op)
	}
	if store.PutCalls != 1 {
		t.Errorf("PutCalls = %d", store.PutCalls)
	}
	if snap := collector.Snapshot(); snap.ArchiveWriteFailure != 1 {
		t.Errorf("ArchiveWriteFailure = %d", snap.ArchiveWriteFailure)
	}
}

func TestArchive_FactoryFailure(t *testing.T) {
	factory := func() (lode.Store, error) { return nil, errors.New("permission denied") }
	a, err := New(Config{}, factory)
	if err != nil {
		// Construction may surface the factory error directly.
		if !errors.Is(err, ErrPermissionDenied) {
			t.Errorf("expected ErrPermissionDenied, got %v", err)
		}
		return
	}

	_, _, err = a.PutPayload(t.Context(), []byte{1})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestNewFS_CreatesMissingRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "archive")
	a, err := NewFS(Config{SessionID: "s-1", Now: fixedNow}, root)
	if err != nil {
		t.Fatalf("NewFS failed: %v", err)
	}
	if err := a.WriteFrame(t.Context(), loadedEvent("img-1", []byte{1, 2, 3}, fixedNow())); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	records, err := a.Records(t.Context())
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
}

func TestNewFS_RootIsAFile(t *testing.T) {
	root := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(root, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	var se *StorageError
	if _, err := NewFS(Config{}, filepath.Join(root, "archive")); !errors.As(err, &se) {
		t.Fatalf("expected StorageError, got %v", err)
	}
}

func TestDigest(t *testing.T) {
	a := Digest([]byte("frame"))
	if a != Digest([]byte("frame")) {
		t.Error("digest should be deterministic")
	}
	if a == Digest([]byte("frame2")) {
		t.Error("different payloads should not share a digest")
	}
	if len(a) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(a))
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want error
	}{
		{"AccessDenied: Access Denied", ErrAccessDenied},
		{"open /x: permission denied", ErrPermissionDenied},
		{"NoSuchKey: key does not exist", ErrNotFound},
		{"write: no space left on device", ErrDiskFull},
		{"context deadline exceeded", ErrTimeout},
		{"SlowDown: please reduce your request rate", ErrThrottled},
		{"NoCredentialProviders: no valid providers", ErrAuth},
		{"dial tcp 10.0.0.1:443: connection refused", ErrNetwork},
		{"something odd", ErrUnclassified},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := wrap(errors.New(tt.msg), "write", "p")
			if !errors.Is(err, tt.want) {
				t.Errorf("classify(%q) = %v, want %v", tt.msg, err.(*StorageError).Kind, tt.want)
			}
		})
	}

	if wrap(nil, "write", "p") != nil {
		t.Error("wrap(nil) should be nil")
	}
	inner := wrap(errors.New("permission denied"), "put", "a")
	if wrap(inner, "write", "b") != inner {
		t.Error("classified errors should pass through")
	}
}

func TestParseS3Path(t *testing.T) {
	tests := []struct {
		path, bucket, prefix string
	}{
		{"bucket", "bucket", ""},
		{"bucket/prefix", "bucket", "prefix"},
		{"bucket/a/b", "bucket", "a/b"},
	}
	for _, tt := range tests {
		b, p := ParseS3Path(tt.path)
		if b != tt.bucket || p != tt.prefix {
			t.Errorf("ParseS3Path(%q) = %q, %q", tt.path, b, p)
		}
	}

	cfg := S3Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("empty bucket should fail validation")
	}
}

func TestRecorder_ArchivesTerminalEvents(t *testing.T) {
	bus := events.NewBus(nil)
	a, err := New(Config{Now: fixedNow}, lode.NewMemoryFactory())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rec, err := NewRecorder(a, bus, RecorderConfig{})
	if err != nil {
		t.Fatalf("NewRecorder failed: %v", err)
	}

	t0 := fixedNow()
	bus.Publish(types.Event{Type: types.EventLoadStarted, ImageID: "img-1"})
	bus.Publish(loadedEvent("img-1", []byte{1, 2, 3}, t0))
	bus.Publish(types.Event{Type: types.EventLoadFailed, ImageID: "img-2", Err: errors.New("reset"), Time: t0.Add(time.Second)})
	bus.Publish(types.Event{Type: types.EventLoadFailed, ImageID: "img-3", Err: types.ErrCancelled, Time: t0.Add(2 * time.Second)})

	if err := rec.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	records, err := a.Records(t.Context())
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records (cancelled skipped), got %d", len(records))
	}
	if records[0].ImageID != "img-1" || records[1].ImageID != "img-2" {
		t.Errorf("records = %s, %s", records[0].ImageID, records[1].ImageID)
	}
	if records[1].ErrorKind != "transport" {
		t.Errorf("error kind = %q", records[1].ErrorKind)
	}
}
