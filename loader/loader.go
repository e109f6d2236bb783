// Package loader is the retrieval orchestrator.
//
// Load resolves the options of an image, selects one acquisition strategy
// and runs it on the pool. Its result is a Future settled by the first
// frame and a Subscription carrying every event of the load. A second Load
// for an image already in flight joins the existing load instead of
// starting another acquisition.
package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/wadostream/events"
	"github.com/pithecene-io/wadostream/log"
	"github.com/pithecene-io/wadostream/metrics"
	"github.com/pithecene-io/wadostream/options"
	"github.com/pithecene-io/wadostream/pool"
	"github.com/pithecene-io/wadostream/retrieve"
	"github.com/pithecene-io/wadostream/types"
)

// SchemePrefix marks image ids that embed their URL.
const SchemePrefix = "wadors:"

var (
	// ErrNotFound is returned when no load is in flight for an image.
	ErrNotFound = errors.New("loader: no load in flight")
	// ErrNotPaused is returned by Continue for a load that is not waiting
	// for its next range.
	ErrNotPaused = errors.New("loader: load is not waiting for a range")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("loader: closed")
)

// Config configures a Loader.
type Config struct {
	// Client performs HTTP retrieval (required).
	Client retrieve.Client
	// Pool runs jobs. A pool with DefaultBudgets is created and owned when nil.
	Pool *pool.Pool
	// Table resolves options. DefaultTable is used when nil.
	Table *options.Table
	// Bus receives every load event. A private bus is created when nil.
	Bus *events.Bus
	// Metadata supplies image metadata for metadata-driven chunk sizes.
	Metadata *options.MetadataCache
	// ErrorInterceptor is called once per failed load. Cancelled loads are
	// not failures.
	ErrorInterceptor func(err *types.RetrievalError)
	// Logger is an optional logger.
	Logger *log.Logger
	// Metrics is an optional collector.
	Metrics *metrics.Collector
}

// LoadOptions are the per-call parameters of Load.
type LoadOptions struct {
	// URL is the resource URL. Derived from a "wadors:" image id when empty.
	URL string
	// Header holds per-request headers.
	Header map[string]string
	// TransferSyntax selects the options rule. Empty uses the default rules.
	TransferSyntax string
	// Stage selects the lossy or final variant of the rule.
	Stage types.Stage
	// RequestType is the pool partition (default interaction).
	RequestType types.RequestType
	// Priority orders pending jobs, lower first (default types.DefaultPriority).
	Priority *int
	// InsertAtFront places the job ahead of every pending job of its type.
	InsertAtFront bool
	// Metadata overrides the cached metadata for chunk sizing.
	Metadata *types.Metadata
	// Options bypasses the rule table when set.
	Options *types.RetrieveOptions
}

// Result is the caller-facing outcome of Load.
type Result struct {
	ImageID   string
	RequestID string
	// Strategy is the acquisition strategy of the load.
	Strategy retrieve.Kind
	// Joined is true when the call joined a load already in flight.
	Joined bool
	// First settles with the first frame of the load.
	First *Future
	// Updates delivers every event of the load, history included.
	Updates *Subscription
}

// job is the per-load context. It is owned by the loader from Load until
// the load ends, and by the pool job while one runs.
type job struct {
	imageID     string
	requestID   string
	requestType types.RequestType
	priority    int
	front       bool
	opts        types.RetrieveOptions
	strategy    retrieve.Strategy
	req         retrieve.Request
	future      *Future

	mu       sync.Mutex
	handle   *pool.Handle
	seq      int64
	history  []types.Event
	subs     []*Subscription
	last     *types.Frame
	started  bool
	paused   bool
	terminal bool
}

// Loader is the retrieval orchestrator.
type Loader struct {
	runner      *retrieve.Runner
	pool        *pool.Pool
	ownsPool    bool
	table       *options.Table
	bus         *events.Bus
	metadata    *options.MetadataCache
	interceptor func(*types.RetrievalError)
	logger      *log.Logger
	stats       *metrics.Collector

	mu     sync.Mutex
	jobs   map[string]*job
	closed bool
}

// New creates a loader.
func New(cfg Config) (*Loader, error) {
	if cfg.Client == nil {
		return nil, types.NewError(types.ErrorConfiguration, "", "loader requires a transport client", nil)
	}

	l := &Loader{
		runner:      retrieve.NewRunner(cfg.Client, cfg.Logger),
		pool:        cfg.Pool,
		table:       cfg.Table,
		bus:         cfg.Bus,
		metadata:    cfg.Metadata,
		interceptor: cfg.ErrorInterceptor,
		logger:      cfg.Logger,
		stats:       cfg.Metrics,
		jobs:        make(map[string]*job),
	}
	if l.pool == nil {
		l.pool = pool.New(pool.Config{
			MaxConcurrent: pool.DefaultBudgets(),
			Logger:        cfg.Logger,
			Metrics:       cfg.Metrics,
		})
		l.ownsPool = true
	}
	if l.table == nil {
		l.table = options.DefaultTable()
	}
	if l.bus == nil {
		l.bus = events.NewBus(cfg.Metrics)
	}
	return l, nil
}

// Bus returns the event bus the loader publishes to.
func (l *Loader) Bus() *events.Bus {
	return l.bus
}

// ResolveURL returns the URL of a load: the explicit URL, or the id with
// its "wadors:" prefix removed.
func ResolveURL(imageID, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if u, ok := strings.CutPrefix(imageID, SchemePrefix); ok && u != "" {
		return u, nil
	}
	return "", types.NewError(types.ErrorConfiguration, imageID, "no URL given and image id has no wadors: prefix", nil)
}

// Load starts or joins the load of imageID. Configuration errors are
// returned before any request is issued.
func (l *Loader) Load(imageID string, lo LoadOptions) (*Result, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	if j, ok := l.jobs[imageID]; ok {
		sub := l.subscribe(j)
		l.mu.Unlock()
		l.stats.IncLoadDeduplicated()
		l.logger.Debug("load joined", map[string]any{
			"image_id":   imageID,
			"request_id": j.requestID,
		})
		return &Result{
			ImageID:   imageID,
			RequestID: j.requestID,
			Strategy:  j.strategy.Kind,
			Joined:    true,
			First:     j.future,
			Updates:   sub,
		}, nil
	}
	l.mu.Unlock()

	j, err := l.prepare(imageID, lo)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	if existing, ok := l.jobs[imageID]; ok {
		// Lost a race with a concurrent Load for the same image.
		sub := l.subscribe(existing)
		l.mu.Unlock()
		l.stats.IncLoadDeduplicated()
		return &Result{
			ImageID:   imageID,
			RequestID: existing.requestID,
			Strategy:  existing.strategy.Kind,
			Joined:    true,
			First:     existing.future,
			Updates:   sub,
		}, nil
	}
	l.jobs[imageID] = j
	sub := l.subscribe(j)
	l.mu.Unlock()

	l.stats.IncLoadStarted()
	l.logger.Info("load submitted", map[string]any{
		"image_id":     imageID,
		"request_id":   j.requestID,
		"request_type": string(j.requestType),
		"priority":     j.priority,
		"strategy":     j.strategy.Kind.String(),
	})

	l.submit(j, func(ctx context.Context) error {
		return l.runner.Run(ctx, j.strategy, j.req, l.sink(j))
	})

	return &Result{
		ImageID:   imageID,
		RequestID: j.requestID,
		Strategy:  j.strategy.Kind,
		First:     j.future,
		Updates:   sub,
	}, nil
}

// prepare resolves everything a load needs before I/O.
func (l *Loader) prepare(imageID string, lo LoadOptions) (*job, error) {
	url, err := ResolveURL(imageID, lo.URL)
	if err != nil {
		return nil, err
	}

	var opts types.RetrieveOptions
	if lo.Options != nil {
		opts = *lo.Options
	} else {
		opts, _, err = l.table.Resolve(lo.TransferSyntax, lo.Stage)
		if err != nil {
			return nil, types.AsRetrievalError(err, imageID)
		}
	}
	if err := opts.Validate(); err != nil {
		return nil, types.NewError(types.ErrorConfiguration, imageID, "invalid retrieve options", err)
	}

	strategy, err := retrieve.Select(&opts)
	if err != nil {
		return nil, types.AsRetrievalError(err, imageID)
	}

	minChunkSize := 0
	if strategy.Kind == retrieve.KindStream {
		md := l.metadataFor(imageID, lo.Metadata)
		chunk := opts.MinChunkSize
		if chunk.IsZero() {
			chunk = types.FixedChunkSize(options.DefaultMinChunkSize)
		}
		if minChunkSize, err = chunk.Resolve(md, imageID); err != nil {
			return nil, err
		}
	}

	requestType := lo.RequestType
	if requestType == "" {
		requestType = types.RequestInteraction
	}
	priority := types.DefaultPriority
	if lo.Priority != nil {
		priority = *lo.Priority
	}

	return &job{
		imageID:     imageID,
		requestID:   uuid.NewString(),
		requestType: requestType,
		priority:    priority,
		front:       lo.InsertAtFront,
		opts:        opts,
		strategy:    strategy,
		req: retrieve.Request{
			ImageID:      imageID,
			URL:          url,
			Header:       lo.Header,
			Options:      opts,
			MinChunkSize: minChunkSize,
		},
		future: newFuture(),
	}, nil
}

func (l *Loader) metadataFor(imageID string, explicit *types.Metadata) types.Metadata {
	if explicit != nil {
		return *explicit
	}
	md, _ := l.metadata.Get(imageID)
	return md
}

// subscribe attaches a subscription that replays the job history.
func (l *Loader) subscribe(j *job) *Subscription {
	j.mu.Lock()
	defer j.mu.Unlock()

	sub := newSubscription(j.history, func(s *Subscription) { j.detach(s) })
	if j.terminal {
		sub.finish(nil)
		return sub
	}
	j.subs = append(j.subs, sub)
	return sub
}

func (j *job) detach(s *Subscription) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, sub := range j.subs {
		if sub == s {
			j.subs = append(j.subs[:i], j.subs[i+1:]...)
			return
		}
	}
}

// Continue fetches the next range of a paused range load, or every
// remaining range when all is true.
func (l *Loader) Continue(imageID string, all bool) error {
	l.mu.Lock()
	j, ok := l.jobs[imageID]
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return ErrNotFound
	}

	j.mu.Lock()
	if !j.paused || j.terminal {
		j.mu.Unlock()
		return ErrNotPaused
	}
	j.paused = false
	j.mu.Unlock()

	l.logger.Debug("range load continued", map[string]any{
		"image_id":   imageID,
		"request_id": j.requestID,
		"next_range": j.strategy.Ranges.Next(),
	})
	l.submit(j, func(ctx context.Context) error {
		return l.runner.Continue(ctx, j.strategy, j.req, all || j.opts.AutoLoadAllRanges, l.sink(j))
	})
	return nil
}

// Cancel stops the load of imageID. A pending job is removed without
// emitting anything; a running job stops reading. Events already
// published stay valid. Returns false if no load was in flight.
func (l *Loader) Cancel(imageID string) bool {
	l.mu.Lock()
	j, ok := l.jobs[imageID]
	l.mu.Unlock()
	if !ok {
		return false
	}

	j.mu.Lock()
	h := j.handle
	j.mu.Unlock()
	if h != nil {
		l.pool.Cancel(h)
	}

	if l.terminate(j, types.ErrCancelled.WithImage(imageID)) {
		l.stats.IncLoadCancelled()
		l.logger.Info("load cancelled", map[string]any{
			"image_id":   imageID,
			"request_id": j.requestID,
		})
	}
	return true
}

// InFlight returns the number of loads not yet ended, paused range loads
// included.
func (l *Loader) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.jobs)
}

// Close cancels every load and, when the loader created its pool, closes it.
func (l *Loader) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	ids := make([]string, 0, len(l.jobs))
	for id := range l.jobs {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	for _, id := range ids {
		l.Cancel(id)
	}
	if l.ownsPool {
		l.pool.Close()
	}
}

// submit runs body on the pool for j. If the pool drops the job before it
// starts, the load ends as cancelled.
func (l *Loader) submit(j *job, body func(ctx context.Context) error) {
	var ran atomic.Bool
	work := func(ctx context.Context) (err error) {
		ran.Store(true)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("load panicked: %v", r)
			}
			l.finish(j, err)
		}()

		j.mu.Lock()
		if j.terminal {
			// Cancelled before the handle was stored.
			j.mu.Unlock()
			return types.ErrCancelled.WithImage(j.imageID)
		}
		first := !j.started
		j.started = true
		if first {
			j.req.Start = time.Now()
		}
		j.mu.Unlock()
		if first {
			l.emit(j, types.EventLoadStarted, nil, nil)
		}
		return body(ctx)
	}

	h := l.pool.Submit(work, j.requestType, j.priority, j.front)

	j.mu.Lock()
	orphaned := j.terminal
	if !orphaned {
		j.handle = h
	}
	j.mu.Unlock()
	if orphaned {
		// Cancel ran before the handle was stored and could not reach it.
		l.pool.Cancel(h)
	}

	go func() {
		<-h.Done()
		if !ran.Load() {
			l.terminate(j, types.ErrCancelled.WithImage(j.imageID))
		}
	}()
}

// sink maps strategy frames onto the future and the event stream.
func (l *Loader) sink(j *job) retrieve.Sink {
	return retrieve.SinkFunc(func(f *types.Frame) {
		j.mu.Lock()
		if j.terminal {
			j.mu.Unlock()
			return
		}
		j.last = f
		j.mu.Unlock()

		l.stats.IncFrame(string(f.Status))
		j.future.resolve(f)

		if j.strategy.Kind == retrieve.KindWhole {
			return
		}
		evType := types.EventStreamPartial
		if f.Final {
			evType = types.EventStreamComplete
		}
		l.emit(j, evType, f, nil)
	})
}

// emit publishes an event for j and queues it to its subscriptions.
// Events for an ended load are dropped.
func (l *Loader) emit(j *job, t types.EventType, f *types.Frame, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	l.emitLocked(j, t, f, err)
}

func (l *Loader) emitLocked(j *job, t types.EventType, f *types.Frame, err error) {
	if j.terminal {
		return
	}

	j.seq++
	ev := l.bus.Publish(types.Event{
		Seq:         j.seq,
		Type:        t,
		ImageID:     j.imageID,
		RequestID:   j.requestID,
		RequestType: j.requestType,
		Frame:       f,
		Err:         err,
	})
	j.history = append(j.history, ev)
	for _, s := range j.subs {
		s.push(ev)
	}
}

// finish handles the return of a job run.
func (l *Loader) finish(j *job, err error) {
	j.mu.Lock()
	last := j.last
	ended := j.terminal
	j.mu.Unlock()
	if ended {
		return
	}

	switch {
	case err == nil:
		more := j.strategy.Kind == retrieve.KindRanges && !j.strategy.Ranges.Done()
		if last == nil && !more {
			l.finish(j, types.NewError(types.ErrorMalformedContainer, j.imageID, "load ended without a frame", nil))
			return
		}
		if more {
			// The load is paused by the time its loaded event is observed.
			j.mu.Lock()
			if last != nil {
				l.emitLocked(j, types.EventImageLoaded, last, nil)
			}
			j.paused = true
			j.handle = nil
			j.mu.Unlock()
			l.logger.Debug("range load paused", map[string]any{
				"image_id":  j.imageID,
				"remaining": j.strategy.Ranges.Remaining(),
			})
			return
		}

		l.emit(j, types.EventImageLoaded, last, nil)
		if l.terminate(j, nil) {
			l.stats.IncLoadCompleted()
			l.logger.Info("load completed", map[string]any{
				"image_id":     j.imageID,
				"request_id":   j.requestID,
				"status":       string(last.Status),
				"loaded_bytes": last.LoadedBytes,
				"load_time_ms": last.LoadTime.Milliseconds(),
			})
		}

	case types.IsCancelled(err):
		if l.terminate(j, types.ErrCancelled.WithImage(j.imageID)) {
			l.stats.IncLoadCancelled()
		}

	default:
		re := types.AsRetrievalError(err, j.imageID)
		j.future.fail(re)
		l.emit(j, types.EventLoadFailed, nil, re)
		if l.terminate(j, re) {
			l.stats.IncLoadFailed()
			l.logger.Error("load failed", map[string]any{
				"image_id":   j.imageID,
				"request_id": j.requestID,
				"error_kind": string(re.Kind),
				"error":      re.Error(),
			})
			if l.interceptor != nil {
				l.interceptor(re)
			}
		}
	}
}

// terminate ends j once: it leaves the loader, its future settles and its
// subscriptions close. Returns false if j had already ended.
func (l *Loader) terminate(j *job, err error) bool {
	l.mu.Lock()
	if l.jobs[j.imageID] == j {
		delete(l.jobs, j.imageID)
	}
	l.mu.Unlock()

	j.mu.Lock()
	if j.terminal {
		j.mu.Unlock()
		return false
	}
	j.terminal = true
	subs := j.subs
	j.subs = nil
	j.handle = nil
	j.mu.Unlock()

	if err != nil {
		j.future.fail(err)
	}
	for _, s := range subs {
		s.finish(err)
	}
	return true
}
