// Package pool admits retrieval jobs under a per-request-type concurrency
// budget.
//
// Pending jobs of each request type wait in a red-black tree ordered by
// (lane, priority, submission). Jobs submitted with insertAtFront occupy the
// front lane, by priority then newest first, and run before every other
// pending job of their type. Running jobs are never preempted.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	rbt "github.com/emirpasic/gods/trees/redblacktree"

	"github.com/pithecene-io/wadostream/log"
	"github.com/pithecene-io/wadostream/metrics"
	"github.com/pithecene-io/wadostream/types"
)

// ErrClosed is returned by handles submitted after Close.
var ErrClosed = errors.New("pool closed")

// DefaultMaxConcurrent is the budget for request types without an explicit entry.
const DefaultMaxConcurrent = 5

// DefaultBudgets returns the stock per-type budgets.
func DefaultBudgets() map[types.RequestType]int {
	return map[types.RequestType]int{
		types.RequestInteraction: 6,
		types.RequestThumbnail:   6,
		types.RequestPrefetch:    5,
		types.RequestCompute:     5,
	}
}

// Job is a unit of retrieval work. The context is cancelled when the job
// is cancelled or the pool closes.
type Job func(ctx context.Context) error

// Config configures a Pool.
type Config struct {
	// MaxConcurrent holds per-type budgets. Missing types use DefaultMaxConcurrent.
	MaxConcurrent map[types.RequestType]int
	// DefaultMaxConcurrent overrides the fallback budget when positive.
	DefaultMaxConcurrent int
	// Logger is an optional logger.
	Logger *log.Logger
	// Metrics is an optional collector.
	Metrics *metrics.Collector
}

// State is the lifecycle state of a submitted job.
type State int

const (
	// StatePending means the job waits for a worker slot.
	StatePending State = iota
	// StateRunning means the job holds a worker slot.
	StateRunning
	// StateDone means the job returned.
	StateDone
	// StateCancelled means the job was cancelled before or while running.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// lanes
const (
	laneFront = iota
	laneNormal
)

type queueKey struct {
	lane     int
	priority int
	seq      int64
}

// compareKeys orders both lanes by priority ascending. Ties run newest
// first in the front lane and FIFO in the normal lane.
func compareKeys(a, b interface{}) int {
	ka := a.(queueKey)
	kb := b.(queueKey)
	switch {
	case ka.lane != kb.lane:
		return ka.lane - kb.lane
	case ka.priority != kb.priority:
		return ka.priority - kb.priority
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}

// Handle tracks one submitted job.
type Handle struct {
	pool        *Pool
	requestType types.RequestType
	priority    int
	key         queueKey
	job         Job

	// Guarded by Pool.mu.
	state    State
	cancel   context.CancelFunc
	released bool
	err      error

	done chan struct{}
}

// RequestType returns the type the job was submitted under.
func (h *Handle) RequestType() types.RequestType { return h.requestType }

// Priority returns the submitted priority.
func (h *Handle) Priority() int { return h.priority }

// Done is closed once the job can no longer run: it returned, or it was
// cancelled while pending.
func (h *Handle) Done() <-chan struct{} { return h.done }

// typeQueue holds the scheduling state of one request type.
type typeQueue struct {
	pending *rbt.Tree
	running int
	limit   int
}

// Pool is a bounded-concurrency admission controller.
type Pool struct {
	mu     sync.Mutex
	queues map[types.RequestType]*typeQueue
	seq    int64
	closed bool

	fallback int
	ctx      context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup

	logger *log.Logger
	stats  *metrics.Collector
}

// New creates a pool.
func New(cfg Config) *Pool {
	fallback := DefaultMaxConcurrent
	if cfg.DefaultMaxConcurrent > 0 {
		fallback = cfg.DefaultMaxConcurrent
	}
	ctx, stop := context.WithCancel(context.Background())
	p := &Pool{
		queues:   make(map[types.RequestType]*typeQueue),
		fallback: fallback,
		ctx:      ctx,
		stop:     stop,
		logger:   cfg.Logger,
		stats:    cfg.Metrics,
	}
	for rt, n := range cfg.MaxConcurrent {
		if n <= 0 {
			n = fallback
		}
		p.queues[rt] = newTypeQueue(n)
	}
	return p
}

func newTypeQueue(limit int) *typeQueue {
	return &typeQueue{pending: rbt.NewWith(compareKeys), limit: limit}
}

// queueLocked returns the queue for rt, creating it with the fallback budget.
func (p *Pool) queueLocked(rt types.RequestType) *typeQueue {
	q, ok := p.queues[rt]
	if !ok {
		q = newTypeQueue(p.fallback)
		p.queues[rt] = q
	}
	return q
}

// Submit admits a job. Lower priority values run first. The job starts
// immediately when its type has a free slot.
func (p *Pool) Submit(job Job, requestType types.RequestType, priority int, insertAtFront bool) *Handle {
	h := &Handle{
		pool:        p,
		requestType: requestType,
		priority:    priority,
		job:         job,
		done:        make(chan struct{}),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		h.state = StateCancelled
		h.err = ErrClosed
		close(h.done)
		return h
	}

	p.seq++
	if insertAtFront {
		h.key = queueKey{lane: laneFront, priority: priority, seq: -p.seq}
	} else {
		h.key = queueKey{lane: laneNormal, priority: priority, seq: p.seq}
	}

	q := p.queueLocked(requestType)
	q.pending.Put(h.key, h)
	p.stats.IncJobSubmitted(string(requestType))

	p.dispatchLocked(q)
	return h
}

// dispatchLocked starts pending jobs while the type has free slots.
func (p *Pool) dispatchLocked(q *typeQueue) {
	for q.running < q.limit && !q.pending.Empty() {
		node := q.pending.Left()
		q.pending.Remove(node.Key)
		p.startLocked(q, node.Value.(*Handle))
	}
}

func (p *Pool) startLocked(q *typeQueue, h *Handle) {
	ctx, cancel := context.WithCancel(p.ctx)
	h.state = StateRunning
	h.cancel = cancel
	q.running++
	p.stats.IncJobStarted()

	p.wg.Add(1)
	go p.run(ctx, q, h)
}

func (p *Pool) run(ctx context.Context, q *typeQueue, h *Handle) {
	defer p.wg.Done()

	err := invoke(ctx, h.job)
	h.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	if h.state == StateCancelled {
		if err == nil {
			err = types.ErrCancelled
		}
	} else {
		h.state = StateDone
	}
	h.err = err
	close(h.done)

	if p.releaseLocked(q, h) {
		p.dispatchLocked(q)
	}
}

// invoke runs the job, converting a panic into an error so the slot is
// always released.
func invoke(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job(ctx)
}

// releaseLocked frees the job's slot once.
func (p *Pool) releaseLocked(q *typeQueue, h *Handle) bool {
	if h.released {
		return false
	}
	h.released = true
	q.running--
	return true
}

// Cancel removes a pending job, or signals a running job to abort and frees
// its slot without waiting for it to return. Returns false if the job had
// already finished or been cancelled.
func (p *Pool) Cancel(h *Handle) bool {
	if h == nil {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	q, ok := p.queues[h.requestType]
	if !ok {
		return false
	}

	switch h.state {
	case StatePending:
		q.pending.Remove(h.key)
		h.state = StateCancelled
		h.err = types.ErrCancelled
		close(h.done)
		p.stats.IncJobCancelledPending()
		return true

	case StateRunning:
		h.state = StateCancelled
		h.cancel()
		p.stats.IncJobAbortedRunning()
		p.logger.Debug("running job aborted", map[string]any{
			"request_type": string(h.requestType),
			"priority":     h.priority,
		})
		if p.releaseLocked(q, h) {
			p.dispatchLocked(q)
		}
		return true

	default:
		return false
	}
}

// State returns the job's lifecycle state.
func (h *Handle) State() State {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	return h.state
}

// Err returns the job's result once Done is closed. A job cancelled while
// pending reports types.ErrCancelled.
func (h *Handle) Err() error {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	return h.err
}

// TypeStats is a point-in-time view of one request type.
type TypeStats struct {
	Pending int
	Running int
	Limit   int
}

// Stats returns per-type queue statistics.
func (p *Pool) Stats() map[types.RequestType]TypeStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[types.RequestType]TypeStats, len(p.queues))
	for rt, q := range p.queues {
		out[rt] = TypeStats{Pending: q.pending.Size(), Running: q.running, Limit: q.limit}
	}
	return out
}

// Close cancels all pending and running jobs and waits for running jobs
// to return. Later submissions fail with ErrClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	dropped := 0
	for _, q := range p.queues {
		it := q.pending.Iterator()
		for it.Next() {
			h := it.Value().(*Handle)
			h.state = StateCancelled
			h.err = ErrClosed
			close(h.done)
			dropped++
		}
		q.pending.Clear()
	}
	p.stop()
	p.mu.Unlock()

	if dropped > 0 {
		p.logger.Info("pool closed with pending jobs", map[string]any{"dropped": dropped})
	}
	p.wg.Wait()
}
