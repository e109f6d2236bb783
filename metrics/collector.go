// Package metrics provides retrieval metrics collection.
//
// The Collector accumulates counters for the lifetime of a loader. It is a
// leaf package with no internal dependencies; request types and frame
// statuses are plain strings here.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Load lifecycle
	LoadsStarted      int64
	LoadsCompleted    int64
	LoadsFailed       int64
	LoadsCancelled    int64
	LoadsDeduplicated int64

	// Frames
	FramesByStatus map[string]int64
	BytesReceived  int64

	// Pool
	JobsSubmitted        int64
	JobsStarted          int64
	JobsCancelledPending int64
	JobsAbortedRunning   int64
	JobsByRequestType    map[string]int64

	// Transport
	HTTPRequests  int64
	HTTPFailures  int64
	RangeRequests int64

	// Decode
	DecodeSuccess int64
	DecodeFailure int64

	// Event channel
	EventsPublished int64
	EventsDropped   int64

	// Archive
	ArchiveWriteSuccess int64
	ArchiveWriteFailure int64

	// Dimensions (informational, set at construction)
	StorageBackend string
	SessionID      string
}

// Collector accumulates retrieval metrics.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	loadsStarted      int64
	loadsCompleted    int64
	loadsFailed       int64
	loadsCancelled    int64
	loadsDeduplicated int64

	framesByStatus map[string]int64
	bytesReceived  int64

	jobsSubmitted        int64
	jobsStarted          int64
	jobsCancelledPending int64
	jobsAbortedRunning   int64
	jobsByRequestType    map[string]int64

	httpRequests  int64
	httpFailures  int64
	rangeRequests int64

	decodeSuccess int64
	decodeFailure int64

	eventsPublished int64
	eventsDropped   int64

	archiveWriteSuccess int64
	archiveWriteFailure int64

	storageBackend string
	sessionID      string
}

// NewCollector creates a Collector with dimension labels.
// storageBackend is "none" when archiving is disabled.
func NewCollector(storageBackend, sessionID string) *Collector {
	return &Collector{
		framesByStatus:    make(map[string]int64),
		jobsByRequestType: make(map[string]int64),
		storageBackend:    storageBackend,
		sessionID:         sessionID,
	}
}

func (c *Collector) add(field *int64, n int64) {
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

// --- Load lifecycle ---

// IncLoadStarted records a load whose job began executing.
func (c *Collector) IncLoadStarted() {
	if c == nil {
		return
	}
	c.add(&c.loadsStarted, 1)
}

// IncLoadCompleted records a load that delivered its final frame.
func (c *Collector) IncLoadCompleted() {
	if c == nil {
		return
	}
	c.add(&c.loadsCompleted, 1)
}

// IncLoadFailed records a load that ended with an error.
func (c *Collector) IncLoadFailed() {
	if c == nil {
		return
	}
	c.add(&c.loadsFailed, 1)
}

// IncLoadCancelled records a load stopped by its caller.
func (c *Collector) IncLoadCancelled() {
	if c == nil {
		return
	}
	c.add(&c.loadsCancelled, 1)
}

// IncLoadDeduplicated records a Load call served by an in-flight load.
func (c *Collector) IncLoadDeduplicated() {
	if c == nil {
		return
	}
	c.add(&c.loadsDeduplicated, 1)
}

// --- Frames ---

// IncFrame records an emitted frame by status.
func (c *Collector) IncFrame(status string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.framesByStatus[status]++
	c.mu.Unlock()
}

// AddBytesReceived records response bytes read from the network.
func (c *Collector) AddBytesReceived(n int64) {
	if c == nil {
		return
	}
	c.add(&c.bytesReceived, n)
}

// --- Pool ---

// IncJobSubmitted records a job admitted to the pool.
func (c *Collector) IncJobSubmitted(requestType string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.jobsSubmitted++
	c.jobsByRequestType[requestType]++
	c.mu.Unlock()
}

// IncJobStarted records a job that took a worker slot.
func (c *Collector) IncJobStarted() {
	if c == nil {
		return
	}
	c.add(&c.jobsStarted, 1)
}

// IncJobCancelledPending records a job removed before it started.
func (c *Collector) IncJobCancelledPending() {
	if c == nil {
		return
	}
	c.add(&c.jobsCancelledPending, 1)
}

// IncJobAbortedRunning records a running job signalled to abort.
func (c *Collector) IncJobAbortedRunning() {
	if c == nil {
		return
	}
	c.add(&c.jobsAbortedRunning, 1)
}

// --- Transport ---

// IncHTTPRequest records an issued HTTP request.
func (c *Collector) IncHTTPRequest(ranged bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.httpRequests++
	if ranged {
		c.rangeRequests++
	}
	c.mu.Unlock()
}

// IncHTTPFailure records a failed or non-2xx HTTP request.
func (c *Collector) IncHTTPFailure() {
	if c == nil {
		return
	}
	c.add(&c.httpFailures, 1)
}

// --- Decode ---

// IncDecodeSuccess records a successful post-emission decode.
func (c *Collector) IncDecodeSuccess() {
	if c == nil {
		return
	}
	c.add(&c.decodeSuccess, 1)
}

// IncDecodeFailure records a failed post-emission decode.
func (c *Collector) IncDecodeFailure() {
	if c == nil {
		return
	}
	c.add(&c.decodeFailure, 1)
}

// --- Event channel ---

// IncEventPublished records an event handed to the bus.
func (c *Collector) IncEventPublished() {
	if c == nil {
		return
	}
	c.add(&c.eventsPublished, 1)
}

// AddEventsDropped records events dropped for slow subscribers.
func (c *Collector) AddEventsDropped(n int64) {
	if c == nil {
		return
	}
	c.add(&c.eventsDropped, n)
}

// --- Archive ---
// Archive counters are per-call. One Write with N records counts once.

// IncArchiveWriteSuccess records a successful archive write.
func (c *Collector) IncArchiveWriteSuccess() {
	if c == nil {
		return
	}
	c.add(&c.archiveWriteSuccess, 1)
}

// IncArchiveWriteFailure records a failed archive write.
func (c *Collector) IncArchiveWriteFailure() {
	if c == nil {
		return
	}
	c.add(&c.archiveWriteFailure, 1)
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return Snapshot{
		LoadsStarted:      c.loadsStarted,
		LoadsCompleted:    c.loadsCompleted,
		LoadsFailed:       c.loadsFailed,
		LoadsCancelled:    c.loadsCancelled,
		LoadsDeduplicated: c.loadsDeduplicated,

		FramesByStatus: copyCounts(c.framesByStatus),
		BytesReceived:  c.bytesReceived,

		JobsSubmitted:        c.jobsSubmitted,
		JobsStarted:          c.jobsStarted,
		JobsCancelledPending: c.jobsCancelledPending,
		JobsAbortedRunning:   c.jobsAbortedRunning,
		JobsByRequestType:    copyCounts(c.jobsByRequestType),

		HTTPRequests:  c.httpRequests,
		HTTPFailures:  c.httpFailures,
		RangeRequests: c.rangeRequests,

		DecodeSuccess: c.decodeSuccess,
		DecodeFailure: c.decodeFailure,

		EventsPublished: c.eventsPublished,
		EventsDropped:   c.eventsDropped,

		ArchiveWriteSuccess: c.archiveWriteSuccess,
		ArchiveWriteFailure: c.archiveWriteFailure,

		StorageBackend: c.storageBackend,
		SessionID:      c.sessionID,
	}
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
