package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pithecene-io/wadostream/metrics"
	"github.com/pithecene-io/wadostream/types"
)

const waitFor = 2 * time.Second

func newPool(t *testing.T, budget int) *Pool {
	t.Helper()
	p := New(Config{
		MaxConcurrent: map[types.RequestType]int{
			types.RequestInteraction: budget,
			types.RequestPrefetch:    budget,
		},
	})
	t.Cleanup(p.Close)
	return p
}

// blocker returns a job that signals started and waits for release.
func blocker(started chan<- struct{}, release <-chan struct{}) Job {
	return func(ctx context.Context) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("job did not finish")
	}
}

func TestPool_PriorityAndFrontOrdering(t *testing.T) {
	p := newPool(t, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	first := p.Submit(blocker(started, release), types.RequestInteraction, 0, false)
	<-started

	var mu sync.Mutex
	var order []string
	record := func(name string) Job {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	a := p.Submit(record("A"), types.RequestInteraction, 5, false)
	b := p.Submit(record("B"), types.RequestInteraction, 1, false)
	c := p.Submit(record("C"), types.RequestInteraction, 5, true)

	require.Equal(t, StateRunning, first.State())
	require.Equal(t, StatePending, a.State())
	require.Equal(t, 3, p.Stats()[types.RequestInteraction].Pending)

	close(release)
	for _, h := range []*Handle{first, a, b, c} {
		waitDone(t, h)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"C", "B", "A"}, order)
}

func TestPool_FrontLaneNewestFirst(t *testing.T) {
	p := newPool(t, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	p.Submit(blocker(started, release), types.RequestInteraction, 0, false)
	<-started

	var mu sync.Mutex
	var order []string
	var handles []*Handle
	for _, name := range []string{"X", "Y", "Z"} {
		handles = append(handles, p.Submit(func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}, types.RequestInteraction, 9, true))
	}

	close(release)
	for _, h := range handles {
		waitDone(t, h)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"Z", "Y", "X"}, order)
}

func TestPool_FrontLaneByPriority(t *testing.T) {
	p := newPool(t, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	first := p.Submit(blocker(started, release), types.RequestInteraction, 0, false)
	<-started

	var mu sync.Mutex
	var order []string
	record := func(name string) Job {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	// The normal lane never overtakes a front job, whatever its priority.
	normal := p.Submit(record("normal"), types.RequestInteraction, 0, false)
	low := p.Submit(record("low"), types.RequestInteraction, 9, true)
	urgent := p.Submit(record("urgent"), types.RequestInteraction, 1, true)
	lowNewer := p.Submit(record("low-newer"), types.RequestInteraction, 9, true)

	close(release)
	for _, h := range []*Handle{first, normal, low, urgent, lowNewer} {
		waitDone(t, h)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"urgent", "low-newer", "low", "normal"}, order)
}

func TestPool_CancelPending(t *testing.T) {
	collector := metrics.NewCollector("none", "")
	p := New(Config{
		MaxConcurrent: map[types.RequestType]int{types.RequestInteraction: 1},
		Metrics:       collector,
	})
	t.Cleanup(p.Close)

	started := make(chan struct{})
	release := make(chan struct{})
	first := p.Submit(blocker(started, release), types.RequestInteraction, 0, false)
	<-started

	var ran atomic.Bool
	pending := p.Submit(func(context.Context) error {
		ran.Store(true)
		return nil
	}, types.RequestInteraction, 0, false)

	require.True(t, p.Cancel(pending))
	require.False(t, p.Cancel(pending), "second cancel should be a no-op")
	require.Equal(t, StateCancelled, pending.State())
	require.True(t, types.IsCancelled(pending.Err()))

	select {
	case <-pending.Done():
	default:
		t.Fatal("cancelled pending job should be done")
	}

	close(release)
	waitDone(t, first)
	require.False(t, ran.Load(), "cancelled pending job must never run")
	require.Equal(t, int64(1), collector.Snapshot().JobsCancelledPending)
}

func TestPool_CancelRunningReleasesSlot(t *testing.T) {
	p := newPool(t, 1)

	stuck := make(chan struct{})
	aborted := make(chan struct{})
	running := p.Submit(func(ctx context.Context) error {
		close(stuck)
		<-ctx.Done()
		// Keep holding the goroutine after cancellation; the slot must
		// already be free.
		<-aborted
		return ctx.Err()
	}, types.RequestInteraction, 0, false)
	<-stuck

	nextRan := make(chan struct{})
	next := p.Submit(func(context.Context) error {
		close(nextRan)
		return nil
	}, types.RequestInteraction, 0, false)

	require.True(t, p.Cancel(running))

	select {
	case <-nextRan:
	case <-time.After(waitFor):
		t.Fatal("slot was not released by cancellation")
	}
	waitDone(t, next)

	close(aborted)
	waitDone(t, running)
	require.Equal(t, StateCancelled, running.State())
	require.True(t, errors.Is(running.Err(), context.Canceled))

	stats := p.Stats()[types.RequestInteraction]
	require.Equal(t, 0, stats.Running, "slot must be released exactly once")
}

func TestPool_FailedJobFreesSlot(t *testing.T) {
	p := newPool(t, 1)

	boom := errors.New("boom")
	failed := p.Submit(func(context.Context) error { return boom }, types.RequestInteraction, 0, false)
	waitDone(t, failed)
	require.ErrorIs(t, failed.Err(), boom)
	require.Equal(t, StateDone, failed.State())

	panicked := p.Submit(func(context.Context) error { panic("bad") }, types.RequestInteraction, 0, false)
	waitDone(t, panicked)
	require.ErrorContains(t, panicked.Err(), "panicked")

	ok := p.Submit(func(context.Context) error { return nil }, types.RequestInteraction, 0, false)
	waitDone(t, ok)
	require.NoError(t, ok.Err())
}

func TestPool_IndependentBudgets(t *testing.T) {
	p := newPool(t, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	p.Submit(blocker(started, release), types.RequestPrefetch, 0, false)
	<-started

	interactive := p.Submit(func(context.Context) error { return nil }, types.RequestInteraction, 0, false)
	waitDone(t, interactive)
	require.NoError(t, interactive.Err())
}

func TestPool_UnknownTypeUsesFallback(t *testing.T) {
	p := New(Config{DefaultMaxConcurrent: 2})
	t.Cleanup(p.Close)

	var active, peak atomic.Int32
	release := make(chan struct{})
	var handles []*Handle
	for range 4 {
		handles = append(handles, p.Submit(func(context.Context) error {
			n := active.Add(1)
			for {
				cur := peak.Load()
				if n <= cur || peak.CompareAndSwap(cur, n) {
					break
				}
			}
			<-release
			active.Add(-1)
			return nil
		}, types.RequestCompute, 0, false))
	}

	require.Eventually(t, func() bool { return active.Load() == 2 }, waitFor, time.Millisecond)
	require.Equal(t, 2, p.Stats()[types.RequestCompute].Limit)

	close(release)
	for _, h := range handles {
		waitDone(t, h)
	}
	require.Equal(t, int32(2), peak.Load())
}

func TestPool_Close(t *testing.T) {
	p := New(Config{MaxConcurrent: map[types.RequestType]int{types.RequestInteraction: 1}})

	started := make(chan struct{})
	running := p.Submit(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, types.RequestInteraction, 0, false)
	<-started
	pending := p.Submit(func(context.Context) error { return nil }, types.RequestInteraction, 0, false)

	p.Close()

	waitDone(t, running)
	waitDone(t, pending)
	require.ErrorIs(t, pending.Err(), ErrClosed)

	late := p.Submit(func(context.Context) error { return nil }, types.RequestInteraction, 0, false)
	waitDone(t, late)
	require.ErrorIs(t, late.Err(), ErrClosed)
}
