package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/pithecene-io/wadostream/adapter"
	"github.com/pithecene-io/wadostream/types"
)

func loadedEvent() *adapter.LoadEvent {
	return adapter.FromEvent(types.Event{
		Type:        types.EventImageLoaded,
		ImageID:     "img-1",
		RequestID:   "req-001",
		RequestType: types.RequestPrefetch,
		Frame:       &types.Frame{Status: types.StatusDone, LoadedBytes: 10, TotalBytes: 10},
		Time:        time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC),
	})
}

func failedEvent() *adapter.LoadEvent {
	return adapter.FromEvent(types.Event{
		Type:    types.EventLoadFailed,
		ImageID: "img-2",
		Err:     types.NewError(types.ErrorMalformedContainer, "img-2", "missing boundary", nil),
		Time:    time.Date(2026, 2, 7, 12, 0, 1, 0, time.UTC),
	})
}

// asyncReceive reads one message from the subscriber in the background.
// Must be called before Publish: miniredis delivers pub/sub synchronously.
func asyncReceive(sub *miniredis.Subscriber) <-chan miniredis.PubsubMessage {
	ch := make(chan miniredis.PubsubMessage, 1)
	go func() {
		ch <- <-sub.Messages()
	}()
	return ch
}

func waitMessage(t *testing.T, ch <-chan miniredis.PubsubMessage) miniredis.PubsubMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for pub/sub message")
		return miniredis.PubsubMessage{}
	}
}

func newAdapter(t *testing.T, cfg Config) *Adapter {
	t.Helper()
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestPublish_Success(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newAdapter(t, Config{URL: "redis://" + mr.Addr()})

	sub := mr.NewSubscriber()
	sub.Subscribe(DefaultChannel)
	ch := asyncReceive(sub)

	if err := a.Publish(t.Context(), loadedEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg := waitMessage(t, ch)
	if msg.Channel != DefaultChannel {
		t.Errorf("expected channel %q, got %q", DefaultChannel, msg.Channel)
	}

	var received adapter.LoadEvent
	if err := json.Unmarshal([]byte(msg.Message), &received); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if received.ImageID != "img-1" || received.Status != "done" {
		t.Errorf("received %+v", received)
	}
	if received.ContractVersion != types.Version {
		t.Errorf("contract version = %q", received.ContractVersion)
	}
}

func TestPublish_FailedChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newAdapter(t, Config{
		URL:           "redis://" + mr.Addr(),
		Channel:       "frames:loaded",
		FailedChannel: "frames:failed",
	})

	sub := mr.NewSubscriber()
	sub.Subscribe("frames:failed")
	ch := asyncReceive(sub)

	if err := a.Publish(t.Context(), failedEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg := waitMessage(t, ch)
	var received adapter.LoadEvent
	if err := json.Unmarshal([]byte(msg.Message), &received); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if received.ErrorKind != string(types.ErrorMalformedContainer) {
		t.Errorf("error kind = %q", received.ErrorKind)
	}
}

func TestPublish_ExhaustsRetries(t *testing.T) {
	a := newAdapter(t, Config{URL: "redis://127.0.0.1:1", Retries: 2, Timeout: 100 * time.Millisecond})

	if err := a.Publish(t.Context(), loadedEvent()); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestPublish_ContextCanceled(t *testing.T) {
	a := newAdapter(t, Config{URL: "redis://127.0.0.1:1", Retries: 5, Timeout: 10 * time.Second})

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	err := a.Publish(ctx, loadedEvent())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing URL", Config{}},
		{"invalid URL", Config{URL: "not-a-redis-url"}},
		{"negative retries", Config{URL: "redis://localhost:6379", Retries: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNew_DefaultsApplied(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newAdapter(t, Config{URL: "redis://" + mr.Addr()})

	if a.config.Channel != DefaultChannel || a.config.FailedChannel != DefaultChannel {
		t.Errorf("channels = %q / %q", a.config.Channel, a.config.FailedChannel)
	}
	if a.config.Timeout != DefaultTimeout {
		t.Errorf("expected default timeout %v, got %v", DefaultTimeout, a.config.Timeout)
	}
}

func TestClose_StopsPublishing(t *testing.T) {
	mr := miniredis.RunT(t)
	a, err := New(Config{URL: "redis://" + mr.Addr(), Retries: 3})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	start := time.Now()
	if err := a.Publish(t.Context(), loadedEvent()); err == nil {
		t.Fatal("expected error after close")
	}
	if time.Since(start) > time.Second {
		t.Error("publish on a closed client should not retry")
	}
}
