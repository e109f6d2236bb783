package nats

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pithecene-io/wadostream/adapter"
	"github.com/pithecene-io/wadostream/types"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu       sync.Mutex
	msgs     []published
	failures int
	err      error
	closed   bool
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nats.ErrConnectionClosed
	}
	if c.failures > 0 {
		c.failures--
		return c.err
	}
	c.msgs = append(c.msgs, published{subject: subject, data: data})
	return nil
}

func (c *fakeConn) FlushTimeout(time.Duration) error { return nil }

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func newTestAdapter(t *testing.T, cfg Config, nc *fakeConn) *Adapter {
	t.Helper()
	cfg, err := withDefaults(cfg)
	if err != nil {
		t.Fatalf("withDefaults: %v", err)
	}
	return &Adapter{config: cfg, nc: nc}
}

func testEvent(eventType types.EventType) *adapter.LoadEvent {
	return adapter.FromEvent(types.Event{
		Type:      eventType,
		ImageID:   "img-1",
		RequestID: "req-1",
		Time:      time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC),
	})
}

func TestPublish_Subject(t *testing.T) {
	nc := &fakeConn{}
	a := newTestAdapter(t, Config{URL: "nats://unused", SubjectPrefix: "pacs.frames"}, nc)

	if err := a.Publish(t.Context(), testEvent(types.EventImageLoaded)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := a.Publish(t.Context(), testEvent(types.EventLoadFailed)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if len(nc.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(nc.msgs))
	}
	if nc.msgs[0].subject != "pacs.frames.image-loaded" {
		t.Errorf("subject = %q", nc.msgs[0].subject)
	}
	if nc.msgs[1].subject != "pacs.frames.image-load-failed" {
		t.Errorf("subject = %q", nc.msgs[1].subject)
	}

	var got adapter.LoadEvent
	if err := json.Unmarshal(nc.msgs[0].data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ImageID != "img-1" || got.RequestID != "req-1" {
		t.Errorf("payload = %+v", got)
	}
}

func TestPublish_RetriesTransientError(t *testing.T) {
	nc := &fakeConn{failures: 1, err: errors.New("slow consumer")}
	a := newTestAdapter(t, Config{URL: "nats://unused", Retries: 2}, nc)

	if err := a.Publish(t.Context(), testEvent(types.EventImageLoaded)); err != nil {
		t.Fatalf("publish should succeed after retry: %v", err)
	}
	if len(nc.msgs) != 1 {
		t.Errorf("expected 1 message, got %d", len(nc.msgs))
	}
}

func TestPublish_ClosedIsPermanent(t *testing.T) {
	nc := &fakeConn{}
	a := newTestAdapter(t, Config{URL: "nats://unused", Retries: 3}, nc)
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	start := time.Now()
	err := a.Publish(t.Context(), testEvent(types.EventImageLoaded))
	if !errors.Is(err, nats.ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("closed connection should not be retried")
	}
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"missing URL", Config{}, true},
		{"wildcard prefix", Config{URL: "nats://x", SubjectPrefix: "a.*"}, true},
		{"trailing dot", Config{URL: "nats://x", SubjectPrefix: "a."}, true},
		{"negative retries", Config{URL: "nats://x", Retries: -1}, true},
		{"defaults", Config{URL: "nats://x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := withDefaults(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("withDefaults() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (cfg.SubjectPrefix != DefaultSubjectPrefix || cfg.Timeout != DefaultTimeout) {
				t.Errorf("defaults not applied: %+v", cfg)
			}
		})
	}
}

func TestNew_ConnectFailure(t *testing.T) {
	if _, err := New(Config{URL: "nats://127.0.0.1:1", Timeout: 200 * time.Millisecond}); err == nil {
		t.Fatal("expected connect error")
	}
}
