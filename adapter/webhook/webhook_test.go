package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pithecene-io/wadostream/adapter"
	"github.com/pithecene-io/wadostream/iox"
	"github.com/pithecene-io/wadostream/types"
)

func testEvent() *adapter.LoadEvent {
	return adapter.FromEvent(types.Event{
		Type:        types.EventImageLoaded,
		ImageID:     "wadors:https://pacs.example.com/studies/1/series/2/instances/3/frames/1",
		RequestID:   "req-001",
		RequestType: types.RequestInteraction,
		Frame: &types.Frame{
			Status:         types.StatusDone,
			ContentType:    "image/jphc",
			TransferSyntax: "3.2.840.10008.1.2.4.96",
			LoadedBytes:    4096,
			TotalBytes:     4096,
			LoadTime:       1500 * time.Millisecond,
		},
		Time: time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC),
	})
}

// countingServer answers every request with the status returned by code(n),
// where n is the 1-based attempt number.
func countingServer(t *testing.T, code func(n int32) int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var attempts atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code(attempts.Add(1)))
	}))
	t.Cleanup(ts.Close)
	return ts, &attempts
}

func TestPublish_Success(t *testing.T) {
	var received adapter.LoadEvent
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %s", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &received); err != nil {
			t.Errorf("unmarshal: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a, err := New(Config{URL: ts.URL, Retries: 0})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iox.DiscardClose(a)

	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if received.RequestID != "req-001" {
		t.Errorf("expected req-001, got %s", received.RequestID)
	}
	if received.EventType != string(types.EventImageLoaded) {
		t.Errorf("expected image-loaded, got %s", received.EventType)
	}
	if received.Status != "done" || received.DurationMs != 1500 {
		t.Errorf("status/duration = %s/%d", received.Status, received.DurationMs)
	}
	if received.Timestamp != "2026-02-07T12:00:00Z" {
		t.Errorf("timestamp = %s", received.Timestamp)
	}
}

func TestPublish_CustomHeaders(t *testing.T) {
	var authHeader atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a, err := New(Config{
		URL:     ts.URL,
		Headers: map[string]string{"Authorization": "Bearer test-token"},
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iox.DiscardClose(a)

	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if authHeader.Load() != "Bearer test-token" {
		t.Errorf("expected Bearer test-token, got %v", authHeader.Load())
	}
}

func TestPublish_StatusHandling(t *testing.T) {
	tests := []struct {
		name         string
		code         func(n int32) int
		retries      int
		wantErr      bool
		wantAttempts int32
	}{
		{"200", func(int32) int { return 200 }, 0, false, 1},
		{"204", func(int32) int { return 204 }, 0, false, 1},
		{"recovers after 5xx", func(n int32) int {
			if n < 3 {
				return 500
			}
			return 200
		}, 3, false, 3},
		{"5xx exhausts retries", func(int32) int { return 503 }, 2, true, 3},
		{"4xx fails immediately", func(int32) int { return 404 }, 3, true, 1},
		{"401 fails immediately", func(int32) int { return 401 }, 3, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, attempts := countingServer(t, tt.code)

			a, err := New(Config{URL: ts.URL, Retries: tt.retries, Timeout: 5 * time.Second})
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			defer iox.DiscardClose(a)

			err = a.Publish(t.Context(), testEvent())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Publish() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := attempts.Load(); got != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", got, tt.wantAttempts)
			}
		})
	}
}

func TestPublish_StatusErrorUnwraps(t *testing.T) {
	ts, _ := countingServer(t, func(int32) int { return http.StatusForbidden })

	a, err := New(Config{URL: ts.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iox.DiscardClose(a)

	err = a.Publish(t.Context(), testEvent())
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusForbidden {
		t.Errorf("expected StatusError 403, got %v", err)
	}
}

func TestPublish_ContextCanceled(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()
	defer close(release)

	a, err := New(Config{URL: ts.URL, Retries: 0, Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer iox.DiscardClose(a)

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()

	if err := a.Publish(ctx, testEvent()); err == nil {
		t.Fatal("expected error on canceled context")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty URL")
	}
	if _, err := New(Config{URL: "http://example.com", Retries: -1}); err == nil {
		t.Error("expected error for negative retries")
	}

	a, err := New(Config{URL: "http://example.com"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if a.config.Timeout != DefaultTimeout {
		t.Errorf("expected default timeout %v, got %v", DefaultTimeout, a.config.Timeout)
	}
}
