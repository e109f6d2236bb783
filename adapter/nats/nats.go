// Package nats publishes load events to NATS subjects.
//
// Each event goes to "<prefix>.<event_type>", so consumers can subscribe to
// "<prefix>.image-loaded", "<prefix>.image-load-failed" or "<prefix>.>".
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pithecene-io/wadostream/adapter"
	"github.com/pithecene-io/wadostream/log"
)

// DefaultSubjectPrefix is the default subject prefix.
const DefaultSubjectPrefix = "wadostream.events"

// DefaultTimeout bounds connect and flush.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// Config configures the NATS adapter.
type Config struct {
	// URL is the NATS server URL (required), e.g. nats://127.0.0.1:4222.
	URL string
	// SubjectPrefix is prepended to the event type (default wadostream.events).
	SubjectPrefix string
	// Timeout bounds connect and the per-publish flush (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3).
	Retries int
	// Logger receives connection state changes. Optional.
	Logger *log.Logger
}

// conn is the subset of *nats.Conn used by the adapter.
type conn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// Adapter publishes load events via NATS core publish.
type Adapter struct {
	config Config
	nc     conn
}

// New validates cfg and connects.
func New(cfg Config) (*Adapter, error) {
	cfg, err := withDefaults(cfg)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	opts := []nats.Option{
		nats.Name("wadostream-adapter"),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", map[string]any{"error": fmt.Sprint(err)})
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", map[string]any{"url": nc.ConnectedUrl()})
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Debug("nats connection closed", nil)
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats adapter: connect: %w", err)
	}
	return &Adapter{config: cfg, nc: nc}, nil
}

func withDefaults(cfg Config) (Config, error) {
	if cfg.URL == "" {
		return cfg, errors.New("nats adapter requires a URL")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if strings.ContainsAny(cfg.SubjectPrefix, " *>") || strings.HasSuffix(cfg.SubjectPrefix, ".") {
		return cfg, fmt.Errorf("nats adapter: invalid subject prefix %q", cfg.SubjectPrefix)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return cfg, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	return cfg, nil
}

// Subject returns the subject an event type is published on.
func (a *Adapter) Subject(eventType string) string {
	return a.config.SubjectPrefix + "." + eventType
}

// Publish sends the event as JSON and flushes so delivery errors surface
// before returning.
func (a *Adapter) Publish(ctx context.Context, event *adapter.LoadEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("nats: marshal event: %w", err)
	}
	subject := a.Subject(event.EventType)

	return adapter.Retry(ctx, "nats", a.config.Retries, func(ctx context.Context) error {
		if err := a.nc.Publish(subject, body); err != nil {
			return err
		}
		timeout := a.config.Timeout
		if deadline, ok := ctx.Deadline(); ok {
			timeout = min(timeout, time.Until(deadline))
		}
		return a.nc.FlushTimeout(timeout)
	}, func(err error) bool {
		return errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubject)
	})
}

// Close releases the connection.
func (a *Adapter) Close() error {
	a.nc.Close()
	return nil
}

// Verify Adapter implements the adapter interface.
var _ adapter.Adapter = (*Adapter)(nil)
