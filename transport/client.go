// Package transport issues the HTTP requests behind every acquisition
// strategy: a GET consumed as a sequence of chunks, a GET restricted to a
// byte range, and a plain whole-body GET.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pithecene-io/wadostream/iox"
	"github.com/pithecene-io/wadostream/log"
	"github.com/pithecene-io/wadostream/metrics"
	"github.com/pithecene-io/wadostream/proxy"
	"github.com/pithecene-io/wadostream/types"
)

// DefaultMediaType is the Accept header sent for frame retrieval.
const DefaultMediaType = "multipart/related; type=application/octet-stream; transfer-syntax=*"

// DefaultReadSize is the maximum size of one streamed chunk.
const DefaultReadSize = 64 << 10

// DefaultHeaderTimeout bounds the wait for response headers. Body reads are
// not bounded here; callers cancel the context instead.
const DefaultHeaderTimeout = 30 * time.Second

// Config configures a Client.
type Config struct {
	// Headers are added to every request. Empty values are dropped.
	Headers map[string]string
	// MediaType is the Accept header (default DefaultMediaType).
	MediaType string
	// HeaderTimeout bounds the wait for response headers (default 30s).
	HeaderTimeout time.Duration
	// ReadSize is the maximum streamed chunk size (default 64 KiB).
	ReadSize int
	// ProxyPool names the pool to route requests through. Empty disables proxying.
	ProxyPool string
	// Selector selects proxy endpoints. Required when ProxyPool is set.
	Selector *proxy.Selector
	// HTTPClient overrides the underlying client. Proxy settings are ignored when set.
	HTTPClient *http.Client
	// Logger is an optional logger.
	Logger *log.Logger
	// Metrics is an optional collector.
	Metrics *metrics.Collector
}

// Request is one outbound retrieval request.
type Request struct {
	// ImageID is the resource being fetched. Used for proxy stickiness and errors.
	ImageID string
	// URL is the resolved resource URL.
	URL string
	// Header holds per-request headers, applied over the client defaults.
	Header map[string]string
	// Range restricts the request to a byte span.
	Range *types.ByteRange
}

// Client performs retrieval requests.
type Client struct {
	config Config
	client *http.Client
	logger *log.Logger
	stats  *metrics.Collector
}

type imageIDKey struct{}

// New creates a client. Returns an error if proxying is configured
// without a selector.
func New(cfg Config) (*Client, error) {
	if cfg.MediaType == "" {
		cfg.MediaType = DefaultMediaType
	}
	if cfg.HeaderTimeout <= 0 {
		cfg.HeaderTimeout = DefaultHeaderTimeout
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = DefaultReadSize
	}
	if cfg.ProxyPool != "" && cfg.Selector == nil {
		return nil, errors.New("transport: proxy pool configured without a selector")
	}

	c := &Client{
		config: cfg,
		logger: cfg.Logger,
		stats:  cfg.Metrics,
	}

	if cfg.HTTPClient != nil {
		c.client = cfg.HTTPClient
		return c, nil
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = cfg.HeaderTimeout
	// Compressed codec streams gain nothing from gzip, and transparent
	// decompression would hide Content-Length.
	base.DisableCompression = true
	if cfg.ProxyPool != "" {
		base.Proxy = c.selectProxy
	}
	c.client = &http.Client{Transport: base}
	return c, nil
}

// selectProxy picks the egress endpoint for one outbound request.
func (c *Client) selectProxy(r *http.Request) (*url.URL, error) {
	imageID, _ := r.Context().Value(imageIDKey{}).(string)
	ep, err := c.config.Selector.Select(proxy.RequestFor(c.config.ProxyPool, imageID, r.URL.String()))
	if err != nil {
		return nil, fmt.Errorf("select proxy: %w", err)
	}
	c.logger.Debug("proxy selected", map[string]any{
		"image_id": imageID,
		"proxy":    ep.Redact(),
	})
	return ep.URL(), nil
}

// Headers builds the header set for a request. The Accept header is dropped
// when the URL already carries an accept= query parameter.
func (c *Client) Headers(req Request) http.Header {
	h := make(http.Header)
	h.Set("Accept", c.config.MediaType)
	for k, v := range c.config.Headers {
		h.Set(k, v)
	}
	for k, v := range req.Header {
		h.Set(k, v)
	}
	for k, vs := range h {
		if len(vs) == 0 || vs[0] == "" {
			h.Del(k)
		}
	}
	if strings.Contains(req.URL, "accept=") {
		h.Del("Accept")
	}
	if req.Range != nil {
		h.Set("Range", req.Range.Header())
	}
	return h
}

// do issues a GET and returns the response once a 2xx status arrived.
func (c *Client) do(ctx context.Context, req Request) (*http.Response, error) {
	if req.Range != nil {
		if err := req.Range.Validate(); err != nil {
			return nil, types.NewError(types.ErrorConfiguration, req.ImageID, "invalid byte range", err)
		}
	}

	ctx = context.WithValue(ctx, imageIDKey{}, req.ImageID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, types.NewError(types.ErrorConfiguration, req.ImageID, "create request", err)
	}
	httpReq.Header = c.Headers(req)

	c.stats.IncHTTPRequest(req.Range != nil)
	c.logger.Debug("request issued", map[string]any{
		"image_id": req.ImageID,
		"url":      req.URL,
		"range":    httpReq.Header.Get("Range"),
	})

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.stats.IncHTTPFailure()
		return nil, classify(ctx, req.ImageID, "request failed", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.stats.IncHTTPFailure()
		iox.DrainClose(resp.Body)
		return nil, types.NewError(types.ErrorTransport, req.ImageID, "", &StatusError{Code: resp.StatusCode})
	}

	return resp, nil
}

// Stream issues a GET and returns its body as a chunk sequence.
// The caller must Close the stream.
func (c *Client) Stream(ctx context.Context, req Request) (*ChunkStream, error) {
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	meta, err := metaFromResponse(resp)
	if err != nil {
		iox.DrainClose(resp.Body)
		return nil, types.NewError(types.ErrorTransport, req.ImageID, "", err)
	}
	s := NewChunkStream(meta, resp.Body, c.config.ReadSize)
	s.ctx = ctx
	s.imageID = req.ImageID
	s.stats = c.stats
	return s, nil
}

// Fetch issues a GET, optionally ranged, and reads the whole body.
func (c *Client) Fetch(ctx context.Context, req Request) (*Body, error) {
	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer iox.DiscardClose(resp.Body)

	meta, err := metaFromResponse(resp)
	if err != nil {
		return nil, types.NewError(types.ErrorTransport, req.ImageID, "", err)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.stats.IncHTTPFailure()
		return nil, classify(ctx, req.ImageID, "read body", err)
	}
	c.stats.AddBytesReceived(int64(len(data)))

	return &Body{Meta: meta, Data: data}, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// classify maps a request error to a retrieval error, distinguishing
// caller cancellation from network failures.
func classify(ctx context.Context, imageID, msg string, err error) error {
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return types.NewError(types.ErrorCancelled, imageID, msg, ctx.Err())
	}
	return types.NewError(types.ErrorTransport, imageID, msg, err)
}

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}
