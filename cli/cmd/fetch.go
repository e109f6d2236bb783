package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/wadostream/adapter"
	natsadapter "github.com/pithecene-io/wadostream/adapter/nats"
	redisadapter "github.com/pithecene-io/wadostream/adapter/redis"
	"github.com/pithecene-io/wadostream/adapter/webhook"
	"github.com/pithecene-io/wadostream/archive"
	"github.com/pithecene-io/wadostream/cli/config"
	"github.com/pithecene-io/wadostream/cli/render"
	"github.com/pithecene-io/wadostream/cli/tui"
	"github.com/pithecene-io/wadostream/events"
	"github.com/pithecene-io/wadostream/framelog"
	"github.com/pithecene-io/wadostream/iox"
	"github.com/pithecene-io/wadostream/loader"
	"github.com/pithecene-io/wadostream/log"
	"github.com/pithecene-io/wadostream/metrics"
	"github.com/pithecene-io/wadostream/pool"
	"github.com/pithecene-io/wadostream/transport"
	"github.com/pithecene-io/wadostream/types"
)

// Exit codes for fetch.
const (
	exitLoadFailed  = 1
	exitConfigError = 2
	exitInterrupted = 130
)

// FetchCommand returns the fetch command.
func FetchCommand() *cli.Command {
	return &cli.Command{
		Name:      "fetch",
		Usage:     "Retrieve images over WADO-RS and report every frame",
		ArgsUsage: "<imageId|url>...",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to wadostream.yaml",
			},
			&cli.StringFlag{
				Name:  "transfer-syntax",
				Usage: "Transfer syntax UID used to select retrieve options",
			},
			&cli.StringFlag{
				Name:  "stage",
				Usage: "Load stage: lossy or final",
			},
			&cli.StringFlag{
				Name:  "request-type",
				Usage: "Request type: interaction, thumbnail, prefetch, compute",
				Value: string(types.RequestInteraction),
			},
			&cli.IntFlag{
				Name:  "priority",
				Usage: "Priority within the request type (lower is more urgent)",
				Value: types.DefaultPriority,
			},
			&cli.BoolFlag{
				Name:  "front",
				Usage: "Queue ahead of pending loads of the same request type",
			},
			&cli.StringSliceFlag{
				Name:  "header",
				Usage: "Request header as 'Name: value' (repeatable)",
			},
			&cli.BoolFlag{
				Name:  "continue-ranges",
				Usage: "Fetch every remaining byte range instead of stopping after the first",
			},
			// Output flags
			&cli.StringFlag{
				Name:  "out",
				Usage: "Write every frame to a framelog file",
			},
			&cli.StringFlag{
				Name:  "archive-path",
				Usage: "Archive loaded frames (fs: directory, s3: bucket/prefix)",
			},
			&cli.StringFlag{
				Name:  "archive-backend",
				Usage: "Archive backend: fs or s3",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve Prometheus metrics on this address (e.g. :9090)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
			},
		}, OutputFlags()...),
		Action: fetchAction,
	}
}

// fetchChoice holds the per-load flags.
type fetchChoice struct {
	transferSyntax string
	stage          types.Stage
	requestType    types.RequestType
	priority       int
	front          bool
	headers        map[string]string
	continueRanges bool
}

func parseFetchChoice(c *cli.Context) (fetchChoice, error) {
	choice := fetchChoice{
		transferSyntax: c.String("transfer-syntax"),
		stage:          types.Stage(c.String("stage")),
		requestType:    types.RequestType(c.String("request-type")),
		priority:       c.Int("priority"),
		front:          c.Bool("front"),
		continueRanges: c.Bool("continue-ranges"),
	}
	switch choice.stage {
	case types.StageDefault, types.StageLossy, types.StageFinal:
	default:
		return fetchChoice{}, fmt.Errorf("invalid stage %q (must be lossy or final)", choice.stage)
	}
	if !choice.requestType.Valid() {
		return fetchChoice{}, fmt.Errorf("invalid request type %q", choice.requestType)
	}
	headers, err := parseHeaders(c.StringSlice("header"))
	if err != nil {
		return fetchChoice{}, err
	}
	choice.headers = headers
	return choice, nil
}

// parseHeaders parses "Name: value" pairs.
func parseHeaders(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(values))
	for _, v := range values {
		name, value, ok := strings.Cut(v, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q (want 'Name: value')", v)
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers, nil
}

// imageIDs converts arguments to image ids, dropping repeats. Bare URLs get
// the wadors: prefix.
func imageIDs(args []string) []string {
	seen := make(map[string]struct{}, len(args))
	var ids []string
	for _, arg := range args {
		id := arg
		if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
			id = loader.SchemePrefix + arg
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// fetchSession holds everything a fetch invocation opens. close releases
// it in dependency order.
type fetchSession struct {
	logger    *log.Logger
	collector *metrics.Collector
	client    *transport.Client
	pool      *pool.Pool
	loader    *loader.Loader
	forwarder *events.Forwarder
	recorder  *archive.Recorder
	file      *os.File
	writer    *framelog.Writer
	server    *http.Server
}

func (s *fetchSession) close() {
	if s.loader != nil {
		s.loader.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	if s.forwarder != nil {
		if err := s.forwarder.Close(); err != nil {
			s.logger.Warn("adapter close failed", map[string]any{"error": err.Error()})
		}
	}
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			s.logger.Warn("archive close failed", map[string]any{"error": err.Error()})
		}
	}
	if s.writer != nil {
		if err := s.writer.Flush(); err != nil {
			s.logger.Error("framelog flush failed", map[string]any{"error": err.Error()})
		}
	}
	if s.file != nil {
		iox.DiscardClose(s.file)
	}
	if s.client != nil {
		iox.DiscardErr(s.client.Close)
	}
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.server.Shutdown(ctx)
		cancel()
	}
	_ = s.logger.Sync()
}

func fetchAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("fetch requires at least one image id or URL", exitConfigError)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	choice, err := parseFetchChoice(c)
	if err != nil {
		return cli.Exit(err.Error(), exitConfigError)
	}

	cfg := &config.Config{}
	if path := c.String("config"); path != "" {
		if cfg, err = config.Load(path); err != nil {
			return cli.Exit(err.Error(), exitConfigError)
		}
	}

	useTUI := c.Bool("tui")
	if useTUI && !isStderrTTY() {
		return cli.Exit("--tui requires a terminal", exitConfigError)
	}
	sessionID := uuid.NewString()
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openFetchSession(ctx, c, cfg, sessionID, useTUI)
	if err != nil {
		if s != nil {
			s.close()
		}
		return cli.Exit(err.Error(), exitConfigError)
	}

	ids := imageIDs(c.Args().Slice())
	failed := runLoads(ctx, s, ids, choice, r, useTUI, stop)

	snap := s.collector.Snapshot()
	s.close()
	s.logger.Info("fetch finished", map[string]any{
		"images":          len(ids),
		"loads_completed": snap.LoadsCompleted,
		"loads_failed":    snap.LoadsFailed,
		"loads_cancelled": snap.LoadsCancelled,
	})

	switch {
	case failed:
		return cli.Exit("", exitLoadFailed)
	case ctx.Err() != nil && !useTUI:
		return cli.Exit("interrupted", exitInterrupted)
	}
	return nil
}

// openFetchSession builds the retrieval stack and its optional sinks.
// On error the partially opened session is returned for closing.
func openFetchSession(ctx context.Context, c *cli.Context, cfg *config.Config, sessionID string, useTUI bool) (*fetchSession, error) {
	logger := log.NewLogger("cli", sessionID)
	if useTUI {
		logger = logger.WithOutput(io.Discard)
	}
	level := cfg.Log.Level
	if c.IsSet("log-level") {
		level = c.String("log-level")
	}
	if err := logger.SetLevel(level); err != nil {
		return nil, err
	}

	backend := cfg.Archive.Backend
	if c.IsSet("archive-backend") {
		backend = c.String("archive-backend")
	}
	archivePath := cfg.Archive.Path
	if c.IsSet("archive-path") {
		archivePath = c.String("archive-path")
	}
	if archivePath == "" {
		backend = "none"
	} else if backend == "" {
		backend = "fs"
	}

	s := &fetchSession{
		logger:    logger,
		collector: metrics.NewCollector(backend, sessionID),
	}

	table, err := cfg.Table()
	if err != nil {
		return s, err
	}
	poolCfg, err := cfg.PoolConfig()
	if err != nil {
		return s, err
	}
	poolCfg.Logger = logger
	poolCfg.Metrics = s.collector

	tcfg, err := cfg.TransportConfig()
	if err != nil {
		return s, err
	}
	tcfg.Logger = logger
	tcfg.Metrics = s.collector
	if s.client, err = transport.New(tcfg); err != nil {
		return s, err
	}

	s.pool = pool.New(poolCfg)
	s.loader, err = loader.New(loader.Config{
		Client:  s.client,
		Pool:    s.pool,
		Table:   table,
		Logger:  logger,
		Metrics: s.collector,
	})
	if err != nil {
		return s, err
	}

	if cfg.Adapter.Type != "" {
		a, err := buildAdapter(cfg.Adapter, logger)
		if err != nil {
			return s, err
		}
		if s.forwarder, err = events.NewForwarder(s.loader.Bus(), events.ForwarderConfig{Logger: logger}, a); err != nil {
			iox.DiscardErr(a.Close)
			return s, err
		}
	}

	if archivePath != "" {
		a, err := openArchive(ctx, cfg.Archive, backend, archivePath, sessionID, s.collector)
		if err != nil {
			return s, err
		}
		if s.recorder, err = archive.NewRecorder(a, s.loader.Bus(), archive.RecorderConfig{Logger: logger}); err != nil {
			return s, err
		}
	}

	if out := c.String("out"); out != "" {
		f, err := os.Create(out)
		if err != nil {
			return s, fmt.Errorf("cannot create framelog: %w", err)
		}
		s.file = f
		s.writer = framelog.NewWriter(f)
	}

	if addr := c.String("metrics-addr"); addr != "" {
		if s.server, err = serveMetrics(addr, s.collector, logger); err != nil {
			return s, err
		}
	}

	return s, nil
}

// runLoads starts every load and delivers its events to the renderer or
// the TUI. Returns true if any load failed.
func runLoads(ctx context.Context, s *fetchSession, ids []string, choice fetchChoice, r *render.Renderer, useTUI bool, stop context.CancelFunc) bool {
	var failed atomic.Bool
	evCh := make(chan types.Event, 64)

	go func() {
		<-ctx.Done()
		s.loader.Close()
	}()

	var wg sync.WaitGroup
	for _, id := range ids {
		priority := choice.priority
		res, err := s.loader.Load(id, loader.LoadOptions{
			Header:         choice.headers,
			TransferSyntax: choice.transferSyntax,
			Stage:          choice.stage,
			RequestType:    choice.requestType,
			Priority:       &priority,
			InsertAtFront:  choice.front,
		})
		if err != nil {
			failed.Store(true)
			s.logger.Error("load rejected", map[string]any{"image_id": id, "error": err.Error()})
			ev := types.Event{Type: types.EventLoadFailed, ImageID: id, Err: err, Time: time.Now()}
			wg.Add(1)
			go func() {
				defer wg.Done()
				evCh <- ev
			}()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if !followLoad(ctx, s, res, choice.continueRanges, evCh) {
				failed.Store(true)
			}
		}()
	}

	go func() {
		wg.Wait()
		close(evCh)
	}()

	record := func(ev types.Event) {
		if s.writer == nil {
			return
		}
		if rec := framelog.FromEvent(ev); rec != nil {
			if err := s.writer.Write(rec); err != nil {
				s.logger.Error("framelog write failed", map[string]any{"error": err.Error()})
			}
		}
	}

	if useTUI {
		tuiCh := make(chan types.Event, 64)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := tui.RunFetch(ids, tuiCh); err != nil {
				s.logger.Error("tui failed", map[string]any{"error": err.Error()})
			}
			// Quitting the view cancels the remaining loads.
			stop()
		}()
		for ev := range evCh {
			record(ev)
			tuiCh <- ev
		}
		close(tuiCh)
		<-done
		return failed.Load()
	}

	for ev := range evCh {
		record(ev)
		if err := r.RenderRow(framelog.RowFromEvent(ev)); err != nil {
			s.logger.Error("render failed", map[string]any{"error": err.Error()})
		}
	}
	return failed.Load()
}

// followLoad forwards the events of one load until it ends. A range load
// that stops with ranges left is continued when continueRanges is set and
// left paused otherwise. Returns false if the load failed.
func followLoad(ctx context.Context, s *fetchSession, res *loader.Result, continueRanges bool, out chan<- types.Event) bool {
	defer res.Updates.Close()
	for {
		ev, err := res.Updates.Next(ctx)
		if err != nil {
			return true
		}
		out <- ev

		switch ev.Type {
		case types.EventLoadFailed:
			// Loads cancelled by an interrupt are not failures.
			return errors.Is(ev.Err, context.Canceled)
		case types.EventImageLoaded:
			if ev.Frame == nil || ev.Frame.Final {
				continue
			}
			if !continueRanges {
				return true
			}
			if err := s.loader.Continue(res.ImageID, true); err != nil {
				s.logger.Warn("range continuation failed", map[string]any{
					"image_id": res.ImageID,
					"error":    err.Error(),
				})
				return true
			}
		}
	}
}

// buildAdapter creates the configured event adapter.
func buildAdapter(cfg config.AdapterConfig, logger *log.Logger) (adapter.Adapter, error) {
	retries := webhook.DefaultRetries
	if cfg.Retries != nil {
		retries = *cfg.Retries
	}

	switch cfg.Type {
	case "webhook":
		return webhook.New(webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout.Duration,
			Retries: retries,
		})
	case "redis":
		return redisadapter.New(redisadapter.Config{
			URL:           cfg.URL,
			Channel:       cfg.Channel,
			FailedChannel: cfg.FailedChannel,
			Timeout:       cfg.Timeout.Duration,
			Retries:       retries,
		})
	case "nats":
		return natsadapter.New(natsadapter.Config{
			URL:           cfg.URL,
			SubjectPrefix: cfg.SubjectPrefix,
			Timeout:       cfg.Timeout.Duration,
			Retries:       retries,
			Logger:        logger,
		})
	default:
		return nil, fmt.Errorf("unknown adapter type %q (must be webhook, redis, or nats)", cfg.Type)
	}
}

// openArchive opens the archive on the selected backend.
func openArchive(ctx context.Context, cfg config.ArchiveConfig, backend, path, sessionID string, collector *metrics.Collector) (*archive.Archive, error) {
	acfg := archive.Config{
		Dataset:   cfg.Dataset,
		SessionID: sessionID,
		Metrics:   collector,
	}

	switch backend {
	case "fs":
		return archive.NewFS(acfg, path)
	case "s3":
		bucket, prefix := archive.ParseS3Path(path)
		return archive.NewS3(ctx, acfg, archive.S3Config{
			Bucket:       bucket,
			Prefix:       prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown archive backend %q (must be fs or s3)", backend)
	}
}

// serveMetrics starts a Prometheus endpoint at /metrics.
func serveMetrics(addr string, collector *metrics.Collector, logger *log.Logger) (*http.Server, error) {
	handler, err := metrics.Handler("wadostream", collector)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", map[string]any{"addr": addr, "error": err.Error()})
		}
	}()
	return srv, nil
}
