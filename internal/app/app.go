package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/hyperifyio/kindlesender/internal/deliver"
	"github.com/hyperifyio/kindlesender/internal/ebook"
	"github.com/hyperifyio/kindlesender/internal/extract"
	"github.com/hyperifyio/kindlesender/internal/fetch"
	"github.com/hyperifyio/kindlesender/internal/pipeline"
	"github.com/hyperifyio/kindlesender/internal/sanitize"
	"github.com/hyperifyio/kindlesender/internal/web"
)

const shutdownTimeout = 10 * time.Second

// App wires the configured stages into one pipeline and serves it from the
// command line or over HTTP.
type App struct {
	cfg      Config
	dest     deliver.Destination
	log      zerolog.Logger
	registry *prometheus.Registry
	pipeline *pipeline.Pipeline
}

type options struct {
	sender     deliver.Sender
	httpClient *http.Client
}

// Option adjusts how New wires the stages.
type Option func(*options)

// WithSender routes email through s instead of dialing the configured SMTP
// server.
func WithSender(s deliver.Sender) Option {
	return func(o *options) { o.sender = s }
}

// WithHTTPClient replaces the client used for pages and images.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// New validates cfg and builds the pipeline.
func New(cfg Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = newHTTPClient(cfg.InsecureSkipVerify)
	}

	format, _ := ebook.ParseFormat(cfg.Format)
	fetcher := &fetch.Client{
		HTTPClient:        o.httpClient,
		UserAgent:         cfg.UserAgent,
		PerRequestTimeout: cfg.FetchTimeout,
		RedirectMaxHops:   cfg.MaxRedirects,
		MaxBodyBytes:      cfg.MaxBodyBytes,
		MaxConcurrent:     cfg.MaxConcurrent,
		Logger:            logger.With().Str("component", "fetch").Logger(),
	}
	extractor := extract.Heuristic{
		MinTextChars:   cfg.MinTextChars,
		MaxLinkDensity: cfg.MaxLinkDensity,
		Logger:         logger.With().Str("component", "extract").Logger(),
	}
	sanitizer := sanitize.New(sanitize.Options{
		AllowedTags:         cfg.AllowedTags,
		ImageMode:           sanitize.ImageMode(strings.ToLower(strings.TrimSpace(cfg.ImageMode))),
		MaxInlineImageBytes: cfg.MaxInlineImageBytes,
		MaxImages:           cfg.MaxImages,
	}, fetcher, logger.With().Str("component", "sanitize").Logger())
	builder := ebook.NewBuilder(ebook.Options{
		Format:          format,
		MaxImageBytes:   cfg.MaxImageBytes,
		DefaultLanguage: cfg.DefaultLanguage,
	}, fetcher, logger.With().Str("component", "ebook").Logger())

	dispatch := deliver.Dispatcher{File: deliver.NewFileDeliverer(logger.With().Str("component", "deliver").Logger())}
	if o.sender != nil || (trim(cfg.SMTPHost) != "" && trim(cfg.SMTPFrom) != "") {
		email, err := deliver.NewEmailDeliverer(deliver.SMTPConfig{
			Host:      cfg.SMTPHost,
			Port:      cfg.SMTPPort,
			Username:  cfg.SMTPUsername,
			Password:  cfg.SMTPPassword,
			From:      cfg.SMTPFrom,
			TLSPolicy: cfg.SMTPTLSPolicy,
			Timeout:   cfg.SMTPTimeout,
		}, deliver.RetryPolicy{
			MaxAttempts:     cfg.MaxAttempts,
			InitialInterval: cfg.RetryInitial,
			MaxInterval:     cfg.RetryMaxBackoff,
		}, o.sender, logger.With().Str("component", "deliver").Logger())
		if err != nil {
			return nil, fmt.Errorf("email delivery: %w", err)
		}
		dispatch.Email = email
	}

	var dest deliver.Destination
	if !cfg.DryRun {
		d, err := cfg.Destination()
		if err != nil {
			return nil, err
		}
		dest = d
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p, err := pipeline.New(pipeline.Config{
		Destination: dest,
		DryRun:      cfg.DryRun,
		RunTimeout:  cfg.RunTimeout,
	}, pipeline.Deps{
		Fetcher:   fetcher,
		Extractor: extractor,
		Sanitizer: sanitizer,
		Builder:   builder,
		Deliverer: dispatch,
		Metrics:   pipeline.NewMetrics(reg),
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, dest: dest, log: logger, registry: reg, pipeline: p}, nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() Config { return a.cfg }

// Registry holds the application metrics.
func (a *App) Registry() *prometheus.Registry { return a.registry }

// Send runs one URL to completion.
func (a *App) Send(ctx context.Context, url string) (*pipeline.Result, error) {
	return a.pipeline.Run(ctx, url, nil)
}

// Handler returns the web front end backed by jobs for asynchronous runs.
func (a *App) Handler(jobs web.Jobs) http.Handler {
	return web.NewServer(a.pipeline, jobs, web.Options{
		Destination: a.dest.String(),
		Gatherer:    a.registry,
	}, a.log.With().Str("component", "web").Logger())
}

// Serve listens on the configured address until ctx is canceled.
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.Listen, err)
	}
	return a.ServeListener(ctx, ln)
}

// ServeListener serves HTTP on ln until ctx is canceled, then drains
// in-flight requests. Jobs still queued are failed.
func (a *App) ServeListener(ctx context.Context, ln net.Listener) error {
	orch := pipeline.NewOrchestrator(pipeline.OrchestratorConfig{
		Workers:   a.cfg.Workers,
		QueueSize: a.cfg.QueueSize,
		JobTTL:    a.cfg.JobTTL,
	}, a.pipeline, a.log.With().Str("component", "jobs").Logger())
	orch.Start(ctx)
	defer orch.Stop()

	srv := &http.Server{
		Handler:           a.Handler(orch),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	a.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
