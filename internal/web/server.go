// Package web serves the browser form and JSON API that submit article
// URLs to the send pipeline.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/hyperifyio/kindlesender/internal/pipeline"
)

const defaultMaxRequestBytes = 64 << 10

// Runner runs one URL synchronously.
type Runner interface {
	Run(ctx context.Context, url string, obs pipeline.Observer) (*pipeline.Result, error)
}

// Jobs queues asynchronous runs.
type Jobs interface {
	Submit(url string) (*pipeline.Job, error)
	GetJob(id string) *pipeline.Job
}

// Options configure a Server.
type Options struct {
	// Destination is shown on the form so the user knows where books go.
	Destination string
	// Gatherer backs /metrics. Nil serves the default registry.
	Gatherer        prometheus.Gatherer
	MaxRequestBytes int64
}

// Server is the HTTP front end.
type Server struct {
	router chi.Router
	runner Runner
	jobs   Jobs
	opts   Options
	log    zerolog.Logger
}

// NewServer creates and configures the HTTP server.
func NewServer(runner Runner, jobs Jobs, opts Options, logger zerolog.Logger) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.MaxRequestBytes <= 0 {
		opts.MaxRequestBytes = defaultMaxRequestBytes
	}
	s := &Server{runner: runner, jobs: jobs, opts: opts, log: logger}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(hlog.NewHandler(s.log))
	r.Use(requestIDField)
	r.Use(hlog.MethodHandler("method"))
	r.Use(hlog.URLHandler("path"))
	r.Use(hlog.RemoteAddrHandler("ip"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().Int("status", status).Int("size", size).Dur("duration", duration).Msg("request")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleForm)
	r.Post("/send", s.handleSend)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/send", s.handleSubmit)
		r.Get("/jobs/{jobID}", s.handleJob)
	})

	s.router = r
}

// requestIDField adds chi's request id to the request logger.
func requestIDField(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("req_id", id)
			})
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
