// Package pipeline runs one URL through fetch, extraction, sanitizing,
// packaging and delivery as an explicit state machine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperifyio/kindlesender/internal/article"
	"github.com/hyperifyio/kindlesender/internal/deliver"
	"github.com/hyperifyio/kindlesender/internal/ebook"
	"github.com/hyperifyio/kindlesender/internal/extract"
)

// Stage is a state of one run.
type Stage string

const (
	StageIdle       Stage = "idle"
	StageFetching   Stage = "fetching"
	StageExtracting Stage = "extracting"
	StageSanitizing Stage = "sanitizing"
	StageBuilding   Stage = "building"
	StageDelivering Stage = "delivering"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

// Terminal reports whether no further transition follows s.
func (s Stage) Terminal() bool { return s == StageDone || s == StageFailed }

// next lists the legal transitions. Every working stage may also fail.
var next = map[Stage][]Stage{
	StageIdle:       {StageFetching},
	StageFetching:   {StageExtracting},
	StageExtracting: {StageSanitizing},
	StageSanitizing: {StageBuilding, StageDone},
	StageBuilding:   {StageDelivering},
	StageDelivering: {StageDone},
}

func canMove(from, to Stage) bool {
	if from.Terminal() {
		return false
	}
	if to == StageFailed {
		return true
	}
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Fetcher retrieves the page behind a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (article.Source, error)
}

// Sanitizer applies the markup allow-list. It never fails.
type Sanitizer interface {
	Sanitize(ctx context.Context, a article.Article) article.Sanitized
}

// Builder packages a sanitized article.
type Builder interface {
	Build(ctx context.Context, a article.Sanitized) (*ebook.Package, error)
}

// Config is fixed for the lifetime of a Pipeline and shared read-only by
// all of its runs.
type Config struct {
	Destination deliver.Destination
	// DryRun stops after sanitizing and renders the article as Markdown.
	DryRun bool
	// RunTimeout bounds a whole run. Zero means no bound beyond the caller's
	// context.
	RunTimeout time.Duration
}

// Deps are the stage implementations. Builder and Deliverer may be nil for
// dry runs.
type Deps struct {
	Fetcher   Fetcher
	Extractor extract.Extractor
	Sanitizer Sanitizer
	Builder   Builder
	Deliverer deliver.Deliverer
	Metrics   *Metrics
	Logger    zerolog.Logger
}

// Transition is reported to observers on every stage change.
type Transition struct {
	From Stage
	To   Stage
	At   time.Time
	// Err is set when To is StageFailed.
	Err error
}

// Observer receives transitions synchronously, in order.
type Observer func(Transition)

// Result is what one run produced. Package and Receipt stay nil when the
// run ended before their stage.
type Result struct {
	URL       string
	Stage     Stage
	Title     string
	WordCount int
	// Markdown holds the sanitized article for dry runs.
	Markdown string
	Package  *ebook.Package
	Receipt  *deliver.Receipt
	Warnings []string
	Started  time.Time
	Finished time.Time
}

// Pipeline wires the stages together. Runs share nothing but the
// configuration and the stage implementations, which are all safe for
// concurrent use.
type Pipeline struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

// New validates cfg and deps and returns a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Fetcher == nil || deps.Extractor == nil || deps.Sanitizer == nil {
		return nil, errors.New("pipeline: fetcher, extractor and sanitizer are required")
	}
	if !cfg.DryRun {
		if deps.Builder == nil || deps.Deliverer == nil {
			return nil, errors.New("pipeline: builder and deliverer are required unless dry run")
		}
		if err := cfg.Destination.Validate(); err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}
	}
	return &Pipeline{cfg: cfg, deps: deps, now: time.Now}, nil
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Run sends one URL through the stages. Cancellation of ctx is honored at
// every stage boundary. On failure the error is a *StageError and the
// partial result is still returned.
func (p *Pipeline) Run(ctx context.Context, rawURL string, obs Observer) (*Result, error) {
	if p.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RunTimeout)
		defer cancel()
	}
	r := &run{
		p:   p,
		obs: obs,
		log: p.deps.Logger.With().Str("url", rawURL).Logger(),
		res: &Result{URL: rawURL, Stage: StageIdle, Started: p.now()},
	}

	src, err := step(ctx, r, StageFetching, func(ctx context.Context) (article.Source, error) {
		return p.deps.Fetcher.Fetch(ctx, rawURL)
	})
	if err != nil {
		return r.res, err
	}
	if !src.EncodingCertain {
		r.log.Warn().Str("encoding", src.Encoding).Str("source", src.EncodingSource).Msg("character encoding is uncertain")
	}

	art, err := step(ctx, r, StageExtracting, func(context.Context) (article.Article, error) {
		return p.deps.Extractor.Extract(src)
	})
	if err != nil {
		return r.res, err
	}

	clean, err := step(ctx, r, StageSanitizing, func(ctx context.Context) (article.Sanitized, error) {
		return p.deps.Sanitizer.Sanitize(ctx, art), nil
	})
	if err != nil {
		return r.res, err
	}
	r.res.Title = clean.Title
	r.res.WordCount = clean.WordCount()
	r.res.Warnings = append([]string(nil), clean.Warnings...)

	if p.cfg.DryRun {
		md, err := article.Markdown(clean.Article)
		if err != nil {
			return r.res, r.fail(StageSanitizing, err)
		}
		r.res.Markdown = md
		return r.res, r.done()
	}

	pkg, err := step(ctx, r, StageBuilding, func(ctx context.Context) (*ebook.Package, error) {
		return p.deps.Builder.Build(ctx, clean)
	})
	if err != nil {
		return r.res, err
	}
	r.res.Package = pkg
	r.res.Warnings = append([]string(nil), pkg.Warnings...)

	rec, err := step(ctx, r, StageDelivering, func(ctx context.Context) (deliver.Receipt, error) {
		rec, err := p.deps.Deliverer.Deliver(ctx, pkg, p.cfg.Destination)
		r.res.Receipt = &rec
		p.deps.Metrics.observeDelivery(rec)
		return rec, err
	})
	if err != nil {
		return r.res, err
	}
	r.res.Receipt = &rec
	return r.res, r.done()
}

// run carries the mutable state of one Run call.
type run struct {
	p   *Pipeline
	obs Observer
	log zerolog.Logger
	res *Result
}

// step moves into stage s, runs fn and records its duration. A canceled
// context fails the run before fn starts.
func step[T any](ctx context.Context, r *run, s Stage, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, r.fail(s, err)
	}
	r.move(s, nil)
	start := r.p.now()
	out, err := fn(ctx)
	r.p.deps.Metrics.observeStage(s, r.p.now().Sub(start))
	if err != nil {
		return zero, r.fail(s, err)
	}
	return out, nil
}

func (r *run) move(to Stage, err error) {
	from := r.res.Stage
	if !canMove(from, to) {
		// A bug in the controller, not a runtime condition.
		panic(fmt.Sprintf("pipeline: illegal transition %s -> %s", from, to))
	}
	r.res.Stage = to
	r.log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("stage")
	if r.obs != nil {
		r.obs(Transition{From: from, To: to, At: r.p.now(), Err: err})
	}
}

func (r *run) fail(s Stage, err error) error {
	serr := &StageError{Stage: s, Err: err}
	r.res.Finished = r.p.now()
	r.move(StageFailed, serr)
	outcome := "failed"
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		outcome = "canceled"
	}
	r.p.deps.Metrics.observeRun(outcome)
	r.log.Error().Err(err).Str("stage", string(s)).Msg("run failed")
	return serr
}

func (r *run) done() error {
	r.res.Finished = r.p.now()
	r.move(StageDone, nil)
	r.p.deps.Metrics.observeRun("done")
	ev := r.log.Info().Str("title", r.res.Title).Int("words", r.res.WordCount).
		Int("warnings", len(r.res.Warnings)).Dur("took", r.res.Finished.Sub(r.res.Started))
	if r.res.Receipt != nil {
		ev = ev.Str("destination", r.res.Receipt.Destination).Int("attempts", r.res.Receipt.Attempts)
	}
	ev.Msg("run finished")
	return nil
}
