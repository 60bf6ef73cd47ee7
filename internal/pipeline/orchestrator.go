package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultWorkers         = 4
	DefaultQueueSize       = 64
	DefaultJobTTL          = time.Hour
	defaultCleanupInterval = 5 * time.Minute

	shutdownReason = "server shutting down"
)

// Runner is the part of a Pipeline the orchestrator needs.
type Runner interface {
	Run(ctx context.Context, url string, obs Observer) (*Result, error)
}

// OrchestratorConfig sizes the asynchronous job queue. Zero values select
// the defaults.
type OrchestratorConfig struct {
	Workers         int
	QueueSize       int
	JobTTL          time.Duration
	CleanupInterval time.Duration
}

// Orchestrator runs submitted URLs on a fixed set of workers. Each job gets
// its own pipeline run.
type Orchestrator struct {
	jobs   *JobStore
	queue  chan *Job
	runner Runner
	cfg    OrchestratorConfig
	log    zerolog.Logger

	mu      sync.Mutex
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator creates the job queue. Call Start to launch the workers.
func NewOrchestrator(cfg OrchestratorConfig, runner Runner, logger zerolog.Logger) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.JobTTL <= 0 {
		cfg.JobTTL = DefaultJobTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	return &Orchestrator{
		jobs:   NewJobStore(cfg.JobTTL),
		queue:  make(chan *Job, cfg.QueueSize),
		runner: runner,
		cfg:    cfg,
		log:    logger,
	}
}

// Start launches worker goroutines and the job store cleanup.
func (o *Orchestrator) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	for range o.cfg.Workers {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for {
				select {
				case <-workerCtx.Done():
					return
				case job, ok := <-o.queue:
					if !ok {
						return
					}
					if workerCtx.Err() != nil {
						job.Fail(shutdownReason)
						continue
					}
					o.process(workerCtx, job)
				}
			}
		}()
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				if n := o.jobs.Cleanup(); n > 0 {
					o.log.Debug().Int("removed", n).Msg("expired jobs removed")
				}
			}
		}
	}()
}

func (o *Orchestrator) process(ctx context.Context, job *Job) {
	res, err := o.runner.Run(ctx, job.URL, job.Observe)
	job.Finish(res, err)
}

// Stop cancels running jobs, waits for the workers to exit and fails every
// job that was still queued.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	close(o.queue)
	o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	for job := range o.queue {
		job.Fail(shutdownReason)
	}
}

// Submit queues a run for url and returns its job.
func (o *Orchestrator) Submit(url string) (*Job, error) {
	job := NewJob(url)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return nil, fmt.Errorf("orchestrator is stopped")
	}
	o.jobs.Put(job)
	select {
	case o.queue <- job:
		o.log.Info().Str("job", job.ID).Str("url", url).Msg("job queued")
		return job, nil
	default:
		job.Fail("queue full")
		return job, fmt.Errorf("job queue is full (%d)", o.cfg.QueueSize)
	}
}

// GetJob returns a job by ID.
func (o *Orchestrator) GetJob(id string) *Job {
	return o.jobs.Get(id)
}

// QueueDepth returns current queue depth.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}
