package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperifyio/kindlesender/internal/deliver"
)

func TestJob_FollowsTransitions(t *testing.T) {
	job := NewJob("https://example.com/a")
	require.NotEmpty(t, job.ID)
	assert.Equal(t, StatusQueued, job.Snapshot().Status)

	at := time.Now()
	job.Observe(Transition{From: StageIdle, To: StageFetching, At: at})
	snap := job.Snapshot()
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Equal(t, StageFetching, snap.Stage)
	assert.Equal(t, at, snap.UpdatedAt)

	job.Observe(Transition{From: StageDelivering, To: StageDone, At: at})
	assert.Equal(t, StatusSucceeded, job.Snapshot().Status)
}

func TestJob_FinishRecordsFailure(t *testing.T) {
	job := NewJob("https://example.com/a")
	rec := deliver.Receipt{Method: deliver.MethodEmail, Destination: "a@kindle.com", Attempts: 3}
	job.Finish(&Result{Title: "A", Warnings: []string{"w"}, Receipt: &rec},
		&StageError{Stage: StageDelivering, Err: errors.New("rejected")})

	snap := job.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Equal(t, StageDelivering, snap.FailedIn)
	assert.Equal(t, "delivering: rejected", snap.Error)
	require.NotNil(t, snap.Receipt)
	assert.Equal(t, 3, snap.Receipt.Attempts)
	assert.Equal(t, []string{"w"}, snap.Warnings)

	// snapshots are copies
	snap.Receipt.Attempts = 9
	snap.Warnings[0] = "changed"
	again := job.Snapshot()
	assert.Equal(t, 3, again.Receipt.Attempts)
	assert.Equal(t, "w", again.Warnings[0])
}

func TestJobStore_CleanupKeepsActiveJobs(t *testing.T) {
	store := NewJobStore(time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now.Add(2 * time.Minute) }

	done := NewJob("https://example.com/done")
	done.Observe(Transition{To: StageDone, At: now})
	running := NewJob("https://example.com/running")
	running.Observe(Transition{To: StageBuilding, At: now})
	fresh := NewJob("https://example.com/fresh")
	fresh.Observe(Transition{To: StageFailed, At: now.Add(90 * time.Second)})

	store.Put(done)
	store.Put(running)
	store.Put(fresh)

	assert.Equal(t, 1, store.Cleanup())
	assert.Nil(t, store.Get(done.ID))
	assert.NotNil(t, store.Get(running.ID))
	assert.NotNil(t, store.Get(fresh.ID))
	assert.Equal(t, 2, store.Len())
}

type fakeRunner struct {
	mu      sync.Mutex
	urls    []string
	release chan struct{}
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, url string, obs Observer) (*Result, error) {
	f.mu.Lock()
	f.urls = append(f.urls, url)
	f.mu.Unlock()
	obs(Transition{From: StageIdle, To: StageFetching, At: time.Now()})
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			obs(Transition{From: StageFetching, To: StageFailed, At: time.Now()})
			return &Result{URL: url, Stage: StageFailed}, &StageError{Stage: StageFetching, Err: ctx.Err()}
		}
	}
	if f.err != nil {
		obs(Transition{From: StageFetching, To: StageFailed, At: time.Now()})
		return &Result{URL: url, Stage: StageFailed}, &StageError{Stage: StageFetching, Err: f.err}
	}
	obs(Transition{From: StageDelivering, To: StageDone, At: time.Now()})
	return &Result{URL: url, Stage: StageDone, Title: "Done"}, nil
}

func waitStatus(t *testing.T, o *Orchestrator, id string, want JobStatus) JobSnapshot {
	t.Helper()
	var snap JobSnapshot
	require.Eventually(t, func() bool {
		snap = o.GetJob(id).Snapshot()
		return snap.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return snap
}

func TestOrchestrator_RunsSubmittedJobs(t *testing.T) {
	runner := &fakeRunner{}
	o := NewOrchestrator(OrchestratorConfig{Workers: 2}, runner, zerolog.Nop())
	o.Start(context.Background())
	defer o.Stop()

	job, err := o.Submit("https://example.com/a")
	require.NoError(t, err)
	snap := waitStatus(t, o, job.ID, StatusSucceeded)
	assert.Equal(t, "Done", snap.Title)
	assert.Equal(t, StageDone, snap.Stage)
}

func TestOrchestrator_ReportsFailures(t *testing.T) {
	runner := &fakeRunner{err: errors.New("unreachable")}
	o := NewOrchestrator(OrchestratorConfig{Workers: 1}, runner, zerolog.Nop())
	o.Start(context.Background())
	defer o.Stop()

	job, err := o.Submit("https://example.com/a")
	require.NoError(t, err)
	snap := waitStatus(t, o, job.ID, StatusFailed)
	assert.Equal(t, StageFetching, snap.FailedIn)
	assert.Contains(t, snap.Error, "unreachable")
}

func TestOrchestrator_QueueFull(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	o := NewOrchestrator(OrchestratorConfig{Workers: 1, QueueSize: 1}, runner, zerolog.Nop())
	o.Start(context.Background())
	defer o.Stop()

	first, err := o.Submit("https://example.com/1")
	require.NoError(t, err)
	waitStatus(t, o, first.ID, StatusRunning)

	_, err = o.Submit("https://example.com/2")
	require.NoError(t, err)
	rejected, err := o.Submit("https://example.com/3")
	require.Error(t, err)
	assert.Equal(t, StatusFailed, rejected.Snapshot().Status)

	close(runner.release)
	waitStatus(t, o, first.ID, StatusSucceeded)
}

func TestOrchestrator_StopCancelsRunningJobs(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	o := NewOrchestrator(OrchestratorConfig{Workers: 1}, runner, zerolog.Nop())
	o.Start(context.Background())

	job, err := o.Submit("https://example.com/slow")
	require.NoError(t, err)
	waitStatus(t, o, job.ID, StatusRunning)

	o.Stop()
	snap := job.Snapshot()
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, context.Canceled.Error())

	_, err = o.Submit("https://example.com/late")
	assert.Error(t, err)
	o.Stop()
}

func TestOrchestrator_StopFailsQueuedJobs(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	o := NewOrchestrator(OrchestratorConfig{Workers: 1}, runner, zerolog.Nop())
	o.Start(context.Background())

	running, err := o.Submit("https://example.com/1")
	require.NoError(t, err)
	waitStatus(t, o, running.ID, StatusRunning)
	var queued []*Job
	for _, u := range []string{"https://example.com/2", "https://example.com/3"} {
		job, err := o.Submit(u)
		require.NoError(t, err)
		queued = append(queued, job)
	}

	o.Stop()
	assert.Equal(t, StatusFailed, running.Snapshot().Status)
	for _, job := range queued {
		snap := job.Snapshot()
		assert.Equal(t, StatusFailed, snap.Status, snap.URL)
		assert.Equal(t, StageFailed, snap.Stage, snap.URL)
		assert.Equal(t, "server shutting down", snap.Error, snap.URL)
	}
	assert.Zero(t, o.QueueDepth())
}
