package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/open-edge-platform/geti-sub016/internal/jobs/executor"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/metrics"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/model"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/repository"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/session"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/statemachine"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/templates"
)

var (
	baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	alice    = session.Session{OrganizationID: "org-1", WorkspaceID: "ws-1", Source: session.SourceBrowser, UserID: "alice"}
	bob      = session.Session{OrganizationID: "org-2", WorkspaceID: "ws-2", Source: session.SourceApi, UserID: "bob"}
)

type fakeQuota struct {
	quota int
	err   error
}

func (q *fakeQuota) GetOrganizationJobQuota(_ context.Context, _ string) (int, error) {
	return q.quota, q.err
}

type fakeCapacity struct {
	gpus []int
}

func (c *fakeCapacity) GpuCapacity() ([]int, bool) {
	return c.gpus, c.gpus != nil
}

// faultyBackend wraps the local backend and fails selected calls.
type faultyBackend struct {
	*executor.LocalBackend
	dispatchErr error
	pollErrors  map[executor.Handle]error
	pollPanics  map[executor.Handle]bool
	// Called after every successful dispatch.
	dispatched func(job *model.Job, stepIndex int)
}

func (b *faultyBackend) Dispatch(ctx context.Context, job *model.Job, stepIndex int, step templates.Step) (executor.Handle, error) {
	if b.dispatchErr != nil {
		return "", b.dispatchErr
	}
	handle, err := b.LocalBackend.Dispatch(ctx, job, stepIndex, step)
	if err == nil && b.dispatched != nil {
		b.dispatched(job, stepIndex)
	}
	return handle, err
}

func (b *faultyBackend) Poll(ctx context.Context, handle executor.Handle) (executor.StepStatus, error) {
	if b.pollPanics[handle] {
		panic("backend exploded")
	}
	if err := b.pollErrors[handle]; err != nil {
		return executor.StepStatus{}, err
	}
	return b.LocalBackend.Poll(ctx, handle)
}

type fixture struct {
	scheduler *Scheduler
	sm        *statemachine.JobStateMachine
	store     *repository.MemoryStore
	clock     *clock.FakeClock
	backend   *faultyBackend
	quota     *fakeQuota
	capacity  *fakeCapacity
	registry  *prometheus.Registry
}

func newFixture(t *testing.T, jobs ...*model.Job) *fixture {
	fakeClock := clock.NewFakeClock(baseTime)
	store, err := repository.NewMemoryStore(fakeClock)
	require.NoError(t, err)
	for _, job := range jobs {
		require.NoError(t, store.Insert(context.Background(), job))
	}
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	sm := statemachine.New(store, nil, "replica-1", time.Minute, fakeClock, m)
	backend := &faultyBackend{
		LocalBackend: executor.NewLocalBackend(50),
		pollErrors:   map[executor.Handle]error{},
		pollPanics:   map[executor.Handle]bool{},
	}
	quota := &fakeQuota{quota: 10}
	capacity := &fakeCapacity{gpus: []int{2}}
	return &fixture{
		scheduler: NewScheduler(sm, store, quota, capacity, backend, 0, m),
		sm:        sm,
		store:     store,
		clock:     fakeClock,
		backend:   backend,
		quota:     quota,
		capacity:  capacity,
		registry:  registry,
	}
}

func (f *fixture) get(t *testing.T, id string) *model.Job {
	jobs, err := f.store.Find(context.Background(), repository.Eq(repository.FieldID, id), repository.FindOptions{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	return jobs[0]
}

func (f *fixture) failures(t *testing.T, loop string) float64 {
	families, err := f.registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != metrics.MetricPrefix+"loop_job_failures_total" {
			continue
		}
		for _, metric := range family.Metric {
			for _, label := range metric.Label {
				if label.GetName() == "loop" && label.GetValue() == loop {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func testJob(id string, sess session.Session, state model.JobState, priority int, gpu int) *model.Job {
	job := &model.Job{
		ID:           id,
		Session:      sess,
		Type:         "train",
		Name:         "train",
		Priority:     priority,
		Key:          id,
		Author:       sess.UserID,
		CreationTime: baseTime,
		GPU:          gpu,
		StepDetails: []model.StepDetail{
			{Index: 0, StepName: "dataset preparation", TaskID: "prepare-dataset", State: model.StepStatePending, Interruptible: true},
			{Index: 1, StepName: "model training", TaskID: "train-model", State: model.StepStatePending, Interruptible: true},
		},
	}
	job.SetState(state)
	return job
}

func markedJob(id string, state model.JobState) *model.Job {
	job := testJob(id, alice, state, 0, 0)
	job.MarkedForDeletion = true
	return job
}

func TestRunDeletionLoop(t *testing.T) {
	f := newFixture(t,
		markedJob("a", model.JobStateFinished),
		testJob("b", alice, model.JobStateRunning, 0, 0),
		markedJob("c", model.JobStateFailed),
	)

	f.scheduler.RunDeletionLoop(context.Background())

	remaining, err := f.store.Find(context.Background(), repository.MatchAll(), repository.FindOptions{})
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "b", remaining[0].ID)

	// Nothing left to delete.
	f.scheduler.RunDeletionLoop(context.Background())
	assert.Equal(t, 0.0, f.failures(t, DeletionLoop))
}

func TestJobRunsThroughAllSteps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testJob("a", alice, model.JobStateSubmitted, 0, 0))

	f.scheduler.RunSubmissionLoop(ctx)
	job := f.get(t, "a")
	assert.Equal(t, model.JobStateRunning, job.State)
	assert.Equal(t, model.StepStateRunning, job.StepDetails[0].State)
	assert.Empty(t, job.LeaseOwner)
	assert.Equal(t, 1, f.backend.Running())

	f.scheduler.RunProgressLoop(ctx)
	job = f.get(t, "a")
	assert.Equal(t, 50.0, job.StepDetails[0].Progress)
	assert.Equal(t, 25.0, job.Progress())

	f.scheduler.RunProgressLoop(ctx)
	job = f.get(t, "a")
	assert.Equal(t, model.StepStateFinished, job.StepDetails[0].State)
	assert.Equal(t, model.StepStateRunning, job.StepDetails[1].State)
	require.Len(t, job.Executions, 2)
	assert.Equal(t, "local-a-1", job.Executions[1].Handle)

	f.scheduler.RunProgressLoop(ctx)
	assert.Equal(t, 75.0, f.get(t, "a").Progress())

	f.scheduler.RunProgressLoop(ctx)
	job = f.get(t, "a")
	assert.Equal(t, model.JobStateFinished, job.State)
	assert.Equal(t, 100.0, job.Progress())
	assert.Equal(t, 0, f.backend.Running())
}

func TestRunSubmissionLoop_Admission(t *testing.T) {
	tests := map[string]struct {
		jobs     []*model.Job
		quota    int
		capacity []int
		running  []string
		waiting  []string
	}{
		"organization quota": {
			jobs: []*model.Job{
				testJob("a", alice, model.JobStateSubmitted, 2, 0),
				testJob("b", alice, model.JobStateSubmitted, 1, 0),
				testJob("c", bob, model.JobStateSubmitted, 0, 0),
			},
			quota:    1,
			capacity: []int{2},
			running:  []string{"a", "c"},
			waiting:  []string{"b"},
		},
		"running jobs count against the quota": {
			jobs: []*model.Job{
				testJob("running", alice, model.JobStateRunning, 0, 0),
				testJob("cancelling", alice, model.JobStateCancelling, 0, 0),
				testJob("a", alice, model.JobStateSubmitted, 0, 0),
			},
			quota:    2,
			capacity: []int{2},
			waiting:  []string{"a"},
		},
		"free gpus": {
			jobs: []*model.Job{
				testJob("a", alice, model.JobStateSubmitted, 2, 2),
				testJob("b", alice, model.JobStateSubmitted, 1, 1),
				testJob("c", alice, model.JobStateSubmitted, 0, 0),
			},
			quota:    10,
			capacity: []int{2},
			running:  []string{"a", "c"},
			waiting:  []string{"b"},
		},
		"gpus held by running jobs": {
			jobs: []*model.Job{
				testJob("running", bob, model.JobStateRunning, 0, 1),
				testJob("a", alice, model.JobStateSubmitted, 0, 2),
			},
			quota:    10,
			capacity: []int{2},
			waiting:  []string{"a"},
		},
		"a job must fit on one node": {
			jobs:     []*model.Job{testJob("a", alice, model.JobStateSubmitted, 0, 2)},
			quota:    10,
			capacity: []int{1, 1},
			waiting:  []string{"a"},
		},
		"unknown capacity only holds back gpu jobs": {
			jobs: []*model.Job{
				testJob("a", alice, model.JobStateSubmitted, 1, 1),
				testJob("b", alice, model.JobStateSubmitted, 0, 0),
			},
			quota:   10,
			running: []string{"b"},
			waiting: []string{"a"},
		},
		"cpu only cluster admits a gpu job in its nominal slot": {
			jobs: []*model.Job{
				testJob("a", alice, model.JobStateSubmitted, 1, 1),
				testJob("b", alice, model.JobStateSubmitted, 0, 1),
			},
			quota:    10,
			capacity: []int{1},
			running:  []string{"a"},
			waiting:  []string{"b"},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, tc.jobs...)
			f.quota.quota = tc.quota
			f.capacity.gpus = tc.capacity

			f.scheduler.RunSubmissionLoop(context.Background())

			for _, id := range tc.running {
				assert.Equal(t, model.JobStateRunning, f.get(t, id).State, id)
			}
			for _, id := range tc.waiting {
				job := f.get(t, id)
				assert.Equal(t, model.JobStateSubmitted, job.State, id)
				assert.Empty(t, job.LeaseOwner, id)
				assert.Nil(t, job.LeaseExpiry, id)
			}
			assert.Equal(t, len(tc.running), f.backend.Running())
			assert.Equal(t, 0.0, f.failures(t, SubmissionLoop))
		})
	}
}

func TestRunSubmissionLoop_QuotaUnknown(t *testing.T) {
	f := newFixture(t, testJob("a", alice, model.JobStateSubmitted, 0, 0))
	f.quota.err = errors.New("billing unavailable")

	f.scheduler.RunSubmissionLoop(context.Background())

	job := f.get(t, "a")
	assert.Equal(t, model.JobStateSubmitted, job.State)
	assert.Empty(t, job.LeaseOwner)
	assert.Equal(t, 0, f.backend.Running())
}

func TestRunSubmissionLoop_DispatchFailureFailsJob(t *testing.T) {
	f := newFixture(t, testJob("a", alice, model.JobStateSubmitted, 0, 0))
	f.backend.dispatchErr = errors.New("image not found")

	f.scheduler.RunSubmissionLoop(context.Background())

	job := f.get(t, "a")
	assert.Equal(t, model.JobStateFailed, job.State)
	assert.Equal(t, model.StepStateFailed, job.StepDetails[0].State)
	assert.Contains(t, job.StepDetails[0].Message, "image not found")
	assert.NotNil(t, job.EndTime)
}

func TestRunProgressLoop_FailedStepFailsJob(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testJob("a", alice, model.JobStateSubmitted, 0, 0))
	f.backend.LocalBackend = executor.NewLocalBackend(50, "prepare-dataset")

	f.scheduler.RunSubmissionLoop(ctx)
	f.scheduler.RunProgressLoop(ctx)

	job := f.get(t, "a")
	assert.Equal(t, model.JobStateFailed, job.State)
	assert.Equal(t, "task prepare-dataset failed", job.StepDetails[0].Message)
}

func TestRunProgressLoop_LostStepFailsJob(t *testing.T) {
	ctx := context.Background()
	job := testJob("a", alice, model.JobStateRunning, 0, 0)
	job.StepDetails[0].State = model.StepStateRunning
	job.Executions = []model.Execution{{StepIndex: 0, Handle: "local-a-0", StartTime: baseTime}}
	f := newFixture(t, job)

	// The backend never dispatched this handle.
	f.scheduler.RunProgressLoop(ctx)

	assert.Equal(t, model.JobStateFailed, f.get(t, "a").State)
}

func TestRunProgressLoop_IsolatesFailingJobs(t *testing.T) {
	tests := map[string]func(b *faultyBackend){
		"error": func(b *faultyBackend) {
			b.pollErrors["local-a-0"] = errors.New("backend unavailable")
		},
		"panic": func(b *faultyBackend) {
			b.pollPanics["local-a-0"] = true
		},
	}
	for name, breakBackend := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t,
				testJob("a", alice, model.JobStateSubmitted, 2, 0),
				testJob("b", alice, model.JobStateSubmitted, 1, 0),
			)
			f.scheduler.RunSubmissionLoop(ctx)
			breakBackend(f.backend)

			f.scheduler.RunProgressLoop(ctx)

			a := f.get(t, "a")
			assert.Equal(t, model.JobStateRunning, a.State)
			assert.Equal(t, "replica-1", a.LeaseOwner)
			assert.Equal(t, 50.0, f.get(t, "b").StepDetails[0].Progress)
			assert.Equal(t, 1.0, f.failures(t, ProgressLoop))

			// The failed job stays leased, the other one carries on.
			f.scheduler.RunProgressLoop(ctx)
			assert.Equal(t, 0.0, f.get(t, "a").StepDetails[0].Progress)
			assert.Equal(t, model.StepStateRunning, f.get(t, "b").StepDetails[1].State)

			// Once the lease expires the job is retried.
			delete(f.backend.pollErrors, "local-a-0")
			delete(f.backend.pollPanics, "local-a-0")
			f.clock.Step(2 * time.Minute)
			f.scheduler.RunProgressLoop(ctx)
			assert.Equal(t, 50.0, f.get(t, "a").StepDetails[0].Progress)
		})
	}
}

func TestRunCancellationLoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testJob("a", alice, model.JobStateSubmitted, 0, 0))
	f.scheduler.RunSubmissionLoop(ctx)
	require.Equal(t, 1, f.backend.Running())

	job, err := f.sm.Cancel(ctx, alice, "a", statemachine.CancelRequest{Reason: "no longer needed"})
	require.NoError(t, err)
	assert.Equal(t, model.JobStateCancelling, job.State)

	// A cancelling job is not monitored any more.
	f.scheduler.RunProgressLoop(ctx)
	assert.Equal(t, 0.0, f.get(t, "a").StepDetails[0].Progress)

	f.scheduler.RunCancellationLoop(ctx)
	job = f.get(t, "a")
	assert.Equal(t, model.JobStateCancelled, job.State)
	assert.Equal(t, model.StepStateCancelled, job.StepDetails[0].State)
	assert.Equal(t, model.StepStateCancelled, job.StepDetails[1].State)
	assert.Equal(t, 0, f.backend.Running())
	assert.Equal(t, 0.0, f.failures(t, CancellationLoop))
}

func TestRunProgressLoop_CancelledWhileStartingNextStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testJob("a", alice, model.JobStateSubmitted, 0, 0))
	f.scheduler.RunSubmissionLoop(ctx)
	f.scheduler.RunProgressLoop(ctx)
	require.Equal(t, 1, f.backend.Running())

	f.backend.dispatched = func(job *model.Job, stepIndex int) {
		if stepIndex == 1 {
			_, err := f.sm.Cancel(ctx, alice, job.ID, statemachine.CancelRequest{Reason: "no longer needed"})
			require.NoError(t, err)
		}
	}
	f.scheduler.RunProgressLoop(ctx)
	job := f.get(t, "a")
	assert.Equal(t, model.JobStateCancelling, job.State)
	require.Len(t, job.Executions, 1)
	assert.Equal(t, 0, f.backend.Running())
	assert.Equal(t, 0.0, f.failures(t, ProgressLoop))

	f.scheduler.RunCancellationLoop(ctx)
	assert.Equal(t, model.JobStateCancelled, f.get(t, "a").State)
	assert.Equal(t, 0, f.backend.Running())
}

func TestCancelWithDeleteIsReapedByDeletionLoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testJob("a", alice, model.JobStateSubmitted, 0, 0))
	f.scheduler.RunSubmissionLoop(ctx)

	_, err := f.sm.Cancel(ctx, alice, "a", statemachine.CancelRequest{Delete: true})
	require.NoError(t, err)

	// Not terminal yet.
	f.scheduler.RunDeletionLoop(ctx)
	assert.Equal(t, model.JobStateCancelling, f.get(t, "a").State)

	f.scheduler.RunCancellationLoop(ctx)
	f.scheduler.RunDeletionLoop(ctx)
	count, err := f.store.Count(ctx, repository.MatchAll())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestIterationLimit(t *testing.T) {
	f := newFixture(t,
		testJob("a", alice, model.JobStateSubmitted, 2, 0),
		testJob("b", alice, model.JobStateSubmitted, 1, 0),
	)
	f.scheduler.maxJobsPerIteration = 1

	f.scheduler.RunSubmissionLoop(context.Background())
	assert.Equal(t, model.JobStateRunning, f.get(t, "a").State)
	assert.Equal(t, model.JobStateSubmitted, f.get(t, "b").State)

	f.scheduler.RunSubmissionLoop(context.Background())
	assert.Equal(t, model.JobStateRunning, f.get(t, "b").State)
}
