// Package scheduler contains the periodic loops that drive jobs through their lifecycle: admission
// and dispatch of submitted jobs, monitoring of running ones, cancellation and deletion.
package scheduler

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/open-edge-platform/geti-sub016/internal/common/jobserrors"
	"github.com/open-edge-platform/geti-sub016/internal/common/logging"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/executor"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/metrics"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/model"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/repository"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/session"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/statemachine"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/telemetry"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/templates"
)

const DefaultMaxJobsPerIteration = 100

const (
	SubmissionLoop   = "submission"
	ProgressLoop     = "progress"
	CancellationLoop = "cancellation"
	DeletionLoop     = "deletion"
)

type QuotaProvider interface {
	GetOrganizationJobQuota(ctx context.Context, organizationID string) (int, error)
}

// CapacityProvider reports the GPU slots of each node of the cluster, or false while unknown.
type CapacityProvider interface {
	GpuCapacity() ([]int, bool)
}

type Scheduler struct {
	// Claims jobs and performs every state change.
	stateMachine *statemachine.JobStateMachine
	// Read directly only to total the resources held by running jobs across tenants.
	store    repository.Store
	quota    QuotaProvider
	capacity CapacityProvider
	// Runs the steps of admitted jobs.
	backend executor.Backend
	// Upper bound on the jobs a single loop iteration processes.
	maxJobsPerIteration int
	metrics             *metrics.Metrics
}

func NewScheduler(
	stateMachine *statemachine.JobStateMachine,
	store repository.Store,
	quota QuotaProvider,
	capacity CapacityProvider,
	backend executor.Backend,
	maxJobsPerIteration int,
	m *metrics.Metrics,
) *Scheduler {
	if maxJobsPerIteration <= 0 {
		maxJobsPerIteration = DefaultMaxJobsPerIteration
	}
	return &Scheduler{
		stateMachine:        stateMachine,
		store:               store,
		quota:               quota,
		capacity:            capacity,
		backend:             backend,
		maxJobsPerIteration: maxJobsPerIteration,
		metrics:             m,
	}
}

// RunSubmissionLoop admits and dispatches SUBMITTED jobs. A job is admitted when its organization
// runs fewer jobs than its quota and the cluster has room for the GPUs it requests. Jobs that are
// not admitted stay SUBMITTED and are released for the next iteration.
func (s *Scheduler) RunSubmissionLoop(ctx context.Context) {
	s.runIteration(ctx, SubmissionLoop, func(ctx context.Context) int {
		usage, err := s.loadUsage(ctx)
		if err != nil {
			logging.WithStacktrace(log.WithField("loop", SubmissionLoop), err).Error("Unable to load resource usage")
			return 0
		}
		var waiting []*model.Job
		defer func() {
			for _, job := range waiting {
				if err := s.stateMachine.Release(ctx, job); err != nil {
					log.WithFields(jobFields(job)).WithError(err).Warn("Unable to release job, it will be retried once its lease expires")
				}
			}
		}()
		return s.forEachClaimed(ctx, SubmissionLoop, s.stateMachine.GetJobToSubmit, func(ctx context.Context, job *model.Job) error {
			admitted, err := s.submitJob(ctx, job, usage)
			if err == nil && !admitted {
				waiting = append(waiting, job)
			}
			return err
		})
	})
}

// RunProgressLoop polls the current step of every RUNNING job and records its progress, starts
// the next step once a step succeeds and ends the job after its last step or on failure.
func (s *Scheduler) RunProgressLoop(ctx context.Context) {
	s.runIteration(ctx, ProgressLoop, func(ctx context.Context) int {
		return s.forEachClaimed(ctx, ProgressLoop, s.stateMachine.GetJobToMonitor, s.monitorJob)
	})
}

// RunCancellationLoop stops the executing step of every CANCELLING job and moves it to CANCELLED.
func (s *Scheduler) RunCancellationLoop(ctx context.Context) {
	s.runIteration(ctx, CancellationLoop, func(ctx context.Context) int {
		return s.forEachClaimed(ctx, CancellationLoop, s.stateMachine.GetJobToCancel, s.cancelJob)
	})
}

// RunDeletionLoop removes every terminal job marked for deletion.
func (s *Scheduler) RunDeletionLoop(ctx context.Context) {
	s.runIteration(ctx, DeletionLoop, func(ctx context.Context) int {
		claim := func(ctx context.Context, _ []string) (*model.Job, error) {
			return s.stateMachine.GetJobToDelete(ctx)
		}
		return s.forEachClaimed(ctx, DeletionLoop, claim, s.stateMachine.DeleteJob)
	})
}

// runIteration runs one iteration of a loop. A panic ends the iteration but not the process.
func (s *Scheduler) runIteration(ctx context.Context, loop string, iteration func(ctx context.Context) int) {
	logger := log.WithField("loop", loop)
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Scheduler loop iteration aborted: %v", r)
		}
	}()
	if processed := iteration(ctx); processed > 0 {
		logger.Debugf("Processed %d jobs", processed)
	}
}

type claimFunc func(ctx context.Context, exclude []string) (*model.Job, error)

type actionFunc func(ctx context.Context, job *model.Job) error

// forEachClaimed claims jobs one at a time and performs action on each until no job is left, the
// iteration limit is reached or ctx is done. A job whose action fails is logged and skipped: its
// lease is kept until it expires, so no replica retries it straight away.
func (s *Scheduler) forEachClaimed(ctx context.Context, loop string, claim claimFunc, action actionFunc) int {
	var exclude []string
	processed := 0
	for processed < s.maxJobsPerIteration && ctx.Err() == nil {
		job, err := claim(ctx, exclude)
		if err != nil {
			logging.WithStacktrace(log.WithField("loop", loop), err).Error("Unable to claim a job")
			return processed
		}
		if job == nil {
			return processed
		}
		processed++
		exclude = append(exclude, job.ID)
		if err := s.perform(ctx, loop, job, action); err != nil {
			s.jobFailed(ctx, loop, job, err)
		}
	}
	return processed
}

// perform runs action under the job's tenant session and the trace context of its submission.
func (s *Scheduler) perform(ctx context.Context, loop string, job *model.Job, action actionFunc) (err error) {
	ctx, span := telemetry.StartSpan(ctx, job.Telemetry, "jobs."+loop,
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.type", job.Type),
			attribute.String("organization.id", job.Session.OrganizationID),
			attribute.String("workspace.id", job.Session.WorkspaceID),
		))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()
	return action(session.NewContext(ctx, job.Session), job)
}

func (s *Scheduler) jobFailed(ctx context.Context, loop string, job *model.Job, err error) {
	logger := log.WithFields(jobFields(job)).WithField("loop", loop)
	var conflict *jobserrors.ErrConflict
	if errors.As(err, &conflict) {
		// The job changed under us, e.g. it was cancelled. Whoever handles its new state may claim it now.
		logger.Infof("Job changed while being processed: %s", err)
		if err := s.stateMachine.Release(ctx, job); err != nil {
			logger.WithError(err).Warn("Unable to release job")
		}
		return
	}
	s.metrics.RecordJobFailure(loop)
	logging.WithStacktrace(logger, err).Error("Unable to process job")
}

func (s *Scheduler) submitJob(ctx context.Context, job *model.Job, usage *usage) (bool, error) {
	logger := log.WithFields(jobFields(job))
	if len(job.StepDetails) == 0 {
		return true, s.stateMachine.Fail(ctx, job, "job has no steps")
	}
	admitted, reason, err := s.admit(ctx, job, usage)
	if err != nil {
		logger.WithError(err).Warn("Not admitting job, its organization's quota is unknown")
		return false, nil
	}
	if !admitted {
		logger.Debugf("Not admitting job: %s", reason)
		return false, nil
	}

	handle, err := s.backend.Dispatch(ctx, job, 0, stepOf(job.StepDetails[0]))
	if err != nil {
		logging.WithStacktrace(logger, err).Warn("Unable to dispatch job")
		return true, s.stateMachine.Fail(ctx, job, fmt.Sprintf("unable to start step %s: %s", job.StepDetails[0].StepName, err))
	}
	if err := s.stateMachine.Start(ctx, job, string(handle)); err != nil {
		if cancelErr := s.backend.Cancel(ctx, handle); cancelErr != nil {
			logger.WithError(cancelErr).Warnf("Unable to stop step %s of a job that could not be started", handle)
		}
		return true, err
	}
	usage.add(job)
	return true, nil
}

func (s *Scheduler) monitorJob(ctx context.Context, job *model.Job) error {
	execution, ok := job.CurrentExecution()
	if !ok || execution.StepIndex >= len(job.StepDetails) {
		return s.stateMachine.Fail(ctx, job, "job is running but none of its steps was started")
	}
	status, err := s.backend.Poll(ctx, executor.Handle(execution.Handle))
	if err != nil {
		var notFound *jobserrors.ErrNotFound
		if errors.As(err, &notFound) {
			return s.stateMachine.Fail(ctx, job, fmt.Sprintf("step %s is no longer executing", job.StepDetails[execution.StepIndex].StepName))
		}
		return err
	}

	step := job.StepDetails[execution.StepIndex]
	switch status.State {
	case executor.StepRunning:
		if err := s.stateMachine.ReportStepProgress(ctx, job, execution.StepIndex, status.Progress, status.Message); err != nil {
			return err
		}
		log.WithFields(jobFields(job)).Debugf("Step %s at %.0f%%, job at %.0f%%",
			step.StepName, status.Progress, templates.StepProgress(execution.StepIndex, len(job.StepDetails), status.Progress))
		return nil
	case executor.StepSucceeded:
		next := execution.StepIndex + 1
		if next >= len(job.StepDetails) {
			return s.stateMachine.Finish(ctx, job)
		}
		handle, err := s.backend.Dispatch(ctx, job, next, stepOf(job.StepDetails[next]))
		if err != nil {
			return s.stateMachine.Fail(ctx, job, fmt.Sprintf("unable to start step %s: %s", job.StepDetails[next].StepName, err))
		}
		if err := s.stateMachine.AdvanceStep(ctx, job, next, string(handle)); err != nil {
			if cancelErr := s.backend.Cancel(ctx, handle); cancelErr != nil {
				log.WithFields(jobFields(job)).WithError(cancelErr).Warnf("Unable to stop step %s of a job that could not advance", handle)
			}
			return err
		}
		return nil
	case executor.StepFailed:
		message := status.Message
		if message == "" {
			message = fmt.Sprintf("step %s failed", step.StepName)
		}
		return s.stateMachine.Fail(ctx, job, message)
	}
	return errors.Errorf("unexpected state %q of step %s", status.State, step.StepName)
}

func (s *Scheduler) cancelJob(ctx context.Context, job *model.Job) error {
	if execution, ok := job.CurrentExecution(); ok && execution.EndTime == nil {
		if err := s.backend.Cancel(ctx, executor.Handle(execution.Handle)); err != nil {
			return err
		}
	}
	return s.stateMachine.FinishCancellation(ctx, job)
}

// admit decides whether job may start now. The returned reason explains a refusal.
func (s *Scheduler) admit(ctx context.Context, job *model.Job, usage *usage) (bool, string, error) {
	quota, err := s.quota.GetOrganizationJobQuota(ctx, job.Session.OrganizationID)
	if err != nil {
		return false, "", err
	}
	if running := usage.running[job.Session.OrganizationID]; running >= quota {
		return false, fmt.Sprintf("organization runs %d jobs and its quota is %d", running, quota), nil
	}
	if job.GPU <= 0 {
		return true, "", nil
	}
	capacity, ok := s.capacity.GpuCapacity()
	if !ok {
		return false, "cluster capacity is not known yet", nil
	}
	total, largestNode := 0, 0
	for _, gpus := range capacity {
		total += gpus
		if gpus > largestNode {
			largestNode = gpus
		}
	}
	if job.GPU > largestNode {
		return false, fmt.Sprintf("job needs %d GPUs and the largest node has %d", job.GPU, largestNode), nil
	}
	if free := total - usage.gpus; job.GPU > free {
		return false, fmt.Sprintf("job needs %d GPUs and %d are free", job.GPU, free), nil
	}
	return true, "", nil
}

// usage is what RUNNING and CANCELLING jobs hold: the number of jobs per organization and GPUs.
type usage struct {
	running map[string]int
	gpus    int
}

func (u *usage) add(job *model.Job) {
	u.running[job.Session.OrganizationID]++
	if job.GPU > 0 {
		u.gpus += job.GPU
	}
}

// loadUsage snapshots the jobs holding quota and GPUs. Each replica admits against its own
// snapshot, so replicas running the submission loop concurrently may together overshoot a quota.
func (s *Scheduler) loadUsage(ctx context.Context) (*usage, error) {
	jobs, err := s.store.Find(ctx, repository.In(repository.FieldState, model.RunningStates...), repository.FindOptions{})
	if err != nil {
		return nil, err
	}
	result := &usage{running: map[string]int{}}
	for _, job := range jobs {
		result.add(job)
	}
	return result, nil
}

// stepOf rebuilds the template step that detail was created from.
func stepOf(detail model.StepDetail) templates.Step {
	interruptible := detail.Interruptible
	return templates.Step{
		Name:          detail.StepName,
		TaskID:        detail.TaskID,
		Interruptible: &interruptible,
	}
}

func jobFields(job *model.Job) log.Fields {
	return log.Fields{
		"jobId":          job.ID,
		"organizationId": job.Session.OrganizationID,
		"workspaceId":    job.Session.WorkspaceID,
		"jobType":        job.Type,
	}
}
