// Package statemachine moves jobs through their lifecycle. Every change is a conditional update
// on the job's current state, so two replicas racing on the same job cannot both succeed.
package statemachine

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/open-edge-platform/geti-sub016/internal/common/jobserrors"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/artifacts"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/metrics"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/model"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/repository"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/session"
)

const DefaultLeaseDuration = 5 * time.Minute

type CancelRequest struct {
	Reason string
	// Also remove the job once it is cancelled.
	Delete bool
}

type JobStateMachine struct {
	store    repository.Store
	notifier artifacts.CleanupNotifier
	// Lease owner written on claimed jobs.
	owner         string
	leaseDuration time.Duration
	clock         clock.Clock
	metrics       *metrics.Metrics
}

func New(
	store repository.Store,
	notifier artifacts.CleanupNotifier,
	owner string,
	leaseDuration time.Duration,
	clock clock.Clock,
	m *metrics.Metrics,
) *JobStateMachine {
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}
	if notifier == nil {
		notifier = artifacts.NoopCleanupNotifier{}
	}
	return &JobStateMachine{
		store:         store,
		notifier:      notifier,
		owner:         owner,
		leaseDuration: leaseDuration,
		clock:         clock,
		metrics:       m,
	}
}

// Owner is the lease owner of jobs claimed by this state machine.
func (sm *JobStateMachine) Owner() string {
	return sm.owner
}

// GetJobToSubmit claims the next SUBMITTED job, or returns nil if there is none. Jobs in exclude
// are skipped.
func (sm *JobStateMachine) GetJobToSubmit(ctx context.Context, exclude []string) (*model.Job, error) {
	return sm.claim(ctx, repository.Eq(repository.FieldState, model.JobStateSubmitted), exclude)
}

func (sm *JobStateMachine) GetJobToMonitor(ctx context.Context, exclude []string) (*model.Job, error) {
	return sm.claim(ctx, repository.Eq(repository.FieldState, model.JobStateRunning), exclude)
}

func (sm *JobStateMachine) GetJobToCancel(ctx context.Context, exclude []string) (*model.Job, error) {
	return sm.claim(ctx, repository.Eq(repository.FieldState, model.JobStateCancelling), exclude)
}

// GetJobToDelete claims the next terminal job marked for deletion.
func (sm *JobStateMachine) GetJobToDelete(ctx context.Context) (*model.Job, error) {
	return sm.claim(ctx, repository.And(
		repository.In(repository.FieldState, model.TerminalStates...),
		repository.Eq(repository.FieldMarkedForDeletion, true),
	), nil)
}

func (sm *JobStateMachine) claim(ctx context.Context, filter repository.Filter, exclude []string) (*model.Job, error) {
	if len(exclude) > 0 {
		filter = repository.And(filter, repository.NotIn(repository.FieldID, exclude...))
	}
	now := sm.clock.Now()
	return sm.store.ClaimOne(ctx, filter, repository.Claim{
		Owner: sm.owner,
		Until: now.Add(sm.leaseDuration),
		Now:   now,
	})
}

// Release gives up this replica's lease on job so that any replica may claim it straight away.
func (sm *JobStateMachine) Release(ctx context.Context, job *model.Job) error {
	_, err := repositoryOf(sm.store, job).UpdateMany(ctx, repository.And(
		repository.Eq(repository.FieldID, job.ID),
		repository.Eq(repository.FieldLeaseOwner, sm.owner),
	), repository.ReleaseUpdate())
	if err != nil {
		return err
	}
	job.LeaseOwner = ""
	job.LeaseExpiry = nil
	return nil
}

// Start records that step 0 of a SUBMITTED job was dispatched as handle and moves the job to RUNNING.
func (sm *JobStateMachine) Start(ctx context.Context, job *model.Job, handle string) error {
	if len(job.StepDetails) == 0 {
		return errors.WithStack(&jobserrors.ErrInvalidArgument{Name: "stepDetails", Value: job.ID, Message: "job has no steps"})
	}
	now := sm.clock.Now()
	steps := copySteps(job.StepDetails)
	steps[0].State = model.StepStateRunning
	executions := append(copyExecutions(job.Executions), model.Execution{StepIndex: 0, Handle: handle, StartTime: now})

	update := repository.NewUpdate().
		Set(repository.FieldStartTime, now).
		Set(repository.FieldStepDetails, steps).
		Set(repository.FieldExecutions, executions)
	return sm.transition(ctx, job, model.JobStateRunning, update)
}

// AdvanceStep completes the current step of a RUNNING job and records that nextStep was dispatched as handle.
func (sm *JobStateMachine) AdvanceStep(ctx context.Context, job *model.Job, nextStep int, handle string) error {
	if nextStep <= 0 || nextStep >= len(job.StepDetails) {
		return errors.WithStack(&jobserrors.ErrInvalidArgument{
			Name:    "nextStep",
			Value:   fmt.Sprintf("%d", nextStep),
			Message: fmt.Sprintf("job %s has %d steps", job.ID, len(job.StepDetails)),
		})
	}
	now := sm.clock.Now()
	steps := copySteps(job.StepDetails)
	steps[nextStep-1].State = model.StepStateFinished
	steps[nextStep-1].Progress = 100
	steps[nextStep].State = model.StepStateRunning
	executions := closeExecution(job.Executions, now)
	executions = append(executions, model.Execution{StepIndex: nextStep, Handle: handle, StartTime: now})

	update := repository.NewUpdate().
		Set(repository.FieldStepDetails, steps).
		Set(repository.FieldExecutions, executions)
	return sm.update(ctx, job, model.JobStateRunning, update)
}

// ReportStepProgress stores the progress, in [0,100], and status message of a step of a RUNNING job.
func (sm *JobStateMachine) ReportStepProgress(ctx context.Context, job *model.Job, stepIndex int, progress float64, message string) error {
	if stepIndex < 0 || stepIndex >= len(job.StepDetails) {
		return errors.WithStack(&jobserrors.ErrInvalidArgument{
			Name:    "stepIndex",
			Value:   fmt.Sprintf("%d", stepIndex),
			Message: fmt.Sprintf("job %s has %d steps", job.ID, len(job.StepDetails)),
		})
	}
	steps := copySteps(job.StepDetails)
	steps[stepIndex].Progress = clampProgress(progress)
	steps[stepIndex].Message = message
	return sm.update(ctx, job, model.JobStateRunning, repository.NewUpdate().Set(repository.FieldStepDetails, steps))
}

// Finish completes the last step of a RUNNING job and moves it to FINISHED.
func (sm *JobStateMachine) Finish(ctx context.Context, job *model.Job) error {
	now := sm.clock.Now()
	steps := copySteps(job.StepDetails)
	if step := currentStepIndex(job); step >= 0 {
		steps[step].State = model.StepStateFinished
		steps[step].Progress = 100
	}
	update := repository.NewUpdate().
		Set(repository.FieldStepDetails, steps).
		Set(repository.FieldExecutions, closeExecution(job.Executions, now))
	return sm.transition(ctx, job, model.JobStateFinished, update)
}

// Fail moves a SUBMITTED or RUNNING job to FAILED, recording message on the current step.
func (sm *JobStateMachine) Fail(ctx context.Context, job *model.Job, message string) error {
	now := sm.clock.Now()
	steps := copySteps(job.StepDetails)
	step := currentStepIndex(job)
	if step < 0 && len(steps) > 0 {
		step = 0
	}
	if step >= 0 {
		steps[step].State = model.StepStateFailed
		steps[step].Message = message
	}
	update := repository.NewUpdate().
		Set(repository.FieldStepDetails, steps).
		Set(repository.FieldExecutions, closeExecution(job.Executions, now))
	return sm.transition(ctx, job, model.JobStateFailed, update)
}

// Cancel handles a cancellation request of sess for the job with the given id. SUBMITTED jobs are
// cancelled straight away; RUNNING jobs move to CANCELLING and are stopped by the cancellation
// loop. Cancelling a job that is already CANCELLING succeeds without changes.
func (sm *JobStateMachine) Cancel(ctx context.Context, sess session.Session, jobID string, request CancelRequest) (*model.Job, error) {
	repo := repository.New(sm.store, sess)
	job, err := repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !sess.CanMutateAnyJob() && job.Author != sess.UserID {
		return nil, notCancellable(job, "only the author of a job or an admin may cancel it")
	}

	if err := CheckCancellable(job); err != nil {
		return nil, err
	}
	if job.State == model.JobStateCancelling {
		if request.Delete && !job.MarkedForDeletion {
			update := repository.NewUpdate().Set(repository.FieldMarkedForDeletion, true)
			if err := sm.updateAs(ctx, repo, job, job.State, update); err != nil {
				return nil, err
			}
		}
		return job, nil
	}

	now := sm.clock.Now()
	update := repository.NewUpdate().Set(repository.FieldCancellationInfo, &model.CancellationInfo{
		IsCancelled: true,
		UserID:      sess.UserID,
		CancelTime:  now,
		Reason:      request.Reason,
		DeleteJob:   request.Delete,
	})
	if request.Delete {
		update.Set(repository.FieldMarkedForDeletion, true)
	}

	target := model.JobStateCancelling
	if job.State == model.JobStateSubmitted {
		target = model.JobStateCancelled
		steps := copySteps(job.StepDetails)
		for i := range steps {
			steps[i].State = model.StepStateCancelled
		}
		update.Set(repository.FieldStepDetails, steps)
	}
	if err := sm.transitionAs(ctx, repo, job, target, update); err != nil {
		return nil, err
	}
	log.WithFields(jobFields(job)).Infof("Cancellation requested by %s, job is now %s", sess.UserID, job.State)
	return job, nil
}

// CheckCancellable returns ErrJobNotCancellable unless a cancellation of job can be accepted in
// its current state. Jobs that are already CANCELLING are cancellable.
func CheckCancellable(job *model.Job) error {
	switch job.State {
	case model.JobStateSubmitted, model.JobStateCancelling:
		return nil
	case model.JobStateRunning:
		if step := job.CurrentStep(); step != nil && !step.Interruptible {
			return notCancellable(job, fmt.Sprintf("step %s cannot be interrupted", step.StepName))
		}
		return nil
	}
	return notCancellable(job, "job is already in a terminal state")
}

// FinishCancellation moves a CANCELLING job, whose execution has been stopped, to CANCELLED.
func (sm *JobStateMachine) FinishCancellation(ctx context.Context, job *model.Job) error {
	now := sm.clock.Now()
	steps := copySteps(job.StepDetails)
	for i := range steps {
		if steps[i].State == model.StepStateRunning || steps[i].State == model.StepStatePending {
			steps[i].State = model.StepStateCancelled
		}
	}
	update := repository.NewUpdate().
		Set(repository.FieldStepDetails, steps).
		Set(repository.FieldExecutions, closeExecution(job.Executions, now))
	return sm.transition(ctx, job, model.JobStateCancelled, update)
}

// MarkForDeletion flags a terminal job for removal by the deletion loop.
func (sm *JobStateMachine) MarkForDeletion(ctx context.Context, sess session.Session, jobID string) error {
	repo := repository.New(sm.store, sess)
	job, err := repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.InTerminalState() {
		return errors.WithStack(&jobserrors.ErrInvalidArgument{
			Name:    "jobId",
			Value:   jobID,
			Message: fmt.Sprintf("job is %s, only jobs in a terminal state can be deleted", job.State),
		})
	}
	if job.MarkedForDeletion {
		return nil
	}
	if !sess.CanMutateAnyJob() && job.Author != sess.UserID {
		return errors.WithStack(&jobserrors.ErrInvalidArgument{
			Name:    "jobId",
			Value:   jobID,
			Message: "only the author of a job or an admin may delete it",
		})
	}
	return sm.updateAs(ctx, repo, job, job.State, repository.NewUpdate().Set(repository.FieldMarkedForDeletion, true))
}

// DeleteJob signals artifact cleanup for job and then removes its record. Deleting a job that
// no longer exists is not an error.
func (sm *JobStateMachine) DeleteJob(ctx context.Context, job *model.Job) error {
	if err := sm.notifier.NotifyJobDeleted(ctx, job); err != nil {
		return err
	}
	deleted, err := repositoryOf(sm.store, job).DeleteMany(ctx, repository.Eq(repository.FieldID, job.ID))
	if err != nil {
		return err
	}
	if deleted > 0 {
		sm.metrics.RecordDeletion()
		log.WithFields(jobFields(job)).Info("Deleted job")
	}
	return nil
}

// transition moves job from its current state to target. Lease fields are cleared in the same
// update, and job is updated in place on success.
func (sm *JobStateMachine) transition(ctx context.Context, job *model.Job, target model.JobState, update *repository.Update) error {
	return sm.transitionAs(ctx, repositoryOf(sm.store, job), job, target, update.Set(repository.FieldLeaseOwner, "").Set(repository.FieldLeaseExpiry, nil))
}

func (sm *JobStateMachine) transitionAs(ctx context.Context, repo *repository.TenantScopedJobRepository, job *model.Job, target model.JobState, update *repository.Update) error {
	from := job.State
	if !model.CanTransition(from, target) {
		return errors.WithStack(&jobserrors.ErrConflict{
			Message: fmt.Sprintf("job %s cannot move from %s to %s", job.ID, from, target),
		})
	}
	update.Set(repository.FieldState, target)
	if target.IsTerminal() {
		update.Set(repository.FieldEndTime, sm.clock.Now())
	}
	if err := sm.updateAs(ctx, repo, job, from, update); err != nil {
		return err
	}
	sm.metrics.RecordTransition(from.String(), target.String())
	log.WithFields(jobFields(job)).Infof("Job moved from %s to %s", from, target)
	return nil
}

// update changes a job that must still be in state expected, releasing its lease.
func (sm *JobStateMachine) update(ctx context.Context, job *model.Job, expected model.JobState, update *repository.Update) error {
	update.Set(repository.FieldLeaseOwner, "").Set(repository.FieldLeaseExpiry, nil)
	return sm.updateAs(ctx, repositoryOf(sm.store, job), job, expected, update)
}

func (sm *JobStateMachine) updateAs(ctx context.Context, repo *repository.TenantScopedJobRepository, job *model.Job, expected model.JobState, update *repository.Update) error {
	if err := repo.UpdateOne(ctx, job.ID, repository.Eq(repository.FieldState, expected), update); err != nil {
		return err
	}
	return update.Apply(job)
}

// repositoryOf returns the repository the scheduler uses to act on job: scoped to the job's own
// tenant, with the internal source.
func repositoryOf(store repository.Store, job *model.Job) *repository.TenantScopedJobRepository {
	return repository.New(store, session.Internal(job.Session.OrganizationID, job.Session.WorkspaceID))
}

func notCancellable(job *model.Job, reason string) error {
	return errors.WithStack(&jobserrors.ErrJobNotCancellable{
		JobId:  job.ID,
		State:  job.State.String(),
		Reason: reason,
	})
}

func currentStepIndex(job *model.Job) int {
	execution, ok := job.CurrentExecution()
	if !ok || execution.StepIndex >= len(job.StepDetails) {
		return -1
	}
	return execution.StepIndex
}

func copySteps(steps []model.StepDetail) []model.StepDetail {
	return append([]model.StepDetail{}, steps...)
}

func copyExecutions(executions []model.Execution) []model.Execution {
	return append([]model.Execution{}, executions...)
}

// closeExecution sets the end time of the current execution, if it has none yet.
func closeExecution(executions []model.Execution, now time.Time) []model.Execution {
	result := copyExecutions(executions)
	if len(result) > 0 && result[len(result)-1].EndTime == nil {
		end := now
		result[len(result)-1].EndTime = &end
	}
	return result
}

func clampProgress(progress float64) float64 {
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}

func jobFields(job *model.Job) log.Fields {
	return log.Fields{
		"jobId":          job.ID,
		"organizationId": job.Session.OrganizationID,
		"workspaceId":    job.Session.WorkspaceID,
		"jobType":        job.Type,
	}
}
