// Package submit admits new jobs: it fingerprints the submission, applies the duplicate policy and
// the organization's quota, then persists the job in the SUBMITTED state.
package submit

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/open-edge-platform/geti-sub016/internal/common/jobserrors"
	"github.com/open-edge-platform/geti-sub016/internal/common/util"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/metrics"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/model"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/repository"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/session"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/statemachine"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/telemetry"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/templates"
)

type SubmitRequest struct {
	Type     string `validate:"required"`
	Name     string
	Priority int `validate:"gte=0"`
	Payload  map[string]any
	Metadata map[string]any
	// Fields identifying the logical job for deduplication. The payload is used when nil.
	KeyFields       map[string]any
	DuplicatePolicy model.DuplicatePolicy
	ProjectID       string
	GPU             int `validate:"gte=0"`
	Cost            int `validate:"gte=0"`
}

type QuotaProvider interface {
	GetOrganizationJobQuota(ctx context.Context, organizationID string) (int, error)
}

type Submitter struct {
	store        repository.Store
	templates    *templates.JobsTemplates
	quota        QuotaProvider
	stateMachine *statemachine.JobStateMachine
	// Policy applied when a request names none.
	defaultPolicy model.DuplicatePolicy
	clock         clock.Clock
	metrics       *metrics.Metrics
}

func NewSubmitter(
	store repository.Store,
	templates *templates.JobsTemplates,
	quota QuotaProvider,
	stateMachine *statemachine.JobStateMachine,
	defaultPolicy model.DuplicatePolicy,
	clock clock.Clock,
	m *metrics.Metrics,
) *Submitter {
	if defaultPolicy == "" {
		defaultPolicy = model.DuplicatePolicyReject
	}
	return &Submitter{
		store:         store,
		templates:     templates,
		quota:         quota,
		stateMachine:  stateMachine,
		defaultPolicy: defaultPolicy,
		clock:         clock,
		metrics:       m,
	}
}

// Submit creates a job for request in the tenant of sess. It returns (nil, nil) when the request
// duplicates an active job and the duplicate policy is OMIT.
func (s *Submitter) Submit(ctx context.Context, sess session.Session, request SubmitRequest) (*model.Job, error) {
	job, outcome, err := s.submit(ctx, sess, request)
	if err != nil {
		outcome = jobserrors.Kind(err)
	}
	s.metrics.RecordSubmission(request.Type, outcome)
	return job, err
}

func (s *Submitter) submit(ctx context.Context, sess session.Session, request SubmitRequest) (*model.Job, string, error) {
	if sess.WorkspaceID == "" {
		return nil, "", errors.WithStack(&jobserrors.ErrWorkspaceNotFound{})
	}
	if sess.OrganizationID == "" {
		return nil, "", errors.WithStack(&jobserrors.ErrInvalidArgument{Name: "organizationId", Message: "session has no organization"})
	}
	steps, err := s.templates.GetJobSteps(request.Type)
	if err != nil {
		return nil, "", err
	}
	policy := request.DuplicatePolicy
	if policy == "" {
		policy = s.defaultPolicy
	}
	if _, err := model.ParseDuplicatePolicy(string(policy)); err != nil {
		return nil, "", err
	}
	payload, err := model.NewPayload(request.Payload)
	if err != nil {
		return nil, "", err
	}
	metadata, err := model.NewPayload(request.Metadata)
	if err != nil {
		return nil, "", err
	}
	keyFields := request.KeyFields
	if keyFields == nil {
		keyFields = request.Payload
	}
	key, err := model.SerializeJobKey(keyFields)
	if err != nil {
		return nil, "", err
	}

	logger := log.WithFields(log.Fields{
		"organizationId": sess.OrganizationID,
		"workspaceId":    sess.WorkspaceID,
		"jobType":        request.Type,
	})

	repo := repository.New(s.store, sess)
	// Not atomic with the insert below: concurrent submissions of the same key may both be created.
	duplicates, err := repo.Find(ctx, repository.And(
		repository.Eq(repository.FieldType, request.Type),
		repository.Eq(repository.FieldKey, key),
		repository.In(repository.FieldState, model.ActiveStates...),
	), repository.FindOptions{Sort: []repository.SortField{{Field: repository.FieldCreationTime}}})
	if err != nil {
		return nil, "", err
	}

	outcome := "created"
	if len(duplicates) > 0 {
		switch policy {
		case model.DuplicatePolicyOmit:
			logger.Infof("Omitting submission, job %s has the same key", duplicates[0].ID)
			return nil, "omitted", nil
		case model.DuplicatePolicyReject:
			return nil, "", errors.WithStack(&jobserrors.ErrDuplicateJobFound{
				JobType:       request.Type,
				Key:           key,
				ExistingJobId: duplicates[0].ID,
			})
		case model.DuplicatePolicyReplace:
			// All or nothing: a duplicate that cannot be cancelled fails the submission before any changes.
			for _, duplicate := range duplicates {
				if err := statemachine.CheckCancellable(duplicate); err != nil {
					return nil, "", errors.WithMessagef(err, "replacing job %s", duplicate.ID)
				}
			}
			outcome = "replaced"
		}
	}

	// Submitted duplicates about to be replaced are cancelled straight away and so do not count.
	replaced := 0
	if outcome == "replaced" {
		for _, duplicate := range duplicates {
			if duplicate.State == model.JobStateSubmitted {
				replaced++
			}
		}
	}
	if err := s.checkQuota(ctx, sess, replaced); err != nil {
		return nil, "", err
	}

	if outcome == "replaced" {
		// Duplicates may belong to other users of the workspace, so the scheduler replaces them on
		// behalf of the submitter.
		replacer := session.Internal(sess.OrganizationID, sess.WorkspaceID)
		replacer.UserID = sess.UserID
		for _, duplicate := range duplicates {
			_, err := s.stateMachine.Cancel(ctx, replacer, duplicate.ID, statemachine.CancelRequest{
				Reason: "replaced by a newer submission",
			})
			if err != nil {
				return nil, "", errors.WithMessagef(err, "replacing job %s", duplicate.ID)
			}
			logger.WithField("jobId", duplicate.ID).Info("Cancelled job replaced by a newer submission")
		}
	}

	job := &model.Job{
		ID:           util.NewULID(),
		Session:      sess,
		Type:         request.Type,
		Priority:     request.Priority,
		Name:         request.Name,
		Key:          key,
		StepDetails:  stepDetails(steps),
		Payload:      payload,
		Metadata:     metadata,
		CreationTime: s.clock.Now(),
		Author:       sess.UserID,
		ProjectID:    request.ProjectID,
		Telemetry:    telemetry.Inject(ctx),
		GPU:          request.GPU,
		Cost:         request.Cost,
	}
	if job.Name == "" {
		job.Name = request.Type
	}
	job.SetState(model.JobStateSubmitted)
	if err := repo.Create(ctx, job); err != nil {
		return nil, "", err
	}
	logger.WithField("jobId", job.ID).Info("Job submitted")
	return job, outcome, nil
}

// checkQuota fails with ErrQuotaExceeded once the organization has as many active jobs as its
// quota allows. ignored is the number of active jobs that are about to be cancelled.
func (s *Submitter) checkQuota(ctx context.Context, sess session.Session, ignored int) error {
	quota, err := s.quota.GetOrganizationJobQuota(ctx, sess.OrganizationID)
	if err != nil {
		return errors.WithMessagef(err, "looking up the job quota of organization %s", sess.OrganizationID)
	}
	active, err := repository.New(s.store, sess.OrganizationScope()).Count(ctx,
		repository.In(repository.FieldState, model.ActiveStates...))
	if err != nil {
		return err
	}
	if active-ignored >= quota {
		return errors.WithStack(&jobserrors.ErrQuotaExceeded{
			OrganizationId: sess.OrganizationID,
			Quota:          quota,
			Active:         active,
		})
	}
	return nil
}

func stepDetails(steps []templates.Step) []model.StepDetail {
	details := make([]model.StepDetail, len(steps))
	for i, step := range steps {
		details[i] = model.StepDetail{
			Index:         i,
			StepName:      step.Name,
			TaskID:        step.TaskID,
			State:         model.StepStatePending,
			Interruptible: step.IsInterruptible(),
		}
	}
	return details
}
