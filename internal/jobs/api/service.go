// Package api is the entry point of callers of the jobs scheduler. Every method acts on behalf of
// the given session and only ever sees jobs of that session's tenant. Errors are jobserrors kinds.
package api

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/open-edge-platform/geti-sub016/internal/common/jobserrors"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/model"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/repository"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/session"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/statemachine"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/submit"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

type ListRequest struct {
	// Only jobs in one of these states. All states when empty.
	States []model.JobState
	Types  []string
	// Zero means DefaultListLimit.
	Limit int `validate:"gte=0,lte=1000"`
}

type Service struct {
	store        repository.Store
	submitter    *submit.Submitter
	stateMachine *statemachine.JobStateMachine
	validate     *validator.Validate
}

func NewService(store repository.Store, submitter *submit.Submitter, stateMachine *statemachine.JobStateMachine) *Service {
	return &Service{
		store:        store,
		submitter:    submitter,
		stateMachine: stateMachine,
		validate:     validator.New(),
	}
}

// Submit creates a job. It returns a nil job and no error when the request duplicates an active
// job and asks for duplicates to be omitted.
func (s *Service) Submit(ctx context.Context, sess session.Session, request submit.SubmitRequest) (*model.Job, error) {
	if err := s.validateRequest(request); err != nil {
		return nil, err
	}
	return s.submitter.Submit(ctx, sess, request)
}

func (s *Service) GetJob(ctx context.Context, sess session.Session, jobID string) (*model.Job, error) {
	return repository.New(s.store, sess).GetByID(ctx, jobID)
}

// ListJobs returns the jobs of the session's workspace matching request, newest first.
func (s *Service) ListJobs(ctx context.Context, sess session.Session, request ListRequest) ([]*model.Job, error) {
	if err := s.validateRequest(request); err != nil {
		return nil, err
	}
	var filters []repository.Filter
	if len(request.States) > 0 {
		filters = append(filters, repository.In(repository.FieldState, request.States...))
	}
	if len(request.Types) > 0 {
		filters = append(filters, repository.In(repository.FieldType, request.Types...))
	}
	limit := request.Limit
	if limit == 0 {
		limit = DefaultListLimit
	}
	return repository.New(s.store, sess).Find(ctx, repository.And(filters...), repository.FindOptions{
		Sort: []repository.SortField{
			{Field: repository.FieldCreationTime, Descending: true},
			{Field: repository.FieldID, Descending: true},
		},
		Limit: limit,
	})
}

func (s *Service) Cancel(ctx context.Context, sess session.Session, jobID string, reason string) (*model.Job, error) {
	return s.stateMachine.Cancel(ctx, sess, jobID, statemachine.CancelRequest{Reason: reason})
}

// Delete removes a job. Active jobs are cancelled first and removed once their cancellation
// completes; terminal jobs are removed by the next run of the deletion loop.
func (s *Service) Delete(ctx context.Context, sess session.Session, jobID string) error {
	job, err := repository.New(s.store, sess).GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.InTerminalState() {
		return s.stateMachine.MarkForDeletion(ctx, sess, jobID)
	}
	_, err = s.stateMachine.Cancel(ctx, sess, jobID, statemachine.CancelRequest{Reason: "job deleted", Delete: true})
	if err != nil {
		return err
	}
	log.WithField("jobId", jobID).Infof("Job will be deleted once cancelled, requested by %s", sess.UserID)
	return nil
}

func (s *Service) validateRequest(request any) error {
	err := s.validate.Struct(request)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return errors.WithStack(err)
	}
	names := make([]string, len(validationErrors))
	messages := make([]string, len(validationErrors))
	for i, fieldErr := range validationErrors {
		names[i] = fieldErr.Field()
		messages[i] = fmt.Sprintf("%s must satisfy %s", fieldErr.Field(), validationTag(fieldErr))
	}
	return errors.WithStack(&jobserrors.ErrInvalidArgument{
		Name:    strings.Join(names, ","),
		Value:   fmt.Sprintf("%v", validationErrors[0].Value()),
		Message: strings.Join(messages, "; "),
	})
}

func validationTag(fieldErr validator.FieldError) string {
	if fieldErr.Param() == "" {
		return fieldErr.Tag()
	}
	return fieldErr.Tag() + "=" + fieldErr.Param()
}
