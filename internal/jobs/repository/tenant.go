package repository

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/open-edge-platform/geti-sub016/internal/common/jobserrors"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/model"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/session"
)

type AccessMode int

const (
	Read AccessMode = iota
	Write
)

func (m AccessMode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

// TenantScopedJobRepository restricts every operation on a Store to the tenant of a session.
// All queries are sent to the store as the tenant's base filter AND the caller's filter, so a
// caller cannot reach another tenant's jobs whatever filter it passes.
type TenantScopedJobRepository struct {
	store   Store
	session session.Session
}

func New(store Store, sess session.Session) *TenantScopedJobRepository {
	return &TenantScopedJobRepository{store: store, session: sess}
}

func (r *TenantScopedJobRepository) Session() session.Session {
	return r.session
}

// PreliminaryQueryMatchFilter is the base filter of the session. Reads are limited to the
// session's organization and workspace (the workspace is omitted for organization scoped sessions).
// Writes by non-admin users are further limited to the jobs they authored.
func (r *TenantScopedJobRepository) PreliminaryQueryMatchFilter(mode AccessMode) Filter {
	filters := []Filter{Eq(FieldOrganizationID, r.session.OrganizationID)}
	if r.session.WorkspaceID != "" {
		filters = append(filters, Eq(FieldWorkspaceID, r.session.WorkspaceID))
	}
	if mode == Write && !r.session.CanMutateAnyJob() {
		filters = append(filters, Eq(FieldAuthor, r.session.UserID))
	}
	return And(filters...)
}

func (r *TenantScopedJobRepository) scoped(mode AccessMode, filter Filter) Filter {
	if filter == nil {
		filter = MatchAll()
	}
	return And(r.PreliminaryQueryMatchFilter(mode), filter)
}

// Create stores a new job under the session's tenant. The job's session must name the same
// tenant. The author defaults to the session's user.
func (r *TenantScopedJobRepository) Create(ctx context.Context, job *model.Job) error {
	if r.session.OrganizationID == "" || r.session.WorkspaceID == "" {
		return errors.WithStack(&jobserrors.ErrWorkspaceNotFound{WorkspaceId: r.session.WorkspaceID})
	}
	if job.Session.OrganizationID != r.session.OrganizationID || job.Session.WorkspaceID != r.session.WorkspaceID {
		return errors.WithStack(&jobserrors.ErrInvalidArgument{
			Name:    "session",
			Value:   job.Session.String(),
			Message: "job belongs to a different tenant than " + r.session.String(),
		})
	}
	if job.Author == "" {
		job.Author = r.session.UserID
	}
	if job.StateGroup == "" {
		job.SetState(job.State)
	}
	if err := r.store.Insert(ctx, job); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"jobId":          job.ID,
		"organizationId": job.Session.OrganizationID,
		"workspaceId":    job.Session.WorkspaceID,
		"jobType":        job.Type,
	}).Debug("Created job")
	return nil
}

// GetByID returns the job with the given id, or ErrNotFound if it does not exist or belongs to
// another tenant.
func (r *TenantScopedJobRepository) GetByID(ctx context.Context, jobID string) (*model.Job, error) {
	jobs, err := r.store.Find(ctx, r.scoped(Read, Eq(FieldID, jobID)), FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, errors.WithStack(&jobserrors.ErrNotFound{Type: "job", Value: jobID})
	}
	return jobs[0], nil
}

func (r *TenantScopedJobRepository) Find(ctx context.Context, filter Filter, options FindOptions) ([]*model.Job, error) {
	return r.store.Find(ctx, r.scoped(Read, filter), options)
}

func (r *TenantScopedJobRepository) Count(ctx context.Context, filter Filter) (int, error) {
	return r.store.Count(ctx, r.scoped(Read, filter))
}

// UpdateMany applies update to every job of the tenant matching filter that the session may
// write. Updates may not move a job to another tenant.
func (r *TenantScopedJobRepository) UpdateMany(ctx context.Context, filter Filter, update *Update, options ...UpdateOptions) (UpdateResult, error) {
	if update.IsEmpty() {
		return UpdateResult{}, nil
	}
	for field := range tenantFields {
		if update.touches(field) {
			return UpdateResult{}, errors.WithStack(&jobserrors.ErrInvalidArgument{
				Name:    string(field),
				Value:   update.String(),
				Message: "tenant fields cannot be updated",
			})
		}
	}
	opts := UpdateOptions{}
	if len(options) > 0 {
		opts = options[0]
	}
	if opts.Upsert && r.session.WorkspaceID == "" {
		return UpdateResult{}, errors.WithStack(&jobserrors.ErrWorkspaceNotFound{})
	}
	return r.store.UpdateMany(ctx, r.scoped(Write, filter), update, opts)
}

// UpdateOne updates the job with the given id if it also matches filter. It returns ErrConflict
// when nothing matched, e.g. because the job changed state concurrently.
func (r *TenantScopedJobRepository) UpdateOne(ctx context.Context, jobID string, filter Filter, update *Update) error {
	if filter == nil {
		filter = MatchAll()
	}
	result, err := r.UpdateMany(ctx, And(Eq(FieldID, jobID), filter), update)
	if err != nil {
		return err
	}
	if result.Matched == 0 && !update.IsEmpty() {
		return errors.WithStack(&jobserrors.ErrConflict{
			Message: "job " + jobID + " does not match " + filter.String(),
		})
	}
	return nil
}

func (r *TenantScopedJobRepository) DeleteMany(ctx context.Context, filter Filter) (int64, error) {
	return r.store.DeleteMany(ctx, r.scoped(Write, filter))
}

// DeleteByID removes a job. Deleting a job that does not exist is not an error.
func (r *TenantScopedJobRepository) DeleteByID(ctx context.Context, jobID string) error {
	_, err := r.store.DeleteMany(ctx, r.scoped(Write, Eq(FieldID, jobID)))
	return err
}
