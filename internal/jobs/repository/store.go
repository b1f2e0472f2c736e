package repository

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/open-edge-platform/geti-sub016/internal/common/util"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/model"
)

// Store is the job collection. It knows nothing about tenants: TenantScopedJobRepository is the
// only component that should call it, apart from ClaimOne and read-only cluster-wide usage totals.
type Store interface {
	// Insert adds a new job. A job with the same id must not exist.
	Insert(ctx context.Context, job *model.Job) error
	Find(ctx context.Context, filter Filter, options FindOptions) ([]*model.Job, error)
	Count(ctx context.Context, filter Filter) (int, error)
	UpdateMany(ctx context.Context, filter Filter, update *Update, options UpdateOptions) (UpdateResult, error)
	DeleteMany(ctx context.Context, filter Filter) (int64, error)
	// ClaimOne atomically leases the first job matching filter, in claim order, whose lease is
	// free or expired. Returns nil if there is no such job.
	ClaimOne(ctx context.Context, filter Filter, claim Claim) (*model.Job, error)
}

type SortField struct {
	Field      Field
	Descending bool
}

type FindOptions struct {
	Sort []SortField
	// Zero means no limit.
	Limit int
}

type UpdateOptions struct {
	// Insert a document built from the filter's equality clauses and the update when nothing matches.
	Upsert bool
}

type UpdateResult struct {
	Matched  int64
	Upserted bool
}

// Claim describes a lease taken by ClaimOne.
type Claim struct {
	Owner string
	Until time.Time
	// Leases that expired before Now are free.
	Now time.Time
}

// ClaimOrder is the order in which ClaimOne considers jobs: highest priority first, then oldest.
var ClaimOrder = []SortField{
	{Field: FieldPriority, Descending: true},
	{Field: FieldCreationTime},
	{Field: FieldID},
}

func leaseAvailable(now time.Time) Filter {
	return Or(IsNull(FieldLeaseExpiry), Lt(FieldLeaseExpiry, now))
}

func claimUpdate(claim Claim) *Update {
	return NewUpdate().
		Set(FieldLeaseOwner, claim.Owner).
		Set(FieldLeaseExpiry, claim.Until)
}

// ReleaseUpdate clears a lease.
func ReleaseUpdate() *Update {
	return NewUpdate().
		Set(FieldLeaseOwner, "").
		Set(FieldLeaseExpiry, nil)
}

func sortJobs(jobs []*model.Job, order []SortField) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		for _, s := range order {
			spec := fields[s.Field]
			cmp, ok := compare(scalar(spec.get(jobs[i])), scalar(spec.get(jobs[j])))
			if !ok || cmp == 0 {
				continue
			}
			if s.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

// upsertDocument builds the job inserted by an upsert.
func upsertDocument(filter Filter, update *Update, now time.Time) (*model.Job, error) {
	job := &model.Job{CreationTime: now}
	for field, value := range equalities(filter) {
		spec, err := lookupField(field)
		if err != nil {
			return nil, err
		}
		if err := spec.set(job, value); err != nil {
			return nil, err
		}
	}
	if err := update.Apply(job); err != nil {
		return nil, err
	}
	if strings.TrimSpace(job.ID) == "" {
		job.ID = util.NewULID()
	}
	if job.StateGroup == "" {
		job.SetState(job.State)
	}
	return job, nil
}
