package repository

import (
	"context"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/open-edge-platform/geti-sub016/internal/common/jobserrors"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/model"
)

const (
	jobsTable         = "jobs"
	idIndex           = "id"           // index for looking up jobs by id
	organizationIndex = "organization" // index for looking up the jobs of an organization
)

// memJob is the row stored in memdb. Rows are never modified in place: updates insert a copy.
type memJob struct {
	Id             string
	OrganizationId string
	Job            *model.Job
}

// MemoryStore keeps jobs in memory using go-memdb. Writes are serialised by memdb's single
// writer transaction, which makes ClaimOne atomic within the process. It suits tests and
// single-replica deployments.
type MemoryStore struct {
	db    *memdb.MemDB
	clock clock.Clock
}

func NewMemoryStore(clock clock.Clock) (*MemoryStore, error) {
	db, err := memdb.NewMemDB(memoryStoreSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemoryStore{db: db, clock: clock}, nil
}

func (s *MemoryStore) Insert(_ context.Context, job *model.Job) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(jobsTable, idIndex, job.ID)
	if err != nil {
		return errors.WithStack(err)
	}
	if existing != nil {
		return errors.WithStack(&jobserrors.ErrAlreadyExists{Type: "job", Value: job.ID})
	}
	if err := txn.Insert(jobsTable, newMemJob(job.DeepCopy())); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) Find(_ context.Context, filter Filter, options FindOptions) ([]*model.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	jobs, err := s.matching(txn, filter)
	if err != nil {
		return nil, err
	}
	sortJobs(jobs, options.Sort)
	if options.Limit > 0 && len(jobs) > options.Limit {
		jobs = jobs[:options.Limit]
	}
	result := make([]*model.Job, len(jobs))
	for i, job := range jobs {
		result[i] = job.DeepCopy()
	}
	return result, nil
}

func (s *MemoryStore) Count(_ context.Context, filter Filter) (int, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	jobs, err := s.matching(txn, filter)
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

func (s *MemoryStore) UpdateMany(_ context.Context, filter Filter, update *Update, options UpdateOptions) (UpdateResult, error) {
	if err := update.Validate(); err != nil {
		return UpdateResult{}, err
	}
	txn := s.db.Txn(true)
	defer txn.Abort()

	jobs, err := s.matching(txn, filter)
	if err != nil {
		return UpdateResult{}, err
	}
	for _, job := range jobs {
		updated := job.DeepCopy()
		if err := update.Apply(updated); err != nil {
			return UpdateResult{}, err
		}
		if err := txn.Insert(jobsTable, newMemJob(updated)); err != nil {
			return UpdateResult{}, errors.WithStack(err)
		}
	}

	result := UpdateResult{Matched: int64(len(jobs))}
	if len(jobs) == 0 && options.Upsert {
		job, err := upsertDocument(filter, update, s.clock.Now())
		if err != nil {
			return UpdateResult{}, err
		}
		if err := txn.Insert(jobsTable, newMemJob(job)); err != nil {
			return UpdateResult{}, errors.WithStack(err)
		}
		result.Upserted = true
	}
	txn.Commit()
	return result, nil
}

func (s *MemoryStore) DeleteMany(_ context.Context, filter Filter) (int64, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	jobs, err := s.matching(txn, filter)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		if err := txn.Delete(jobsTable, newMemJob(job)); err != nil {
			return 0, errors.WithStack(err)
		}
	}
	txn.Commit()
	return int64(len(jobs)), nil
}

func (s *MemoryStore) ClaimOne(_ context.Context, filter Filter, claim Claim) (*model.Job, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	jobs, err := s.matching(txn, And(filter, leaseAvailable(claim.Now)))
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	sortJobs(jobs, ClaimOrder)

	claimed := jobs[0].DeepCopy()
	if err := claimUpdate(claim).Apply(claimed); err != nil {
		return nil, err
	}
	if err := txn.Insert(jobsTable, newMemJob(claimed)); err != nil {
		return nil, errors.WithStack(err)
	}
	txn.Commit()
	return claimed.DeepCopy(), nil
}

// matching returns the stored jobs matching filter. The returned jobs must not be modified.
func (s *MemoryStore) matching(txn *memdb.Txn, filter Filter) ([]*model.Job, error) {
	var it memdb.ResultIterator
	var err error
	if organizationID, ok := equalities(filter)[FieldOrganizationID].(string); ok && organizationID != "" {
		it, err = txn.Get(jobsTable, organizationIndex, organizationID)
	} else {
		it, err = txn.Get(jobsTable, idIndex)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}

	jobs := []*model.Job{}
	for obj := it.Next(); obj != nil; obj = it.Next() {
		job := obj.(*memJob).Job
		if filter.Match(job) {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func newMemJob(job *model.Job) *memJob {
	return &memJob{
		Id:             job.ID,
		OrganizationId: job.Session.OrganizationID,
		Job:            job,
	}
}

// memoryStoreSchema is a single "jobs" table indexed by id and by organization.
func memoryStoreSchema() *memdb.DBSchema {
	indexes := make(map[string]*memdb.IndexSchema)
	indexes[idIndex] = &memdb.IndexSchema{
		Name:    idIndex,
		Unique:  true,
		Indexer: &memdb.StringFieldIndex{Field: "Id"},
	}
	indexes[organizationIndex] = &memdb.IndexSchema{
		Name:         organizationIndex,
		Unique:       false,
		AllowMissing: true,
		Indexer:      &memdb.StringFieldIndex{Field: "OrganizationId"},
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name:    jobsTable,
				Indexes: indexes,
			},
		},
	}
}
