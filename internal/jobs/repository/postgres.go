package repository

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"io/fs"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/open-edge-platform/geti-sub016/internal/common/database"
	"github.com/open-edge-platform/geti-sub016/internal/common/jobserrors"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/model"
	"github.com/open-edge-platform/geti-sub016/internal/jobs/session"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema migrations of the jobs table, in order.
func Migrations() ([]database.Migration, error) {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return database.ReadMigrations(sub)
}

var dialect = goqu.Dialect("postgres")

// PostgresStore keeps jobs in the Postgres jobs table. ClaimOne relies on
// SELECT ... FOR UPDATE SKIP LOCKED so that concurrent replicas never claim the same job.
type PostgresStore struct {
	db    *pgxpool.Pool
	clock clock.Clock
}

func NewPostgresStore(db *pgxpool.Pool, clock clock.Clock) *PostgresStore {
	return &PostgresStore{db: db, clock: clock}
}

func (s *PostgresStore) Insert(ctx context.Context, job *model.Job) error {
	query, args, err := insertSQL(job)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return errors.WithStack(&jobserrors.ErrAlreadyExists{Type: "job", Value: job.ID})
		}
		return errors.WithStack(err)
	}
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, filter Filter, options FindOptions) ([]*model.Job, error) {
	query, args, err := selectSQL(filter, options)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return scanJobs(rows)
}

func (s *PostgresStore) Count(ctx context.Context, filter Filter) (int, error) {
	query, args, err := countSQL(filter)
	if err != nil {
		return 0, err
	}
	var count int
	if err := s.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, errors.WithStack(err)
	}
	return count, nil
}

func (s *PostgresStore) UpdateMany(ctx context.Context, filter Filter, update *Update, options UpdateOptions) (UpdateResult, error) {
	if err := update.Validate(); err != nil {
		return UpdateResult{}, err
	}
	query, args, err := updateSQL(filter, update)
	if err != nil {
		return UpdateResult{}, err
	}

	result := UpdateResult{}
	err = s.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return errors.WithStack(err)
		}
		result.Matched = tag.RowsAffected()
		if result.Matched > 0 || !options.Upsert {
			return nil
		}

		job, err := upsertDocument(filter, update, s.clock.Now())
		if err != nil {
			return err
		}
		insert, insertArgs, err := insertSQL(job)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, insert, insertArgs...); err != nil {
			return errors.WithStack(err)
		}
		result.Upserted = true
		return nil
	})
	return result, err
}

func (s *PostgresStore) DeleteMany(ctx context.Context, filter Filter) (int64, error) {
	query, args, err := deleteSQL(filter)
	if err != nil {
		return 0, err
	}
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ClaimOne(ctx context.Context, filter Filter, claim Claim) (*model.Job, error) {
	query, args, err := claimSQL(filter, claim)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// Ping is used by the health check.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func columns() []interface{} {
	cols := make([]interface{}, len(allFields))
	for i, field := range allFields {
		cols[i] = goqu.C(string(field))
	}
	return cols
}

func ordering(order []SortField) []exp.OrderedExpression {
	expressions := make([]exp.OrderedExpression, len(order))
	for i, s := range order {
		if s.Descending {
			expressions[i] = goqu.C(string(s.Field)).Desc()
		} else {
			expressions[i] = goqu.C(string(s.Field)).Asc()
		}
	}
	return expressions
}

func insertSQL(job *model.Job) (string, []interface{}, error) {
	record := goqu.Record{}
	for _, field := range allFields {
		spec := fields[field]
		value := spec.get(job)
		if spec.json {
			encoded, err := json.Marshal(value)
			if err != nil {
				return "", nil, errors.Wrapf(err, "encoding %s", field)
			}
			record[string(field)] = string(encoded)
			continue
		}
		record[string(field)] = scalar(value)
	}
	query, args, err := dialect.Insert(jobsTable).Rows(record).Prepared(true).ToSQL()
	return query, args, errors.WithStack(err)
}

func selectSQL(filter Filter, options FindOptions) (string, []interface{}, error) {
	where, err := filter.Expression()
	if err != nil {
		return "", nil, err
	}
	ds := dialect.From(jobsTable).Select(columns()...).Where(where)
	if len(options.Sort) > 0 {
		ds = ds.Order(ordering(options.Sort)...)
	}
	if options.Limit > 0 {
		ds = ds.Limit(uint(options.Limit))
	}
	query, args, err := ds.Prepared(true).ToSQL()
	return query, args, errors.WithStack(err)
}

func countSQL(filter Filter) (string, []interface{}, error) {
	where, err := filter.Expression()
	if err != nil {
		return "", nil, err
	}
	query, args, err := dialect.From(jobsTable).Select(goqu.COUNT(goqu.Star())).Where(where).Prepared(true).ToSQL()
	return query, args, errors.WithStack(err)
}

func updateSQL(filter Filter, update *Update) (string, []interface{}, error) {
	where, err := filter.Expression()
	if err != nil {
		return "", nil, err
	}
	record, err := update.Record()
	if err != nil {
		return "", nil, err
	}
	query, args, err := dialect.Update(jobsTable).Set(record).Where(where).Prepared(true).ToSQL()
	return query, args, errors.WithStack(err)
}

func deleteSQL(filter Filter) (string, []interface{}, error) {
	where, err := filter.Expression()
	if err != nil {
		return "", nil, err
	}
	query, args, err := dialect.Delete(jobsTable).Where(where).Prepared(true).ToSQL()
	return query, args, errors.WithStack(err)
}

// claimSQL leases the first free matching job. Rows locked by a concurrent claim are skipped
// rather than waited for.
func claimSQL(filter Filter, claim Claim) (string, []interface{}, error) {
	where, err := And(filter, leaseAvailable(claim.Now)).Expression()
	if err != nil {
		return "", nil, err
	}
	record, err := claimUpdate(claim).Record()
	if err != nil {
		return "", nil, err
	}
	candidate := dialect.From(jobsTable).
		Select(goqu.C(string(FieldID))).
		Where(where).
		Order(ordering(ClaimOrder)...).
		Limit(1).
		ForUpdate(exp.SkipLocked)
	query, args, err := dialect.Update(jobsTable).
		Set(record).
		// A plain Eq renders the subquery as an IN list.
		Where(goqu.L("? = ?", goqu.C(string(FieldID)), candidate)).
		Returning(columns()...).
		Prepared(true).
		ToSQL()
	return query, args, errors.WithStack(err)
}

type jobRow struct {
	id                string
	organizationID    string
	workspaceID       string
	sessionSource     string
	sessionUserID     string
	jobType           string
	priority          int
	name              string
	key               string
	state             int
	stateGroup        string
	stepDetails       []byte
	payload           []byte
	metadata          []byte
	creationTime      time.Time
	startTime         *time.Time
	endTime           *time.Time
	author            string
	projectID         string
	cancellationInfo  []byte
	executions        []byte
	telemetry         string
	gpu               int
	cost              int
	markedForDeletion bool
	leaseOwner        string
	leaseExpiry       *time.Time
}

func (r *jobRow) targets() []interface{} {
	return []interface{}{
		&r.id, &r.organizationID, &r.workspaceID, &r.sessionSource, &r.sessionUserID,
		&r.jobType, &r.priority, &r.name, &r.key, &r.state, &r.stateGroup, &r.stepDetails,
		&r.payload, &r.metadata, &r.creationTime, &r.startTime, &r.endTime, &r.author,
		&r.projectID, &r.cancellationInfo, &r.executions, &r.telemetry, &r.gpu, &r.cost,
		&r.markedForDeletion, &r.leaseOwner, &r.leaseExpiry,
	}
}

func (r *jobRow) toJob() (*model.Job, error) {
	job := &model.Job{
		ID: r.id,
		Session: session.Session{
			OrganizationID: r.organizationID,
			WorkspaceID:    r.workspaceID,
			Source:         session.Source(r.sessionSource),
			UserID:         r.sessionUserID,
		},
		Type:              r.jobType,
		Priority:          r.priority,
		Name:              r.name,
		Key:               r.key,
		State:             model.JobState(r.state),
		StateGroup:        model.StateGroup(r.stateGroup),
		CreationTime:      r.creationTime,
		StartTime:         r.startTime,
		EndTime:           r.endTime,
		Author:            r.author,
		ProjectID:         r.projectID,
		Telemetry:         r.telemetry,
		GPU:               r.gpu,
		Cost:              r.cost,
		MarkedForDeletion: r.markedForDeletion,
		LeaseOwner:        r.leaseOwner,
		LeaseExpiry:       r.leaseExpiry,
	}
	if err := unmarshalDocument(r.stepDetails, &job.StepDetails); err != nil {
		return nil, errors.Wrapf(err, "decoding step details of job %s", r.id)
	}
	if err := unmarshalDocument(r.executions, &job.Executions); err != nil {
		return nil, errors.Wrapf(err, "decoding executions of job %s", r.id)
	}
	if err := unmarshalDocument(r.cancellationInfo, &job.CancellationInfo); err != nil {
		return nil, errors.Wrapf(err, "decoding cancellation info of job %s", r.id)
	}
	var err error
	if job.Payload, err = decodePayload(r.payload); err != nil {
		return nil, errors.Wrapf(err, "decoding payload of job %s", r.id)
	}
	if job.Metadata, err = decodePayload(r.metadata); err != nil {
		return nil, errors.Wrapf(err, "decoding metadata of job %s", r.id)
	}
	return job, nil
}

func scanJobs(rows pgx.Rows) ([]*model.Job, error) {
	defer rows.Close()
	jobs := []*model.Job{}
	for rows.Next() {
		row := jobRow{}
		if err := rows.Scan(row.targets()...); err != nil {
			return nil, errors.WithStack(err)
		}
		job, err := row.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.WithStack(rows.Err())
}

func unmarshalDocument(data []byte, target interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, target)
}

// decodePayload keeps integers as int64 rather than letting encoding/json turn every number into a float64.
func decodePayload(data []byte) (model.Payload, error) {
	if len(data) == 0 {
		return nil, nil
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var values map[string]interface{}
	if err := decoder.Decode(&values); err != nil {
		return nil, errors.WithStack(err)
	}
	if values == nil {
		return nil, nil
	}
	return model.NewPayload(fromJSONNumbers(values).(map[string]interface{}))
}

func fromJSONNumbers(value interface{}) interface{} {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, _ := v.Float64()
		return f
	case []interface{}:
		for i := range v {
			v[i] = fromJSONNumbers(v[i])
		}
		return v
	case map[string]interface{}:
		for k := range v {
			v[k] = fromJSONNumbers(v[k])
		}
		return v
	}
	return value
}
