// Package mysql contains a MySQL-backed persistent store for sqlq.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"
	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/eikeland/sqlq"
)

const mysqlSchema = `CREATE TABLE IF NOT EXISTS sqlq_jobs (
id bigint primary key auto_increment,
payload text,
state varchar(30) not null,
priority integer not null default 0,
retries integer not null default 0,
locked_by varchar(128),
result text,
error text,
created bigint not null,
updated bigint not null,
available_at bigint not null default 0,
index ix_jobs_state (state),
index ix_jobs_priority_created (priority, created),
index ix_jobs_available_at (available_at),
index ix_jobs_updated (updated));`

const jobColumns = "id, payload, state, priority, retries, locked_by, result, error, created, updated, available_at"

// Store represents a persistent MySQL storage implementation.
// It implements the sqlq.Store interface.
type Store struct {
	db    *sql.DB
	debug bool
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// NewStore initializes a new MySQL-based storage. The database named in
// the DSN is created if it does not exist.
func NewStore(url string, options ...StoreOption) (*Store, error) {
	st := &Store{}
	for _, opt := range options {
		opt(st)
	}
	cfg, err := mysqldriver.ParseDSN(url)
	if err != nil {
		return nil, err
	}
	dbname := cfg.DBName
	if dbname == "" {
		return nil, errors.New("no database specified")
	}
	// First connect without DB name
	cfg.DBName = ""
	setupdb, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, err
	}
	defer setupdb.Close()
	// Create database
	_, err = setupdb.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", dbname))
	if err != nil {
		return nil, err
	}

	// Now connect again, this time with the db name
	st.db, err = sql.Open("mysql", url)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// SetDebug indicates whether to enable or disable debugging (which will
// output SQL to the console).
func SetDebug(enabled bool) StoreOption {
	return func(s *Store) {
		s.debug = enabled
	}
}

// Close the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) logSQL(query string, args []interface{}) {
	if s.debug {
		log.Printf("sqlq/mysql: %s %v", query, args)
	}
}

// runWithRetry retries fn on transient errors such as deadlocks.
func (s *Store) runWithRetry(fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 15 * time.Second
	return backoff.Retry(fn, b)
}

// Start creates the job table if it does not exist.
func (s *Store) Start(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, mysqlSchema)
	return err
}

// Create adds a new job to the store and assigns its ID.
func (s *Store) Create(ctx context.Context, job *sqlq.Job) error {
	query, args, err := sq.Insert("sqlq_jobs").
		Columns("payload", "state", "priority", "retries", "created", "updated", "available_at").
		Values(job.Payload, string(job.State), job.Priority, job.Retries, job.Created, job.Updated, job.AvailableAt).
		ToSql()
	if err != nil {
		return err
	}
	s.logSQL(query, args)
	return s.runWithRetry(func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		job.ID = id
		return nil
	})
}

// Next picks the most eligible claimable job, or ErrNotFound if no job
// is eligible.
func (s *Store) Next(ctx context.Context, now time.Time) (*sqlq.Job, error) {
	query, args, err := sq.Select(jobColumns).
		From("sqlq_jobs").
		Where(sq.Eq{"state": string(sqlq.Waiting)}).
		Where("locked_by IS NULL").
		Where(sq.LtOrEq{"available_at": now.UnixNano()}).
		OrderBy("priority DESC", "created ASC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, err
	}
	s.logSQL(query, args)
	var j jobRow
	if err := j.scan(s.db.QueryRowContext(ctx, query, args...)); err != nil {
		if err == sql.ErrNoRows {
			return nil, sqlq.ErrNotFound
		}
		return nil, err
	}
	return j.toJob(), nil
}

// Claim locks the job with the given token, guarded by the job being
// in state Waiting and unlocked at write time.
func (s *Store) Claim(ctx context.Context, id int64, token string, now time.Time) (bool, error) {
	query, args, err := sq.Update("sqlq_jobs").
		Set("state", string(sqlq.Active)).
		Set("locked_by", token).
		Set("updated", now.UnixNano()).
		Where(sq.Eq{"id": id, "state": string(sqlq.Waiting)}).
		Where("locked_by IS NULL").
		ToSql()
	if err != nil {
		return false, err
	}
	s.logSQL(query, args)
	return s.execOne(ctx, query, args)
}

// Complete resolves an active job as Completed.
func (s *Store) Complete(ctx context.Context, id int64, result *string, now time.Time) (bool, error) {
	query, args, err := sq.Update("sqlq_jobs").
		Set("state", string(sqlq.Completed)).
		Set("locked_by", nil).
		Set("result", result).
		Set("updated", now.UnixNano()).
		Where(sq.Eq{"id": id, "state": string(sqlq.Active)}).
		ToSql()
	if err != nil {
		return false, err
	}
	s.logSQL(query, args)
	return s.execOne(ctx, query, args)
}

// Fail resolves an active job as Failed.
func (s *Store) Fail(ctx context.Context, id int64, errorMsg *string, now time.Time) (bool, error) {
	query, args, err := sq.Update("sqlq_jobs").
		Set("state", string(sqlq.Failed)).
		Set("locked_by", nil).
		Set("error", errorMsg).
		Set("updated", now.UnixNano()).
		Where(sq.Eq{"id": id, "state": string(sqlq.Active)}).
		ToSql()
	if err != nil {
		return false, err
	}
	s.logSQL(query, args)
	return s.execOne(ctx, query, args)
}

// Retry puts a failed job back into Waiting, guarded by the job being
// failed at write time.
func (s *Store) Retry(ctx context.Context, id int64, availableAt, now time.Time) (bool, error) {
	query, args, err := sq.Update("sqlq_jobs").
		Set("state", string(sqlq.Waiting)).
		Set("locked_by", nil).
		Set("error", nil).
		Set("retries", sq.Expr("retries + 1")).
		Set("available_at", availableAt.UnixNano()).
		Set("updated", now.UnixNano()).
		Where(sq.Eq{"id": id, "state": string(sqlq.Failed)}).
		ToSql()
	if err != nil {
		return false, err
	}
	s.logSQL(query, args)
	return s.execOne(ctx, query, args)
}

// ReclaimStale returns active jobs not updated since olderThan to
// Waiting.
func (s *Store) ReclaimStale(ctx context.Context, olderThan, now time.Time) (int64, error) {
	query, args, err := sq.Update("sqlq_jobs").
		Set("state", string(sqlq.Waiting)).
		Set("locked_by", nil).
		Set("updated", now.UnixNano()).
		Where(sq.Eq{"state": string(sqlq.Active)}).
		Where(sq.Lt{"updated": olderThan.UnixNano()}).
		ToSql()
	if err != nil {
		return 0, err
	}
	s.logSQL(query, args)
	var n int64
	err = s.runWithRetry(func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// Lookup retrieves a single job in the store by its identifier.
func (s *Store) Lookup(ctx context.Context, id int64) (*sqlq.Job, error) {
	query, args, err := sq.Select(jobColumns).
		From("sqlq_jobs").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	s.logSQL(query, args)
	var j jobRow
	if err := j.scan(s.db.QueryRowContext(ctx, query, args...)); err != nil {
		if err == sql.ErrNoRows {
			return nil, sqlq.ErrNotFound
		}
		return nil, err
	}
	return j.toJob(), nil
}

// List returns a list of all jobs stored in the data store.
func (s *Store) List(ctx context.Context, request *sqlq.ListRequest) (*sqlq.ListResponse, error) {
	rsp := &sqlq.ListResponse{}

	// Count
	countQry := sq.Select("COUNT(*)").From("sqlq_jobs")
	if request.State != "" {
		countQry = countQry.Where(sq.Eq{"state": string(request.State)})
	}
	query, args, err := countQry.ToSql()
	if err != nil {
		return nil, err
	}
	s.logSQL(query, args)
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&rsp.Total); err != nil {
		return nil, err
	}

	// Find
	qry := sq.Select(jobColumns).
		From("sqlq_jobs").
		OrderBy("updated DESC")
	if request.State != "" {
		qry = qry.Where(sq.Eq{"state": string(request.State)})
	}
	if request.Offset > 0 {
		qry = qry.Offset(uint64(request.Offset))
	}
	if request.Limit > 0 {
		qry = qry.Limit(uint64(request.Limit))
	}
	query, args, err = qry.ToSql()
	if err != nil {
		return nil, err
	}
	s.logSQL(query, args)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var j jobRow
		if err := j.scan(rows); err != nil {
			return nil, err
		}
		rsp.Jobs = append(rsp.Jobs, j.toJob())
	}
	return rsp, rows.Err()
}

// Stats returns statistics about the jobs in the store.
func (s *Store) Stats(ctx context.Context) (*sqlq.Stats, error) {
	query, args, err := sq.Select("state", "COUNT(*)").
		From("sqlq_jobs").
		GroupBy("state").
		ToSql()
	if err != nil {
		return nil, err
	}
	s.logSQL(query, args)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stats := &sqlq.Stats{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		switch sqlq.State(state) {
		case sqlq.Waiting:
			stats.Waiting = count
		case sqlq.Active:
			stats.Active = count
		case sqlq.Completed:
			stats.Completed = count
		case sqlq.Failed:
			stats.Failed = count
		case sqlq.Delayed:
			stats.Delayed = count
		case sqlq.Paused:
			stats.Paused = count
		case sqlq.Stalled:
			stats.Stalled = count
		case sqlq.Removed:
			stats.Removed = count
		}
	}
	return stats, rows.Err()
}

// execOne executes a conditional update and reports whether exactly one
// row was affected.
func (s *Store) execOne(ctx context.Context, query string, args []interface{}) (bool, error) {
	var n int64
	err := s.runWithRetry(func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// -- MySQL-internal representation of a job --

type jobRow struct {
	ID          int64
	Payload     sql.NullString
	State       string
	Priority    int
	Retries     int
	LockedBy    sql.NullString
	Result      sql.NullString
	Error       sql.NullString
	Created     int64
	Updated     int64
	AvailableAt int64
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func (j *jobRow) scan(row scanner) error {
	return row.Scan(
		&j.ID,
		&j.Payload,
		&j.State,
		&j.Priority,
		&j.Retries,
		&j.LockedBy,
		&j.Result,
		&j.Error,
		&j.Created,
		&j.Updated,
		&j.AvailableAt,
	)
}

func (j *jobRow) toJob() *sqlq.Job {
	return &sqlq.Job{
		ID:          j.ID,
		Payload:     j.Payload.String,
		State:       sqlq.State(j.State),
		Priority:    j.Priority,
		Retries:     j.Retries,
		LockedBy:    j.LockedBy.String,
		Result:      j.Result.String,
		Error:       j.Error.String,
		Created:     j.Created,
		Updated:     j.Updated,
		AvailableAt: j.AvailableAt,
	}
}
