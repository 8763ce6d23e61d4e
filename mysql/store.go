// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package mysql implements a MySQL-based persistent store for
// taskqueue.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/taskqueue-io/taskqueue"
)

const (
	jobsSchema = `CREATE TABLE IF NOT EXISTS taskqueue_jobs (
id varchar(36) primary key,
job_type varchar(255) not null,
priority integer not null default 5,
max_retries integer not null default 3,
timeout_ms bigint not null default 30000,
execution_mode varchar(20) not null default 'PARALLEL',
payload text,
client_id varchar(255),
user_id bigint not null default 0,
status varchar(30) not null,
current_retries integer not null default 0,
retry_backoff_ms bigint not null default 0,
next_retry_at bigint not null default 0,
last_retry_at bigint not null default 0,
error_message text,
created_at bigint not null default 0,
started_at bigint not null default 0,
completed_at bigint not null default 0,
index ix_jobs_status (status),
index ix_jobs_status_next_retry (status, next_retry_at),
index ix_jobs_priority_created (priority, created_at),
index ix_jobs_type (job_type),
index ix_jobs_completed (completed_at));`

	resultsSchema = `CREATE TABLE IF NOT EXISTS taskqueue_job_results (
job_id varchar(36) primary key,
job_type varchar(255) not null,
success tinyint(1) not null,
data text,
error text,
completed_at bigint not null default 0,
expires_at bigint not null default 0,
index ix_results_expires (expires_at));`

	dlqSchema = `CREATE TABLE IF NOT EXISTS taskqueue_dead_letter_queue (
id varchar(36) primary key,
job_id varchar(36) not null,
job_type varchar(255) not null,
payload text,
priority integer not null default 5,
max_retries integer not null default 3,
timeout_ms bigint not null default 30000,
execution_mode varchar(20) not null default 'PARALLEL',
client_id varchar(255),
user_id bigint not null default 0,
failure_reason text,
retry_history text,
failed_at bigint not null default 0,
can_be_retried tinyint(1) not null default 0,
index ix_dlq_type (job_type),
index ix_dlq_retryable (can_be_retried),
index ix_dlq_failed (failed_at));`
)

// Store represents a persistent MySQL storage implementation.
// It implements the taskqueue.Store interface.
type Store struct {
	db *sql.DB
}

// NewStore initializes a new MySQL-based storage. The database named
// in the DSN is created if it does not exist.
func NewStore(url string) (*Store, error) {
	cfg, err := mysqldriver.ParseDSN(url)
	if err != nil {
		return nil, err
	}
	dbname := cfg.DBName
	if dbname == "" {
		return nil, errors.New("mysql: no database specified")
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
	db, err := sql.Open("mysql", url)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) wrapError(err error, op string) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return taskqueue.ErrNotFound
	}
	return errors.Wrap(err, "mysql: "+op)
}

// runWithRetry retries transient database errors with exponential
// backoff. Not-found is final and never retried.
func (s *Store) runWithRetry(fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 15 * time.Second
	return backoff.Retry(func() error {
		err := fn()
		if err == taskqueue.ErrNotFound {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// Start creates the schema.
func (s *Store) Start(ctx context.Context) error {
	for _, schema := range []string{jobsSchema, resultsSchema, dlqSchema} {
		if _, err := s.db.ExecContext(ctx, schema); err != nil {
			return errors.Wrap(err, "mysql: create schema")
		}
	}
	return nil
}

// -- Jobs --

var jobColumns = []string{
	"id", "job_type", "priority", "max_retries", "timeout_ms",
	"execution_mode", "payload", "client_id", "user_id", "status",
	"current_retries", "retry_backoff_ms", "next_retry_at",
	"last_retry_at", "error_message", "created_at", "started_at",
	"completed_at",
}

// CreateJob adds a new job to the store.
func (s *Store) CreateJob(ctx context.Context, job *taskqueue.Job) error {
	payload, err := marshalPayload(job.Payload)
	if err != nil {
		return err
	}
	query, args, err := sq.Insert("taskqueue_jobs").
		Columns(jobColumns...).
		Values(
			job.ID, job.Type, job.Priority, job.MaxRetries, job.TimeoutMs,
			string(job.Mode), payload, nullString(job.ClientID), job.UserID, string(job.Status),
			job.CurrentRetries, job.RetryBackoffMs, job.NextRetryAt,
			job.LastRetryAt, nullString(job.ErrorMessage), job.CreatedAt, job.StartedAt,
			job.CompletedAt,
		).
		ToSql()
	if err != nil {
		return err
	}
	return s.runWithRetry(func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return s.wrapError(err, "create job")
	})
}

// UpdateJob replaces the stored row.
func (s *Store) UpdateJob(ctx context.Context, job *taskqueue.Job) error {
	payload, err := marshalPayload(job.Payload)
	if err != nil {
		return err
	}
	query, args, err := sq.Update("taskqueue_jobs").
		SetMap(map[string]interface{}{
			"job_type":         job.Type,
			"priority":         job.Priority,
			"max_retries":      job.MaxRetries,
			"timeout_ms":       job.TimeoutMs,
			"execution_mode":   string(job.Mode),
			"payload":          payload,
			"client_id":        nullString(job.ClientID),
			"user_id":          job.UserID,
			"status":           string(job.Status),
			"current_retries":  job.CurrentRetries,
			"retry_backoff_ms": job.RetryBackoffMs,
			"next_retry_at":    job.NextRetryAt,
			"last_retry_at":    job.LastRetryAt,
			"error_message":    nullString(job.ErrorMessage),
			"created_at":       job.CreatedAt,
			"started_at":       job.StartedAt,
			"completed_at":     job.CompletedAt,
		}).
		Where(sq.Eq{"id": job.ID}).
		ToSql()
	if err != nil {
		return err
	}
	return s.execExpectingRow(ctx, query, args, "update job")
}

// LookupJob retrieves a single job by its identifier.
func (s *Store) LookupJob(ctx context.Context, id string) (*taskqueue.Job, error) {
	query, args, err := sq.Select(jobColumns...).
		From("taskqueue_jobs").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	job, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, s.wrapError(err, "lookup job")
	}
	return job, nil
}

func (s *Store) SetJobStarted(ctx context.Context, id string, startedAt int64) error {
	query, args, err := sq.Update("taskqueue_jobs").
		Set("status", string(taskqueue.Processing)).
		Set("started_at", startedAt).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	return s.execExpectingRow(ctx, query, args, "set job started")
}

func (s *Store) SetJobCompleted(ctx context.Context, id string, completedAt int64) error {
	query, args, err := sq.Update("taskqueue_jobs").
		Set("status", string(taskqueue.Completed)).
		Set("completed_at", completedAt).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	return s.execExpectingRow(ctx, query, args, "set job completed")
}

func (s *Store) ScheduleJobRetry(ctx context.Context, id string, backoffMs, nextRetryAt, lastRetryAt int64, errorMessage string) error {
	query, args, err := sq.Update("taskqueue_jobs").
		Set("status", string(taskqueue.RetryScheduled)).
		Set("current_retries", sq.Expr("current_retries + 1")).
		Set("retry_backoff_ms", backoffMs).
		Set("next_retry_at", nextRetryAt).
		Set("last_retry_at", lastRetryAt).
		Set("error_message", errorMessage).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	return s.execExpectingRow(ctx, query, args, "schedule job retry")
}

func (s *Store) MarkJobFailed(ctx context.Context, id string, status taskqueue.JobStatus, completedAt int64, errorMessage string) error {
	query, args, err := sq.Update("taskqueue_jobs").
		Set("status", string(status)).
		Set("completed_at", completedAt).
		Set("error_message", errorMessage).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	return s.execExpectingRow(ctx, query, args, "mark job failed")
}

func (s *Store) ResetJobForRetry(ctx context.Context, id string, lastRetryAt int64) error {
	query, args, err := sq.Update("taskqueue_jobs").
		Set("status", string(taskqueue.Pending)).
		Set("retry_backoff_ms", 0).
		Set("next_retry_at", 0).
		Set("last_retry_at", lastRetryAt).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	return s.execExpectingRow(ctx, query, args, "reset job for retry")
}

func (s *Store) SetJobStatus(ctx context.Context, id string, status taskqueue.JobStatus) error {
	query, args, err := sq.Update("taskqueue_jobs").
		Set("status", string(status)).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	return s.execExpectingRow(ctx, query, args, "set job status")
}

// PendingJobs returns live jobs ordered by (priority, created_at).
func (s *Store) PendingJobs(ctx context.Context) ([]*taskqueue.Job, error) {
	query, args, err := sq.Select(jobColumns...).
		From("taskqueue_jobs").
		Where(sq.Eq{"status": []string{string(taskqueue.Pending), string(taskqueue.Processing)}}).
		OrderBy("priority asc", "created_at asc").
		ToSql()
	if err != nil {
		return nil, err
	}
	return s.queryJobs(ctx, query, args, "pending jobs")
}

// DueRetries returns up to limit due retries, earliest first.
func (s *Store) DueRetries(ctx context.Context, now int64, limit int) ([]*taskqueue.Job, error) {
	qry := sq.Select(jobColumns...).
		From("taskqueue_jobs").
		Where(sq.Eq{"status": string(taskqueue.RetryScheduled)}).
		Where(sq.LtOrEq{"next_retry_at": now}).
		OrderBy("next_retry_at asc")
	if limit > 0 {
		qry = qry.Limit(uint64(limit))
	}
	query, args, err := qry.ToSql()
	if err != nil {
		return nil, err
	}
	return s.queryJobs(ctx, query, args, "due retries")
}

func (s *Store) JobCounts(ctx context.Context) (map[taskqueue.JobStatus]int, error) {
	query, args, err := sq.Select("status", "count(*)").
		From("taskqueue_jobs").
		GroupBy("status").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrapError(err, "job counts")
	}
	defer rows.Close()
	counts := make(map[taskqueue.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, s.wrapError(err, "job counts")
		}
		counts[taskqueue.JobStatus(status)] = n
	}
	return counts, s.wrapError(rows.Err(), "job counts")
}

func (s *Store) DeleteFinishedJobsBefore(ctx context.Context, cutoff int64) (int, error) {
	query, args, err := sq.Delete("taskqueue_jobs").
		Where(sq.Eq{"status": []string{
			string(taskqueue.Completed),
			string(taskqueue.Failed),
			string(taskqueue.Timeout),
		}}).
		Where(sq.Lt{"completed_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, s.wrapError(err, "delete finished jobs")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// -- Job results --

func (s *Store) CreateResult(ctx context.Context, result *taskqueue.JobResult) error {
	data, err := marshalPayload(result.Data)
	if err != nil {
		return err
	}
	query, args, err := sq.Insert("taskqueue_job_results").
		Columns("job_id", "job_type", "success", "data", "error", "completed_at", "expires_at").
		Values(result.JobID, result.JobType, result.Success, data, nullString(result.Error), result.CompletedAt, result.ExpiresAt).
		Suffix("ON DUPLICATE KEY UPDATE success = VALUES(success), data = VALUES(data), error = VALUES(error), completed_at = VALUES(completed_at), expires_at = VALUES(expires_at)").
		ToSql()
	if err != nil {
		return err
	}
	return s.runWithRetry(func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return s.wrapError(err, "create result")
	})
}

func (s *Store) LookupResult(ctx context.Context, jobID string, now int64) (*taskqueue.JobResult, error) {
	query, args, err := sq.Select("job_id", "job_type", "success", "data", "error", "completed_at", "expires_at").
		From("taskqueue_job_results").
		Where(sq.Eq{"job_id": jobID}).
		Where(sq.Gt{"expires_at": now}).
		ToSql()
	if err != nil {
		return nil, err
	}
	var (
		result taskqueue.JobResult
		data   sql.NullString
		errMsg sql.NullString
	)
	row := s.db.QueryRowContext(ctx, query, args...)
	err = row.Scan(&result.JobID, &result.JobType, &result.Success, &data, &errMsg, &result.CompletedAt, &result.ExpiresAt)
	if err != nil {
		return nil, s.wrapError(err, "lookup result")
	}
	if result.Data, err = unmarshalPayload(data); err != nil {
		return nil, err
	}
	result.Error = errMsg.String
	return &result, nil
}

func (s *Store) DeleteExpiredResults(ctx context.Context, now int64) (int, error) {
	query, args, err := sq.Delete("taskqueue_job_results").
		Where(sq.LtOrEq{"expires_at": now}).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, s.wrapError(err, "delete expired results")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// -- Dead letter queue --

var dlqColumns = []string{
	"id", "job_id", "job_type", "payload", "priority", "max_retries",
	"timeout_ms", "execution_mode", "client_id", "user_id",
	"failure_reason", "retry_history", "failed_at", "can_be_retried",
}

func (s *Store) CreateDLQEntry(ctx context.Context, entry *taskqueue.DLQEntry) error {
	payload, err := marshalPayload(entry.Payload)
	if err != nil {
		return err
	}
	history, err := marshalHistory(entry.RetryHistory)
	if err != nil {
		return err
	}
	query, args, err := sq.Insert("taskqueue_dead_letter_queue").
		Columns(dlqColumns...).
		Values(
			entry.ID, entry.JobID, entry.JobType, payload, entry.Priority,
			entry.MaxRetries, entry.TimeoutMs, string(entry.Mode),
			nullString(entry.ClientID), entry.UserID,
			nullString(entry.FailureReason), history, entry.FailedAt, entry.CanBeRetried,
		).
		ToSql()
	if err != nil {
		return err
	}
	return s.runWithRetry(func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return s.wrapError(err, "create dlq entry")
	})
}

func (s *Store) LookupDLQEntry(ctx context.Context, id string) (*taskqueue.DLQEntry, error) {
	query, args, err := sq.Select(dlqColumns...).
		From("taskqueue_dead_letter_queue").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	entry, err := scanDLQEntry(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, s.wrapError(err, "lookup dlq entry")
	}
	return entry, nil
}

func (s *Store) ListDLQEntries(ctx context.Context, filter taskqueue.DLQFilter) ([]*taskqueue.DLQEntry, error) {
	qry := sq.Select(dlqColumns...).
		From("taskqueue_dead_letter_queue").
		OrderBy("failed_at desc")
	if filter.JobType != "" {
		qry = qry.Where(sq.Eq{"job_type": filter.JobType})
	}
	if filter.CanBeRetried != nil {
		qry = qry.Where(sq.Eq{"can_be_retried": *filter.CanBeRetried})
	}
	if filter.Limit > 0 {
		qry = qry.Limit(uint64(filter.Limit))
	}
	query, args, err := qry.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrapError(err, "list dlq entries")
	}
	defer rows.Close()
	var entries []*taskqueue.DLQEntry
	for rows.Next() {
		entry, err := scanDLQEntry(rows)
		if err != nil {
			return nil, s.wrapError(err, "list dlq entries")
		}
		entries = append(entries, entry)
	}
	return entries, s.wrapError(rows.Err(), "list dlq entries")
}

func (s *Store) ConsumeDLQEntry(ctx context.Context, id string) error {
	query, args, err := sq.Update("taskqueue_dead_letter_queue").
		Set("can_be_retried", false).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	return s.execExpectingRow(ctx, query, args, "consume dlq entry")
}

func (s *Store) DLQStats(ctx context.Context) (*taskqueue.DLQStats, error) {
	stats := &taskqueue.DLQStats{
		EntriesByType: make(map[string]int),
	}

	query, args, err := sq.Select("job_type", "count(*)", "sum(can_be_retried)", "min(failed_at)").
		From("taskqueue_dead_letter_queue").
		GroupBy("job_type").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrapError(err, "dlq stats")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			jobType   string
			total     int
			retryable int
			oldest    int64
		)
		if err := rows.Scan(&jobType, &total, &retryable, &oldest); err != nil {
			return nil, s.wrapError(err, "dlq stats")
		}
		stats.TotalEntries += total
		stats.RetryableEntries += retryable
		stats.EntriesByType[jobType] = total
		if stats.OldestEntry == 0 || oldest < stats.OldestEntry {
			stats.OldestEntry = oldest
		}
	}
	return stats, s.wrapError(rows.Err(), "dlq stats")
}

func (s *Store) DeleteDLQEntriesBefore(ctx context.Context, cutoff int64) (int, error) {
	query, args, err := sq.Delete("taskqueue_dead_letter_queue").
		Where(sq.Eq{"can_be_retried": false}).
		Where(sq.Lt{"failed_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, s.wrapError(err, "delete dlq entries")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// -- Helpers --

// execExpectingRow runs an update that must hit exactly one row and
// maps a miss to taskqueue.ErrNotFound.
func (s *Store) execExpectingRow(ctx context.Context, query string, args []interface{}, op string) error {
	return s.runWithRetry(func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return s.wrapError(err, op)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return s.wrapError(err, op)
		}
		if n == 0 {
			return taskqueue.ErrNotFound
		}
		return nil
	})
}

func (s *Store) queryJobs(ctx context.Context, query string, args []interface{}, op string) ([]*taskqueue.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.wrapError(err, op)
	}
	defer rows.Close()
	var jobs []*taskqueue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, s.wrapError(err, op)
		}
		jobs = append(jobs, job)
	}
	return jobs, s.wrapError(rows.Err(), op)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*taskqueue.Job, error) {
	var (
		job      taskqueue.Job
		mode     string
		status   string
		payload  sql.NullString
		clientID sql.NullString
		errMsg   sql.NullString
	)
	err := row.Scan(
		&job.ID, &job.Type, &job.Priority, &job.MaxRetries, &job.TimeoutMs,
		&mode, &payload, &clientID, &job.UserID, &status,
		&job.CurrentRetries, &job.RetryBackoffMs, &job.NextRetryAt,
		&job.LastRetryAt, &errMsg, &job.CreatedAt, &job.StartedAt,
		&job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Mode = taskqueue.ExecutionMode(mode)
	job.Status = taskqueue.JobStatus(status)
	job.ClientID = clientID.String
	job.ErrorMessage = errMsg.String
	if job.Payload, err = unmarshalPayload(payload); err != nil {
		return nil, err
	}
	return &job, nil
}

func scanDLQEntry(row scanner) (*taskqueue.DLQEntry, error) {
	var (
		entry    taskqueue.DLQEntry
		mode     string
		payload  sql.NullString
		clientID sql.NullString
		reason   sql.NullString
		history  sql.NullString
	)
	err := row.Scan(
		&entry.ID, &entry.JobID, &entry.JobType, &payload, &entry.Priority,
		&entry.MaxRetries, &entry.TimeoutMs, &mode, &clientID, &entry.UserID,
		&reason, &history, &entry.FailedAt, &entry.CanBeRetried,
	)
	if err != nil {
		return nil, err
	}
	entry.Mode = taskqueue.ExecutionMode(mode)
	entry.ClientID = clientID.String
	entry.FailureReason = reason.String
	if entry.Payload, err = unmarshalPayload(payload); err != nil {
		return nil, err
	}
	if history.Valid && history.String != "" {
		if err := json.Unmarshal([]byte(history.String), &entry.RetryHistory); err != nil {
			return nil, err
		}
	}
	return &entry, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func marshalPayload(p taskqueue.Payload) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	v, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(v), Valid: true}, nil
}

func unmarshalPayload(s sql.NullString) (taskqueue.Payload, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var p taskqueue.Payload
	if err := json.Unmarshal([]byte(s.String), &p); err != nil {
		return nil, err
	}
	return p, nil
}

func marshalHistory(history []taskqueue.RetryAttempt) (sql.NullString, error) {
	if len(history) == 0 {
		return sql.NullString{}, nil
	}
	v, err := json.Marshal(history)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(v), Valid: true}, nil
}

var _ taskqueue.Store = (*Store)(nil)
