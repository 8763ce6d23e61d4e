// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package sqlite implements a SQLite-based persistent store for
// taskqueue. It uses the pure-Go modernc.org/sqlite driver, so it
// needs no cgo. Suitable for single-process deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/taskqueue-io/taskqueue"
)

const schema = `
CREATE TABLE IF NOT EXISTS taskqueue_jobs (
	id text primary key,
	job_type text not null,
	priority integer not null default 5,
	max_retries integer not null default 3,
	timeout_ms integer not null default 30000,
	execution_mode text not null default 'PARALLEL',
	payload text,
	client_id text,
	user_id integer not null default 0,
	status text not null,
	current_retries integer not null default 0,
	retry_backoff_ms integer not null default 0,
	next_retry_at integer not null default 0,
	last_retry_at integer not null default 0,
	error_message text,
	created_at integer not null default 0,
	started_at integer not null default 0,
	completed_at integer not null default 0
);
CREATE INDEX IF NOT EXISTS ix_jobs_status ON taskqueue_jobs (status);
CREATE INDEX IF NOT EXISTS ix_jobs_status_next_retry ON taskqueue_jobs (status, next_retry_at);
CREATE INDEX IF NOT EXISTS ix_jobs_priority_created ON taskqueue_jobs (priority, created_at);

CREATE TABLE IF NOT EXISTS taskqueue_job_results (
	job_id text primary key,
	job_type text not null,
	success integer not null,
	data text,
	error text,
	completed_at integer not null default 0,
	expires_at integer not null default 0
);
CREATE INDEX IF NOT EXISTS ix_results_expires ON taskqueue_job_results (expires_at);

CREATE TABLE IF NOT EXISTS taskqueue_dead_letter_queue (
	id text primary key,
	job_id text not null,
	job_type text not null,
	payload text,
	priority integer not null default 5,
	max_retries integer not null default 3,
	timeout_ms integer not null default 30000,
	execution_mode text not null default 'PARALLEL',
	client_id text,
	user_id integer not null default 0,
	failure_reason text,
	retry_history text,
	failed_at integer not null default 0,
	can_be_retried integer not null default 0
);
CREATE INDEX IF NOT EXISTS ix_dlq_type ON taskqueue_dead_letter_queue (job_type);
CREATE INDEX IF NOT EXISTS ix_dlq_failed ON taskqueue_dead_letter_queue (failed_at);
`

const jobColumns = `id, job_type, priority, max_retries, timeout_ms,
execution_mode, payload, client_id, user_id, status, current_retries,
retry_backoff_ms, next_retry_at, last_retry_at, error_message,
created_at, started_at, completed_at`

const dlqColumns = `id, job_id, job_type, payload, priority,
max_retries, timeout_ms, execution_mode, client_id, user_id,
failure_reason, retry_history, failed_at, can_be_retried`

// Store represents a persistent SQLite storage implementation.
// It implements the taskqueue.Store interface.
type Store struct {
	db *sql.DB
}

// NewStore opens (and creates, if necessary) the SQLite database at
// the given path. Use ":memory:" for a throwaway database.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: open")
	}
	// SQLite handles one writer at a time; a larger pool just
	// produces SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000;"); err != nil {
		return nil, errors.Wrap(err, "sqlite: pragma")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func wrapError(err error, op string) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return taskqueue.ErrNotFound
	}
	return errors.Wrap(err, "sqlite: "+op)
}

// Start creates the schema.
func (s *Store) Start(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return wrapError(err, "create schema")
}

// -- Jobs --

func (s *Store) CreateJob(ctx context.Context, job *taskqueue.Job) error {
	payload, err := marshalJSON(job.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO taskqueue_jobs (`+jobColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, job.Priority, job.MaxRetries, job.TimeoutMs,
		string(job.Mode), payload, job.ClientID, job.UserID, string(job.Status),
		job.CurrentRetries, job.RetryBackoffMs, job.NextRetryAt,
		job.LastRetryAt, job.ErrorMessage, job.CreatedAt, job.StartedAt,
		job.CompletedAt)
	return wrapError(err, "create job")
}

func (s *Store) UpdateJob(ctx context.Context, job *taskqueue.Job) error {
	payload, err := marshalJSON(job.Payload)
	if err != nil {
		return err
	}
	return s.exec(ctx, "update job", `UPDATE taskqueue_jobs SET
job_type = ?, priority = ?, max_retries = ?, timeout_ms = ?,
execution_mode = ?, payload = ?, client_id = ?, user_id = ?, status = ?,
current_retries = ?, retry_backoff_ms = ?, next_retry_at = ?,
last_retry_at = ?, error_message = ?, created_at = ?, started_at = ?,
completed_at = ? WHERE id = ?`,
		job.Type, job.Priority, job.MaxRetries, job.TimeoutMs,
		string(job.Mode), payload, job.ClientID, job.UserID, string(job.Status),
		job.CurrentRetries, job.RetryBackoffMs, job.NextRetryAt,
		job.LastRetryAt, job.ErrorMessage, job.CreatedAt, job.StartedAt,
		job.CompletedAt, job.ID)
}

func (s *Store) LookupJob(ctx context.Context, id string) (*taskqueue.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM taskqueue_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		return nil, wrapError(err, "lookup job")
	}
	return job, nil
}

func (s *Store) SetJobStarted(ctx context.Context, id string, startedAt int64) error {
	return s.exec(ctx, "set job started",
		`UPDATE taskqueue_jobs SET status = ?, started_at = ? WHERE id = ?`,
		string(taskqueue.Processing), startedAt, id)
}

func (s *Store) SetJobCompleted(ctx context.Context, id string, completedAt int64) error {
	return s.exec(ctx, "set job completed",
		`UPDATE taskqueue_jobs SET status = ?, completed_at = ? WHERE id = ?`,
		string(taskqueue.Completed), completedAt, id)
}

func (s *Store) ScheduleJobRetry(ctx context.Context, id string, backoffMs, nextRetryAt, lastRetryAt int64, errorMessage string) error {
	return s.exec(ctx, "schedule job retry",
		`UPDATE taskqueue_jobs SET status = ?, current_retries = current_retries + 1,
retry_backoff_ms = ?, next_retry_at = ?, last_retry_at = ?, error_message = ? WHERE id = ?`,
		string(taskqueue.RetryScheduled), backoffMs, nextRetryAt, lastRetryAt, errorMessage, id)
}

func (s *Store) MarkJobFailed(ctx context.Context, id string, status taskqueue.JobStatus, completedAt int64, errorMessage string) error {
	return s.exec(ctx, "mark job failed",
		`UPDATE taskqueue_jobs SET status = ?, completed_at = ?, error_message = ? WHERE id = ?`,
		string(status), completedAt, errorMessage, id)
}

func (s *Store) ResetJobForRetry(ctx context.Context, id string, lastRetryAt int64) error {
	return s.exec(ctx, "reset job for retry",
		`UPDATE taskqueue_jobs SET status = ?, retry_backoff_ms = 0, next_retry_at = 0, last_retry_at = ? WHERE id = ?`,
		string(taskqueue.Pending), lastRetryAt, id)
}

func (s *Store) SetJobStatus(ctx context.Context, id string, status taskqueue.JobStatus) error {
	return s.exec(ctx, "set job status",
		`UPDATE taskqueue_jobs SET status = ? WHERE id = ?`, string(status), id)
}

func (s *Store) PendingJobs(ctx context.Context) ([]*taskqueue.Job, error) {
	return s.queryJobs(ctx, "pending jobs",
		`SELECT `+jobColumns+` FROM taskqueue_jobs WHERE status IN (?, ?) ORDER BY priority ASC, created_at ASC`,
		string(taskqueue.Pending), string(taskqueue.Processing))
}

func (s *Store) DueRetries(ctx context.Context, now int64, limit int) ([]*taskqueue.Job, error) {
	if limit <= 0 {
		limit = -1 // no limit in SQLite
	}
	return s.queryJobs(ctx, "due retries",
		`SELECT `+jobColumns+` FROM taskqueue_jobs WHERE status = ? AND next_retry_at <= ? ORDER BY next_retry_at ASC LIMIT ?`,
		string(taskqueue.RetryScheduled), now, limit)
}

func (s *Store) JobCounts(ctx context.Context) (map[taskqueue.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM taskqueue_jobs GROUP BY status`)
	if err != nil {
		return nil, wrapError(err, "job counts")
	}
	defer rows.Close()
	counts := make(map[taskqueue.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrapError(err, "job counts")
		}
		counts[taskqueue.JobStatus(status)] = n
	}
	return counts, wrapError(rows.Err(), "job counts")
}

func (s *Store) DeleteFinishedJobsBefore(ctx context.Context, cutoff int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM taskqueue_jobs WHERE status IN (?, ?, ?) AND completed_at < ?`,
		string(taskqueue.Completed), string(taskqueue.Failed), string(taskqueue.Timeout), cutoff)
	if err != nil {
		return 0, wrapError(err, "delete finished jobs")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// -- Job results --

func (s *Store) CreateResult(ctx context.Context, result *taskqueue.JobResult) error {
	data, err := marshalJSON(result.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO taskqueue_job_results
(job_id, job_type, success, data, error, completed_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (job_id) DO UPDATE SET success = excluded.success,
data = excluded.data, error = excluded.error,
completed_at = excluded.completed_at, expires_at = excluded.expires_at`,
		result.JobID, result.JobType, result.Success, data, result.Error,
		result.CompletedAt, result.ExpiresAt)
	return wrapError(err, "create result")
}

func (s *Store) LookupResult(ctx context.Context, jobID string, now int64) (*taskqueue.JobResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, job_type, success, data, error, completed_at, expires_at
FROM taskqueue_job_results WHERE job_id = ? AND expires_at > ?`, jobID, now)
	var (
		result taskqueue.JobResult
		data   sql.NullString
		errMsg sql.NullString
	)
	err := row.Scan(&result.JobID, &result.JobType, &result.Success, &data, &errMsg, &result.CompletedAt, &result.ExpiresAt)
	if err != nil {
		return nil, wrapError(err, "lookup result")
	}
	if result.Data, err = unmarshalPayload(data); err != nil {
		return nil, err
	}
	result.Error = errMsg.String
	return &result, nil
}

func (s *Store) DeleteExpiredResults(ctx context.Context, now int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM taskqueue_job_results WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, wrapError(err, "delete expired results")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// -- Dead letter queue --

func (s *Store) CreateDLQEntry(ctx context.Context, entry *taskqueue.DLQEntry) error {
	payload, err := marshalJSON(entry.Payload)
	if err != nil {
		return err
	}
	var history interface{}
	if len(entry.RetryHistory) > 0 {
		v, err := json.Marshal(entry.RetryHistory)
		if err != nil {
			return err
		}
		history = string(v)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO taskqueue_dead_letter_queue (`+dlqColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.JobID, entry.JobType, payload, entry.Priority,
		entry.MaxRetries, entry.TimeoutMs, string(entry.Mode), entry.ClientID,
		entry.UserID, entry.FailureReason, history, entry.FailedAt, entry.CanBeRetried)
	return wrapError(err, "create dlq entry")
}

func (s *Store) LookupDLQEntry(ctx context.Context, id string) (*taskqueue.DLQEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dlqColumns+` FROM taskqueue_dead_letter_queue WHERE id = ?`, id)
	entry, err := scanDLQEntry(row)
	if err != nil {
		return nil, wrapError(err, "lookup dlq entry")
	}
	return entry, nil
}

func (s *Store) ListDLQEntries(ctx context.Context, filter taskqueue.DLQFilter) ([]*taskqueue.DLQEntry, error) {
	query := `SELECT ` + dlqColumns + ` FROM taskqueue_dead_letter_queue`
	var conds []string
	var args []interface{}
	if filter.JobType != "" {
		conds = append(conds, "job_type = ?")
		args = append(args, filter.JobType)
	}
	if filter.CanBeRetried != nil {
		conds = append(conds, "can_be_retried = ?")
		args = append(args, *filter.CanBeRetried)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY failed_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError(err, "list dlq entries")
	}
	defer rows.Close()
	var entries []*taskqueue.DLQEntry
	for rows.Next() {
		entry, err := scanDLQEntry(rows)
		if err != nil {
			return nil, wrapError(err, "list dlq entries")
		}
		entries = append(entries, entry)
	}
	return entries, wrapError(rows.Err(), "list dlq entries")
}

func (s *Store) ConsumeDLQEntry(ctx context.Context, id string) error {
	return s.exec(ctx, "consume dlq entry",
		`UPDATE taskqueue_dead_letter_queue SET can_be_retried = 0 WHERE id = ?`, id)
}

func (s *Store) DLQStats(ctx context.Context) (*taskqueue.DLQStats, error) {
	stats := &taskqueue.DLQStats{
		EntriesByType: make(map[string]int),
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_type, count(*), sum(can_be_retried), min(failed_at) FROM taskqueue_dead_letter_queue GROUP BY job_type`)
	if err != nil {
		return nil, wrapError(err, "dlq stats")
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
			return nil, wrapError(err, "dlq stats")
		}
		stats.TotalEntries += total
		stats.RetryableEntries += retryable
		stats.EntriesByType[jobType] = total
		if stats.OldestEntry == 0 || oldest < stats.OldestEntry {
			stats.OldestEntry = oldest
		}
	}
	return stats, wrapError(rows.Err(), "dlq stats")
}

func (s *Store) DeleteDLQEntriesBefore(ctx context.Context, cutoff int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM taskqueue_dead_letter_queue WHERE can_be_retried = 0 AND failed_at < ?`, cutoff)
	if err != nil {
		return 0, wrapError(err, "delete dlq entries")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// -- Helpers --

// exec runs an update that must hit exactly one row.
func (s *Store) exec(ctx context.Context, op, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return wrapError(err, op)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapError(err, op)
	}
	if n == 0 {
		return taskqueue.ErrNotFound
	}
	return nil
}

func (s *Store) queryJobs(ctx context.Context, op, query string, args ...interface{}) ([]*taskqueue.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapError(err, op)
	}
	defer rows.Close()
	var jobs []*taskqueue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, wrapError(err, op)
		}
		jobs = append(jobs, job)
	}
	return jobs, wrapError(rows.Err(), op)
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

func marshalJSON(p taskqueue.Payload) (interface{}, error) {
	if p == nil {
		return nil, nil
	}
	v, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(v), nil
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

var _ taskqueue.Store = (*Store)(nil)
