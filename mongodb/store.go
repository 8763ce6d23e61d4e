// Package mongodb implements a MongoDB-based persistent store for
// taskqueue.
package mongodb

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/globalsign/mgo"
	"github.com/globalsign/mgo/bson"

	"github.com/taskqueue-io/taskqueue"
)

const (
	// socketTimeout should be long enough that even a slow mongo server
	// will respond in that length of time. Since mongo servers ping themselves
	// every 10 seconds, we use a value just over 2 ping periods to allow
	// for delayed pings due to issues such as CPU starvation etc.
	socketTimeout = 21 * time.Second

	// dialTimeout should be representative of the upper bound of the
	// time taken to dial a mongo server from within the same cloud/private
	// network.
	dialTimeout = 30 * time.Second

	jobsCollection    = "taskqueue_jobs"
	resultsCollection = "taskqueue_job_results"
	dlqCollection     = "taskqueue_dead_letter_queue"
)

// Store represents a MongoDB-based storage backend.
type Store struct {
	session *mgo.Session
	db      *mgo.Database
	jobs    *mgo.Collection
	results *mgo.Collection
	dlq     *mgo.Collection
}

// NewStore creates a new MongoDB-based storage backend.
func NewStore(mongodbURL string) (*Store, error) {
	uri, err := url.Parse(mongodbURL)
	if err != nil {
		return nil, err
	}
	if uri.Path == "" || uri.Path == "/" {
		return nil, errors.New("mongodb: database missing in URL")
	}
	dbname := uri.Path[1:]

	st := &Store{}
	st.session, err = mgo.DialWithTimeout(mongodbURL, dialTimeout)
	if err != nil {
		return nil, err
	}

	st.session.SetMode(mgo.Monotonic, true)
	st.session.SetSocketTimeout(socketTimeout)

	st.db = st.session.DB(dbname)
	st.jobs = st.db.C(jobsCollection)
	st.results = st.db.C(resultsCollection)
	st.dlq = st.db.C(dlqCollection)

	// Create indices
	for _, keys := range [][]string{
		{"status"},
		{"status", "next_retry_at"},
		{"priority", "created_at"},
		{"completed_at"},
	} {
		if err := st.jobs.EnsureIndexKey(keys...); err != nil {
			return nil, err
		}
	}
	if err := st.results.EnsureIndexKey("expires_at"); err != nil {
		return nil, err
	}
	for _, keys := range [][]string{
		{"job_type"},
		{"can_be_retried"},
		{"-failed_at"},
	} {
		if err := st.dlq.EnsureIndexKey(keys...); err != nil {
			return nil, err
		}
	}

	return st, nil
}

// Close the MongoDB store.
func (s *Store) Close() error {
	s.session.Close()
	return nil
}

func (s *Store) wrapError(err error) error {
	if err == mgo.ErrNotFound {
		return taskqueue.ErrNotFound
	}
	return err
}

// Start is called when the manager starts up. Schema and indices are
// already in place at this point, so there is nothing to do.
func (s *Store) Start(ctx context.Context) error {
	return nil
}

// -- Jobs --

// CreateJob adds a new job to the store.
func (s *Store) CreateJob(ctx context.Context, job *taskqueue.Job) error {
	return s.wrapError(s.jobs.Insert(newJobDoc(job)))
}

// UpdateJob replaces the stored document.
func (s *Store) UpdateJob(ctx context.Context, job *taskqueue.Job) error {
	return s.wrapError(s.jobs.UpdateId(job.ID, newJobDoc(job)))
}

// LookupJob retrieves a single job by its identifier.
func (s *Store) LookupJob(ctx context.Context, id string) (*taskqueue.Job, error) {
	var doc jobDoc
	if err := s.jobs.FindId(id).One(&doc); err != nil {
		return nil, s.wrapError(err)
	}
	return doc.toJob(), nil
}

func (s *Store) SetJobStarted(ctx context.Context, id string, startedAt int64) error {
	return s.wrapError(s.jobs.UpdateId(id, bson.M{"$set": bson.M{
		"status":     taskqueue.Processing,
		"started_at": startedAt,
	}}))
}

func (s *Store) SetJobCompleted(ctx context.Context, id string, completedAt int64) error {
	return s.wrapError(s.jobs.UpdateId(id, bson.M{"$set": bson.M{
		"status":       taskqueue.Completed,
		"completed_at": completedAt,
	}}))
}

func (s *Store) ScheduleJobRetry(ctx context.Context, id string, backoffMs, nextRetryAt, lastRetryAt int64, errorMessage string) error {
	return s.wrapError(s.jobs.UpdateId(id, bson.M{
		"$set": bson.M{
			"status":           taskqueue.RetryScheduled,
			"retry_backoff_ms": backoffMs,
			"next_retry_at":    nextRetryAt,
			"last_retry_at":    lastRetryAt,
			"error_message":    errorMessage,
		},
		"$inc": bson.M{"current_retries": 1},
	}))
}

func (s *Store) MarkJobFailed(ctx context.Context, id string, status taskqueue.JobStatus, completedAt int64, errorMessage string) error {
	return s.wrapError(s.jobs.UpdateId(id, bson.M{"$set": bson.M{
		"status":        status,
		"completed_at":  completedAt,
		"error_message": errorMessage,
	}}))
}

func (s *Store) ResetJobForRetry(ctx context.Context, id string, lastRetryAt int64) error {
	return s.wrapError(s.jobs.UpdateId(id, bson.M{"$set": bson.M{
		"status":           taskqueue.Pending,
		"retry_backoff_ms": 0,
		"next_retry_at":    0,
		"last_retry_at":    lastRetryAt,
	}}))
}

func (s *Store) SetJobStatus(ctx context.Context, id string, status taskqueue.JobStatus) error {
	return s.wrapError(s.jobs.UpdateId(id, bson.M{"$set": bson.M{"status": status}}))
}

// PendingJobs returns live jobs ordered by (priority, created_at).
func (s *Store) PendingJobs(ctx context.Context) ([]*taskqueue.Job, error) {
	var docs []jobDoc
	err := s.jobs.Find(bson.M{"status": bson.M{"$in": []taskqueue.JobStatus{taskqueue.Pending, taskqueue.Processing}}}).
		Sort("priority", "created_at").
		All(&docs)
	if err != nil {
		return nil, s.wrapError(err)
	}
	return toJobs(docs), nil
}

// DueRetries returns up to limit due retries, earliest first.
func (s *Store) DueRetries(ctx context.Context, now int64, limit int) ([]*taskqueue.Job, error) {
	var docs []jobDoc
	qry := s.jobs.Find(bson.M{
		"status":        taskqueue.RetryScheduled,
		"next_retry_at": bson.M{"$lte": now},
	}).Sort("next_retry_at")
	if limit > 0 {
		qry = qry.Limit(limit)
	}
	if err := qry.All(&docs); err != nil {
		return nil, s.wrapError(err)
	}
	return toJobs(docs), nil
}

func (s *Store) JobCounts(ctx context.Context) (map[taskqueue.JobStatus]int, error) {
	var buckets []struct {
		Status taskqueue.JobStatus `bson:"_id"`
		Count  int                 `bson:"count"`
	}
	err := s.jobs.Pipe([]bson.M{
		{"$group": bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}},
	}).All(&buckets)
	if err != nil {
		return nil, s.wrapError(err)
	}
	counts := make(map[taskqueue.JobStatus]int)
	for _, b := range buckets {
		counts[b.Status] = b.Count
	}
	return counts, nil
}

func (s *Store) DeleteFinishedJobsBefore(ctx context.Context, cutoff int64) (int, error) {
	info, err := s.jobs.RemoveAll(bson.M{
		"status":       bson.M{"$in": []taskqueue.JobStatus{taskqueue.Completed, taskqueue.Failed, taskqueue.Timeout}},
		"completed_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, s.wrapError(err)
	}
	return info.Removed, nil
}

// -- Job results --

func (s *Store) CreateResult(ctx context.Context, result *taskqueue.JobResult) error {
	_, err := s.results.UpsertId(result.JobID, newResultDoc(result))
	return s.wrapError(err)
}

func (s *Store) LookupResult(ctx context.Context, jobID string, now int64) (*taskqueue.JobResult, error) {
	var doc resultDoc
	err := s.results.Find(bson.M{
		"_id":        jobID,
		"expires_at": bson.M{"$gt": now},
	}).One(&doc)
	if err != nil {
		return nil, s.wrapError(err)
	}
	return doc.toResult(), nil
}

func (s *Store) DeleteExpiredResults(ctx context.Context, now int64) (int, error) {
	info, err := s.results.RemoveAll(bson.M{"expires_at": bson.M{"$lte": now}})
	if err != nil {
		return 0, s.wrapError(err)
	}
	return info.Removed, nil
}

// -- Dead letter queue --

func (s *Store) CreateDLQEntry(ctx context.Context, entry *taskqueue.DLQEntry) error {
	return s.wrapError(s.dlq.Insert(newDLQDoc(entry)))
}

func (s *Store) LookupDLQEntry(ctx context.Context, id string) (*taskqueue.DLQEntry, error) {
	var doc dlqDoc
	if err := s.dlq.FindId(id).One(&doc); err != nil {
		return nil, s.wrapError(err)
	}
	return doc.toEntry(), nil
}

func (s *Store) ListDLQEntries(ctx context.Context, filter taskqueue.DLQFilter) ([]*taskqueue.DLQEntry, error) {
	query := bson.M{}
	if filter.JobType != "" {
		query["job_type"] = filter.JobType
	}
	if filter.CanBeRetried != nil {
		query["can_be_retried"] = *filter.CanBeRetried
	}
	qry := s.dlq.Find(query).Sort("-failed_at")
	if filter.Limit > 0 {
		qry = qry.Limit(filter.Limit)
	}
	var docs []dlqDoc
	if err := qry.All(&docs); err != nil {
		return nil, s.wrapError(err)
	}
	entries := make([]*taskqueue.DLQEntry, len(docs))
	for i := range docs {
		entries[i] = docs[i].toEntry()
	}
	return entries, nil
}

func (s *Store) ConsumeDLQEntry(ctx context.Context, id string) error {
	return s.wrapError(s.dlq.UpdateId(id, bson.M{"$set": bson.M{"can_be_retried": false}}))
}

func (s *Store) DLQStats(ctx context.Context) (*taskqueue.DLQStats, error) {
	stats := &taskqueue.DLQStats{
		EntriesByType: make(map[string]int),
	}
	var buckets []struct {
		JobType   string `bson:"_id"`
		Count     int    `bson:"count"`
		Retryable int    `bson:"retryable"`
		Oldest    int64  `bson:"oldest"`
	}
	err := s.dlq.Pipe([]bson.M{
		{"$group": bson.M{
			"_id":       "$job_type",
			"count":     bson.M{"$sum": 1},
			"retryable": bson.M{"$sum": bson.M{"$cond": []interface{}{"$can_be_retried", 1, 0}}},
			"oldest":    bson.M{"$min": "$failed_at"},
		}},
	}).All(&buckets)
	if err != nil {
		return nil, s.wrapError(err)
	}
	for _, b := range buckets {
		stats.TotalEntries += b.Count
		stats.RetryableEntries += b.Retryable
		stats.EntriesByType[b.JobType] = b.Count
		if stats.OldestEntry == 0 || b.Oldest < stats.OldestEntry {
			stats.OldestEntry = b.Oldest
		}
	}
	return stats, nil
}

func (s *Store) DeleteDLQEntriesBefore(ctx context.Context, cutoff int64) (int, error) {
	info, err := s.dlq.RemoveAll(bson.M{
		"can_be_retried": false,
		"failed_at":      bson.M{"$lt": cutoff},
	})
	if err != nil {
		return 0, s.wrapError(err)
	}
	return info.Removed, nil
}

// -- MongoDB-internal representations --

type jobDoc struct {
	ID             string            `bson:"_id"`
	Type           string            `bson:"job_type"`
	Priority       int               `bson:"priority"`
	MaxRetries     int               `bson:"max_retries"`
	TimeoutMs      int64             `bson:"timeout_ms"`
	Mode           string            `bson:"execution_mode"`
	Payload        taskqueue.Payload `bson:"payload,omitempty"`
	ClientID       string            `bson:"client_id,omitempty"`
	UserID         int64             `bson:"user_id,omitempty"`
	Status         string            `bson:"status"`
	CurrentRetries int               `bson:"current_retries"`
	RetryBackoffMs int64             `bson:"retry_backoff_ms"`
	NextRetryAt    int64             `bson:"next_retry_at"`
	LastRetryAt    int64             `bson:"last_retry_at"`
	ErrorMessage   string            `bson:"error_message,omitempty"`
	CreatedAt      int64             `bson:"created_at"`
	StartedAt      int64             `bson:"started_at"`
	CompletedAt    int64             `bson:"completed_at"`
}

func newJobDoc(job *taskqueue.Job) *jobDoc {
	return &jobDoc{
		ID:             job.ID,
		Type:           job.Type,
		Priority:       job.Priority,
		MaxRetries:     job.MaxRetries,
		TimeoutMs:      job.TimeoutMs,
		Mode:           string(job.Mode),
		Payload:        job.Payload,
		ClientID:       job.ClientID,
		UserID:         job.UserID,
		Status:         string(job.Status),
		CurrentRetries: job.CurrentRetries,
		RetryBackoffMs: job.RetryBackoffMs,
		NextRetryAt:    job.NextRetryAt,
		LastRetryAt:    job.LastRetryAt,
		ErrorMessage:   job.ErrorMessage,
		CreatedAt:      job.CreatedAt,
		StartedAt:      job.StartedAt,
		CompletedAt:    job.CompletedAt,
	}
}

func (d *jobDoc) toJob() *taskqueue.Job {
	return &taskqueue.Job{
		ID:             d.ID,
		Type:           d.Type,
		Priority:       d.Priority,
		MaxRetries:     d.MaxRetries,
		TimeoutMs:      d.TimeoutMs,
		Mode:           taskqueue.ExecutionMode(d.Mode),
		Payload:        d.Payload,
		ClientID:       d.ClientID,
		UserID:         d.UserID,
		Status:         taskqueue.JobStatus(d.Status),
		CurrentRetries: d.CurrentRetries,
		RetryBackoffMs: d.RetryBackoffMs,
		NextRetryAt:    d.NextRetryAt,
		LastRetryAt:    d.LastRetryAt,
		ErrorMessage:   d.ErrorMessage,
		CreatedAt:      d.CreatedAt,
		StartedAt:      d.StartedAt,
		CompletedAt:    d.CompletedAt,
	}
}

func toJobs(docs []jobDoc) []*taskqueue.Job {
	jobs := make([]*taskqueue.Job, len(docs))
	for i := range docs {
		jobs[i] = docs[i].toJob()
	}
	return jobs
}

type resultDoc struct {
	JobID       string            `bson:"_id"`
	JobType     string            `bson:"job_type"`
	Success     bool              `bson:"success"`
	Data        taskqueue.Payload `bson:"data,omitempty"`
	Error       string            `bson:"error,omitempty"`
	CompletedAt int64             `bson:"completed_at"`
	ExpiresAt   int64             `bson:"expires_at"`
}

func newResultDoc(result *taskqueue.JobResult) *resultDoc {
	return &resultDoc{
		JobID:       result.JobID,
		JobType:     result.JobType,
		Success:     result.Success,
		Data:        result.Data,
		Error:       result.Error,
		CompletedAt: result.CompletedAt,
		ExpiresAt:   result.ExpiresAt,
	}
}

func (d *resultDoc) toResult() *taskqueue.JobResult {
	return &taskqueue.JobResult{
		JobID:       d.JobID,
		JobType:     d.JobType,
		Success:     d.Success,
		Data:        d.Data,
		Error:       d.Error,
		CompletedAt: d.CompletedAt,
		ExpiresAt:   d.ExpiresAt,
	}
}

type dlqDoc struct {
	ID            string                   `bson:"_id"`
	JobID         string                   `bson:"job_id"`
	JobType       string                   `bson:"job_type"`
	Payload       taskqueue.Payload        `bson:"payload,omitempty"`
	Priority      int                      `bson:"priority"`
	MaxRetries    int                      `bson:"max_retries"`
	TimeoutMs     int64                    `bson:"timeout_ms"`
	Mode          string                   `bson:"execution_mode"`
	ClientID      string                   `bson:"client_id,omitempty"`
	UserID        int64                    `bson:"user_id,omitempty"`
	FailureReason string                   `bson:"failure_reason"`
	RetryHistory  []taskqueue.RetryAttempt `bson:"retry_history,omitempty"`
	FailedAt      int64                    `bson:"failed_at"`
	CanBeRetried  bool                     `bson:"can_be_retried"`
}

func newDLQDoc(entry *taskqueue.DLQEntry) *dlqDoc {
	return &dlqDoc{
		ID:            entry.ID,
		JobID:         entry.JobID,
		JobType:       entry.JobType,
		Payload:       entry.Payload,
		Priority:      entry.Priority,
		MaxRetries:    entry.MaxRetries,
		TimeoutMs:     entry.TimeoutMs,
		Mode:          string(entry.Mode),
		ClientID:      entry.ClientID,
		UserID:        entry.UserID,
		FailureReason: entry.FailureReason,
		RetryHistory:  entry.RetryHistory,
		FailedAt:      entry.FailedAt,
		CanBeRetried:  entry.CanBeRetried,
	}
}

func (d *dlqDoc) toEntry() *taskqueue.DLQEntry {
	return &taskqueue.DLQEntry{
		ID:            d.ID,
		JobID:         d.JobID,
		JobType:       d.JobType,
		Payload:       d.Payload,
		Priority:      d.Priority,
		MaxRetries:    d.MaxRetries,
		TimeoutMs:     d.TimeoutMs,
		Mode:          taskqueue.ExecutionMode(d.Mode),
		ClientID:      d.ClientID,
		UserID:        d.UserID,
		FailureReason: d.FailureReason,
		RetryHistory:  d.RetryHistory,
		FailedAt:      d.FailedAt,
		CanBeRetried:  d.CanBeRetried,
	}
}

var _ taskqueue.Store = (*Store)(nil)
