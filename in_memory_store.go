// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"context"
	"sort"
	"sync"
)

// InMemoryStore is a simple in-memory store implementation. It is the
// default store and useful for testing; jobs do not survive a process
// restart.
type InMemoryStore struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	results map[string]*JobResult
	dlq     map[string]*DLQEntry
}

// NewInMemoryStore initializes a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs:    make(map[string]*Job),
		results: make(map[string]*JobResult),
		dlq:     make(map[string]*DLQEntry),
	}
}

// Start the store.
func (s *InMemoryStore) Start(ctx context.Context) error {
	return nil
}

// -- Jobs --

// CreateJob adds a new job.
func (s *InMemoryStore) CreateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

// UpdateJob replaces the stored row.
func (s *InMemoryStore) UpdateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.jobs[job.ID]; !found {
		return ErrNotFound
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

// LookupJob returns the job with the given id, or ErrNotFound.
func (s *InMemoryStore) LookupJob(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, found := s.jobs[id]
	if !found {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *InMemoryStore) SetJobStarted(ctx context.Context, id string, startedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, found := s.jobs[id]
	if !found {
		return ErrNotFound
	}
	job.Status = Processing
	job.StartedAt = startedAt
	return nil
}

func (s *InMemoryStore) SetJobCompleted(ctx context.Context, id string, completedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, found := s.jobs[id]
	if !found {
		return ErrNotFound
	}
	job.Status = Completed
	job.CompletedAt = completedAt
	return nil
}

func (s *InMemoryStore) ScheduleJobRetry(ctx context.Context, id string, backoffMs, nextRetryAt, lastRetryAt int64, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, found := s.jobs[id]
	if !found {
		return ErrNotFound
	}
	job.Status = RetryScheduled
	job.CurrentRetries++
	job.RetryBackoffMs = backoffMs
	job.NextRetryAt = nextRetryAt
	job.LastRetryAt = lastRetryAt
	job.ErrorMessage = errorMessage
	return nil
}

func (s *InMemoryStore) MarkJobFailed(ctx context.Context, id string, status JobStatus, completedAt int64, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, found := s.jobs[id]
	if !found {
		return ErrNotFound
	}
	job.Status = status
	job.CompletedAt = completedAt
	job.ErrorMessage = errorMessage
	return nil
}

func (s *InMemoryStore) ResetJobForRetry(ctx context.Context, id string, lastRetryAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, found := s.jobs[id]
	if !found {
		return ErrNotFound
	}
	job.Status = Pending
	job.RetryBackoffMs = 0
	job.NextRetryAt = 0
	job.LastRetryAt = lastRetryAt
	return nil
}

func (s *InMemoryStore) SetJobStatus(ctx context.Context, id string, status JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, found := s.jobs[id]
	if !found {
		return ErrNotFound
	}
	job.Status = status
	return nil
}

// PendingJobs returns live jobs ordered by (priority, created_at).
func (s *InMemoryStore) PendingJobs(ctx context.Context) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*Job
	for _, job := range s.jobs {
		if job.Status == Pending || job.Status == Processing {
			cp := *job
			jobs = append(jobs, &cp)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].Priority != jobs[j].Priority {
			return jobs[i].Priority < jobs[j].Priority
		}
		return jobs[i].CreatedAt < jobs[j].CreatedAt
	})
	return jobs, nil
}

// DueRetries returns up to limit due retries, earliest first.
func (s *InMemoryStore) DueRetries(ctx context.Context, now int64, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []*Job
	for _, job := range s.jobs {
		if job.Status == RetryScheduled && job.NextRetryAt <= now {
			cp := *job
			jobs = append(jobs, &cp)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].NextRetryAt < jobs[j].NextRetryAt
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *InMemoryStore) JobCounts(ctx context.Context) (map[JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[JobStatus]int)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

func (s *InMemoryStore) DeleteFinishedJobsBefore(ctx context.Context, cutoff int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for id, job := range s.jobs {
		switch job.Status {
		case Completed, Failed, Timeout:
			if job.CompletedAt < cutoff {
				delete(s.jobs, id)
				n++
			}
		}
	}
	return n, nil
}

// -- Job results --

func (s *InMemoryStore) CreateResult(ctx context.Context, result *JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *result
	s.results[result.JobID] = &cp
	return nil
}

func (s *InMemoryStore) LookupResult(ctx context.Context, jobID string, now int64) (*JobResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, found := s.results[jobID]
	if !found || result.ExpiresAt <= now {
		return nil, ErrNotFound
	}
	cp := *result
	return &cp, nil
}

func (s *InMemoryStore) DeleteExpiredResults(ctx context.Context, now int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for id, result := range s.results {
		if result.ExpiresAt <= now {
			delete(s.results, id)
			n++
		}
	}
	return n, nil
}

// -- Dead letter queue --

func (s *InMemoryStore) CreateDLQEntry(ctx context.Context, entry *DLQEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *entry
	s.dlq[entry.ID] = &cp
	return nil
}

func (s *InMemoryStore) LookupDLQEntry(ctx context.Context, id string) (*DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, found := s.dlq[id]
	if !found {
		return nil, ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

func (s *InMemoryStore) ListDLQEntries(ctx context.Context, filter DLQFilter) ([]*DLQEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []*DLQEntry
	for _, entry := range s.dlq {
		if filter.JobType != "" && entry.JobType != filter.JobType {
			continue
		}
		if filter.CanBeRetried != nil && entry.CanBeRetried != *filter.CanBeRetried {
			continue
		}
		cp := *entry
		entries = append(entries, &cp)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].FailedAt > entries[j].FailedAt
	})
	if filter.Limit > 0 && len(entries) > filter.Limit {
		entries = entries[:filter.Limit]
	}
	return entries, nil
}

func (s *InMemoryStore) ConsumeDLQEntry(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, found := s.dlq[id]
	if !found {
		return ErrNotFound
	}
	entry.CanBeRetried = false
	return nil
}

func (s *InMemoryStore) DLQStats(ctx context.Context) (*DLQStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &DLQStats{
		EntriesByType: make(map[string]int),
	}
	for _, entry := range s.dlq {
		stats.TotalEntries++
		if entry.CanBeRetried {
			stats.RetryableEntries++
		}
		stats.EntriesByType[entry.JobType]++
		if stats.OldestEntry == 0 || entry.FailedAt < stats.OldestEntry {
			stats.OldestEntry = entry.FailedAt
		}
	}
	return stats, nil
}

func (s *InMemoryStore) DeleteDLQEntriesBefore(ctx context.Context, cutoff int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for id, entry := range s.dlq {
		if !entry.CanBeRetried && entry.FailedAt < cutoff {
			delete(s.dlq, id)
			n++
		}
	}
	return n, nil
}

var _ Store = (*InMemoryStore)(nil)
