// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"context"
	"errors"
	"testing"
	"time"
)

// newTestDLQ wires a dead letter queue against an in-memory store and
// a submit func that records replayed jobs.
func newTestDLQ(t *testing.T) (*DeadLetterQueue, *InMemoryStore, *Registry, *[]*Job) {
	t.Helper()
	st := NewInMemoryStore()
	reg := NewRegistry()
	var submitted []*Job
	submit := func(ctx context.Context, job *Job) (string, error) {
		job.ID = "replayed-" + job.Type
		submitted = append(submitted, job)
		return job.ID, nil
	}
	return NewDeadLetterQueue(st, reg, nopLogger{}, submit), st, reg, &submitted
}

func failedJob() *Job {
	return &Job{
		ID:             "j1",
		Type:           "export",
		Priority:       2,
		MaxRetries:     3,
		TimeoutMs:      5000,
		Mode:           Parallel,
		Payload:        Payload{"file": "report.csv"},
		ClientID:       "client-7",
		UserID:         42,
		Status:         Failed,
		CurrentRetries: 3,
		ErrorMessage:   "connection refused",
		LastRetryAt:    1700000000000,
	}
}

func TestDLQMoveSnapshotsJob(t *testing.T) {
	q, st, _, _ := newTestDLQ(t)
	ctx := context.Background()

	job := failedJob()
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	entry, err := q.Move(ctx, job, "Max retries exceeded: connection refused")
	if err != nil {
		t.Fatal(err)
	}

	if entry.ID == "" || entry.ID == job.ID {
		t.Errorf("entry ID = %q, want a fresh identifier", entry.ID)
	}
	if have, want := entry.JobID, "j1"; have != want {
		t.Errorf("JobID = %q, want %q", have, want)
	}
	if have, want := entry.Payload["file"], "report.csv"; have != want {
		t.Errorf("Payload[file] = %v, want %v", have, want)
	}
	if !entry.CanBeRetried {
		t.Error("CanBeRetried = false, want true for an exhausted transient failure")
	}
	if have, want := len(entry.RetryHistory), 3; have != want {
		t.Fatalf("len(RetryHistory) = %d, want %d", have, want)
	}
	if have, want := entry.RetryHistory[2].ErrorMessage, "connection refused"; have != want {
		t.Errorf("last attempt message = %q, want %q", have, want)
	}

	stored, err := st.LookupJob(ctx, "j1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stored.Status, DeadLetter; have != want {
		t.Errorf("job status = %v, want %v", have, want)
	}
}

func TestDLQMoveMarksPermanentReasonsNotRetryable(t *testing.T) {
	q, st, _, _ := newTestDLQ(t)
	ctx := context.Background()

	for _, reason := range []string{
		"Permanent failure - validation failure",
		"authentication failed",
		"authorization denied",
	} {
		job := failedJob()
		if err := st.CreateJob(ctx, job); err != nil {
			t.Fatal(err)
		}
		entry, err := q.Move(ctx, job, reason)
		if err != nil {
			t.Fatal(err)
		}
		if entry.CanBeRetried {
			t.Errorf("reason %q: CanBeRetried = true, want false", reason)
		}
	}
}

func TestDLQManualRetryIsSingleUse(t *testing.T) {
	q, st, reg, submitted := newTestDLQ(t)
	ctx := context.Background()
	reg.Register("export", func(p Payload) (Task, error) {
		return TaskFunc(func(ctx context.Context) error { return nil }), nil
	})

	job := failedJob()
	st.CreateJob(ctx, job)
	entry, err := q.Move(ctx, job, "Max retries exceeded")
	if err != nil {
		t.Fatal(err)
	}

	newID, err := q.ManualRetry(ctx, entry.ID, true)
	if err != nil {
		t.Fatalf("ManualRetry returned %v", err)
	}
	if newID == "" || newID == job.ID {
		t.Errorf("new job ID = %q, want a fresh identifier", newID)
	}
	if have, want := len(*submitted), 1; have != want {
		t.Fatalf("submitted %d jobs, want %d", have, want)
	}
	replayed := (*submitted)[0]
	if have, want := replayed.Type, "export"; have != want {
		t.Errorf("replayed Type = %q, want %q", have, want)
	}
	if have, want := replayed.Payload["file"], "report.csv"; have != want {
		t.Errorf("replayed Payload[file] = %v, want %v", have, want)
	}
	if have, want := replayed.CurrentRetries, 0; have != want {
		t.Errorf("replayed CurrentRetries = %d, want %d", have, want)
	}

	// A second replay must fail; the entry is consumed.
	if _, err := q.ManualRetry(ctx, entry.ID, true); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("second ManualRetry returned %v, want %v", err, ErrNotRetryable)
	}
	if have, want := len(*submitted), 1; have != want {
		t.Errorf("submitted %d jobs after second replay, want %d", have, want)
	}
}

func TestDLQManualRetryPreservesRetryCount(t *testing.T) {
	q, st, reg, submitted := newTestDLQ(t)
	ctx := context.Background()
	reg.Register("export", func(p Payload) (Task, error) {
		return TaskFunc(func(ctx context.Context) error { return nil }), nil
	})

	job := failedJob() // 3 retries spent
	st.CreateJob(ctx, job)
	entry, err := q.Move(ctx, job, "Max retries exceeded")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := q.ManualRetry(ctx, entry.ID, false); err != nil {
		t.Fatalf("ManualRetry returned %v", err)
	}
	if have, want := len(*submitted), 1; have != want {
		t.Fatalf("submitted %d jobs, want %d", have, want)
	}
	replayed := (*submitted)[0]
	if have, want := replayed.CurrentRetries, 3; have != want {
		t.Errorf("replayed CurrentRetries = %d, want %d", have, want)
	}
	if have, want := replayed.MaxRetries, 3; have != want {
		t.Errorf("replayed MaxRetries = %d, want %d", have, want)
	}
}

func TestDLQManualRetryUnregisteredTypeKeepsEntry(t *testing.T) {
	q, st, _, submitted := newTestDLQ(t)
	ctx := context.Background()

	job := failedJob()
	st.CreateJob(ctx, job)
	entry, err := q.Move(ctx, job, "Max retries exceeded")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := q.ManualRetry(ctx, entry.ID, true); err == nil {
		t.Fatal("ManualRetry succeeded for an unregistered job type")
	}
	if have, want := len(*submitted), 0; have != want {
		t.Fatalf("submitted %d jobs, want %d", have, want)
	}

	// The entry is not consumed and can be replayed later.
	stored, err := q.Entry(ctx, entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !stored.CanBeRetried {
		t.Error("CanBeRetried = false after a failed replay, want true")
	}
}

func TestDLQManualRetryNotRetryable(t *testing.T) {
	q, st, reg, _ := newTestDLQ(t)
	ctx := context.Background()
	reg.Register("export", func(p Payload) (Task, error) {
		return TaskFunc(func(ctx context.Context) error { return nil }), nil
	})

	job := failedJob()
	st.CreateJob(ctx, job)
	entry, err := q.Move(ctx, job, "Permanent failure - validation failure")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.ManualRetry(ctx, entry.ID, true); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("ManualRetry returned %v, want %v", err, ErrNotRetryable)
	}
}

func TestDLQBatchRetry(t *testing.T) {
	q, st, reg, _ := newTestDLQ(t)
	ctx := context.Background()
	reg.Register("export", func(p Payload) (Task, error) {
		return TaskFunc(func(ctx context.Context) error { return nil }), nil
	})

	good := failedJob()
	st.CreateJob(ctx, good)
	goodEntry, _ := q.Move(ctx, good, "Max retries exceeded")

	bad := failedJob()
	bad.ID = "j2"
	st.CreateJob(ctx, bad)
	badEntry, _ := q.Move(ctx, bad, "Permanent failure - validation failure")

	results := q.BatchRetry(ctx, []string{goodEntry.ID, badEntry.ID, "missing"}, true)
	if have, want := len(results), 3; have != want {
		t.Fatalf("len(results) = %d, want %d", have, want)
	}
	if results[goodEntry.ID].NewJobID == "" {
		t.Errorf("good entry: NewJobID empty, error %q", results[goodEntry.ID].Error)
	}
	if results[badEntry.ID].Error == "" {
		t.Error("bad entry: expected an error")
	}
	if results["missing"].Error == "" {
		t.Error("missing entry: expected an error")
	}
}

func TestDLQCleanupKeepsRetryableEntries(t *testing.T) {
	q, st, _, _ := newTestDLQ(t)
	ctx := context.Background()

	old := time.Now().Add(-30 * 24 * time.Hour).UnixNano() / int64(time.Millisecond)
	st.CreateDLQEntry(ctx, &DLQEntry{ID: "keep", JobType: "a", CanBeRetried: true, FailedAt: old})
	st.CreateDLQEntry(ctx, &DLQEntry{ID: "drop", JobType: "a", CanBeRetried: false, FailedAt: old})
	st.CreateDLQEntry(ctx, &DLQEntry{ID: "recent", JobType: "a", CanBeRetried: false,
		FailedAt: time.Now().UnixNano() / int64(time.Millisecond)})

	n, err := q.Cleanup(ctx, 7*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := n, 1; have != want {
		t.Fatalf("Cleanup removed %d entries, want %d", have, want)
	}
	if _, err := q.Entry(ctx, "keep"); err != nil {
		t.Error("retryable entry was removed")
	}
	if _, err := q.Entry(ctx, "recent"); err != nil {
		t.Error("recent entry was removed")
	}
	if _, err := q.Entry(ctx, "drop"); !errors.Is(err, ErrNotFound) {
		t.Error("old non-retryable entry was kept")
	}
}

func TestDLQStatsAndFilters(t *testing.T) {
	q, st, _, _ := newTestDLQ(t)
	ctx := context.Background()

	st.CreateDLQEntry(ctx, &DLQEntry{ID: "1", JobType: "a", CanBeRetried: true, FailedAt: 100})
	st.CreateDLQEntry(ctx, &DLQEntry{ID: "2", JobType: "a", CanBeRetried: false, FailedAt: 200})
	st.CreateDLQEntry(ctx, &DLQEntry{ID: "3", JobType: "b", CanBeRetried: true, FailedAt: 300})

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stats.TotalEntries, 3; have != want {
		t.Errorf("TotalEntries = %d, want %d", have, want)
	}
	if have, want := stats.RetryableEntries, 2; have != want {
		t.Errorf("RetryableEntries = %d, want %d", have, want)
	}
	if have, want := stats.EntriesByType["a"], 2; have != want {
		t.Errorf("EntriesByType[a] = %d, want %d", have, want)
	}
	if have, want := stats.OldestEntry, int64(100); have != want {
		t.Errorf("OldestEntry = %d, want %d", have, want)
	}

	retryable := true
	entries, err := q.Entries(ctx, DLQFilter{JobType: "a", CanBeRetried: &retryable})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(entries), 1; have != want {
		t.Fatalf("len(entries) = %d, want %d", have, want)
	}
	if have, want := entries[0].ID, "1"; have != want {
		t.Errorf("entry ID = %q, want %q", have, want)
	}
}
