// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"context"
	"errors"
	"testing"
)

func TestInMemoryStoreJobLifecycle(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()

	job := &Job{ID: "j1", Type: "test", Status: Pending, Priority: 5, MaxRetries: 3, CreatedAt: 100}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	if err := st.SetJobStarted(ctx, "j1", 200); err != nil {
		t.Fatal(err)
	}
	stored, _ := st.LookupJob(ctx, "j1")
	if stored.Status != Processing || stored.StartedAt != 200 {
		t.Errorf("after start: status=%v startedAt=%d", stored.Status, stored.StartedAt)
	}

	if err := st.SetJobCompleted(ctx, "j1", 300); err != nil {
		t.Fatal(err)
	}
	stored, _ = st.LookupJob(ctx, "j1")
	if stored.Status != Completed || stored.CompletedAt != 300 {
		t.Errorf("after complete: status=%v completedAt=%d", stored.Status, stored.CompletedAt)
	}

	if _, err := st.LookupJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LookupJob(missing) = %v, want ErrNotFound", err)
	}
}

func TestInMemoryStoreScheduleRetryIncrementsCounter(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()
	st.CreateJob(ctx, &Job{ID: "j1", Type: "test", Status: Processing})

	for i := 1; i <= 2; i++ {
		if err := st.ScheduleJobRetry(ctx, "j1", 1000, 5000, 4000, "boom"); err != nil {
			t.Fatal(err)
		}
		job, _ := st.LookupJob(ctx, "j1")
		if have, want := job.CurrentRetries, i; have != want {
			t.Errorf("CurrentRetries = %d, want %d", have, want)
		}
		if have, want := job.Status, RetryScheduled; have != want {
			t.Errorf("Status = %v, want %v", have, want)
		}
	}
}

func TestInMemoryStoreResetJobForRetry(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()
	st.CreateJob(ctx, &Job{ID: "j1", Type: "test", Status: Processing})
	st.ScheduleJobRetry(ctx, "j1", 1000, 5000, 4000, "boom")

	if err := st.ResetJobForRetry(ctx, "j1", 6000); err != nil {
		t.Fatal(err)
	}
	job, _ := st.LookupJob(ctx, "j1")
	if have, want := job.Status, Pending; have != want {
		t.Errorf("Status = %v, want %v", have, want)
	}
	if job.NextRetryAt != 0 || job.RetryBackoffMs != 0 {
		t.Errorf("transient fields not cleared: next=%d backoff=%d", job.NextRetryAt, job.RetryBackoffMs)
	}
	// The counter survives the reset.
	if have, want := job.CurrentRetries, 1; have != want {
		t.Errorf("CurrentRetries = %d, want %d", have, want)
	}
	if have, want := job.ErrorMessage, "boom"; have != want {
		t.Errorf("ErrorMessage = %q, want %q", have, want)
	}
}

func TestInMemoryStorePendingJobsOrder(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()
	st.CreateJob(ctx, &Job{ID: "b", Status: Pending, Priority: 5, CreatedAt: 200})
	st.CreateJob(ctx, &Job{ID: "a", Status: Pending, Priority: 5, CreatedAt: 100})
	st.CreateJob(ctx, &Job{ID: "c", Status: Processing, Priority: 1, CreatedAt: 300})
	st.CreateJob(ctx, &Job{ID: "done", Status: Completed, Priority: 1, CreatedAt: 50})

	jobs, err := st.PendingJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(jobs), 3; have != want {
		t.Fatalf("len(jobs) = %d, want %d", have, want)
	}
	for i, want := range []string{"c", "a", "b"} {
		if have := jobs[i].ID; have != want {
			t.Errorf("jobs[%d] = %q, want %q", i, have, want)
		}
	}
}

func TestInMemoryStoreDueRetries(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()
	st.CreateJob(ctx, &Job{ID: "late", Status: RetryScheduled, NextRetryAt: 100})
	st.CreateJob(ctx, &Job{ID: "early", Status: RetryScheduled, NextRetryAt: 50})
	st.CreateJob(ctx, &Job{ID: "future", Status: RetryScheduled, NextRetryAt: 9999})
	st.CreateJob(ctx, &Job{ID: "pending", Status: Pending, NextRetryAt: 10})

	jobs, err := st.DueRetries(ctx, 1000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(jobs), 2; have != want {
		t.Fatalf("len(jobs) = %d, want %d", have, want)
	}
	if jobs[0].ID != "early" || jobs[1].ID != "late" {
		t.Errorf("jobs = [%s %s], want [early late]", jobs[0].ID, jobs[1].ID)
	}

	jobs, _ = st.DueRetries(ctx, 1000, 1)
	if have, want := len(jobs), 1; have != want {
		t.Fatalf("limited len(jobs) = %d, want %d", have, want)
	}
}

func TestInMemoryStoreResultExpiry(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()
	st.CreateResult(ctx, &JobResult{JobID: "j1", Success: true, ExpiresAt: 1000})

	if _, err := st.LookupResult(ctx, "j1", 500); err != nil {
		t.Fatalf("LookupResult before expiry = %v", err)
	}
	if _, err := st.LookupResult(ctx, "j1", 1000); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LookupResult after expiry = %v, want ErrNotFound", err)
	}

	n, err := st.DeleteExpiredResults(ctx, 2000)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := n, 1; have != want {
		t.Errorf("DeleteExpiredResults = %d, want %d", have, want)
	}
}

func TestInMemoryStoreDeleteFinishedJobs(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()
	st.CreateJob(ctx, &Job{ID: "old-done", Status: Completed, CompletedAt: 100})
	st.CreateJob(ctx, &Job{ID: "old-failed", Status: Failed, CompletedAt: 100})
	st.CreateJob(ctx, &Job{ID: "recent", Status: Completed, CompletedAt: 900})
	st.CreateJob(ctx, &Job{ID: "live", Status: Processing})

	n, err := st.DeleteFinishedJobsBefore(ctx, 500)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := n, 2; have != want {
		t.Fatalf("removed %d jobs, want %d", have, want)
	}
	if _, err := st.LookupJob(ctx, "recent"); err != nil {
		t.Error("recent job was removed")
	}
	if _, err := st.LookupJob(ctx, "live"); err != nil {
		t.Error("live job was removed")
	}
}

func TestInMemoryStoreJobCounts(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()
	st.CreateJob(ctx, &Job{ID: "1", Status: Pending})
	st.CreateJob(ctx, &Job{ID: "2", Status: Pending})
	st.CreateJob(ctx, &Job{ID: "3", Status: Failed})

	counts, err := st.JobCounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := counts[Pending], 2; have != want {
		t.Errorf("counts[Pending] = %d, want %d", have, want)
	}
	if have, want := counts[Failed], 1; have != want {
		t.Errorf("counts[Failed] = %d, want %d", have, want)
	}
}

func TestInMemoryStoreReturnsCopies(t *testing.T) {
	st := NewInMemoryStore()
	ctx := context.Background()
	st.CreateJob(ctx, &Job{ID: "j1", Status: Pending})

	job, _ := st.LookupJob(ctx, "j1")
	job.Status = Completed

	stored, _ := st.LookupJob(ctx, "j1")
	if have, want := stored.Status, Pending; have != want {
		t.Errorf("mutation of a lookup result leaked into the store: %v", have)
	}
}
