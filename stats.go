// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

// Stats is a point-in-time snapshot of the engine, suitable for
// monitoring endpoints. Job counts come from the store so they cover
// jobs that are no longer in any live queue.
type Stats struct {
	Jobs map[JobStatus]int `json:"jobs"` // persisted jobs per status

	Concurrency    int `json:"concurrency"`    // size of the parallel worker pool
	BusyWorkers    int `json:"busyWorkers"`    // parallel workers currently executing
	ParallelQueue  int `json:"parallelQueue"`  // jobs waiting in the priority queue
	SequentialSize int `json:"sequentialSize"` // jobs waiting in the sequential queue

	RetryScans          int64 `json:"retryScans"`          // scheduler scans since start
	RetriesRequeued     int64 `json:"retriesRequeued"`     // retries moved back to a queue
	RetriesDeadLettered int64 `json:"retriesDeadLettered"` // retries that went to the DLQ instead

	Breakers []BreakerStats `json:"breakers,omitempty"`
}
