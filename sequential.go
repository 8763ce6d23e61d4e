// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import "sync/atomic"

// sequentialQueue feeds jobs to a single worker in strict FIFO order.
// Priorities are ignored here; ordering is arrival order, nothing
// else. A second job never starts before the current one finished.
type sequentialQueue struct {
	c    chan *Job
	busy int32 // 1 while the worker is executing a job
}

func newSequentialQueue(capacity int) *sequentialQueue {
	return &sequentialQueue{
		c: make(chan *Job, capacity),
	}
}

// enqueue appends a job without blocking. It reports false when the
// queue is at capacity.
func (q *sequentialQueue) enqueue(job *Job) bool {
	select {
	case q.c <- job:
		return true
	default:
		return false
	}
}

// size returns waiting jobs plus the one executing, if any.
func (q *sequentialQueue) size() int {
	return len(q.c) + int(atomic.LoadInt32(&q.busy))
}

// run processes jobs one at a time until told to stop. Jobs still in
// the channel at shutdown stay persisted as Pending and are reloaded
// on the next start.
func (q *sequentialQueue) run(process func(*Job), stop chan struct{}) {
	for {
		select {
		case job := <-q.c:
			atomic.StoreInt32(&q.busy, 1)
			process(job)
			atomic.StoreInt32(&q.busy, 0)
		case <-stop:
			stop <- struct{}{}
			return
		}
	}
}
