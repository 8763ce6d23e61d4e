// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import "container/heap"

// queuedJob pairs a job with its enqueue sequence number so that jobs
// of equal priority keep their arrival order.
type queuedJob struct {
	job *Job
	seq uint64
}

// jobHeap is a min-heap of jobs ordered by (priority, enqueue order).
// Lower priority numbers are more urgent. It is not safe for
// concurrent use; the manager serializes access.
type jobHeap struct {
	items []queuedJob
	seq   uint64
}

var _ heap.Interface = (*jobHeap)(nil)

func (h *jobHeap) Len() int { return len(h.items) }

func (h *jobHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if a.job.Priority != b.job.Priority {
		return a.job.Priority < b.job.Priority
	}
	return a.seq < b.seq
}

func (h *jobHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *jobHeap) Push(x interface{}) {
	h.items = append(h.items, x.(queuedJob))
}

func (h *jobHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = queuedJob{}
	h.items = old[:n-1]
	return item
}

// push adds a job, stamping it with the next sequence number.
func (h *jobHeap) push(job *Job) {
	h.seq++
	heap.Push(h, queuedJob{job: job, seq: h.seq})
}

// pop removes and returns the most urgent job, or nil when empty.
func (h *jobHeap) pop() *Job {
	if len(h.items) == 0 {
		return nil
	}
	return heap.Pop(h).(queuedJob).job
}
