// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskqueue

import (
	"context"
	"sync/atomic"
	"time"
)

const (
	defaultRetryScanInterval = 30 * time.Second
	retryScanBatchSize       = 50
)

// retryScheduler periodically scans the store for jobs whose retry
// delay has elapsed and moves them back into the live queues. It is
// the only component that transitions jobs out of RetryScheduled.
type retryScheduler struct {
	store    Store
	logger   Logger
	dlq      *DeadLetterQueue
	requeue  func(ctx context.Context, job *Job) error
	interval time.Duration

	stop chan struct{}

	scans        int64
	requeued     int64
	deadLettered int64
}

func newRetryScheduler(store Store, logger Logger, dlq *DeadLetterQueue, requeue func(ctx context.Context, job *Job) error, interval time.Duration) *retryScheduler {
	if interval <= 0 {
		interval = defaultRetryScanInterval
	}
	return &retryScheduler{
		store:    store,
		logger:   logger,
		dlq:      dlq,
		requeue:  requeue,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// run scans on a fixed interval until told to stop.
func (s *retryScheduler) run() {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if _, err := s.scan(context.Background()); err != nil {
				s.logger.Printf("taskqueue: retry scan failed: %v", err)
			}
		case <-s.stop:
			s.stop <- struct{}{}
			return
		}
	}
}

// scan requeues due retries, at most one batch per call. Jobs that
// exhausted their budget while parked go to the dead letter queue
// instead; this is a safety net, normally the retry manager catches
// that case first.
//
// Requeue failures (e.g. a full queue) leave the job in RetryScheduled
// so the next scan picks it up again.
func (s *retryScheduler) scan(ctx context.Context) (int, error) {
	atomic.AddInt64(&s.scans, 1)
	now := time.Now().UnixNano() / int64(time.Millisecond)

	jobs, err := s.store.DueRetries(ctx, now, retryScanBatchSize)
	if err != nil {
		return 0, err
	}

	var moved int
	for _, job := range jobs {
		if job.CurrentRetries > job.MaxRetries {
			if _, err := s.dlq.Move(ctx, job, "Max retries exceeded: "+job.ErrorMessage); err != nil {
				s.logger.Printf("taskqueue: failed to dead letter job %s: %v", job.ID, err)
				continue
			}
			atomic.AddInt64(&s.deadLettered, 1)
			continue
		}
		if err := s.requeue(ctx, job); err != nil {
			s.logger.Printf("taskqueue: failed to requeue job %s for retry: %v", job.ID, err)
			continue
		}
		atomic.AddInt64(&s.requeued, 1)
		moved++
	}
	return moved, nil
}

// counters returns the lifetime counters.
func (s *retryScheduler) counters() (scans, requeued, deadLettered int64) {
	return atomic.LoadInt64(&s.scans), atomic.LoadInt64(&s.requeued), atomic.LoadInt64(&s.deadLettered)
}
