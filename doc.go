// Package taskqueue runs background jobs with retries, circuit
// breaking, and a dead letter queue.
//
// Applications using taskqueue first create a Manager. Job types are
// registered with a Factory that turns a persisted payload back into
// an executable Task. Registration must happen before jobs of that
// type are submitted or replayed.
//
// Once started, the manager runs a pool of parallel workers fed from a
// priority queue (lower priority numbers run first, ties in arrival
// order) and a single sequential worker fed from a strict FIFO queue.
// The Mode field on a Job picks the queue. The number of parallel
// workers can be specified via the manager option SetConcurrency.
//
// The manager has a Store to implement persistent storage. By default,
// an in memory store is used. Persistent stores exist in the "mysql",
// "sqlite", and "mongodb" packages. Every job is persisted before
// Submit returns; jobs that were waiting or executing when the process
// died are picked up again on the next Start.
//
// When a job fails, the error is classified as permanent or transient.
// Permanent failures (bad input, missing resources, auth errors) go
// straight to the dead letter queue. Transient failures are retried
// with exponential backoff and jitter until the job's MaxRetries
// budget is exhausted. A background scheduler moves due retries back
// into their queue.
//
// Dead letter entries can be inspected and replayed manually via the
// manager's DLQ. A replay creates a brand-new job; each entry can be
// replayed at most once.
//
// Tasks calling fragile downstreams can wrap those calls in a circuit
// breaker from the manager's BreakerSet. Calls rejected by an open
// breaker fail with ErrCircuitOpen, which is classified as transient.
//
// Notice that you are responsible to prevent that two concurrent
// managers try to access the same database!
package taskqueue
