// Package queue implements the send queue: a priority-ordered,
// concurrency-bounded dispatcher that turns send, edit and delete intents
// into transport calls.
//
// Items wait in four strict tiers (Critical, High, Normal, Low) and are
// FIFO within a tier. The dispatcher takes the first eligible item, one
// whose backoff has elapsed, and hands it to a worker. Workers are bounded
// by a weighted semaphore and dispatches by an optional token bucket.
//
// Failures are classified by [Classify]. Retryable failures with budget
// left are requeued after [Backoff.Delay]; permanent or exhausted sends are
// rejected through the [Lifecycle]. Edit and delete failures never touch
// the message's send counters and end in an operation-failed notification.
//
// [Queue.Abort] flags a message's send so that it is dropped before
// dispatch or, when already running, never retried.
package queue
