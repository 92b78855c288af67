// Package messaging provides the message entity, its lifecycle state machine
// and the in-memory message store.
//
// # Overview
//
// Every outbound message is a single canonical [Message] entity owned by a
// [Store]. The [Machine] is the only writer: it validates each requested
// transition against the lifecycle table, applies it together with the index
// updates, and then notifies subscribers with a cloned snapshot.
//
// # Message States
//
//	Draft -> Queued -> Sending -> Sent -> Delivered -> Read
//	  |                  |         |
//	  +------> Sending   +---------+--> Failed | Timeout
//	                                       |
//	                                       +--> Queued | Sending | Rejected
//
// Read and Rejected are final. Entering Failed or Timeout increments
// [Message.RetryCount], saturating at [Message.MaxRetries]. A request outside
// the table returns a [*TransitionError] and leaves the entity untouched.
//
// # Send Timers
//
// Every entry into Sending arms a timer on the injected [interfaces.Clock].
// Leaving Sending cancels it. A timer that fires for an earlier attempt is
// ignored, so a retried send is never timed out by a stale deadline.
//
// # Server Acknowledgments
//
// [Machine.UpdateFromServerResponse] sets the server id once. An ack for a
// message already in Timeout resumes it through Sending, so a late success is
// never lost. Duplicate acks are no-ops.
//
// # Push Reconciliation
//
// [Machine.MatchPushEvent] looks an event up by server id, then falls back to
// a heuristic over Sent entities: same conversation and sender, equal
// [Fingerprint] of content and attachment ids, and a creation time within the
// match window. Unmatched events are parked for the window and re-examined
// when a message reaches Sent.
//
// # Concurrency
//
// [Machine] is safe for concurrent use. [Store] is not; it relies on the
// Machine's lock. Subscribers run after the lock is released and may call
// back into the Machine.
package messaging
