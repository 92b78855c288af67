// Package outbox persists messages that could not be handed to the send
// queue and resubmits them once the client is online again.
//
// Records are JSON documents keyed by the message client id and stored in
// any interfaces.DurableStore. Each record carries an insertion sequence so
// a drain replays messages in the order the user wrote them, and so that
// the size bound evicts the oldest records first.
//
// # Draining
//
// Drain walks the records in order and hands them to a Sink in batches:
//
//	stats, err := box.Drain(ctx, outbox.SinkFunc(func(ctx context.Context, rec outbox.Record) error {
//	    return client.Resubmit(ctx, rec)
//	}))
//
// A record is removed only after the sink accepted it, so a crash in the
// middle of a drain replays at most the records that were not yet admitted.
// When the sink reports queue.ErrQueueFull the drain stops and the remaining
// records stay stored for the next drain. Only one drain runs at a time;
// a concurrent call returns ErrDrainInProgress.
//
// # Errors
//
// Every storage failure is wrapped with ErrPersistence.
package outbox
