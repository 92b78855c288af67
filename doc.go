// Package courier implements reliable client-side message delivery.
//
// A Courier owns every outgoing message from creation until the server
// confirms it was delivered or read. It combines a lifecycle state machine,
// a prioritized send queue with retry and backoff, a durable offline outbox
// and reconciliation of server push events.
//
// # Getting Started
//
//	opts := courier.NewOptions()
//	opts.Transport = transport // e.g. real.NewHTTPTransport(...)
//	opts.Store = store         // e.g. storage.OpenPebbleStore(...)
//
//	c, err := courier.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := c.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	id, err := c.CreateMessage("hello", "42", "7")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = c.Send(ctx, id)
//
// # Lifecycle
//
// Messages move through the states Draft, Queued, Sending, Sent, Delivered
// and Read. A failed attempt moves the message to Failed, or Timeout when
// the send deadline passes, and the queue retries it with exponential
// backoff until its retry budget is spent. Permanent failures, exhausted
// budgets and cancellations end in Rejected. Subscribe delivers every
// change:
//
//	cancel := c.Subscribe(func(ev messaging.Event) {
//	    fmt.Println(ev.Message.ClientID, ev.From, "->", ev.To)
//	})
//	defer cancel()
//
// # Offline Operation
//
// While the ConnectivityMonitor reports offline, Send writes the message to
// the outbox and the queue stops dispatching. When connectivity returns the
// outbox is drained into the queue in insertion order. Close moves queued
// sends into the outbox, so a restart resubmits them with their original
// idempotency keys and the server collapses duplicates.
//
// # Push Events
//
// Delivery and read receipts arrive through HandlePushEvent or through the
// PushListeners run by Start. Events carrying a known server id match
// exactly; others are matched by conversation, sender, payload fingerprint
// and time window.
//
// # Garbage Collection
//
// Terminal messages older than Options.Retention are removed on the cron
// schedule Options.GCSchedule.
package courier
