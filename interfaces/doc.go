// Package interfaces defines the collaborator contracts consumed by the
// courier delivery core.
//
// The core never talks to the network, the disk or the wall clock directly.
// Every side effect goes through one of the interfaces declared here so that
// the same application code runs against production implementations and
// against deterministic simulations in tests.
//
// # Core Interfaces
//
// [Transport] turns queued intents into request/response calls:
//
//	ack, err := transport.Send(ctx, interfaces.OutboundMessage{
//	    ClientID:       msg.ClientID,
//	    IdempotencyKey: msg.IdempotencyKey,
//	    ConversationID: "42",
//	    SenderID:       "7",
//	    Content:        "hello",
//	})
//	var terr *interfaces.TransportError
//	if errors.As(err, &terr) && terr.StatusCode == 429 {
//	    // retry later
//	}
//
// [DurableStore] is the key-value store behind the offline outbox. The
// storage package provides memory, file, pebble, sqlite and redis backends.
//
// [ConnectivityMonitor] reports Online/Offline transitions. The
// connectivity package provides an in-process implementation.
//
// [Clock] and [Timer] replace ambient time so send timeouts and retry
// backoff can be driven manually in tests.
//
// # Configuration
//
// [TransportConfig] holds settings for Transport implementations:
//
//	config := &interfaces.TransportConfig{
//	    UseSimulation:  false,
//	    BaseURL:        "https://chat.example.com/api",
//	    RequestTimeout: 10000, // milliseconds
//	}
//
// The factory package creates implementations based on configuration:
//   - UseSimulation=true: SimulatedTransport from the testing package
//   - UseSimulation=false: HTTPTransport from the real package
//
// # Thread Safety
//
// All implementations of these interfaces must be safe for concurrent use.
// The send queue calls Transport from several worker goroutines at once.
//
// # Error Handling
//
// Transport implementations report failures as [*TransportError]. A zero
// StatusCode means no response was received (network failure, timeout) and
// is always treated as retryable.
package interfaces
