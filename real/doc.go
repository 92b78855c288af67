// Package real provides the production Transport for courier.
//
// HTTPTransport talks to the messaging server's JSON API over fasthttp.
// It is the counterpart of the simulated transport in the testing package
// and is normally created through the factory package:
//
//	f := factory.NewTransportFactory(&interfaces.TransportConfig{
//	    BaseURL:        "https://chat.example.com/api",
//	    RequestTimeout: 10000,
//	    AuthToken:      token,
//	})
//	transport, err := f.CreateTransport()
//
// # Errors
//
// Every failure is an *interfaces.TransportError. Responses outside the 2xx
// range carry their status code and the server's error text. Network
// failures have a zero status code. A request that ran past its deadline
// wraps context.DeadlineExceeded so the send queue classifies it as a
// timeout rather than a transient failure.
//
// # Idempotency
//
// Send, Edit and Delete set the Idempotency-Key header from the request.
// The server is expected to answer a repeated key with the original
// acknowledgment, which is what makes resubmission after a restart safe.
//
// # Cancellation
//
// fasthttp has no context support. Requests run in their own goroutine
// with a deadline taken from the context or the configured timeout, and
// the caller returns as soon as the context is cancelled.
package real
