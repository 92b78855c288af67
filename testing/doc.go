// Package testing provides simulation infrastructure for deterministic
// testing of the delivery core.
//
// # Overview
//
// This package mirrors the production collaborators but operates entirely
// in memory, so queue, outbox and reconciliation behaviour can be verified
// without a network or wall-clock waits.
//
// # Simulation vs Real Implementation
//
// The courier module supports two transport modes:
//
//   - Simulation (this package): [SimulatedTransport] assigns server ids in
//     memory, collapses duplicate idempotency keys and records every call
//     in a delivery log for verification.
//
//   - Real (real package): requests are sent to the messaging HTTP API.
//
// Both implement interfaces.Transport and are selected by the factory
// package.
//
// # Usage
//
//	clock := testing.NewFakeClock(time.Unix(0, 0))
//	sim := testing.NewSimulatedTransport(clock)
//
//	// Fail the next two calls with a retryable status.
//	sim.FailNext(2, http.StatusServiceUnavailable)
//
//	// Fire every send timer and backoff due within the next minute.
//	clock.Advance(time.Minute)
//
//	for _, rec := range sim.GetDeliveryLog() {
//	    fmt.Println(rec.Op, rec.ClientID, rec.Success)
//	}
//
// # Time Control
//
// [FakeClock] implements interfaces.Clock. Callbacks registered with
// AfterFunc run synchronously inside [FakeClock.Advance] in deadline order,
// which makes send timeouts and retry backoff fully reproducible.
//
// # Import Alias
//
// The package name shadows the standard library testing package. Test files
// import it under an alias:
//
//	import simulation "github.com/opd-ai/courier/testing"
package testing
