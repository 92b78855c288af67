// Package reconcile matches delivery events from the push channel to
// locally pending sends.
//
// The matching itself lives on messaging.Machine; a Reconciler only feeds
// events in and keeps counters. An event that matches nothing is not an
// error. It is logged at debug level and counted as a miss.
package reconcile
