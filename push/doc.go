// Package push adapts push channels to the reconciler.
//
// A push channel carries JSON delivery events, one per frame, decoded by
// DecodeEvent. Two listeners are provided: WebSocketListener reads frames
// from a websocket endpoint and reconnects with a fixed delay, and
// NATSListener subscribes to a NATS subject. Both deliver events to a
// Handler in channel order and run until their context is cancelled.
//
// Frames with an unknown type are skipped at debug level. Malformed frames
// are dropped with a warning; they never stop the listener.
package push
