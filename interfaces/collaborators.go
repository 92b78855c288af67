package interfaces

import (
	"context"
	"time"
)

// Clock abstracts time so timeouts, backoff and retention are
// deterministically testable.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// AfterFunc calls f in its own goroutine after d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable pending call created by Clock.AfterFunc.
type Timer interface {
	// Stop prevents the call from firing. It reports whether the call
	// was stopped before it fired.
	Stop() bool
}

// RealClock implements Clock with the standard library.
type RealClock struct{}

// Now returns time.Now().
func (RealClock) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc.
func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ConnectivityMonitor reports network reachability and announces changes.
type ConnectivityMonitor interface {
	// Online reports the current connectivity state.
	Online() bool
	// Subscribe registers fn for every state change and returns a
	// function that removes the subscription.
	Subscribe(fn func(online bool)) (cancel func())
}

// DurableStore is the key-value persistence used by the offline outbox.
// Keys are message client ids; values are opaque serialized records.
type DurableStore interface {
	// Put inserts or replaces the value stored under key.
	Put(ctx context.Context, key string, value []byte) error
	// GetAll returns every stored entry.
	GetAll(ctx context.Context) (map[string][]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Clear removes every entry.
	Clear(ctx context.Context) error
	// Close releases the underlying resources.
	Close() error
}
