package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultProbeInterval is used by Probe when interval is not positive.
const DefaultProbeInterval = 15 * time.Second

// Pinger checks whether the messaging server is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

// Ping calls f.
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Monitor is an in-process connectivity source. The state is changed with
// Set, either by the host application or by Probe.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[uint64]func(bool)
	nextID uint64

	// notifyMu keeps notifications in the order of the state changes.
	notifyMu sync.Mutex
}

// NewMonitor creates a Monitor in the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, subs: make(map[uint64]func(bool))}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the state and notifies subscribers when it changed. It
// reports whether a change happened.
func (m *Monitor) Set(online bool) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Monitor.Set",
		"online":   online,
	}).Info("Connectivity changed")

	for _, fn := range subs {
		fn(online)
	}
	return true
}

// Subscribe registers fn for every change. fn must not call Set.
func (m *Monitor) Subscribe(fn func(online bool)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Probe pings p every interval and updates the state from the result
// until ctx is done. The first ping happens immediately.
func (m *Monitor) Probe(ctx context.Context, p Pinger, interval, timeout time.Duration) error {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := p.Ping(pctx)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Monitor.Probe",
				"error":    err.Error(),
			}).Debug("Connectivity probe failed")
		}
		m.Set(err == nil)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
