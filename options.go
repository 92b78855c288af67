package courier

import (
	"context"
	"time"

	"github.com/opd-ai/courier/config"
	"github.com/opd-ai/courier/interfaces"
	"github.com/opd-ai/courier/messaging"
	"github.com/opd-ai/courier/outbox"
	"github.com/opd-ai/courier/push"
	"github.com/opd-ai/courier/queue"
	"github.com/prometheus/client_golang/prometheus"
)

// Default service settings.
const (
	DefaultRetention     = 24 * time.Hour
	DefaultGCSchedule    = "@every 1m"
	DefaultDrainInterval = 30 * time.Second
)

// PushListener delivers server push events until ctx is done.
// push.WebSocketListener and push.NATSListener implement it.
type PushListener interface {
	Run(ctx context.Context, h push.Handler) error
}

// Options contains the collaborators and settings of a Courier.
type Options struct {
	// Transport performs the server calls. Required.
	Transport interfaces.Transport
	// Store backs the offline outbox. Nil uses an in-memory store.
	Store interfaces.DurableStore
	// Connectivity reports reachability. Nil assumes always online.
	Connectivity interfaces.ConnectivityMonitor
	// Clock drives timestamps, timers and backoff. Nil uses the real clock.
	Clock interfaces.Clock
	// Registerer receives the queue and reconciler metrics when not nil.
	Registerer prometheus.Registerer
	// PushListeners are run by Start and feed HandlePushEvent.
	PushListeners []PushListener

	Machine messaging.MachineConfig
	Queue   queue.Config
	Outbox  outbox.Config

	// Retention is how long terminal messages are kept before collection.
	Retention time.Duration
	// GCSchedule is a cron expression for garbage collection.
	GCSchedule string
	// DrainInterval re-attempts an outbox drain while online and records
	// remain. Zero disables the periodic drain.
	DrainInterval time.Duration
	// ProbeInterval enables a health probe when the transport can ping
	// and Connectivity is a *connectivity.Monitor. Zero disables it.
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// NewOptions returns the default options without a transport.
func NewOptions() *Options {
	return &Options{
		Clock:         interfaces.RealClock{},
		Machine:       messaging.DefaultMachineConfig(),
		Queue:         queue.DefaultConfig(),
		Outbox:        outbox.Config{MaxEntries: outbox.DefaultMaxEntries, BatchSize: outbox.DefaultBatchSize, BatchDelay: outbox.DefaultBatchDelay},
		Retention:     DefaultRetention,
		GCSchedule:    DefaultGCSchedule,
		DrainInterval: DefaultDrainInterval,
	}
}

// ApplyConfig copies the file configuration into o. Collaborators are not
// touched; see the factory package for those.
func (o *Options) ApplyConfig(cfg *config.Config) {
	o.Machine.SendTimeout = cfg.Messages.SendTimeout.Std()
	o.Machine.MatchWindow = cfg.Messages.MatchWindow.Std()
	o.Machine.DefaultMaxRetries = cfg.Messages.MaxRetries
	o.Machine.MaxContentBytes = cfg.Messages.MaxContentBytes.Int()

	o.Queue.Workers = cfg.Queue.Workers
	o.Queue.Capacity = cfg.Queue.Capacity
	o.Queue.SendTimeout = cfg.Messages.SendTimeout.Std()
	o.Queue.RateLimit = cfg.Queue.RateLimit
	o.Queue.Burst = cfg.Queue.Burst
	b := queue.DefaultBackoff()
	if cfg.Queue.BackoffBase > 0 {
		b.Base = cfg.Queue.BackoffBase.Std()
	}
	if cfg.Queue.BackoffCap > 0 {
		b.Cap = cfg.Queue.BackoffCap.Std()
	}
	if cfg.Queue.JitterPercent >= 0 {
		b.JitterPercent = cfg.Queue.JitterPercent
	}
	o.Queue.Backoff = b

	o.Outbox.MaxEntries = cfg.Outbox.MaxEntries
	o.Outbox.BatchSize = cfg.Outbox.BatchSize
	o.Outbox.BatchDelay = cfg.Outbox.BatchDelay.Std()

	o.Retention = cfg.Messages.Retention.Std()
	o.GCSchedule = cfg.Messages.GCSchedule
	if cfg.Connectivity.ProbeInterval > 0 {
		o.ProbeInterval = cfg.Connectivity.ProbeInterval.Std()
		o.ProbeTimeout = cfg.Connectivity.ProbeTimeout.Std()
	}
}
