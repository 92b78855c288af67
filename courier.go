package courier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/courier/connectivity"
	"github.com/opd-ai/courier/interfaces"
	"github.com/opd-ai/courier/messaging"
	"github.com/opd-ai/courier/outbox"
	"github.com/opd-ai/courier/queue"
	"github.com/opd-ai/courier/reconcile"
	"github.com/opd-ai/courier/storage"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNotFound indicates an unknown client id.
	ErrNotFound = errors.New("message not found")
	// ErrNotStarted is returned by delivery operations before Start.
	ErrNotStarted = errors.New("courier not started")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("courier closed")
)

// Courier owns the message lifecycle of one client: the state machine,
// the send queue, the offline outbox and push reconciliation.
type Courier struct {
	opts       Options
	clock      interfaces.Clock
	transport  interfaces.Transport
	store      interfaces.DurableStore
	monitor    interfaces.ConnectivityMonitor
	machine    *messaging.Machine
	queue      *queue.Queue
	outbox     *outbox.Outbox
	reconciler *reconcile.Reconciler

	mu          sync.Mutex
	started     bool
	closed      bool
	cancel      context.CancelFunc
	group       *errgroup.Group
	cron        *cron.Cron
	unsubscribe []func()
	drainCh     chan struct{}
}

// New builds a Courier from options. Nothing runs until Start.
func New(options *Options) (*Courier, error) {
	if options == nil {
		options = NewOptions()
	}
	opts := *options
	if opts.Transport == nil {
		return nil, errors.New("courier: transport is required")
	}
	if opts.Clock == nil {
		opts.Clock = interfaces.RealClock{}
	}
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore()
	}
	if opts.Connectivity == nil {
		opts.Connectivity = connectivity.NewMonitor(true)
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.GCSchedule == "" {
		opts.GCSchedule = DefaultGCSchedule
	}
	if _, err := cron.ParseStandard(opts.GCSchedule); err != nil {
		return nil, fmt.Errorf("courier: gc schedule %q: %w", opts.GCSchedule, err)
	}

	c := &Courier{
		clock:     opts.Clock,
		transport: opts.Transport,
		store:     opts.Store,
		monitor:   opts.Connectivity,
		drainCh:   make(chan struct{}, 1),
	}

	opts.Machine.Clock = opts.Clock
	c.machine = messaging.NewMachine(opts.Machine)

	opts.Queue.Clock = opts.Clock
	opts.Queue.Registerer = opts.Registerer
	if opts.Queue.SendTimeout <= 0 {
		opts.Queue.SendTimeout = c.machine.SendTimeout()
	}
	c.queue = queue.New(c.machine, opts.Transport, opts.Queue)

	userPurge := opts.Outbox.OnPurge
	opts.Outbox.OnPurge = func(rec outbox.Record) {
		c.onPurge(rec)
		if userPurge != nil {
			userPurge(rec)
		}
	}
	opts.Outbox.Clock = opts.Clock
	c.outbox = outbox.New(opts.Store, opts.Outbox)
	c.reconciler = reconcile.New(c.machine, opts.Registerer)
	c.opts = opts

	logrus.WithFields(logrus.Fields{
		"function":    "New",
		"workers":     opts.Queue.Workers,
		"gc_schedule": opts.GCSchedule,
		"retention":   opts.Retention,
	}).Info("Courier created")
	return c, nil
}

// Start restores the outbox, starts the queue workers and the background
// loops, and drains the outbox when online. ctx bounds the restore only.
func (c *Courier) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}

	if err := c.restoreOutbox(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	c.cancel = cancel
	c.group = g

	c.unsubscribe = append(c.unsubscribe,
		c.machine.Subscribe(c.onMachineEvent),
		c.monitor.Subscribe(c.onConnectivity),
	)
	if !c.monitor.Online() {
		c.queue.Pause()
	}

	g.Go(func() error { return c.queue.Run(gctx) })
	g.Go(func() error { return c.drainLoop(gctx) })
	for _, l := range c.opts.PushListeners {
		l := l
		g.Go(func() error { return quiet(gctx, l.Run(gctx, c.handlePush)) })
	}
	if m, ok := c.monitor.(*connectivity.Monitor); ok && c.opts.ProbeInterval > 0 {
		if p, ok := c.transport.(connectivity.Pinger); ok {
			g.Go(func() error {
				return quiet(gctx, m.Probe(gctx, p, c.opts.ProbeInterval, c.opts.ProbeTimeout))
			})
		}
	}

	c.cron = cron.New()
	if _, err := c.cron.AddFunc(c.opts.GCSchedule, c.collect); err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("courier: schedule gc: %w", err)
	}
	c.cron.Start()

	c.started = true
	if c.monitor.Online() {
		c.triggerDrain()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Courier.Start",
		"online":   c.monitor.Online(),
		"outbox":   c.outbox.Len(),
	}).Info("Courier started")
	return nil
}

func (c *Courier) restoreOutbox(ctx context.Context) error {
	records, err := c.outbox.Load(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if _, err := c.machine.Get(rec.ClientID); err == nil {
			continue
		}
		if _, err := c.machine.Restore(rec.Draft(), rec.State, rec.RetryCount, rec.CreatedAt); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Courier.restoreOutbox",
				"client_id": rec.ClientID,
				"error":     err.Error(),
			}).Error("Dropping unrestorable outbox record")
			if rerr := c.outbox.Remove(ctx, rec.ClientID); rerr != nil {
				return rerr
			}
		}
	}
	return nil
}

// Close stops the background loops, moves every queued send into the
// outbox so it survives a restart, and closes the store.
func (c *Courier) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.started = false
	for _, fn := range c.unsubscribe {
		fn()
	}
	c.unsubscribe = nil
	c.mu.Unlock()

	if started {
		<-c.cron.Stop().Done()
		c.cancel()
		if err := c.group.Wait(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Courier.Close",
				"error":    err.Error(),
			}).Warn("Background loop ended with error")
		}
	}

	var errs []error
	if err := c.spill(); err != nil {
		errs = append(errs, err)
	}
	c.machine.Close()
	if err := c.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	logrus.WithFields(logrus.Fields{
		"function": "Courier.Close",
		"outbox":   c.outbox.Len(),
	}).Info("Courier closed")
	return errors.Join(errs...)
}

// spill persists the sends still waiting in the queue.
func (c *Courier) spill() error {
	ctx := context.Background()
	var firstErr error
	for _, it := range c.queue.Drain() {
		if it.Op != queue.OpSend {
			logrus.WithFields(logrus.Fields{
				"function":  "Courier.spill",
				"client_id": it.ClientID,
				"op":        it.Op.String(),
			}).Warn("Dropping pending operation on shutdown")
			continue
		}
		msg, err := c.machine.Get(it.ClientID)
		if err != nil || msg.State.IsTerminal() || msg.State == messaging.MessageStateSent {
			continue
		}
		if err := c.outbox.Put(ctx, outbox.RecordFromMessage(msg)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Courier) running() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return ErrClosed
	case !c.started:
		return ErrNotStarted
	}
	return nil
}

// onConnectivity pauses dispatch while offline and drains on reconnect.
func (c *Courier) onConnectivity(online bool) {
	logrus.WithFields(logrus.Fields{
		"function": "Courier.onConnectivity",
		"online":   online,
	}).Info("Connectivity changed")
	if !online {
		c.queue.Pause()
		return
	}
	c.queue.Resume()
	c.triggerDrain()
}

func (c *Courier) triggerDrain() {
	select {
	case c.drainCh <- struct{}{}:
	default:
	}
}

func (c *Courier) drainLoop(ctx context.Context) error {
	tick := make(chan struct{}, 1)
	var timer interfaces.Timer
	schedule := func() {
		if c.opts.DrainInterval <= 0 {
			return
		}
		timer = c.clock.AfterFunc(c.opts.DrainInterval, func() {
			select {
			case tick <- struct{}{}:
			default:
			}
		})
	}
	schedule()
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.drainCh:
		case <-tick:
			schedule()
			if c.outbox.Len() == 0 {
				continue
			}
		}
		if !c.monitor.Online() {
			continue
		}
		if _, err := c.outbox.Drain(ctx, outbox.SinkFunc(c.accept)); err != nil && ctx.Err() == nil {
			logrus.WithFields(logrus.Fields{
				"function": "Courier.drainLoop",
				"error":    err.Error(),
			}).Warn("Outbox drain failed")
		}
	}
}

// accept admits a drained record to the queue.
func (c *Courier) accept(ctx context.Context, rec outbox.Record) error {
	msg, err := c.machine.Get(rec.ClientID)
	if err != nil {
		msg, err = c.machine.Restore(rec.Draft(), rec.State, rec.RetryCount, rec.CreatedAt)
		if err != nil {
			return err
		}
	}
	switch {
	case msg.State.IsTerminal(), msg.State == messaging.MessageStateSent,
		msg.State == messaging.MessageStateSending:
		return nil
	case c.queue.Contains(rec.ClientID):
		return nil
	}
	err = c.queue.Push(queue.SendItem(msg, messaging.PriorityHigh))
	if errors.Is(err, queue.ErrAlreadyQueued) {
		return nil
	}
	return err
}

// onMachineEvent keeps the outbox free of messages that no longer need it.
func (c *Courier) onMachineEvent(ev messaging.Event) {
	id := ev.Message.ClientID
	switch {
	case ev.Type == messaging.EventRemoved,
		ev.Type == messaging.EventUpdated && (ev.To == messaging.MessageStateSent || ev.To == messaging.MessageStateRejected):
	default:
		return
	}
	if !c.outbox.Has(id) {
		return
	}
	if err := c.outbox.Remove(context.Background(), id); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Courier.onMachineEvent",
			"client_id": id,
			"error":     err.Error(),
		}).Error("Failed to remove outbox record")
	}
}

// onPurge rejects a message evicted from a full outbox.
func (c *Courier) onPurge(rec outbox.Record) {
	c.queue.Abort(rec.ClientID)
	_, err := c.machine.Abandon(rec.ClientID, messaging.LastError{
		Kind:    messaging.ErrorKindPersistence,
		Message: "evicted from full outbox",
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Courier.onPurge",
			"client_id": rec.ClientID,
			"error":     err.Error(),
		}).Debug("Purged record had no pending message")
	}
}

func (c *Courier) collect() {
	cutoff := c.clock.Now().Add(-c.opts.Retention)
	removed := c.machine.Collect(cutoff)
	if len(removed) > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Courier.collect",
			"removed":  len(removed),
		}).Info("Collected terminal messages")
	}
}

func (c *Courier) handlePush(ev messaging.PushEvent) {
	c.HandlePushEvent(ev)
}

// quiet maps the cancellation of a background loop to a clean exit.
func quiet(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
