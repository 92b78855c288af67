package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/courier/interfaces"
	"github.com/opd-ai/courier/limits"
	"github.com/opd-ai/courier/queue"
	"github.com/sirupsen/logrus"
)

var (
	// ErrPersistence wraps every durable storage failure.
	ErrPersistence = errors.New("outbox persistence failure")
	// ErrDrainInProgress is returned when a drain is already running.
	ErrDrainInProgress = errors.New("outbox drain already in progress")
)

// Default outbox settings.
const (
	DefaultMaxEntries = 500
	DefaultBatchSize  = 20
	DefaultBatchDelay = 250 * time.Millisecond
)

// Sink accepts drained records. Accept returns nil once the record's send
// has been admitted to the queue.
type Sink interface {
	Accept(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

// Accept calls f.
func (f SinkFunc) Accept(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}

// Config configures an Outbox.
type Config struct {
	// MaxEntries bounds the number of records; the oldest are purged.
	MaxEntries int
	// BatchSize is the number of records submitted per drain batch.
	BatchSize int
	// BatchDelay separates drain batches.
	BatchDelay time.Duration
	// Clock times the batch delay. Defaults to the wall clock.
	Clock interfaces.Clock
	// OnPurge is called for every record evicted by the size bound.
	OnPurge func(rec Record)
}

// DrainStats summarizes one drain.
type DrainStats struct {
	Submitted int
	Deferred  int
	Batches   int
}

// Outbox persists messages that could not be queued and resubmits them
// when connectivity returns.
type Outbox struct {
	store interfaces.DurableStore
	cfg   Config

	mu      sync.Mutex
	seq     uint64
	entries map[string]uint64

	draining atomic.Bool
}

// New creates an Outbox over store. Call Load before use to pick up
// records from a previous run.
func New(store interfaces.DurableStore, cfg Config) *Outbox {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = interfaces.RealClock{}
	}
	return &Outbox{
		store:   store,
		cfg:     cfg,
		entries: make(map[string]uint64),
	}
}

// Load reads every record in insertion order. Undecodable records are
// logged and deleted.
func (o *Outbox) Load(ctx context.Context) ([]Record, error) {
	raw, err := o.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load: %v", ErrPersistence, err)
	}

	records := make([]Record, 0, len(raw))
	for key, data := range raw {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil || rec.ClientID != key {
			logrus.WithFields(logrus.Fields{
				"function":  "Outbox.Load",
				"client_id": key,
			}).Error("Discarding corrupt outbox record")
			if derr := o.store.Delete(ctx, key); derr != nil {
				return nil, fmt.Errorf("%w: delete corrupt %s: %v", ErrPersistence, key, derr)
			}
			continue
		}
		records = append(records, rec)
	}
	sortBySeq(records)

	o.mu.Lock()
	for _, rec := range records {
		o.entries[rec.ClientID] = rec.Seq
		if rec.Seq > o.seq {
			o.seq = rec.Seq
		}
	}
	o.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Outbox.Load",
		"records":  len(records),
	}).Info("Outbox loaded")
	return records, nil
}

// Put writes rec, keeping its position when the client id is already
// stored. Records beyond MaxEntries are purged oldest first.
func (o *Outbox) Put(ctx context.Context, rec Record) error {
	o.mu.Lock()
	if seq, ok := o.entries[rec.ClientID]; ok {
		rec.Seq = seq
	} else {
		o.seq++
		rec.Seq = o.seq
	}
	o.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrPersistence, rec.ClientID, err)
	}
	if err := limits.ValidateRecord(data); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPersistence, rec.ClientID, err)
	}
	if err := o.store.Put(ctx, rec.ClientID, data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Outbox.Put",
			"client_id": rec.ClientID,
			"error":     err.Error(),
		}).Error("Failed to persist outbox record")
		return fmt.Errorf("%w: put %s: %v", ErrPersistence, rec.ClientID, err)
	}

	o.mu.Lock()
	o.entries[rec.ClientID] = rec.Seq
	o.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Outbox.Put",
		"client_id": rec.ClientID,
		"seq":       rec.Seq,
	}).Debug("Outbox record stored")

	return o.purge(ctx)
}

// purge evicts the oldest records beyond MaxEntries.
func (o *Outbox) purge(ctx context.Context) error {
	o.mu.Lock()
	excess := len(o.entries) - o.cfg.MaxEntries
	if excess <= 0 {
		o.mu.Unlock()
		return nil
	}
	type entry struct {
		id  string
		seq uint64
	}
	all := make([]entry, 0, len(o.entries))
	for id, seq := range o.entries {
		all = append(all, entry{id, seq})
	}
	o.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	victims := make(map[string]bool, excess)
	for _, e := range all[:excess] {
		victims[e.id] = true
	}

	var purged []Record
	if o.cfg.OnPurge != nil {
		raw, err := o.store.GetAll(ctx)
		if err != nil {
			return fmt.Errorf("%w: purge: %v", ErrPersistence, err)
		}
		for id := range victims {
			var rec Record
			if json.Unmarshal(raw[id], &rec) == nil {
				purged = append(purged, rec)
			}
		}
		sortBySeq(purged)
	}

	for id := range victims {
		if err := o.Remove(ctx, id); err != nil {
			return err
		}
	}
	logrus.WithFields(logrus.Fields{
		"function":    "Outbox.purge",
		"purged":      excess,
		"max_entries": o.cfg.MaxEntries,
	}).Warn("Outbox over capacity, purged oldest records")

	for _, rec := range purged {
		o.cfg.OnPurge(rec)
	}
	return nil
}

// Remove deletes the record for clientID. Removing a missing record is not
// an error.
func (o *Outbox) Remove(ctx context.Context, clientID string) error {
	if err := o.store.Delete(ctx, clientID); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrPersistence, clientID, err)
	}
	o.mu.Lock()
	delete(o.entries, clientID)
	o.mu.Unlock()
	return nil
}

// Has reports whether a record exists for clientID.
func (o *Outbox) Has(clientID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.entries[clientID]
	return ok
}

// Len returns the number of stored records.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Records returns the stored records in insertion order.
func (o *Outbox) Records(ctx context.Context) ([]Record, error) {
	raw, err := o.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", ErrPersistence, err)
	}
	records := make([]Record, 0, len(raw))
	for _, data := range raw {
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	sortBySeq(records)
	return records, nil
}

// Clear removes every record.
func (o *Outbox) Clear(ctx context.Context) error {
	if err := o.store.Clear(ctx); err != nil {
		return fmt.Errorf("%w: clear: %v", ErrPersistence, err)
	}
	o.mu.Lock()
	o.entries = make(map[string]uint64)
	o.mu.Unlock()
	return nil
}

// Drain submits records to sink in insertion order, BatchSize at a time,
// pausing BatchDelay between batches. A record is deleted only after sink
// accepted it. The drain stops early when the queue is full. Only one
// drain runs at a time.
func (o *Outbox) Drain(ctx context.Context, sink Sink) (DrainStats, error) {
	var stats DrainStats
	if !o.draining.CompareAndSwap(false, true) {
		return stats, ErrDrainInProgress
	}
	defer o.draining.Store(false)

	records, err := o.Records(ctx)
	if err != nil {
		return stats, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Outbox.Drain",
		"records":  len(records),
	}).Info("Draining outbox")

	for start := 0; start < len(records); start += o.cfg.BatchSize {
		if start > 0 && o.cfg.BatchDelay > 0 {
			if err := o.pause(ctx); err != nil {
				return stats, err
			}
		}
		end := start + o.cfg.BatchSize
		if end > len(records) {
			end = len(records)
		}
		stats.Batches++

		for i, rec := range records[start:end] {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			if err := sink.Accept(ctx, rec); err != nil {
				stats.Deferred++
				if errors.Is(err, queue.ErrQueueFull) {
					stats.Deferred += len(records) - (start + i) - 1
					logrus.WithFields(logrus.Fields{
						"function": "Outbox.Drain",
						"deferred": stats.Deferred,
					}).Warn("Send queue full, drain stopped")
					return stats, nil
				}
				logrus.WithFields(logrus.Fields{
					"function":  "Outbox.Drain",
					"client_id": rec.ClientID,
					"error":     err.Error(),
				}).Warn("Outbox record not accepted")
				continue
			}
			if err := o.Remove(ctx, rec.ClientID); err != nil {
				return stats, err
			}
			stats.Submitted++
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Outbox.Drain",
		"submitted": stats.Submitted,
		"deferred":  stats.Deferred,
		"batches":   stats.Batches,
	}).Info("Outbox drain complete")
	return stats, nil
}

// pause waits BatchDelay on the configured clock.
func (o *Outbox) pause(ctx context.Context) error {
	fired := make(chan struct{})
	t := o.cfg.Clock.AfterFunc(o.cfg.BatchDelay, func() { close(fired) })
	defer t.Stop()
	select {
	case <-fired:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Draining reports whether a drain is running.
func (o *Outbox) Draining() bool {
	return o.draining.Load()
}

func sortBySeq(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].Seq != records[j].Seq {
			return records[i].Seq < records[j].Seq
		}
		return records[i].ClientID < records[j].ClientID
	})
}
