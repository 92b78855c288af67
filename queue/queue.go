package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/courier/interfaces"
	"github.com/opd-ai/courier/messaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var (
	// ErrQueueFull is returned by Push when the capacity bound is reached.
	ErrQueueFull = errors.New("send queue is full")
	// ErrAlreadyQueued is returned by Push for a message that already has
	// a pending or running send.
	ErrAlreadyQueued = errors.New("message already queued")
)

const numTiers = int(messaging.PriorityCritical) + 1

// Lifecycle is the part of the state machine the queue drives.
// *messaging.Machine implements it.
type Lifecycle interface {
	Get(clientID string) (*messaging.Message, error)
	BeginSend(clientID string) (*messaging.Message, error)
	UpdateFromServerResponse(clientID string, resp *interfaces.ServerMessage) (*messaging.Message, error)
	MarkFailed(clientID string, le messaging.LastError) (*messaging.Message, error)
	MarkTimeout(clientID string, le messaging.LastError) (*messaging.Message, error)
	Reject(clientID string, le messaging.LastError) (*messaging.Message, error)
	ApplyEdit(clientID, content string, editedAt time.Time) (*messaging.Message, error)
	Remove(clientID string) (*messaging.Message, error)
	NotifyOperationFailed(clientID string, le messaging.LastError)
}

// Config configures a Queue.
type Config struct {
	// Workers bounds concurrent transport calls.
	Workers int
	// Capacity bounds the number of pending items.
	Capacity int
	// SendTimeout is the deadline of each transport call.
	SendTimeout time.Duration
	// RateLimit caps dispatches per second. Zero disables the limit.
	RateLimit float64
	Burst     int
	Backoff   *Backoff
	Clock     interfaces.Clock
	// Registerer receives the queue metrics when not nil.
	Registerer prometheus.Registerer
}

// DefaultConfig returns 3 workers, capacity 1000, a 30s send deadline and
// the default backoff.
func DefaultConfig() Config {
	return Config{
		Workers:     3,
		Capacity:    1000,
		SendTimeout: messaging.DefaultSendTimeout,
		Backoff:     DefaultBackoff(),
		Clock:       interfaces.RealClock{},
	}
}

// Queue dispatches send, edit and delete intents to a Transport in strict
// priority order and routes every outcome back through the Lifecycle.
type Queue struct {
	mu       sync.Mutex
	tiers    [numTiers][]*Item
	pending  int
	inflight []*Item
	paused   bool
	wake     chan struct{}

	lc          Lifecycle
	transport   interfaces.Transport
	sem         *semaphore.Weighted
	limiter     *rate.Limiter
	backoff     *Backoff
	clock       interfaces.Clock
	sendTimeout time.Duration
	capacity    int
	metrics     *Metrics
	wg          sync.WaitGroup
}

// New creates a Queue. It does nothing until Run is called.
func New(lc Lifecycle, transport interfaces.Transport, cfg Config) *Queue {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.Backoff == nil {
		cfg.Backoff = def.Backoff
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		if cfg.Burst <= 0 {
			cfg.Burst = 1
		}
	}

	return &Queue{
		wake:        make(chan struct{}, 1),
		lc:          lc,
		transport:   transport,
		sem:         semaphore.NewWeighted(int64(cfg.Workers)),
		limiter:     rate.NewLimiter(limit, cfg.Burst),
		backoff:     cfg.Backoff,
		clock:       cfg.Clock,
		sendTimeout: cfg.SendTimeout,
		capacity:    cfg.Capacity,
		metrics:     NewMetrics(cfg.Registerer),
	}
}

// Push admits an item at the tail of its priority tier.
func (q *Queue) Push(item Item) error {
	if item.Priority > messaging.PriorityCritical {
		item.Priority = messaging.PriorityCritical
	}
	if item.MaxRetries <= 0 {
		item.MaxRetries = messaging.DefaultMaxRetries
	}

	q.mu.Lock()
	if item.Op == OpSend && q.containsLocked(item.ClientID) {
		q.mu.Unlock()
		return fmt.Errorf("push %s: %w", item.ClientID, ErrAlreadyQueued)
	}
	if q.pending >= q.capacity {
		q.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function":  "Queue.Push",
			"client_id": item.ClientID,
			"capacity":  q.capacity,
		}).Warn("Send queue saturated")
		return ErrQueueFull
	}
	it := item
	q.appendLocked(&it)
	q.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Queue.Push",
		"client_id": item.ClientID,
		"op":        item.Op.String(),
		"priority":  item.Priority.String(),
	}).Debug("Item queued")
	q.signal()
	return nil
}

// Run dispatches items until ctx is done, then waits for in-flight calls
// to finish. Interrupted sends stay pending so Drain can return them.
func (q *Queue) Run(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"function": "Queue.Run",
		"capacity": q.capacity,
	}).Info("Send queue started")

	defer func() {
		q.wg.Wait()
		logrus.WithFields(logrus.Fields{
			"function": "Queue.Run",
			"pending":  q.Len(),
		}).Info("Send queue stopped")
	}()

	for {
		if err := q.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		it := q.next()
		if it == nil {
			q.sem.Release(1)
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				return nil
			}
		}
		if err := q.limiter.Wait(ctx); err != nil {
			q.complete(it, "", true, 0)
			q.sem.Release(1)
			return nil
		}

		q.wg.Add(1)
		go func(it *Item) {
			defer q.wg.Done()
			defer q.signal()
			defer q.sem.Release(1)
			q.execute(ctx, it)
		}(it)
	}
}

// next pops the first eligible item, scanning tiers from Critical down.
// Ineligible items rotate to the tail of their tier; aborted items are
// dropped.
func (q *Queue) next() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused {
		return nil
	}

	now := q.clock.Now()
	for p := numTiers - 1; p >= 0; p-- {
		for n := len(q.tiers[p]); n > 0; n-- {
			it := q.tiers[p][0]
			q.tiers[p][0] = nil
			q.tiers[p] = q.tiers[p][1:]
			if it.Aborted {
				q.pending--
				q.metrics.Outcomes.WithLabelValues(it.Op.String(), outcomeDropped).Inc()
				continue
			}
			if !it.eligible(now) {
				q.tiers[p] = append(q.tiers[p], it)
				continue
			}
			q.pending--
			q.inflight = append(q.inflight, it)
			q.updateGaugesLocked()
			return it
		}
	}
	q.updateGaugesLocked()
	return nil
}

func (q *Queue) execute(ctx context.Context, it *Item) {
	switch it.Op {
	case OpSend:
		q.executeSend(ctx, it)
	default:
		q.executeMutation(ctx, it)
	}
}

func (q *Queue) executeSend(ctx context.Context, it *Item) {
	msg, err := q.lc.BeginSend(it.ClientID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Queue.executeSend",
			"client_id": it.ClientID,
			"error":     err.Error(),
		}).Debug("Send skipped")
		q.complete(it, outcomeDropped, false, 0)
		return
	}

	q.metrics.Attempts.WithLabelValues(OpSend.String()).Inc()
	callCtx, cancel := context.WithTimeout(ctx, q.sendTimeout)
	resp, err := q.transport.Send(callCtx, msg.Outbound())
	cancel()

	if err == nil {
		if _, uerr := q.lc.UpdateFromServerResponse(it.ClientID, resp); uerr != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "Queue.executeSend",
				"client_id": it.ClientID,
				"error":     uerr.Error(),
			}).Warn("Could not record server acknowledgment")
		}
		q.complete(it, outcomeSuccess, false, 0)
		return
	}

	le := lastError(err)
	if ctx.Err() != nil {
		le = messaging.LastError{Kind: messaging.ErrorKindTransient, Message: "interrupted by shutdown: " + err.Error()}
	}
	if le.Kind == messaging.ErrorKindTimeout {
		_, _ = q.lc.MarkTimeout(it.ClientID, le)
	} else {
		_, _ = q.lc.MarkFailed(it.ClientID, le)
	}

	// The send timer may have moved the message to Timeout first. Either
	// way it must now be waiting for a retry, unless it was enqueued again
	// while the call was running.
	cur, gerr := q.lc.Get(it.ClientID)
	switch {
	case gerr != nil:
		q.complete(it, outcomeDropped, false, 0)
		return
	case cur.State == messaging.MessageStateQueued:
		q.complete(it, outcomeRetry, true, 0)
		return
	case !cur.State.IsRetrying():
		q.complete(it, outcomeDropped, false, 0)
		return
	}

	if ctx.Err() != nil {
		q.complete(it, "", true, 0)
		return
	}
	q.settleSend(it, le)
}

func (q *Queue) settleSend(it *Item, le messaging.LastError) {
	fields := logrus.Fields{
		"function":    "Queue.settleSend",
		"client_id":   it.ClientID,
		"kind":        le.Kind.String(),
		"status_code": le.StatusCode,
		"retry_count": it.RetryCount,
		"max_retries": it.MaxRetries,
	}

	if q.isAborted(it) {
		_, _ = q.lc.Reject(it.ClientID, messaging.LastError{Kind: messaging.ErrorKindCancelled, Message: "cancelled"})
		q.complete(it, outcomeRejected, false, 0)
		return
	}
	if !le.Kind.Retryable() || it.exhausted() {
		if _, err := q.lc.Reject(it.ClientID, le); err != nil {
			fields["error"] = err.Error()
		}
		logrus.WithFields(fields).Warn("Send rejected")
		q.complete(it, outcomeRejected, false, 0)
		return
	}

	it.RetryCount++
	fields["retry_count"] = it.RetryCount
	delay := q.backoff.Delay(it.RetryCount)
	if q.takeExpedited(it) {
		delay = 0
	}
	fields["delay"] = delay
	logrus.WithFields(fields).Warn("Send failed, retrying")
	q.complete(it, outcomeRetry, true, delay)
}

func (q *Queue) executeMutation(ctx context.Context, it *Item) {
	q.metrics.Attempts.WithLabelValues(it.Op.String()).Inc()
	callCtx, cancel := context.WithTimeout(ctx, q.sendTimeout)
	var err error
	switch it.Op {
	case OpEdit:
		var resp *interfaces.ServerMessage
		resp, err = q.transport.Edit(callCtx, interfaces.EditRequest{
			ServerID:       it.ServerID,
			ConversationID: it.ConversationID,
			IdempotencyKey: it.IdempotencyKey,
			Content:        it.Content,
		})
		if err == nil {
			editedAt := it.EditedAt
			if resp != nil && !resp.EditedAt.IsZero() {
				editedAt = resp.EditedAt
			}
			_, _ = q.lc.ApplyEdit(it.ClientID, it.Content, editedAt)
		}
	case OpDelete:
		err = q.transport.Delete(callCtx, interfaces.DeleteRequest{
			ServerID:       it.ServerID,
			ConversationID: it.ConversationID,
			IdempotencyKey: it.IdempotencyKey,
		})
		if err == nil {
			_, _ = q.lc.Remove(it.ClientID)
		}
	}
	cancel()

	if err == nil {
		q.complete(it, outcomeSuccess, false, 0)
		return
	}
	if ctx.Err() != nil {
		q.complete(it, "", true, 0)
		return
	}

	le := lastError(err)
	fields := logrus.Fields{
		"function":    "Queue.executeMutation",
		"client_id":   it.ClientID,
		"server_id":   it.ServerID,
		"op":          it.Op.String(),
		"kind":        le.Kind.String(),
		"retry_count": it.RetryCount,
	}
	if q.isAborted(it) || !le.Kind.Retryable() || it.exhausted() {
		logrus.WithFields(fields).Warn("Operation failed")
		q.lc.NotifyOperationFailed(it.ClientID, le)
		q.complete(it, outcomeRejected, false, 0)
		return
	}

	it.RetryCount++
	delay := q.backoff.Delay(it.RetryCount)
	fields["delay"] = delay
	logrus.WithFields(fields).Warn("Operation failed, retrying")
	q.complete(it, outcomeRetry, true, delay)
}

// complete releases an in-flight item. With requeue set the item goes back
// to the tail of its tier, eligible after delay.
func (q *Queue) complete(it *Item, outcome string, requeue bool, delay time.Duration) {
	q.mu.Lock()
	for i, cur := range q.inflight {
		if cur == it {
			q.inflight = append(q.inflight[:i], q.inflight[i+1:]...)
			break
		}
	}
	if requeue {
		it.NextAttemptAt = time.Time{}
		if delay > 0 {
			it.NextAttemptAt = q.clock.Now().Add(delay)
			q.clock.AfterFunc(delay, q.signal)
		}
		q.appendLocked(it)
	}
	q.updateGaugesLocked()
	q.mu.Unlock()

	if outcome != "" {
		q.metrics.Outcomes.WithLabelValues(it.Op.String(), outcome).Inc()
	}
}

func (q *Queue) appendLocked(it *Item) {
	q.tiers[it.Priority] = append(q.tiers[it.Priority], it)
	q.pending++
	q.updateGaugesLocked()
}

func (q *Queue) updateGaugesLocked() {
	q.metrics.Depth.Set(float64(q.pending))
	q.metrics.InFlight.Set(float64(len(q.inflight)))
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) isAborted(it *Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return it.Aborted
}

// Abort flags every send for clientID. Pending items are dropped at their
// next scheduling point; an in-flight call completes but is never retried.
func (q *Queue) Abort(clientID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	found := false
	q.eachLocked(func(it *Item) {
		if it.ClientID == clientID && it.Op == OpSend && !it.Aborted {
			it.Aborted = true
			found = true
		}
	})
	return found
}

// Expedite clears the backoff of a pending send so it is dispatched at
// the next opportunity. A running send is flagged so that a failure is
// retried without delay.
func (q *Queue) Expedite(clientID string) bool {
	q.mu.Lock()
	found := false
	for p := range q.tiers {
		for _, it := range q.tiers[p] {
			if it.ClientID == clientID && it.Op == OpSend && !it.Aborted {
				it.NextAttemptAt = time.Time{}
				found = true
			}
		}
	}
	for _, it := range q.inflight {
		if it.ClientID == clientID && it.Op == OpSend && !it.Aborted {
			it.Expedited = true
			found = true
		}
	}
	q.mu.Unlock()
	if found {
		q.signal()
	}
	return found
}

func (q *Queue) takeExpedited(it *Item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	expedited := it.Expedited
	it.Expedited = false
	return expedited
}

// Contains reports whether clientID has a live pending or running send.
func (q *Queue) Contains(clientID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.containsLocked(clientID)
}

func (q *Queue) containsLocked(clientID string) bool {
	found := false
	q.eachLocked(func(it *Item) {
		if it.ClientID == clientID && it.Op == OpSend && !it.Aborted {
			found = true
		}
	})
	return found
}

func (q *Queue) eachLocked(fn func(*Item)) {
	for p := range q.tiers {
		for _, it := range q.tiers[p] {
			fn(it)
		}
	}
	for _, it := range q.inflight {
		fn(it)
	}
}

// Pause stops dispatching. Running calls are not interrupted.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function": "Queue.Pause",
	}).Info("Send queue paused")
}

// Resume restarts dispatching.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	logrus.WithFields(logrus.Fields{
		"function": "Queue.Resume",
	}).Info("Send queue resumed")
	q.signal()
}

// Paused reports whether dispatch is stopped.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Drain removes and returns every live pending item in dispatch order.
func (q *Queue) Drain() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Item
	for p := numTiers - 1; p >= 0; p-- {
		for _, it := range q.tiers[p] {
			if !it.Aborted {
				out = append(out, *it)
			}
		}
		q.tiers[p] = nil
	}
	q.pending = 0
	q.updateGaugesLocked()
	return out
}

// Snapshot returns copies of the pending items in dispatch order.
func (q *Queue) Snapshot() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Item
	for p := numTiers - 1; p >= 0; p-- {
		for _, it := range q.tiers[p] {
			out = append(out, *it)
		}
	}
	return out
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// InFlight returns the number of running transport calls.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// Metrics returns the queue's collectors.
func (q *Queue) Metrics() *Metrics {
	return q.metrics
}
