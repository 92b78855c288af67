package courier

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/courier/connectivity"
	"github.com/opd-ai/courier/interfaces"
	"github.com/opd-ai/courier/limits"
	"github.com/opd-ai/courier/messaging"
	"github.com/opd-ai/courier/outbox"
	"github.com/opd-ai/courier/push"
	"github.com/opd-ai/courier/reconcile"
	"github.com/opd-ai/courier/storage"
	simulation "github.com/opd-ai/courier/testing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// ackRewriter lets a test control the server id returned for sends.
type ackRewriter struct {
	*simulation.SimulatedTransport
	rewrite func(ack *interfaces.ServerMessage)
}

func (a *ackRewriter) Send(ctx context.Context, msg interfaces.OutboundMessage) (*interfaces.ServerMessage, error) {
	ack, err := a.SimulatedTransport.Send(ctx, msg)
	if err == nil && a.rewrite != nil {
		a.rewrite(ack)
	}
	return ack, err
}

type fixture struct {
	c       *Courier
	sim     *simulation.SimulatedTransport
	clock   *simulation.FakeClock
	monitor *connectivity.Monitor
}

func newFixture(t *testing.T, online bool, configure ...func(o *Options)) *fixture {
	t.Helper()
	f := &fixture{
		clock:   simulation.NewFakeClock(testEpoch),
		monitor: connectivity.NewMonitor(online),
	}
	f.sim = simulation.NewSimulatedTransport(f.clock)

	opts := NewOptions()
	opts.Transport = f.sim
	opts.Connectivity = f.monitor
	opts.Clock = f.clock
	opts.Registerer = prometheus.NewRegistry()
	opts.DrainInterval = 0
	opts.Outbox.BatchDelay = 0
	opts.Queue.Backoff.SetRand(func() float64 { return 0 })
	for _, fn := range configure {
		fn(opts)
	}

	c, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	f.c = c
	return f
}

func (f *fixture) waitState(t *testing.T, id string, want messaging.MessageState) *messaging.Message {
	t.Helper()
	var last *messaging.Message
	require.Eventually(t, func() bool {
		msg, err := f.c.GetMessage(id)
		if err != nil {
			return false
		}
		last = msg
		return msg.State == want
	}, waitFor, tick, "message %s never reached %s", id, want)
	return last
}

// pendingDelay waits until the send for id sits in the queue behind a
// backoff and returns the remaining delay.
func (f *fixture) pendingDelay(t *testing.T, id string, retryCount int) time.Duration {
	t.Helper()
	var delay time.Duration
	require.Eventually(t, func() bool {
		msg, err := f.c.GetMessage(id)
		if err != nil || msg.RetryCount != retryCount {
			return false
		}
		for _, it := range f.c.Queue().Snapshot() {
			if it.ClientID == id && !it.NextAttemptAt.IsZero() {
				delay = it.NextAttemptAt.Sub(f.clock.Now())
				return true
			}
		}
		return false
	}, waitFor, tick)
	return delay
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := New(NewOptions())
	require.Error(t, err)

	opts := NewOptions()
	opts.Transport = simulation.NewSimulatedTransport(nil)
	opts.GCSchedule = "not a schedule"
	_, err = New(opts)
	require.Error(t, err)
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t, true, func(o *Options) {
		o.Transport = &ackRewriter{
			SimulatedTransport: o.Transport.(*simulation.SimulatedTransport),
			rewrite:            func(ack *interfaces.ServerMessage) { ack.ID = "99" },
		}
	})

	var mu sync.Mutex
	var states []messaging.MessageState
	cancel := f.c.Subscribe(func(ev messaging.Event) {
		mu.Lock()
		states = append(states, ev.To)
		mu.Unlock()
	})
	defer cancel()

	id, err := f.c.CreateMessage("hello", "42", "7")
	require.NoError(t, err)
	require.NoError(t, f.c.Send(context.Background(), id))

	msg := f.waitState(t, id, messaging.MessageStateSent)
	assert.Equal(t, "99", msg.ServerID)
	assert.Equal(t, 0, msg.RetryCount)
	assert.Nil(t, msg.LastError)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []messaging.MessageState{
		messaging.MessageStateDraft,
		messaging.MessageStateQueued,
		messaging.MessageStateSending,
		messaging.MessageStateSent,
	}, states)
}

func TestCreateMessageValidates(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.c.CreateMessage("", "42", "7")
	assert.ErrorIs(t, err, limits.ErrMessageEmpty)

	_, err = f.c.CreateMessage(strings.Repeat("x", limits.MaxContentBytes+1), "42", "7")
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)

	id, err := f.c.CreateMessage("", "42", "7",
		WithAttachments(messaging.Attachment{ID: "a1", Name: "cat.png"}),
		WithMentions("8"),
		WithReplyTo("srv-0"),
		WithPriority(messaging.PriorityHigh),
		WithMaxRetries(2))
	require.NoError(t, err)
	msg, err := f.c.GetMessage(id)
	require.NoError(t, err)
	assert.Equal(t, messaging.MessageStateDraft, msg.State)
	assert.Equal(t, messaging.PriorityHigh, msg.Priority)
	assert.Equal(t, 2, msg.MaxRetries)
	assert.Equal(t, "srv-0", msg.ReplyTo)
	assert.Equal(t, []string{"8"}, msg.Mentions)
}

func TestTransientFailuresAreRetriedWithBackoff(t *testing.T) {
	f := newFixture(t, true)
	f.sim.FailNext(2, 500)

	id, err := f.c.CreateMessage("hello", "42", "7")
	require.NoError(t, err)
	require.NoError(t, f.c.Send(context.Background(), id))

	first := f.pendingDelay(t, id, 1)
	msg, err := f.c.GetMessage(id)
	require.NoError(t, err)
	assert.Equal(t, messaging.MessageStateFailed, msg.State)
	require.NotNil(t, msg.LastError)
	assert.Equal(t, messaging.ErrorKindTransient, msg.LastError.Kind)
	assert.Equal(t, 500, msg.LastError.StatusCode)
	f.clock.Advance(first)

	second := f.pendingDelay(t, id, 2)
	assert.GreaterOrEqual(t, second, first)
	f.clock.Advance(second)

	msg = f.waitState(t, id, messaging.MessageStateSent)
	assert.Equal(t, 2, msg.RetryCount)
	assert.NotEmpty(t, msg.ServerID)
	stats := f.sim.GetTypedStats()
	assert.Equal(t, 3, stats.TotalCalls)
	assert.Equal(t, 2, stats.Failed)
}

func TestPermanentFailureRejectsAndRetryResubmits(t *testing.T) {
	f := newFixture(t, true)
	f.sim.FailNext(1, 400)

	id, err := f.c.CreateMessage("hello", "42", "7", WithPriority(messaging.PriorityHigh))
	require.NoError(t, err)
	require.NoError(t, f.c.Send(context.Background(), id))

	old := f.waitState(t, id, messaging.MessageStateRejected)
	require.NotNil(t, old.LastError)
	assert.Equal(t, messaging.ErrorKindPermanent, old.LastError.Kind)

	freshID, err := f.c.Retry(context.Background(), id)
	require.NoError(t, err)
	assert.NotEqual(t, id, freshID)

	_, err = f.c.GetMessage(id)
	assert.ErrorIs(t, err, ErrNotFound)

	fresh := f.waitState(t, freshID, messaging.MessageStateSent)
	assert.Equal(t, "hello", fresh.Content)
	assert.Equal(t, messaging.PriorityHigh, fresh.Priority)
	assert.NotEqual(t, old.IdempotencyKey, fresh.IdempotencyKey)
	assert.Equal(t, 0, fresh.RetryCount)
}

func TestRetryExpeditesBackoff(t *testing.T) {
	f := newFixture(t, true)
	f.sim.FailNext(1, 503)

	id, err := f.c.CreateMessage("hello", "42", "7")
	require.NoError(t, err)
	require.NoError(t, f.c.Send(context.Background(), id))
	f.pendingDelay(t, id, 1)

	got, err := f.c.Retry(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, got)
	f.waitState(t, id, messaging.MessageStateSent)
}

func TestRetryDuringFailingCallKeepsSendAlive(t *testing.T) {
	f := newFixture(t, true)
	f.sim.FailNext(1, 500)

	var once sync.Once
	retried := make(chan error, 1)
	cancel := f.c.Subscribe(func(ev messaging.Event) {
		if ev.Type == messaging.EventUpdated && ev.To == messaging.MessageStateFailed {
			once.Do(func() {
				_, err := f.c.Retry(context.Background(), ev.Message.ClientID)
				retried <- err
			})
		}
	})
	defer cancel()

	id, err := f.c.CreateMessage("hello", "42", "7")
	require.NoError(t, err)
	require.NoError(t, f.c.Send(context.Background(), id))

	require.NoError(t, <-retried)
	// No clock advance: the retry skips the backoff.
	msg := f.waitState(t, id, messaging.MessageStateSent)
	assert.Equal(t, 1, msg.RetryCount)
	assert.Equal(t, 2, f.sim.GetTypedStats().TotalCalls)
	assert.Equal(t, 0, f.c.Queue().Len())
	assert.Equal(t, 0, f.c.Queue().InFlight())
}

func TestRetryRejectsActiveMessages(t *testing.T) {
	f := newFixture(t, true)
	id, err := f.c.CreateMessage("hello", "42", "7")
	require.NoError(t, err)

	_, err = f.c.Retry(context.Background(), id)
	assert.ErrorIs(t, err, messaging.ErrInvalidTransition)

	_, err = f.c.Retry(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOfflineSendUsesOutbox(t *testing.T) {
	f := newFixture(t, false)

	id, err := f.c.CreateMessage("hello", "42", "7")
	require.NoError(t, err)
	require.NoError(t, f.c.Send(context.Background(), id))

	msg, err := f.c.GetMessage(id)
	require.NoError(t, err)
	assert.Equal(t, messaging.MessageStateQueued, msg.State)
	st := f.c.Status()
	assert.Equal(t, 1, st.OutboxLength)
	assert.Equal(t, 0, st.QueueLength)
	assert.False(t, st.Online)
	assert.Empty(t, f.sim.Sends())

	f.monitor.Set(true)

	f.waitState(t, id, messaging.MessageStateSent)
	require.Eventually(t, func() bool { return f.c.Status().OutboxLength == 0 }, waitFor, tick)
	records, err := f.c.OutboxRecords(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPeriodicDrainFollowsClock(t *testing.T) {
	f := newFixture(t, true, func(o *Options) {
		o.DrainInterval = 30 * time.Second
		o.Queue.Capacity = 1
	})
	ctx := context.Background()
	f.c.Queue().Pause()

	first, err := f.c.CreateMessage("first", "42", "7")
	require.NoError(t, err)
	require.NoError(t, f.c.Send(ctx, first))
	second, err := f.c.CreateMessage("second", "42", "7")
	require.NoError(t, err)
	require.NoError(t, f.c.Send(ctx, second))
	assert.Equal(t, 1, f.c.Status().OutboxLength)

	f.c.Queue().Resume()
	f.waitState(t, first, messaging.MessageStateSent)
	assert.Equal(t, 1, f.c.Status().OutboxLength)

	f.clock.Advance(30 * time.Second)
	f.waitState(t, second, messaging.MessageStateSent)
	require.Eventually(t, func() bool { return f.c.Status().OutboxLength == 0 }, waitFor, tick)
}

func TestGoingOfflinePausesDispatch(t *testing.T) {
	f := newFixture(t, true)
	f.monitor.Set(false)
	require.True(t, f.c.Queue().Paused())

	f.monitor.Set(true)
	assert.False(t, f.c.Queue().Paused())
}

func TestOutboxPurgeRejectsOldest(t *testing.T) {
	f := newFixture(t, false, func(o *Options) { o.Outbox.MaxEntries = 2 })

	var ids []string
	for _, content := range []string{"one", "two", "three"} {
		id, err := f.c.CreateMessage(content, "42", "7")
		require.NoError(t, err)
		require.NoError(t, f.c.Send(context.Background(), id))
		ids = append(ids, id)
	}

	msg, err := f.c.GetMessage(ids[0])
	require.NoError(t, err)
	assert.Equal(t, messaging.MessageStateRejected, msg.State)
	require.NotNil(t, msg.LastError)
	assert.Equal(t, messaging.ErrorKindPersistence, msg.LastError.Kind)
	assert.Equal(t, 2, f.c.Status().OutboxLength)
}

func TestPriorityOrder(t *testing.T) {
	f := newFixture(t, true, func(o *Options) { o.Queue.Workers = 1 })
	f.c.Queue().Pause()

	byPriority := map[messaging.Priority]string{}
	for _, p := range []messaging.Priority{
		messaging.PriorityLow, messaging.PriorityHigh, messaging.PriorityNormal, messaging.PriorityCritical,
	} {
		id, err := f.c.CreateMessage("m-"+p.String(), "42", "7", WithPriority(p))
		require.NoError(t, err)
		require.NoError(t, f.c.Send(context.Background(), id))
		byPriority[p] = id
	}
	f.c.Queue().Resume()

	require.Eventually(t, func() bool { return len(f.sim.Sends()) == 4 }, waitFor, tick)
	var order []string
	for _, rec := range f.sim.Sends() {
		order = append(order, rec.ClientID)
	}
	assert.Equal(t, []string{
		byPriority[messaging.PriorityCritical],
		byPriority[messaging.PriorityHigh],
		byPriority[messaging.PriorityNormal],
		byPriority[messaging.PriorityLow],
	}, order)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	draft, err := f.c.CreateMessage("draft", "42", "7")
	require.NoError(t, err)
	require.NoError(t, f.c.Cancel(ctx, draft))
	_, err = f.c.GetMessage(draft)
	assert.ErrorIs(t, err, ErrNotFound)

	f.c.Queue().Pause()
	queued, err := f.c.CreateMessage("queued", "42", "7")
	require.NoError(t, err)
	require.NoError(t, f.c.Send(ctx, queued))
	require.NoError(t, f.c.Cancel(ctx, queued))

	msg, err := f.c.GetMessage(queued)
	require.NoError(t, err)
	assert.Equal(t, messaging.MessageStateRejected, msg.State)
	require.NotNil(t, msg.LastError)
	assert.Equal(t, messaging.ErrorKindCancelled, msg.LastError.Kind)

	f.c.Queue().Resume()
	sent, err := f.c.CreateMessage("sent", "42", "7")
	require.NoError(t, err)
	require.NoError(t, f.c.Send(ctx, sent))
	f.waitState(t, sent, messaging.MessageStateSent)

	for _, rec := range f.sim.Sends() {
		assert.NotEqual(t, queued, rec.ClientID, "cancelled message reached the server")
	}
	assert.ErrorIs(t, f.c.Cancel(ctx, sent), messaging.ErrInvalidTransition)
}

func TestCancelInFlightFailureIsNotRetried(t *testing.T) {
	f := newFixture(t, true)
	release := make(chan struct{})
	f.sim.Script(simulation.Outcome{Wait: release, StatusCode: 503})

	id, err := f.c.CreateMessage("hello", "42", "7")
	require.NoError(t, err)
	require.NoError(t, f.c.Send(context.Background(), id))
	f.waitState(t, id, messaging.MessageStateSending)

	require.NoError(t, f.c.Cancel(context.Background(), id))
	close(release)

	msg := f.waitState(t, id, messaging.MessageStateRejected)
	assert.Equal(t, messaging.ErrorKindCancelled, msg.LastError.Kind)
	assert.Equal(t, 1, f.sim.GetTypedStats().TotalCalls)
}

func TestEditAndDelete(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	draft, err := f.c.CreateMessage("hello", "42", "7")
	require.NoError(t, err)
	require.NoError(t, f.c.Edit(ctx, draft, "hello draft"))
	msg, err := f.c.GetMessage(draft)
	require.NoError(t, err)
	assert.Equal(t, "hello draft", msg.Content)
	assert.ErrorIs(t, f.c.Edit(ctx, draft, ""), limits.ErrMessageEmpty)
	assert.ErrorIs(t, f.c.Edit(ctx, draft, strings.Repeat("x", limits.MaxContentBytes+1)), limits.ErrMessageTooLarge)

	require.NoError(t, f.c.Send(ctx, draft))
	sent := f.waitState(t, draft, messaging.MessageStateSent)

	require.NoError(t, f.c.Edit(ctx, draft, "hello edited"))
	require.Eventually(t, func() bool {
		m, err := f.c.GetMessage(draft)
		return err == nil && m.Content == "hello edited" && !m.EditedAt.IsZero()
	}, waitFor, tick)
	content, ok := f.sim.Content(sent.ServerID)
	require.True(t, ok)
	assert.Equal(t, "hello edited", content)

	require.NoError(t, f.c.Delete(ctx, draft))
	require.Eventually(t, func() bool {
		_, err := f.c.GetMessage(draft)
		return errors.Is(err, ErrNotFound)
	}, waitFor, tick)

	local, err := f.c.CreateMessage("local", "42", "7")
	require.NoError(t, err)
	require.NoError(t, f.c.Delete(ctx, local))
	_, err = f.c.GetMessage(local)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPushReconciliation(t *testing.T) {
	f := newFixture(t, true, func(o *Options) {
		o.Transport = &ackRewriter{
			SimulatedTransport: o.Transport.(*simulation.SimulatedTransport),
			rewrite:            func(ack *interfaces.ServerMessage) { ack.ID = "" },
		}
	})

	id, err := f.c.CreateMessage("hello", "42", "7")
	require.NoError(t, err)
	require.NoError(t, f.c.Send(context.Background(), id))
	sent := f.waitState(t, id, messaging.MessageStateSent)
	require.Empty(t, sent.ServerID)

	res, _ := f.c.HandlePushEvent(messaging.PushEvent{
		ServerID:       "77",
		ConversationID: "43",
		SenderID:       "7",
		Content:        "hello",
		CreatedAt:      testEpoch.Add(5 * time.Second),
	})
	assert.Equal(t, reconcile.ResultMiss, res)
	msg, err := f.c.GetMessage(id)
	require.NoError(t, err)
	assert.Equal(t, messaging.MessageStateSent, msg.State)

	res, matched := f.c.HandlePushEvent(messaging.PushEvent{
		ServerID:       "99",
		ConversationID: "42",
		SenderID:       "7",
		Content:        "hello",
		CreatedAt:      testEpoch.Add(5 * time.Second),
	})
	assert.Equal(t, reconcile.ResultMatched, res)
	require.NotNil(t, matched)
	assert.Equal(t, id, matched.ClientID)
	assert.Equal(t, "99", matched.ServerID)
	assert.Equal(t, messaging.MessageStateDelivered, matched.State)

	res, _ = f.c.HandlePushEvent(messaging.PushEvent{ServerID: "99", ConversationID: "42", Kind: messaging.PushRead})
	assert.Equal(t, reconcile.ResultMatched, res)
	f.waitState(t, id, messaging.MessageStateRead)

	stats := f.c.Status().Reconciler
	assert.Equal(t, uint64(3), stats.Processed)
	assert.Equal(t, uint64(1), stats.Unmatched)
	assert.Equal(t, uint64(1), stats.Heuristic)
	assert.Equal(t, uint64(1), stats.Exact)
}

type chanListener struct {
	events chan messaging.PushEvent
}

func (l *chanListener) Run(ctx context.Context, h push.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-l.events:
			h(ev)
		}
	}
}

func TestPushListenersFeedReconciler(t *testing.T) {
	listener := &chanListener{events: make(chan messaging.PushEvent)}
	f := newFixture(t, true, func(o *Options) { o.PushListeners = []PushListener{listener} })

	id, err := f.c.CreateMessage("hello", "42", "7")
	require.NoError(t, err)
	require.NoError(t, f.c.Send(context.Background(), id))
	sent := f.waitState(t, id, messaging.MessageStateSent)

	listener.events <- messaging.PushEvent{ServerID: sent.ServerID, ConversationID: "42"}
	f.waitState(t, id, messaging.MessageStateDelivered)
	assert.Equal(t, uint64(1), f.c.Status().Reconciler.Exact)
}

func TestRestartResubmitsWithSameIdempotencyKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	clock := simulation.NewFakeClock(testEpoch)
	server := simulation.NewSimulatedTransport(clock)

	open := func(online bool) *Courier {
		store, err := storage.OpenFileStore(path, storage.FileOptions{})
		require.NoError(t, err)
		opts := NewOptions()
		opts.Transport = server
		opts.Store = store
		opts.Clock = clock
		opts.Connectivity = connectivity.NewMonitor(online)
		opts.DrainInterval = 0
		opts.Outbox.BatchDelay = 0
		c, err := New(opts)
		require.NoError(t, err)
		require.NoError(t, c.Start(context.Background()))
		return c
	}

	first := open(false)
	id, err := first.CreateMessage("hello", "42", "7")
	require.NoError(t, err)
	require.NoError(t, first.Send(context.Background(), id))
	msg, err := first.GetMessage(id)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// An earlier attempt reached the server but its acknowledgment was lost.
	ack, err := server.Send(context.Background(), msg.Outbound())
	require.NoError(t, err)

	second := open(true)
	defer second.Close()

	var restored *messaging.Message
	require.Eventually(t, func() bool {
		restored, err = second.GetMessage(id)
		return err == nil && restored.State == messaging.MessageStateSent
	}, waitFor, tick)
	assert.Equal(t, ack.ID, restored.ServerID)
	assert.Equal(t, msg.IdempotencyKey, restored.IdempotencyKey)

	stats := server.GetTypedStats()
	assert.Equal(t, 1, stats.StoredMessages)
	assert.Equal(t, 1, stats.Duplicates)
	require.Eventually(t, func() bool { return second.Status().OutboxLength == 0 }, waitFor, tick)
}

func TestCloseSpillsQueuedSends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.json")
	store, err := storage.OpenFileStore(path, storage.FileOptions{})
	require.NoError(t, err)

	f := newFixture(t, true, func(o *Options) { o.Store = store })
	f.c.Queue().Pause()
	var ids []string
	for _, content := range []string{"one", "two"} {
		id, err := f.c.CreateMessage(content, "42", "7")
		require.NoError(t, err)
		require.NoError(t, f.c.Send(context.Background(), id))
		ids = append(ids, id)
	}
	require.NoError(t, f.c.Close())

	reopened, err := storage.OpenFileStore(path, storage.FileOptions{})
	require.NoError(t, err)
	defer reopened.Close()
	records, err := outbox.New(reopened, outbox.Config{}).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.ElementsMatch(t, ids, []string{records[0].ClientID, records[1].ClientID})
	for _, rec := range records {
		assert.Equal(t, messaging.MessageStateQueued, rec.State)
	}
}

func TestGarbageCollectsTerminalMessages(t *testing.T) {
	f := newFixture(t, true, func(o *Options) { o.Retention = time.Hour })
	f.sim.FailNext(1, 422)

	id, err := f.c.CreateMessage("hello", "42", "7")
	require.NoError(t, err)
	require.NoError(t, f.c.Send(context.Background(), id))
	f.waitState(t, id, messaging.MessageStateRejected)

	f.c.collect()
	_, err = f.c.GetMessage(id)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	f.c.collect()
	_, err = f.c.GetMessage(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLifecycleErrors(t *testing.T) {
	opts := NewOptions()
	opts.Transport = simulation.NewSimulatedTransport(nil)
	c, err := New(opts)
	require.NoError(t, err)

	id, err := c.CreateMessage("hello", "42", "7")
	require.NoError(t, err)
	assert.ErrorIs(t, c.Send(context.Background(), id), ErrNotStarted)
	assert.False(t, c.Status().Initialized)

	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.Status().Initialized)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Send(context.Background(), id), ErrClosed)
	assert.ErrorIs(t, c.Start(context.Background()), ErrClosed)
}

func TestStatusAndQueries(t *testing.T) {
	f := newFixture(t, true)
	f.c.Queue().Pause()

	a, err := f.c.CreateMessage("a", "42", "7")
	require.NoError(t, err)
	f.clock.Advance(time.Millisecond)
	b, err := f.c.CreateMessage("b", "42", "7")
	require.NoError(t, err)
	_, err = f.c.CreateMessage("c", "other", "7")
	require.NoError(t, err)
	require.NoError(t, f.c.Send(context.Background(), b))

	st := f.c.Status()
	assert.True(t, st.Initialized)
	assert.True(t, st.Online)
	assert.True(t, st.QueuePaused)
	assert.Equal(t, 1, st.QueueLength)
	assert.Equal(t, map[string]int{"draft": 2, "queued": 1}, st.CountsByState)

	conv := f.c.GetMessagesForConversation("42")
	require.Len(t, conv, 2)
	assert.Equal(t, a, conv[0].ClientID)
	assert.Equal(t, b, conv[1].ClientID)

	drafts := f.c.GetMessagesForConversation("42", messaging.MessageStateDraft)
	require.Len(t, drafts, 1)
	assert.Len(t, f.c.ListByState(messaging.MessageStateQueued), 1)
}
