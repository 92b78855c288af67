package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/courier/interfaces"
	"github.com/opd-ai/courier/limits"
	"github.com/sirupsen/logrus"
)

// Default lifecycle settings.
const (
	DefaultSendTimeout = 30 * time.Second
	DefaultMatchWindow = 60 * time.Second
	DefaultMaxRetries  = 5

	// maxParkedEvents bounds the buffer of unmatched push events.
	maxParkedEvents = 256
)

// transitions is the lifecycle table. Read and Rejected have no exits.
var transitions = map[MessageState][]MessageState{
	MessageStateDraft:     {MessageStateQueued, MessageStateSending},
	MessageStateQueued:    {MessageStateSending, MessageStateFailed},
	MessageStateSending:   {MessageStateSent, MessageStateFailed, MessageStateTimeout},
	MessageStateSent:      {MessageStateDelivered, MessageStateFailed, MessageStateTimeout},
	MessageStateDelivered: {MessageStateRead},
	MessageStateFailed:    {MessageStateQueued, MessageStateSending, MessageStateRejected},
	MessageStateTimeout:   {MessageStateQueued, MessageStateSending, MessageStateRejected},
}

// CanTransition reports whether from -> to is in the lifecycle table.
func CanTransition(from, to MessageState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MachineConfig configures a Machine.
type MachineConfig struct {
	// SendTimeout is armed on every entry into Sending.
	SendTimeout time.Duration
	// MatchWindow bounds the heuristic push reconciliation.
	MatchWindow time.Duration
	// DefaultMaxRetries applies to drafts that do not set MaxRetries.
	DefaultMaxRetries int
	// MaxContentBytes bounds message content. Zero uses
	// limits.MaxContentBytes.
	MaxContentBytes int
	// Clock drives timestamps and send timers. Nil uses the real clock.
	Clock interfaces.Clock
	// NewID generates client ids and idempotency keys. Nil uses uuid v4.
	NewID func() string
}

// DefaultMachineConfig returns the default lifecycle settings.
func DefaultMachineConfig() MachineConfig {
	return MachineConfig{
		SendTimeout:       DefaultSendTimeout,
		MatchWindow:       DefaultMatchWindow,
		DefaultMaxRetries: DefaultMaxRetries,
		Clock:             interfaces.RealClock{},
		NewID:             uuid.NewString,
	}
}

type sendTimer struct {
	timer interfaces.Timer
	gen   uint64
}

type parkedEvent struct {
	event     PushEvent
	expiresAt time.Time
}

// Machine validates and applies lifecycle transitions on the entities of
// its Store. All entity and index mutation is serialized by one mutex;
// subscribers are notified after the lock is released.
type Machine struct {
	mu                sync.Mutex
	store             *Store
	clock             interfaces.Clock
	newID             func() string
	sendTimeout       time.Duration
	matchWindow       time.Duration
	defaultMaxRetries int
	maxContentBytes   int
	timers            map[string]sendTimer
	timerGen          uint64
	parked            []parkedEvent
	closed            bool

	listenersMu  sync.RWMutex
	listeners    map[uint64]func(Event)
	nextListener uint64
}

// NewMachine creates a Machine with an empty Store.
func NewMachine(cfg MachineConfig) *Machine {
	def := DefaultMachineConfig()
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.MatchWindow <= 0 {
		cfg.MatchWindow = def.MatchWindow
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if cfg.Clock == nil {
		cfg.Clock = def.Clock
	}
	if cfg.NewID == nil {
		cfg.NewID = def.NewID
	}

	return &Machine{
		store:             NewStore(),
		clock:             cfg.Clock,
		newID:             cfg.NewID,
		sendTimeout:       cfg.SendTimeout,
		matchWindow:       cfg.MatchWindow,
		defaultMaxRetries: cfg.DefaultMaxRetries,
		maxContentBytes:   cfg.MaxContentBytes,
		timers:            make(map[string]sendTimer),
		listeners:         make(map[uint64]func(Event)),
	}
}

// Subscribe registers fn for every change notification. Events carry
// clones; fn may call back into the Machine.
func (m *Machine) Subscribe(fn func(Event)) (cancel func()) {
	m.listenersMu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.listenersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.listenersMu.Lock()
			delete(m.listeners, id)
			m.listenersMu.Unlock()
		})
	}
}

func (m *Machine) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	m.listenersMu.RLock()
	listeners := make([]func(Event), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.listenersMu.RUnlock()

	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

// ValidateDraft checks the identifiers and payload limits of d using the
// default content limit.
func ValidateDraft(d Draft) error {
	return validateDraft(d, 0)
}

// ValidateDraft checks d against the Machine's content limit.
func (m *Machine) ValidateDraft(d Draft) error {
	return validateDraft(d, m.maxContentBytes)
}

func validateDraft(d Draft, maxContentBytes int) error {
	if err := limits.ValidateIdentifier("conversation_id", d.ConversationID); err != nil {
		return err
	}
	if err := limits.ValidateIdentifier("sender_id", d.SenderID); err != nil {
		return err
	}
	if d.ReplyTo != "" {
		if err := limits.ValidateIdentifier("reply_to", d.ReplyTo); err != nil {
			return err
		}
	}
	return limits.ValidatePayload(limits.Payload{
		Content:     d.Content,
		Attachments: len(d.Attachments),
		Mentions:    len(d.Mentions),
	}, maxContentBytes)
}

// Create validates d and inserts a new entity in Draft.
func (m *Machine) Create(d Draft) (*Message, error) {
	if err := m.ValidateDraft(d); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	m.mu.Lock()
	now := m.clock.Now()
	msg := &Message{
		ClientID:       d.ClientID,
		IdempotencyKey: d.IdempotencyKey,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Content:        d.Content,
		Attachments:    append([]Attachment(nil), d.Attachments...),
		Mentions:       append([]string(nil), d.Mentions...),
		ReplyTo:        d.ReplyTo,
		State:          MessageStateDraft,
		Priority:       d.Priority,
		MaxRetries:     d.MaxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if msg.ClientID == "" {
		msg.ClientID = m.newID()
	}
	if msg.IdempotencyKey == "" {
		msg.IdempotencyKey = m.newID()
	}
	if msg.MaxRetries <= 0 {
		msg.MaxRetries = m.defaultMaxRetries
	}

	if err := m.store.Insert(msg); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("create message %s: %w", msg.ClientID, err)
	}
	clone := msg.Clone()
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":        "Machine.Create",
		"client_id":       clone.ClientID,
		"conversation_id": clone.ConversationID,
		"priority":        clone.Priority.String(),
	}).Debug("Message created")

	m.emit([]Event{{Type: EventCreated, To: MessageStateDraft, Message: clone}})
	return clone, nil
}

// Restore re-inserts an entity rebuilt from durable storage. Only the
// pre-send states Queued, Failed and Timeout are accepted; anything else
// is restored as Queued.
func (m *Machine) Restore(d Draft, state MessageState, retryCount int, createdAt time.Time) (*Message, error) {
	if state != MessageStateFailed && state != MessageStateTimeout {
		state = MessageStateQueued
	}
	if d.ClientID == "" || d.IdempotencyKey == "" {
		return nil, fmt.Errorf("restore message: client id and idempotency key are required")
	}

	m.mu.Lock()
	now := m.clock.Now()
	if createdAt.IsZero() {
		createdAt = now
	}
	msg := &Message{
		ClientID:       d.ClientID,
		IdempotencyKey: d.IdempotencyKey,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Content:        d.Content,
		Attachments:    append([]Attachment(nil), d.Attachments...),
		Mentions:       append([]string(nil), d.Mentions...),
		ReplyTo:        d.ReplyTo,
		State:          state,
		Priority:       d.Priority,
		RetryCount:     retryCount,
		MaxRetries:     d.MaxRetries,
		CreatedAt:      createdAt,
		UpdatedAt:      now,
	}
	if msg.MaxRetries <= 0 {
		msg.MaxRetries = m.defaultMaxRetries
	}
	if msg.RetryCount > msg.MaxRetries {
		msg.RetryCount = msg.MaxRetries
	}
	if err := m.store.Insert(msg); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("restore message %s: %w", d.ClientID, err)
	}
	clone := msg.Clone()
	m.mu.Unlock()

	m.emit([]Event{{Type: EventCreated, To: state, Message: clone}})
	return clone, nil
}

// Enqueue moves a Draft, Failed or Timeout message to Queued.
func (m *Machine) Enqueue(clientID string) (*Message, error) {
	return m.transition(clientID, MessageStateQueued, nil)
}

// BeginSend moves the message to Sending and arms its send timer.
func (m *Machine) BeginSend(clientID string) (*Message, error) {
	return m.transition(clientID, MessageStateSending, nil)
}

// MarkFailed records a failed attempt and moves the message to Failed.
func (m *Machine) MarkFailed(clientID string, le LastError) (*Message, error) {
	return m.transition(clientID, MessageStateFailed, func(msg *Message) {
		msg.LastError = &le
	})
}

// MarkTimeout records an attempt that exceeded its deadline.
func (m *Machine) MarkTimeout(clientID string, le LastError) (*Message, error) {
	if le.Kind == 0 {
		le.Kind = ErrorKindTimeout
	}
	return m.transition(clientID, MessageStateTimeout, func(msg *Message) {
		msg.LastError = &le
	})
}

// Reject moves a Failed or Timeout message to the terminal Rejected state.
func (m *Machine) Reject(clientID string, le LastError) (*Message, error) {
	return m.transition(clientID, MessageStateRejected, func(msg *Message) {
		msg.LastError = &le
	})
}

// Abandon rejects a message that has not yet failed by passing through
// Failed first. Messages already Failed or Timeout are rejected directly.
func (m *Machine) Abandon(clientID string, le LastError) (*Message, error) {
	m.mu.Lock()
	msg, ok := m.store.Get(clientID)
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("abandon %s: %w", clientID, ErrMessageNotFound)
	}

	var events []Event
	if !msg.State.IsRetrying() {
		_, evs, err := m.transitionLocked(clientID, MessageStateFailed, func(x *Message) {
			x.LastError = &le
		})
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		events = append(events, evs...)
	}
	out, evs, err := m.transitionLocked(clientID, MessageStateRejected, func(x *Message) {
		x.LastError = &le
	})
	events = append(events, evs...)
	m.mu.Unlock()

	m.emit(events)
	return out, err
}

// UpdateFromServerResponse assigns the server id (once) and moves the
// message to Sent. A late acknowledgment for a message that timed out or
// was queued again resumes it through Sending. Repeated acknowledgments
// are no-ops.
func (m *Machine) UpdateFromServerResponse(clientID string, resp *interfaces.ServerMessage) (*Message, error) {
	if resp == nil {
		resp = &interfaces.ServerMessage{}
	}

	m.mu.Lock()
	msg, ok := m.store.Get(clientID)
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("server response for %s: %w", clientID, ErrMessageNotFound)
	}
	if resp.ID != "" {
		if msg.ServerID != "" && msg.ServerID != resp.ID {
			m.mu.Unlock()
			return nil, fmt.Errorf("message %s has %s, got %s: %w", clientID, msg.ServerID, resp.ID, ErrServerIDConflict)
		}
		if owner, taken := m.store.byServer[resp.ID]; taken && owner != clientID {
			m.mu.Unlock()
			return nil, fmt.Errorf("server id %s belongs to %s: %w", resp.ID, owner, ErrServerIDConflict)
		}
	}
	if msg.State == MessageStateSent || msg.State == MessageStateDelivered || msg.State == MessageStateRead {
		clone := msg.Clone()
		m.mu.Unlock()
		return clone, nil
	}

	var events []Event
	if msg.State == MessageStateTimeout || msg.State == MessageStateQueued {
		_, evs, err := m.transitionLocked(clientID, MessageStateSending, nil)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		events = append(events, evs...)
	}

	now := m.clock.Now()
	out, evs, err := m.transitionLocked(clientID, MessageStateSent, func(x *Message) {
		if x.ServerID == "" {
			x.ServerID = resp.ID
		}
		if x.SentAt.IsZero() {
			x.SentAt = now
			if !resp.CreatedAt.IsZero() {
				x.SentAt = resp.CreatedAt
			}
		}
	})
	events = append(events, evs...)
	if err == nil {
		var parkedEvents []Event
		out, parkedEvents = m.consumeParkedLocked(clientID, out)
		events = append(events, parkedEvents...)
	}
	m.mu.Unlock()

	m.emit(events)
	if err == nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Machine.UpdateFromServerResponse",
			"client_id": clientID,
			"server_id": out.ServerID,
		}).Debug("Message acknowledged by server")
	}
	return out, err
}

// MarkDelivered moves a Sent message to Delivered, adopting serverID when
// the entity has none.
func (m *Machine) MarkDelivered(clientID, serverID string) (*Message, error) {
	m.mu.Lock()
	out, events, err := m.markDeliveredLocked(clientID, serverID)
	m.mu.Unlock()
	m.emit(events)
	return out, err
}

// MarkRead moves a Delivered message to Read.
func (m *Machine) MarkRead(clientID string) (*Message, error) {
	now := m.clock.Now()
	return m.transition(clientID, MessageStateRead, func(x *Message) {
		if x.ReadAt.IsZero() {
			x.ReadAt = later(now, x.DeliveredAt)
		}
	})
}

func (m *Machine) markDeliveredLocked(clientID, serverID string) (*Message, []Event, error) {
	msg, ok := m.store.Get(clientID)
	if !ok {
		return nil, nil, fmt.Errorf("deliver %s: %w", clientID, ErrMessageNotFound)
	}
	if serverID != "" {
		if msg.ServerID != "" && msg.ServerID != serverID {
			return nil, nil, fmt.Errorf("deliver %s: %w", clientID, ErrServerIDConflict)
		}
		if owner, taken := m.store.byServer[serverID]; taken && owner != clientID {
			return nil, nil, fmt.Errorf("deliver %s: server id owned by %s: %w", clientID, owner, ErrServerIDConflict)
		}
	}
	now := m.clock.Now()
	return m.transitionLocked(clientID, MessageStateDelivered, func(x *Message) {
		if x.ServerID == "" {
			x.ServerID = serverID
		}
		if x.DeliveredAt.IsZero() {
			x.DeliveredAt = later(now, x.SentAt)
		}
	})
}

// ApplyEdit replaces the content when editedAt is newer than the last
// applied edit. It is not a state transition.
func (m *Machine) ApplyEdit(clientID, content string, editedAt time.Time) (*Message, error) {
	m.mu.Lock()
	msg, ok := m.store.Get(clientID)
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("edit %s: %w", clientID, ErrMessageNotFound)
	}
	if editedAt.IsZero() {
		editedAt = m.clock.Now()
	}
	if !msg.EditedAt.IsZero() && !editedAt.After(msg.EditedAt) {
		clone := msg.Clone()
		m.mu.Unlock()
		return clone, nil
	}
	now := m.clock.Now()
	updated, _ := m.store.Update(clientID, func(x *Message) {
		x.Content = content
		x.EditedAt = editedAt
		x.UpdatedAt = later(x.UpdatedAt, now)
	})
	clone := updated.Clone()
	m.mu.Unlock()

	m.emit([]Event{{Type: EventUpdated, From: clone.State, To: clone.State, Message: clone}})
	return clone, nil
}

// Remove deletes the entity, cancelling any pending send timer.
func (m *Machine) Remove(clientID string) (*Message, error) {
	m.mu.Lock()
	m.cancelTimerLocked(clientID)
	msg, ok := m.store.Remove(clientID)
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("remove %s: %w", clientID, ErrMessageNotFound)
	}
	m.emit([]Event{{Type: EventRemoved, From: msg.State, To: msg.State, Message: msg}})
	return msg, nil
}

// NotifyOperationFailed announces a terminal edit or delete failure.
// The entity itself is not modified.
func (m *Machine) NotifyOperationFailed(clientID string, le LastError) {
	msg, err := m.Get(clientID)
	if err != nil {
		return
	}
	m.emit([]Event{{Type: EventOperationFailed, From: msg.State, To: msg.State, Message: msg, Err: &le}})
}

// Collect removes terminal entities last updated before cutoff and
// returns their client ids.
func (m *Machine) Collect(cutoff time.Time) []string {
	m.mu.Lock()
	var victims []string
	m.store.Each(func(msg *Message) bool {
		if msg.State.IsTerminal() && msg.UpdatedAt.Before(cutoff) {
			victims = append(victims, msg.ClientID)
		}
		return true
	})
	events := make([]Event, 0, len(victims))
	for _, id := range victims {
		if msg, ok := m.store.Remove(id); ok {
			events = append(events, Event{Type: EventRemoved, From: msg.State, To: msg.State, Message: msg})
		}
	}
	m.mu.Unlock()

	m.emit(events)
	return victims
}

// Get returns a clone of the entity.
func (m *Machine) Get(clientID string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.store.Get(clientID)
	if !ok {
		return nil, fmt.Errorf("get %s: %w", clientID, ErrMessageNotFound)
	}
	return msg.Clone(), nil
}

// GetByServerID returns a clone of the entity holding serverID.
func (m *Machine) GetByServerID(serverID string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.store.GetByServerID(serverID)
	if !ok {
		return nil, fmt.Errorf("get server id %s: %w", serverID, ErrMessageNotFound)
	}
	return msg.Clone(), nil
}

// ListConversation returns clones ordered by creation.
func (m *Machine) ListConversation(conversationID string, states ...MessageState) []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneAll(m.store.ListConversation(conversationID, states...))
}

// ListByState returns clones ordered by creation.
func (m *Machine) ListByState(state MessageState) []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneAll(m.store.ListByState(state))
}

// Counts returns the number of entities per state.
func (m *Machine) Counts() map[MessageState]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Counts()
}

// Len returns the number of entities.
func (m *Machine) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Len()
}

// SendTimeout returns the configured send deadline.
func (m *Machine) SendTimeout() time.Duration {
	return m.sendTimeout
}

// MaxContentBytes returns the configured content limit, zero meaning
// limits.MaxContentBytes.
func (m *Machine) MaxContentBytes() int {
	return m.maxContentBytes
}

// Close stops every pending send timer. Later transitions into Sending
// no longer arm timers.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.timers {
		m.cancelTimerLocked(id)
	}
	m.closed = true
}

func (m *Machine) transition(clientID string, to MessageState, mutate func(*Message)) (*Message, error) {
	m.mu.Lock()
	out, events, err := m.transitionLocked(clientID, to, mutate)
	m.mu.Unlock()
	m.emit(events)
	return out, err
}

// transitionLocked validates the request against the table, mutates the
// entity and its indices in one step and manages the send timer.
func (m *Machine) transitionLocked(clientID string, to MessageState, mutate func(*Message)) (*Message, []Event, error) {
	msg, ok := m.store.Get(clientID)
	if !ok {
		return nil, nil, fmt.Errorf("transition %s to %s: %w", clientID, to, ErrMessageNotFound)
	}
	from := msg.State
	if !CanTransition(from, to) {
		logrus.WithFields(logrus.Fields{
			"function":  "Machine.transition",
			"client_id": clientID,
			"from":      from.String(),
			"to":        to.String(),
		}).Debug("Rejected invalid transition")
		return nil, nil, &TransitionError{ClientID: clientID, From: from, To: to}
	}

	now := m.clock.Now()
	updated, err := m.store.Update(clientID, func(x *Message) {
		x.State = to
		x.UpdatedAt = later(x.UpdatedAt, now)
		if to != MessageStateFailed && to != MessageStateTimeout && to != MessageStateRejected {
			x.LastError = nil
		}
		if (to == MessageStateFailed || to == MessageStateTimeout) && x.RetryCount < x.MaxRetries {
			x.RetryCount++
		}
		if mutate != nil {
			mutate(x)
		}
	})
	if err != nil {
		return nil, nil, err
	}

	switch {
	case to == MessageStateSending:
		m.armTimerLocked(clientID)
	case from == MessageStateSending || to.IsTerminal():
		m.cancelTimerLocked(clientID)
	}

	clone := updated.Clone()
	return clone, []Event{{Type: EventUpdated, From: from, To: to, Message: clone}}, nil
}

func (m *Machine) armTimerLocked(clientID string) {
	m.cancelTimerLocked(clientID)
	if m.closed {
		return
	}
	m.timerGen++
	gen := m.timerGen
	t := m.clock.AfterFunc(m.sendTimeout, func() {
		m.fireTimeout(clientID, gen)
	})
	m.timers[clientID] = sendTimer{timer: t, gen: gen}
}

func (m *Machine) cancelTimerLocked(clientID string) {
	if st, ok := m.timers[clientID]; ok {
		st.timer.Stop()
		delete(m.timers, clientID)
	}
}

func (m *Machine) fireTimeout(clientID string, gen uint64) {
	m.mu.Lock()
	st, ok := m.timers[clientID]
	if !ok || st.gen != gen {
		m.mu.Unlock()
		return
	}
	delete(m.timers, clientID)

	le := LastError{Kind: ErrorKindTimeout, Message: fmt.Sprintf("send exceeded %s", m.sendTimeout)}
	_, events, err := m.transitionLocked(clientID, MessageStateTimeout, func(x *Message) {
		x.LastError = &le
	})
	m.mu.Unlock()

	if err != nil {
		return
	}
	logrus.WithFields(logrus.Fields{
		"function":  "Machine.fireTimeout",
		"client_id": clientID,
		"timeout":   m.sendTimeout,
	}).Warn("Send timed out")
	m.emit(events)
}

func cloneAll(msgs []*Message) []*Message {
	out := make([]*Message, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.Clone()
	}
	return out
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
