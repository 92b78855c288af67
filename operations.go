package courier

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/opd-ai/courier/limits"
	"github.com/opd-ai/courier/messaging"
	"github.com/opd-ai/courier/outbox"
	"github.com/opd-ai/courier/queue"
	"github.com/opd-ai/courier/reconcile"
	"github.com/sirupsen/logrus"
)

// ErrNotAcknowledged is returned for edits and deletes of a message the
// server has not acknowledged yet while it is being sent.
var ErrNotAcknowledged = errors.New("message not acknowledged by server")

// MessageOption customizes a message created by CreateMessage.
type MessageOption func(d *messaging.Draft)

// WithAttachments attaches file references.
func WithAttachments(atts ...messaging.Attachment) MessageOption {
	return func(d *messaging.Draft) { d.Attachments = append(d.Attachments, atts...) }
}

// WithMentions adds mentioned user ids.
func WithMentions(userIDs ...string) MessageOption {
	return func(d *messaging.Draft) { d.Mentions = append(d.Mentions, userIDs...) }
}

// WithReplyTo marks the message as a reply to serverID.
func WithReplyTo(serverID string) MessageOption {
	return func(d *messaging.Draft) { d.ReplyTo = serverID }
}

// WithPriority sets the dispatch priority. The default is Normal.
func WithPriority(p messaging.Priority) MessageOption {
	return func(d *messaging.Draft) { d.Priority = p }
}

// WithMaxRetries overrides the retry budget.
func WithMaxRetries(n int) MessageOption {
	return func(d *messaging.Draft) { d.MaxRetries = n }
}

// Status is a point-in-time summary of the courier.
type Status struct {
	Initialized   bool            `json:"initialized"`
	Online        bool            `json:"online"`
	CountsByState map[string]int  `json:"counts_by_state"`
	QueueLength   int             `json:"queue_length"`
	InFlight      int             `json:"in_flight"`
	QueuePaused   bool            `json:"queue_paused"`
	OutboxLength  int             `json:"outbox_length"`
	Draining      bool            `json:"draining"`
	Reconciler    reconcile.Stats `json:"reconciler"`
}

// CreateMessage validates the payload and stores a new Draft. It returns
// the client id.
func (c *Courier) CreateMessage(content, conversationID, senderID string, opts ...MessageOption) (string, error) {
	d := messaging.Draft{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Priority:       messaging.PriorityNormal,
	}
	for _, opt := range opts {
		opt(&d)
	}
	msg, err := c.machine.Create(d)
	if err != nil {
		return "", err
	}
	return msg.ClientID, nil
}

// Send queues a Draft for delivery. While offline, or when the queue is
// full, the message is written to the outbox instead.
func (c *Courier) Send(ctx context.Context, clientID string) error {
	if err := c.running(); err != nil {
		return err
	}
	msg, err := c.machine.Enqueue(clientID)
	if err != nil {
		return notFound(clientID, err)
	}
	return c.admit(ctx, msg, msg.Priority)
}

func (c *Courier) admit(ctx context.Context, msg *messaging.Message, priority messaging.Priority) error {
	if !c.monitor.Online() {
		return c.persist(ctx, msg, priority)
	}
	err := c.queue.Push(queue.SendItem(msg, priority))
	switch {
	case err == nil, errors.Is(err, queue.ErrAlreadyQueued):
		return nil
	case errors.Is(err, queue.ErrQueueFull):
		return c.persist(ctx, msg, priority)
	}
	return err
}

// persist writes msg to the outbox. When the write fails the send is kept
// in the queue for this process lifetime and the error is returned.
func (c *Courier) persist(ctx context.Context, msg *messaging.Message, priority messaging.Priority) error {
	err := c.outbox.Put(ctx, outbox.RecordFromMessage(msg))
	if err == nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Courier.persist",
			"client_id": msg.ClientID,
			"online":    c.monitor.Online(),
		}).Debug("Message stored in outbox")
		return nil
	}
	if perr := c.queue.Push(queue.SendItem(msg, priority)); perr != nil && !errors.Is(perr, queue.ErrAlreadyQueued) {
		logrus.WithFields(logrus.Fields{
			"function":  "Courier.persist",
			"client_id": msg.ClientID,
			"error":     perr.Error(),
		}).Error("Message neither persisted nor queued")
	}
	return err
}

// Retry resubmits a message. A Failed or Timeout message is requeued
// immediately with its retry history. A Rejected message is replaced by
// a fresh message with the same payload and new ids; the new client id
// is returned.
func (c *Courier) Retry(ctx context.Context, clientID string) (string, error) {
	if err := c.running(); err != nil {
		return "", err
	}
	msg, err := c.machine.Get(clientID)
	if err != nil {
		return "", notFound(clientID, err)
	}

	switch msg.State {
	case messaging.MessageStateRejected:
		return c.resubmit(ctx, msg)
	case messaging.MessageStateFailed, messaging.MessageStateTimeout:
		// A send still pending or running keeps its item.
		if c.queue.Expedite(clientID) {
			return clientID, nil
		}
		if !c.monitor.Online() && c.outbox.Has(clientID) {
			return clientID, nil
		}
		queued, err := c.machine.Enqueue(clientID)
		if err != nil {
			return "", err
		}
		return clientID, c.admit(ctx, queued, messaging.PriorityHigh)
	default:
		return "", &messaging.TransitionError{ClientID: clientID, From: msg.State, To: messaging.MessageStateQueued}
	}
}

func (c *Courier) resubmit(ctx context.Context, old *messaging.Message) (string, error) {
	fresh, err := c.machine.Create(messaging.Draft{
		ConversationID: old.ConversationID,
		SenderID:       old.SenderID,
		Content:        old.Content,
		Attachments:    old.Attachments,
		Mentions:       old.Mentions,
		ReplyTo:        old.ReplyTo,
		Priority:       old.Priority,
		MaxRetries:     old.MaxRetries,
	})
	if err != nil {
		return "", err
	}
	if _, err := c.machine.Remove(old.ClientID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "Courier.resubmit",
			"client_id": old.ClientID,
			"error":     err.Error(),
		}).Debug("Rejected message already gone")
	}
	queued, err := c.machine.Enqueue(fresh.ClientID)
	if err != nil {
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Courier.resubmit",
		"client_id":    fresh.ClientID,
		"replaces":     old.ClientID,
		"last_error":   old.LastError,
		"conversation": old.ConversationID,
	}).Info("Resubmitting rejected message")
	return fresh.ClientID, c.admit(ctx, queued, old.Priority)
}

// Cancel stops a pending send. A Draft is discarded. Queued, Failed and
// Timeout messages are rejected with a cancelled error. A send already on
// the wire completes; if it fails it is not retried.
func (c *Courier) Cancel(ctx context.Context, clientID string) error {
	if err := c.running(); err != nil {
		return err
	}
	msg, err := c.machine.Get(clientID)
	if err != nil {
		return notFound(clientID, err)
	}

	switch msg.State {
	case messaging.MessageStateDraft:
		_, err = c.machine.Remove(clientID)
		return notFound(clientID, err)
	case messaging.MessageStateQueued, messaging.MessageStateFailed, messaging.MessageStateTimeout:
		c.queue.Abort(clientID)
		_, err = c.machine.Abandon(clientID, messaging.LastError{Kind: messaging.ErrorKindCancelled, Message: "cancelled"})
		if err != nil {
			return err
		}
		return c.outbox.Remove(ctx, clientID)
	case messaging.MessageStateSending:
		c.queue.Abort(clientID)
		return nil
	default:
		return &messaging.TransitionError{ClientID: clientID, From: msg.State, To: messaging.MessageStateRejected}
	}
}

// Edit replaces the content of a message. A Draft is edited locally;
// an acknowledged message is edited on the server through the queue.
func (c *Courier) Edit(ctx context.Context, clientID, content string) error {
	if err := c.running(); err != nil {
		return err
	}
	msg, err := c.machine.Get(clientID)
	if err != nil {
		return notFound(clientID, err)
	}
	if content == "" && len(msg.Attachments) == 0 {
		return limits.ErrMessageEmpty
	}
	if err := limits.ValidateContent(content, c.machine.MaxContentBytes()); err != nil {
		return err
	}

	if msg.State == messaging.MessageStateDraft {
		_, err := c.machine.ApplyEdit(clientID, content, c.clock.Now())
		return err
	}
	if msg.ServerID == "" {
		return fmt.Errorf("edit %s in state %s: %w", clientID, msg.State, ErrNotAcknowledged)
	}
	return c.queue.Push(queue.Item{
		Op:             queue.OpEdit,
		ClientID:       clientID,
		Priority:       messaging.PriorityNormal,
		MaxRetries:     msg.MaxRetries,
		ServerID:       msg.ServerID,
		ConversationID: msg.ConversationID,
		IdempotencyKey: uuid.NewString(),
		Content:        content,
		EditedAt:       c.clock.Now(),
	})
}

// Delete removes a message. Messages the server never acknowledged are
// discarded locally; acknowledged messages are deleted on the server
// through the queue and removed once it confirms.
func (c *Courier) Delete(ctx context.Context, clientID string) error {
	if err := c.running(); err != nil {
		return err
	}
	msg, err := c.machine.Get(clientID)
	if err != nil {
		return notFound(clientID, err)
	}

	if msg.ServerID == "" {
		if msg.State == messaging.MessageStateSending {
			return fmt.Errorf("delete %s while sending: %w", clientID, ErrNotAcknowledged)
		}
		c.queue.Abort(clientID)
		if _, err := c.machine.Remove(clientID); err != nil {
			return notFound(clientID, err)
		}
		return c.outbox.Remove(ctx, clientID)
	}
	return c.queue.Push(queue.Item{
		Op:             queue.OpDelete,
		ClientID:       clientID,
		Priority:       messaging.PriorityNormal,
		MaxRetries:     msg.MaxRetries,
		ServerID:       msg.ServerID,
		ConversationID: msg.ConversationID,
		IdempotencyKey: uuid.NewString(),
	})
}

// GetMessage returns a copy of the message.
func (c *Courier) GetMessage(clientID string) (*messaging.Message, error) {
	msg, err := c.machine.Get(clientID)
	if err != nil {
		return nil, notFound(clientID, err)
	}
	return msg, nil
}

// GetMessagesForConversation returns the conversation's messages ordered
// by creation time, optionally filtered to states.
func (c *Courier) GetMessagesForConversation(conversationID string, states ...messaging.MessageState) []*messaging.Message {
	return c.machine.ListConversation(conversationID, states...)
}

// ListByState returns every message in state.
func (c *Courier) ListByState(state messaging.MessageState) []*messaging.Message {
	return c.machine.ListByState(state)
}

// OutboxRecords returns the persisted records in insertion order.
func (c *Courier) OutboxRecords(ctx context.Context) ([]outbox.Record, error) {
	return c.outbox.Records(ctx)
}

// Status summarizes the courier.
func (c *Courier) Status() Status {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()

	counts := make(map[string]int)
	for state, n := range c.machine.Counts() {
		counts[state.String()] = n
	}
	return Status{
		Initialized:   started,
		Online:        c.monitor.Online(),
		CountsByState: counts,
		QueueLength:   c.queue.Len(),
		InFlight:      c.queue.InFlight(),
		QueuePaused:   c.queue.Paused(),
		OutboxLength:  c.outbox.Len(),
		Draining:      c.outbox.Draining(),
		Reconciler:    c.reconciler.Stats(),
	}
}

// Subscribe registers fn for every message change.
func (c *Courier) Subscribe(fn func(messaging.Event)) (cancel func()) {
	return c.machine.Subscribe(fn)
}

// HandlePushEvent reconciles a server push event with the local messages.
func (c *Courier) HandlePushEvent(ev messaging.PushEvent) (reconcile.Result, *messaging.Message) {
	return c.reconciler.HandleEvent(ev)
}

// Queue returns the send queue, for metrics and inspection.
func (c *Courier) Queue() *queue.Queue {
	return c.queue
}

func notFound(clientID string, err error) error {
	if errors.Is(err, messaging.ErrMessageNotFound) {
		return fmt.Errorf("%s: %w", clientID, ErrNotFound)
	}
	return err
}
