package messaging

import (
	"fmt"
	"time"

	"github.com/opd-ai/courier/interfaces"
)

// MessageState represents the delivery state of a message.
type MessageState uint8

const (
	// MessageStateDraft means the message was created but not yet submitted.
	MessageStateDraft MessageState = iota
	// MessageStateQueued means the message is waiting for a send slot.
	MessageStateQueued
	// MessageStateSending means a transport call is in flight.
	MessageStateSending
	// MessageStateSent means the server acknowledged the message.
	MessageStateSent
	// MessageStateDelivered means a push confirmation was received.
	MessageStateDelivered
	// MessageStateRead means the recipient read the message.
	MessageStateRead
	// MessageStateFailed means the last attempt failed and may be retried.
	MessageStateFailed
	// MessageStateTimeout means the last attempt exceeded its deadline.
	MessageStateTimeout
	// MessageStateRejected means delivery was abandoned.
	MessageStateRejected
)

var stateNames = [...]string{
	MessageStateDraft:     "draft",
	MessageStateQueued:    "queued",
	MessageStateSending:   "sending",
	MessageStateSent:      "sent",
	MessageStateDelivered: "delivered",
	MessageStateRead:      "read",
	MessageStateFailed:    "failed",
	MessageStateTimeout:   "timeout",
	MessageStateRejected:  "rejected",
}

// AllStates lists every state in declaration order.
var AllStates = []MessageState{
	MessageStateDraft,
	MessageStateQueued,
	MessageStateSending,
	MessageStateSent,
	MessageStateDelivered,
	MessageStateRead,
	MessageStateFailed,
	MessageStateTimeout,
	MessageStateRejected,
}

func (s MessageState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// ParseState returns the state named by s.
func ParseState(s string) (MessageState, bool) {
	for i, name := range stateNames {
		if name == s {
			return MessageState(i), true
		}
	}
	return 0, false
}

// MarshalText encodes the state by name.
func (s MessageState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *MessageState) UnmarshalText(text []byte) error {
	parsed, ok := ParseState(string(text))
	if !ok {
		return fmt.Errorf("unknown message state %q", text)
	}
	*s = parsed
	return nil
}

// IsTerminal reports whether no further send may happen from s.
// Delivered still accepts a read receipt but is never re-enqueued.
func (s MessageState) IsTerminal() bool {
	return s == MessageStateDelivered || s == MessageStateRead || s == MessageStateRejected
}

// IsRetrying reports whether the message is waiting for another attempt.
func (s MessageState) IsRetrying() bool {
	return s == MessageStateFailed || s == MessageStateTimeout
}

// Priority orders messages inside the send queue.
type Priority uint8

const (
	// PriorityLow is background traffic.
	PriorityLow Priority = iota
	// PriorityNormal is the default for user messages.
	PriorityNormal
	// PriorityHigh is used for outbox resubmissions.
	PriorityHigh
	// PriorityCritical jumps ahead of everything else.
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ParsePriority returns the priority named by s.
func ParsePriority(s string) (Priority, bool) {
	for p := PriorityLow; p <= PriorityCritical; p++ {
		if p.String() == s {
			return p, true
		}
	}
	return PriorityNormal, false
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a priority name.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, ok := ParsePriority(string(text))
	if !ok {
		return fmt.Errorf("unknown priority %q", text)
	}
	*p = parsed
	return nil
}

// ErrorKind classifies the last failure recorded on a message.
type ErrorKind uint8

const (
	// ErrorKindTransient is a network failure or retryable status.
	ErrorKindTransient ErrorKind = iota + 1
	// ErrorKindPermanent is a non-retryable rejection by the server.
	ErrorKindPermanent
	// ErrorKindTimeout is an in-flight send that exceeded its deadline.
	ErrorKindTimeout
	// ErrorKindPersistence is an outbox read or write failure.
	ErrorKindPersistence
	// ErrorKindCancelled is a send cancelled by the user.
	ErrorKindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindTransient:
		return "transient"
	case ErrorKindPermanent:
		return "permanent"
	case ErrorKindTimeout:
		return "timeout"
	case ErrorKindPersistence:
		return "persistence"
	case ErrorKindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *ErrorKind) UnmarshalText(text []byte) error {
	for c := ErrorKindTransient; c <= ErrorKindCancelled; c++ {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", text)
}

// Retryable reports whether failures of this kind are retried.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindTransient || k == ErrorKindTimeout
}

// LastError describes the most recent failure of a message.
type LastError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code,omitempty"`
}

// Attachment is the wire attachment descriptor.
type Attachment = interfaces.Attachment

// Message is the canonical outbound message entity.
type Message struct {
	ClientID       string
	ServerID       string
	IdempotencyKey string

	ConversationID string
	SenderID       string
	Content        string
	Attachments    []Attachment
	Mentions       []string
	ReplyTo        string

	State      MessageState
	Priority   Priority
	RetryCount int
	MaxRetries int

	CreatedAt   time.Time
	UpdatedAt   time.Time
	SentAt      time.Time
	DeliveredAt time.Time
	ReadAt      time.Time
	EditedAt    time.Time

	LastError *LastError
}

// Clone returns a deep copy safe to hand to observers.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Attachments != nil {
		c.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Mentions != nil {
		c.Mentions = append([]string(nil), m.Mentions...)
	}
	if m.LastError != nil {
		le := *m.LastError
		c.LastError = &le
	}
	return &c
}

// Outbound builds the transport payload for a send.
func (m *Message) Outbound() interfaces.OutboundMessage {
	return interfaces.OutboundMessage{
		ClientID:       m.ClientID,
		IdempotencyKey: m.IdempotencyKey,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Attachments:    append([]Attachment(nil), m.Attachments...),
		Mentions:       append([]string(nil), m.Mentions...),
		ReplyTo:        m.ReplyTo,
	}
}

// Draft carries the caller-supplied fields of a new message.
type Draft struct {
	// ClientID is normally left empty and generated. Restoring entities
	// from the outbox supplies the persisted id.
	ClientID       string
	IdempotencyKey string

	ConversationID string
	SenderID       string
	Content        string
	Attachments    []Attachment
	Mentions       []string
	ReplyTo        string
	Priority       Priority
	MaxRetries     int
}

// PushKind distinguishes delivery confirmations from read receipts.
type PushKind uint8

const (
	// PushDelivered confirms the server fanned the message out.
	PushDelivered PushKind = iota
	// PushRead reports that a recipient read the message.
	PushRead
)

// PushEvent is a parsed delivery event from the push channel.
type PushEvent struct {
	ServerID       string
	ConversationID string
	SenderID       string
	Content        string
	AttachmentIDs  []string
	CreatedAt      time.Time
	Kind           PushKind
}

// EventType identifies a change notification.
type EventType uint8

const (
	// EventCreated announces a new entity.
	EventCreated EventType = iota
	// EventUpdated announces a state or field change.
	EventUpdated
	// EventRemoved announces that an entity left the store.
	EventRemoved
	// EventOperationFailed announces a terminal edit or delete failure.
	EventOperationFailed
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventUpdated:
		return "updated"
	case EventRemoved:
		return "removed"
	case EventOperationFailed:
		return "operation_failed"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers after every change.
type Event struct {
	Type    EventType
	From    MessageState
	To      MessageState
	Message *Message
	Err     *LastError
}
