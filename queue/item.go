package queue

import (
	"time"

	"github.com/opd-ai/courier/messaging"
)

// Op is the intent carried by a queue item.
type Op uint8

const (
	// OpSend submits a new message.
	OpSend Op = iota
	// OpEdit replaces the content of an acknowledged message.
	OpEdit
	// OpDelete removes an acknowledged message.
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpSend:
		return "send"
	case OpEdit:
		return "edit"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Item is a transient unit of work. It is discarded once its operation
// reaches a terminal outcome.
type Item struct {
	Op       Op
	ClientID string
	Priority messaging.Priority

	// RetryCount counts retries already scheduled. Sends start from the
	// message's counter.
	RetryCount int
	MaxRetries int
	// NextAttemptAt is zero for items that are immediately eligible.
	NextAttemptAt time.Time
	Aborted       bool
	// Expedited skips the backoff of the next retry of a running send.
	Expedited bool

	// Edit and delete payload.
	ServerID       string
	ConversationID string
	IdempotencyKey string
	Content        string
	EditedAt       time.Time
}

// SendItem builds a send intent from the message's retry budget.
func SendItem(msg *messaging.Message, priority messaging.Priority) Item {
	return Item{
		Op:         OpSend,
		ClientID:   msg.ClientID,
		Priority:   priority,
		RetryCount: msg.RetryCount,
		MaxRetries: msg.MaxRetries,
	}
}

func (it *Item) eligible(now time.Time) bool {
	return it.NextAttemptAt.IsZero() || !now.Before(it.NextAttemptAt)
}

func (it *Item) exhausted() bool {
	return it.RetryCount >= it.MaxRetries
}
