package outbox

import (
	"time"

	"github.com/opd-ai/courier/interfaces"
	"github.com/opd-ai/courier/messaging"
)

// Record is the persisted form of a pending message. It carries enough to
// rebuild the entity after a restart.
type Record struct {
	ClientID       string                  `json:"client_id"`
	ConversationID string                  `json:"conversation_id"`
	SenderID       string                  `json:"sender_id"`
	Content        string                  `json:"content"`
	Attachments    []interfaces.Attachment `json:"attachments,omitempty"`
	Mentions       []string                `json:"mentions,omitempty"`
	ReplyTo        string                  `json:"reply_to,omitempty"`
	Priority       messaging.Priority      `json:"priority"`
	State          messaging.MessageState  `json:"state"`
	CreatedAt      time.Time               `json:"created_at"`
	IdempotencyKey string                  `json:"idempotency_key"`
	RetryCount     int                     `json:"retry_count"`
	MaxRetries     int                     `json:"max_retries"`

	// Seq orders records by insertion. It is assigned by Put.
	Seq uint64 `json:"seq"`
}

// RecordFromMessage captures msg for persistence.
func RecordFromMessage(msg *messaging.Message) Record {
	return Record{
		ClientID:       msg.ClientID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		Attachments:    append([]interfaces.Attachment(nil), msg.Attachments...),
		Mentions:       append([]string(nil), msg.Mentions...),
		ReplyTo:        msg.ReplyTo,
		Priority:       msg.Priority,
		State:          msg.State,
		CreatedAt:      msg.CreatedAt,
		IdempotencyKey: msg.IdempotencyKey,
		RetryCount:     msg.RetryCount,
		MaxRetries:     msg.MaxRetries,
	}
}

// Draft rebuilds the creation parameters, including the persisted ids.
func (r Record) Draft() messaging.Draft {
	return messaging.Draft{
		ClientID:       r.ClientID,
		IdempotencyKey: r.IdempotencyKey,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Content:        r.Content,
		Attachments:    append([]interfaces.Attachment(nil), r.Attachments...),
		Mentions:       append([]string(nil), r.Mentions...),
		ReplyTo:        r.ReplyTo,
		Priority:       r.Priority,
		MaxRetries:     r.MaxRetries,
	}
}
