package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/courier/messaging"
)

// Event types carried by the push channel.
const (
	TypeDelivered = "message.delivered"
	TypeRead      = "message.read"
)

var (
	// ErrIgnoredEvent is returned by DecodeEvent for event types that do not
	// concern delivery.
	ErrIgnoredEvent = errors.New("push: event type not handled")
	// ErrMalformedEvent is returned for undecodable frames.
	ErrMalformedEvent = errors.New("push: malformed event")
)

// Handler receives decoded delivery events. Events arrive in channel order.
type Handler func(ev messaging.PushEvent)

type wireEvent struct {
	Type           string    `json:"type"`
	ServerID       string    `json:"server_id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	AttachmentIDs  []string  `json:"attachment_ids,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// DecodeEvent parses one JSON frame:
//
//	{"type":"message.delivered","server_id":"99","conversation_id":"42",
//	 "sender_id":"7","content":"hello","created_at":"2024-03-01T12:00:05Z"}
func DecodeEvent(data []byte) (messaging.PushEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return messaging.PushEvent{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	ev := messaging.PushEvent{
		ServerID:       w.ServerID,
		ConversationID: w.ConversationID,
		SenderID:       w.SenderID,
		Content:        w.Content,
		AttachmentIDs:  w.AttachmentIDs,
		CreatedAt:      w.CreatedAt,
	}
	switch w.Type {
	case TypeDelivered:
		ev.Kind = messaging.PushDelivered
	case TypeRead:
		ev.Kind = messaging.PushRead
	default:
		return messaging.PushEvent{}, fmt.Errorf("%w: %q", ErrIgnoredEvent, w.Type)
	}
	if ev.ServerID == "" && ev.ConversationID == "" {
		return messaging.PushEvent{}, fmt.Errorf("%w: neither server_id nor conversation_id", ErrMalformedEvent)
	}
	return ev, nil
}

// EncodeEvent is the inverse of DecodeEvent.
func EncodeEvent(ev messaging.PushEvent) ([]byte, error) {
	w := wireEvent{
		Type:           TypeDelivered,
		ServerID:       ev.ServerID,
		ConversationID: ev.ConversationID,
		SenderID:       ev.SenderID,
		Content:        ev.Content,
		AttachmentIDs:  ev.AttachmentIDs,
		CreatedAt:      ev.CreatedAt,
	}
	if ev.Kind == messaging.PushRead {
		w.Type = TypeRead
	}
	return json.Marshal(w)
}

// dispatch decodes data and hands the event to h. Ignored and malformed
// frames are logged by the caller through the returned error.
func dispatch(data []byte, h Handler) error {
	ev, err := DecodeEvent(data)
	if err != nil {
		return err
	}
	h(ev)
	return nil
}
