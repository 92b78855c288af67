package interfaces

import (
	"context"
	"fmt"
	"time"
)

// Attachment describes a file reference carried alongside a message payload.
// The delivery core never reads attachment bytes; it only forwards metadata.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	URL      string `json:"url,omitempty"`
}

// OutboundMessage is the payload handed to a Transport for a send.
type OutboundMessage struct {
	ClientID       string       `json:"client_id"`
	IdempotencyKey string       `json:"idempotency_key"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	Mentions       []string     `json:"mentions,omitempty"`
	ReplyTo        string       `json:"reply_to,omitempty"`
}

// EditRequest replaces the content of an already acknowledged message.
type EditRequest struct {
	ServerID       string `json:"server_id"`
	ConversationID string `json:"conversation_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Content        string `json:"content"`
}

// DeleteRequest removes an already acknowledged message.
type DeleteRequest struct {
	ServerID       string `json:"server_id"`
	ConversationID string `json:"conversation_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// ServerMessage is the server's acknowledgment of a send or edit.
type ServerMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
	EditedAt       time.Time `json:"edited_at,omitempty"`
}

// Transport performs the request/response calls backing each queued intent.
// Implementations must honour ctx cancellation and deadlines and report
// failures as *TransportError so they can be classified for retry.
type Transport interface {
	// Send submits a new message. The idempotency key lets the server
	// collapse duplicate submissions of the same intent.
	Send(ctx context.Context, msg OutboundMessage) (*ServerMessage, error)

	// Edit replaces the content of the message identified by ServerID.
	Edit(ctx context.Context, req EditRequest) (*ServerMessage, error)

	// Delete removes the message identified by ServerID.
	Delete(ctx context.Context, req DeleteRequest) error
}

// TransportError carries the optional HTTP status of a failed call.
// StatusCode is zero when no response was received.
type TransportError struct {
	StatusCode int
	Message    string
	Err        error
}

// Error implements error.
func (e *TransportError) Error() string {
	switch {
	case e.StatusCode == 0 && e.Err != nil:
		return fmt.Sprintf("transport: no response: %v", e.Err)
	case e.StatusCode == 0:
		return "transport: no response"
	case e.Message != "":
		return fmt.Sprintf("transport: status %d: %s", e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("transport: status %d", e.StatusCode)
	}
}

// Unwrap returns the underlying network error, if any.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// TransportConfig holds configuration for Transport implementations.
type TransportConfig struct {
	// UseSimulation selects the in-memory simulated transport.
	UseSimulation bool

	// BaseURL is the root of the messaging HTTP API.
	BaseURL string

	// RequestTimeout bounds a single request in milliseconds.
	RequestTimeout int

	// AuthToken is sent as a bearer token when non-empty.
	AuthToken string

	// MaxConnsPerHost limits concurrent connections to the API host.
	MaxConnsPerHost int
}
