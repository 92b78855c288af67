// Package limits provides centralized payload limits for outbound messages.
// This ensures consistent validation across message creation, edits and the
// local API.
package limits

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

const (
	// MaxContentBytes is the default limit for the UTF-8 encoded message body.
	MaxContentBytes = 16 * 1024

	// MaxAttachments is the maximum number of attachments per message.
	MaxAttachments = 10

	// MaxMentions is the maximum number of mentioned users per message.
	MaxMentions = 50

	// MaxIdentifierLength bounds conversation, sender and reply identifiers.
	MaxIdentifierLength = 256

	// MaxRecordBytes is the absolute maximum for a serialized outbox record.
	// Larger records are refused before they reach a DurableStore.
	MaxRecordBytes = 1024 * 1024
)

var (
	// ErrMessageEmpty indicates a message with neither content nor attachments.
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates a payload exceeding its size limit.
	ErrMessageTooLarge = errors.New("message too large")

	// ErrInvalidContent indicates content that is not valid UTF-8.
	ErrInvalidContent = errors.New("invalid message content")

	// ErrInvalidIdentifier indicates a missing or oversized identifier.
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

// Payload is the subset of a message the limits apply to.
type Payload struct {
	Content     string
	Attachments int
	Mentions    int
}

// ValidateContent validates a message body against maxBytes.
// A zero maxBytes uses MaxContentBytes. Empty content is accepted here;
// use ValidatePayload to require content or attachments.
func ValidateContent(content string, maxBytes int) error {
	if maxBytes <= 0 {
		maxBytes = MaxContentBytes
	}
	if !utf8.ValidString(content) {
		return ErrInvalidContent
	}
	if len(content) > maxBytes {
		return fmt.Errorf("%w: content size %d exceeds limit %d", ErrMessageTooLarge, len(content), maxBytes)
	}
	return nil
}

// ValidatePayload validates a complete outbound payload.
// Returns ErrMessageEmpty when there is neither content nor an attachment.
func ValidatePayload(p Payload, maxContentBytes int) error {
	if p.Content == "" && p.Attachments == 0 {
		return ErrMessageEmpty
	}
	if err := ValidateContent(p.Content, maxContentBytes); err != nil {
		return err
	}
	if p.Attachments > MaxAttachments {
		return fmt.Errorf("%w: %d attachments exceeds limit %d", ErrMessageTooLarge, p.Attachments, MaxAttachments)
	}
	if p.Mentions > MaxMentions {
		return fmt.Errorf("%w: %d mentions exceeds limit %d", ErrMessageTooLarge, p.Mentions, MaxMentions)
	}
	return nil
}

// ValidateIdentifier checks that a named identifier is present and bounded.
func ValidateIdentifier(name, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidIdentifier, name)
	}
	if len(value) > MaxIdentifierLength {
		return fmt.Errorf("%w: %s length %d exceeds limit %d", ErrInvalidIdentifier, name, len(value), MaxIdentifierLength)
	}
	return nil
}

// ValidateRecord validates a serialized record against MaxRecordBytes.
func ValidateRecord(data []byte) error {
	if len(data) == 0 {
		return ErrMessageEmpty
	}
	if len(data) > MaxRecordBytes {
		return fmt.Errorf("%w: record size %d exceeds limit %d", ErrMessageTooLarge, len(data), MaxRecordBytes)
	}
	return nil
}
