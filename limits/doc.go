// Package limits provides centralized payload limits and validation functions
// for outbound messages.
//
// # Limits
//
//   - MaxContentBytes (16 KiB): default limit for the UTF-8 message body.
//     The courier service may be configured with a different limit.
//   - MaxAttachments / MaxMentions: shape limits applied at creation time.
//   - MaxIdentifierLength: bound for conversation, sender and reply ids.
//   - MaxRecordBytes (1 MiB): absolute maximum for a serialized outbox record.
//
// # Validation Functions
//
//	err := limits.ValidatePayload(limits.Payload{Content: text}, 0)
//	if errors.Is(err, limits.ErrMessageEmpty) {
//	    // nothing to send
//	}
//
// # Error Types
//
//   - ErrMessageEmpty: neither content nor attachments
//   - ErrMessageTooLarge: a size or count limit was exceeded
//   - ErrInvalidContent: content is not valid UTF-8
//   - ErrInvalidIdentifier: an identifier is missing or too long
//
// These are the only hard errors the delivery core reports to the immediate
// caller; everything else is recorded on the message entity.
package limits
