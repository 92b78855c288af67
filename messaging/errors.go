package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition indicates a transition outside the state table.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrMessageNotFound indicates an unknown client id.
	ErrMessageNotFound = errors.New("message not found")
	// ErrDuplicateClientID indicates an insert with an existing client id.
	ErrDuplicateClientID = errors.New("duplicate client id")
	// ErrServerIDConflict indicates an attempt to replace an assigned server id.
	ErrServerIDConflict = errors.New("server id already assigned")
)

// TransitionError reports a rejected transition request.
type TransitionError struct {
	ClientID string
	From     MessageState
	To       MessageState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("message %s: %s -> %s: %v", e.ClientID, e.From, e.To, ErrInvalidTransition)
}

// Unwrap allows errors.Is(err, ErrInvalidTransition).
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
