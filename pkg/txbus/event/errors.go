package event

import (
	"fmt"
)

// PayloadError reports a payload that does not match what a listener expects.
type PayloadError struct {
	Event   *Event // The event that carried the payload
	Message string // Error message
	Err     error  // Underlying error
}

// Error implements error interface.
func (e *PayloadError) Error() string {
	id, kind := "", Kind("")
	if e.Event != nil {
		id, kind = e.Event.ID, e.Event.Kind
	}
	if e.Err != nil {
		return fmt.Sprintf("event %s (%s): %s: %v", id, kind, e.Message, e.Err)
	}
	return fmt.Sprintf("event %s (%s): %s", id, kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *PayloadError) Unwrap() error {
	return e.Err
}
