package upload

import (
	"fmt"

	"mediagate/internal/models"
)

// RequestError marks a malformed admission or callback payload.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string {
	return e.Message
}

// InvalidTransitionError is returned when an operation is not legal
// from the session's current state.
type InvalidTransitionError struct {
	From   models.SessionState
	Action string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s a session in state %s", e.Action, e.From)
}

// CredentialError wraps an object-storage credential minting failure.
// The quota claim has already been released by the time it surfaces.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("mint upload credential: %v", e.Err)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}
