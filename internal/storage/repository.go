package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mediagate/internal/models"
)

// ErrSessionNotFound is returned when an upload session id is unknown.
var ErrSessionNotFound = errors.New("upload session not found")

// StateConflictError is returned when an update carries an expected-state
// guard and the stored session is in a different state.
type StateConflictError struct {
	Current  models.SessionState
	Expected []models.SessionState
}

func (e *StateConflictError) Error() string {
	expected := make([]string, 0, len(e.Expected))
	for _, state := range e.Expected {
		expected = append(expected, string(state))
	}
	return fmt.Sprintf("session is %s, expected one of %s", e.Current, strings.Join(expected, ", "))
}

// CreateSessionParams captures the attributes set when persisting a new
// upload session. The session starts in StateRequested.
type CreateSessionParams struct {
	AdminID        string
	Kind           models.AssetKind
	Classification models.Classification
	ContentID      string
	FileName       string
	ContentType    string
	SizeBytes      int64
	ObjectKey      string
	StorageURI     string
	CDNBase        string
	UploadURL      string
	UploadFields   map[string]string
	CredentialExp  time.Time
	Metadata       map[string]string
}

// SessionUpdate describes a partial update. Nil fields are untouched.
// Metadata entries merge key-wise; an empty value deletes the key. A
// zero CompletedAt clears the timestamp. ExpectedStates, when present,
// makes the update conditional: it fails with *StateConflictError
// unless the stored state is one of the listed values, which is how
// terminal transitions stay race-safe against duplicate callbacks.
type SessionUpdate struct {
	State              *models.SessionState
	Metadata           map[string]string
	ReadyMetadata      *models.ReadyMetadata
	ClearReadyMetadata bool
	FailureReason      *string
	CompletedAt        *time.Time
	ExpectedStates     []models.SessionState
}

// SessionFilter narrows ListSessions results.
type SessionFilter struct {
	AdminID string
	State   models.SessionState
}

// Repository is the durable store for upload sessions.
type Repository interface {
	CreateSession(ctx context.Context, params CreateSessionParams) (models.UploadSession, error)
	GetSession(ctx context.Context, id string) (models.UploadSession, bool, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]models.UploadSession, error)
	UpdateSession(ctx context.Context, id string, update SessionUpdate) (models.UploadSession, error)
	// ListExpiredBefore returns sessions still in a pre-completion state
	// whose credential expiry has elapsed.
	ListExpiredBefore(ctx context.Context, cutoff time.Time) ([]models.UploadSession, error)
	Close(ctx context.Context) error
}

func matchesExpected(current models.SessionState, expected []models.SessionState) bool {
	if len(expected) == 0 {
		return true
	}
	for _, state := range expected {
		if state == current {
			return true
		}
	}
	return false
}

var sweepableStates = []models.SessionState{
	models.StateRequested,
	models.StateUploading,
	models.StateValidating,
}

func sweepable(state models.SessionState) bool {
	for _, candidate := range sweepableStates {
		if candidate == state {
			return true
		}
	}
	return false
}
