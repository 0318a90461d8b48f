package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"mediagate/internal/models"
)

var _ Repository = (*Storage)(nil)

func cloneSession(session models.UploadSession) models.UploadSession {
	cloned := session
	if session.Metadata != nil {
		meta := make(map[string]string, len(session.Metadata))
		for k, v := range session.Metadata {
			meta[k] = v
		}
		cloned.Metadata = meta
	}
	if session.UploadFields != nil {
		fields := make(map[string]string, len(session.UploadFields))
		for k, v := range session.UploadFields {
			fields[k] = v
		}
		cloned.UploadFields = fields
	}
	if session.ReadyMetadata != nil {
		ready := *session.ReadyMetadata
		if session.ReadyMetadata.Renditions != nil {
			ready.Renditions = append([]models.Rendition(nil), session.ReadyMetadata.Renditions...)
		}
		cloned.ReadyMetadata = &ready
	}
	if session.CompletedAt != nil {
		completed := *session.CompletedAt
		cloned.CompletedAt = &completed
	}
	return cloned
}

func (s *Storage) CreateSession(ctx context.Context, params CreateSessionParams) (models.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureDatasetInitializedLocked()

	adminID := strings.TrimSpace(params.AdminID)
	if adminID == "" {
		return models.UploadSession{}, fmt.Errorf("admin id is required")
	}
	objectKey := strings.TrimSpace(params.ObjectKey)
	if objectKey == "" {
		return models.UploadSession{}, fmt.Errorf("object key is required")
	}
	for _, existing := range s.data.Sessions {
		if existing.ObjectKey == objectKey {
			return models.UploadSession{}, fmt.Errorf("object key %s already in use", objectKey)
		}
	}

	id, err := generateSessionID()
	if err != nil {
		return models.UploadSession{}, err
	}

	now := time.Now().UTC()
	metadata := make(map[string]string, len(params.Metadata))
	for k, v := range params.Metadata {
		if strings.TrimSpace(k) == "" {
			continue
		}
		metadata[k] = v
	}
	fields := make(map[string]string, len(params.UploadFields))
	for k, v := range params.UploadFields {
		fields[k] = v
	}

	session := models.UploadSession{
		ID:             id,
		AdminID:        adminID,
		Kind:           params.Kind,
		Classification: params.Classification,
		ContentID:      strings.TrimSpace(params.ContentID),
		FileName:       strings.TrimSpace(params.FileName),
		ContentType:    strings.TrimSpace(params.ContentType),
		SizeBytes:      params.SizeBytes,
		ObjectKey:      objectKey,
		StorageURI:     strings.TrimSpace(params.StorageURI),
		CDNBase:        strings.TrimSpace(params.CDNBase),
		UploadURL:      params.UploadURL,
		UploadFields:   fields,
		CredentialExp:  params.CredentialExp.UTC(),
		State:          models.StateRequested,
		Metadata:       metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	s.data.Sessions[id] = session
	if err := s.persist(); err != nil {
		delete(s.data.Sessions, id)
		return models.UploadSession{}, err
	}

	return cloneSession(session), nil
}

func (s *Storage) GetSession(ctx context.Context, id string) (models.UploadSession, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.data.Sessions[id]
	if !ok {
		return models.UploadSession{}, false, nil
	}
	return cloneSession(session), true, nil
}

func (s *Storage) ListSessions(ctx context.Context, filter SessionFilter) ([]models.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]models.UploadSession, 0)
	for _, session := range s.data.Sessions {
		if filter.AdminID != "" && session.AdminID != filter.AdminID {
			continue
		}
		if filter.State != "" && session.State != filter.State {
			continue
		}
		sessions = append(sessions, cloneSession(session))
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (s *Storage) UpdateSession(ctx context.Context, id string, update SessionUpdate) (models.UploadSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.data.Sessions[id]
	if !ok {
		return models.UploadSession{}, ErrSessionNotFound
	}
	if !matchesExpected(session.State, update.ExpectedStates) {
		return models.UploadSession{}, &StateConflictError{
			Current:  session.State,
			Expected: update.ExpectedStates,
		}
	}

	original := session
	session = applySessionUpdate(session, update)

	s.data.Sessions[id] = session
	if err := s.persist(); err != nil {
		s.data.Sessions[id] = original
		return models.UploadSession{}, err
	}
	return cloneSession(session), nil
}

func applySessionUpdate(session models.UploadSession, update SessionUpdate) models.UploadSession {
	if update.State != nil {
		session.State = *update.State
	}
	if update.Metadata != nil {
		if session.Metadata == nil {
			session.Metadata = make(map[string]string, len(update.Metadata))
		}
		for k, v := range update.Metadata {
			if strings.TrimSpace(k) == "" {
				continue
			}
			if v == "" {
				delete(session.Metadata, k)
				continue
			}
			session.Metadata[k] = v
		}
	}
	if update.ClearReadyMetadata {
		session.ReadyMetadata = nil
	} else if update.ReadyMetadata != nil {
		ready := *update.ReadyMetadata
		if update.ReadyMetadata.Renditions != nil {
			ready.Renditions = append([]models.Rendition(nil), update.ReadyMetadata.Renditions...)
		}
		session.ReadyMetadata = &ready
	}
	if update.FailureReason != nil {
		session.FailureReason = strings.TrimSpace(*update.FailureReason)
	}
	if update.CompletedAt != nil {
		if update.CompletedAt.IsZero() {
			session.CompletedAt = nil
		} else {
			completed := update.CompletedAt.UTC()
			session.CompletedAt = &completed
		}
	}
	session.UpdatedAt = time.Now().UTC()
	return session
}

func (s *Storage) ListExpiredBefore(ctx context.Context, cutoff time.Time) ([]models.UploadSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expired := make([]models.UploadSession, 0)
	for _, session := range s.data.Sessions {
		if !sweepable(session.State) {
			continue
		}
		if session.CredentialExp.After(cutoff) {
			continue
		}
		expired = append(expired, cloneSession(session))
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].CredentialExp.Before(expired[j].CredentialExp)
	})
	return expired, nil
}

func (s *Storage) Close(ctx context.Context) error {
	return nil
}
