package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"mediagate/internal/events"
	"mediagate/internal/models"
	"mediagate/internal/objectstore"
	"mediagate/internal/observability/metrics"
	"mediagate/internal/policy"
	"mediagate/internal/quota"
	"mediagate/internal/storage"
)

const (
	defaultCredentialTTL = 30 * time.Minute
	defaultSweepWorkers  = 4

	expiredReason = "upload credential expired before completion"
)

// Config wires the manager's collaborators.
type Config struct {
	Store         storage.Repository
	Ledger        quota.Ledger
	Signer        objectstore.Signer
	Events        events.Emitter
	Audit         *events.AuditTrail
	Policies      policy.Table
	Limits        quota.Limits
	CredentialTTL time.Duration
	SweepWorkers  int
	Logger        *slog.Logger
	Now           func() time.Time
}

// Manager is the admission and lifecycle engine: it admits upload
// requests against policy and quota, mints scoped credentials, and
// advances sessions through validation and processing outcomes.
type Manager struct {
	store         storage.Repository
	ledger        quota.Ledger
	signer        objectstore.Signer
	events        events.Emitter
	audit         *events.AuditTrail
	policies      policy.Table
	limits        quota.Limits
	credentialTTL time.Duration
	sweepWorkers  int
	logger        *slog.Logger
	now           func() time.Time
}

// NewManager validates the configuration and builds a manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("quota ledger is required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("storage signer is required")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("event emitter is required")
	}
	manager := &Manager{
		store:         cfg.Store,
		ledger:        cfg.Ledger,
		signer:        cfg.Signer,
		events:        cfg.Events,
		audit:         cfg.Audit,
		policies:      cfg.Policies,
		limits:        cfg.Limits,
		credentialTTL: cfg.CredentialTTL,
		sweepWorkers:  cfg.SweepWorkers,
		logger:        cfg.Logger,
		now:           cfg.Now,
	}
	if manager.policies == nil {
		manager.policies = policy.DefaultTable()
	}
	if manager.credentialTTL <= 0 {
		manager.credentialTTL = defaultCredentialTTL
	}
	if manager.sweepWorkers <= 0 {
		manager.sweepWorkers = defaultSweepWorkers
	}
	if manager.logger == nil {
		manager.logger = slog.Default()
	}
	if manager.now == nil {
		manager.now = time.Now
	}
	return manager, nil
}

// SignRequest is one admission request.
type SignRequest struct {
	FileName       string
	ContentType    string
	SizeBytes      int64
	Kind           models.AssetKind
	ContentID      string
	Classification models.Classification
}

// SignResult carries the admitted session and the ledger counters
// observed by the claim.
type SignResult struct {
	Session  models.UploadSession
	Counters quota.Counters
}

// Sign admits an upload request: policy check, quota claim, credential
// mint, session persist. The policy check runs first so a doomed
// request never consumes quota, and any failure after the claim
// releases it before the error propagates.
func (m *Manager) Sign(ctx context.Context, adminID string, req SignRequest) (SignResult, error) {
	adminID = strings.TrimSpace(adminID)
	if adminID == "" {
		return SignResult{}, &RequestError{Message: "admin identity is required"}
	}
	if strings.TrimSpace(req.FileName) == "" {
		return SignResult{}, &RequestError{Message: "file name is required"}
	}
	if req.Kind == models.KindVideo {
		switch req.Classification {
		case models.ClassificationEpisode, models.ClassificationReel:
		default:
			return SignResult{}, &RequestError{Message: "video uploads require an episode or reel classification"}
		}
	}

	rule, err := m.policies.Check(req.Kind, req.ContentType, req.SizeBytes)
	if err != nil {
		metrics.ObserveAdmission(string(req.Kind), "policy-rejected")
		return SignResult{}, err
	}

	counters, err := m.ledger.Claim(ctx, adminID)
	if err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			metrics.ObserveQuotaRejection(string(exceeded.Kind))
			metrics.ObserveAdmission(string(req.Kind), "quota-rejected")
		}
		return SignResult{}, err
	}

	objectKey, err := objectstore.BuildObjectKey(rule.KeyPrefix, req.FileName)
	if err != nil {
		m.releaseQuota(ctx, adminID, "build object key failed")
		return SignResult{}, err
	}

	expiresAt := m.now().UTC().Add(m.credentialTTL)
	credential, err := m.signer.PresignUpload(ctx, objectKey, req.ContentType, req.SizeBytes, expiresAt)
	if err != nil {
		metrics.Default().ObserveCredentialMint("error")
		m.releaseQuota(ctx, adminID, "credential mint failed")
		return SignResult{}, &CredentialError{Err: err}
	}
	metrics.Default().ObserveCredentialMint("ok")

	session, err := m.store.CreateSession(ctx, storage.CreateSessionParams{
		AdminID:        adminID,
		Kind:           req.Kind,
		Classification: req.Classification,
		ContentID:      req.ContentID,
		FileName:       req.FileName,
		ContentType:    req.ContentType,
		SizeBytes:      req.SizeBytes,
		ObjectKey:      objectKey,
		StorageURI:     m.signer.StorageURI(objectKey),
		CDNBase:        m.signer.PublicURL(""),
		UploadURL:      credential.URL,
		UploadFields:   credential.Fields,
		CredentialExp:  credential.ExpiresAt,
	})
	if err != nil {
		m.releaseQuota(ctx, adminID, "session persist failed")
		return SignResult{}, fmt.Errorf("persist upload session: %w", err)
	}

	// If this transition fails the session stays REQUESTED and the
	// sweeper reclaims the quota claim, so no release happens here.
	uploading := models.StateUploading
	session, err = m.store.UpdateSession(ctx, session.ID, storage.SessionUpdate{
		State:          &uploading,
		ExpectedStates: []models.SessionState{models.StateRequested},
	})
	if err != nil {
		return SignResult{}, fmt.Errorf("activate upload session: %w", err)
	}

	metrics.ObserveAdmission(string(req.Kind), "admitted")
	metrics.ObserveTransition(string(models.StateUploading))
	metrics.Default().SessionOpened()
	m.recordAudit(events.AuditRecord{
		Action:    "upload-admitted",
		SessionID: session.ID,
		AdminID:   adminID,
		Metadata: map[string]string{
			"kind":      string(req.Kind),
			"objectKey": objectKey,
		},
	})

	return SignResult{Session: session, Counters: counters}, nil
}

// Status returns the session when it exists and belongs to the caller.
// Foreign sessions are indistinguishable from unknown ones.
func (m *Manager) Status(ctx context.Context, adminID, sessionID string) (models.UploadSession, error) {
	session, ok, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.UploadSession{}, err
	}
	if !ok || session.AdminID != adminID {
		return models.UploadSession{}, storage.ErrSessionNotFound
	}
	return session, nil
}

// List returns the caller's sessions, optionally filtered by state.
func (m *Manager) List(ctx context.Context, adminID string, state models.SessionState) ([]models.UploadSession, error) {
	return m.store.ListSessions(ctx, storage.SessionFilter{AdminID: adminID, State: state})
}

// Quota reports the caller's current ledger occupancy and the
// configured ceilings.
func (m *Manager) Quota(ctx context.Context, adminID string) (models.QuotaSnapshot, error) {
	counters, err := m.ledger.Snapshot(ctx, adminID)
	if err != nil {
		return models.QuotaSnapshot{}, err
	}
	return models.QuotaSnapshot{
		ActiveUploads:   counters.Active,
		DailyUploads:    counters.Daily,
		ConcurrentLimit: m.limits.Concurrent,
		DailyLimit:      m.limits.Daily,
	}, nil
}

// ValidationReport is the validation pipeline's callback payload.
type ValidationReport struct {
	Passed          bool
	Checksum        string
	DurationSeconds float64
	Width           int
	Height          int
	FailureReason   string
}

// HandleValidation advances a session through the validation outcome.
// Redelivered callbacks for an already-terminal session are a no-op.
func (m *Manager) HandleValidation(ctx context.Context, sessionID string, report ValidationReport) (models.UploadSession, error) {
	session, ok, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.UploadSession{}, err
	}
	if !ok {
		return models.UploadSession{}, storage.ErrSessionNotFound
	}
	if session.State.Terminal() || session.State == models.StateProcessing {
		return session, nil
	}

	// Defensive re-entry: REQUESTED or UPLOADING moves to VALIDATING
	// first so a duplicate delivery observes a consistent state.
	validating := models.StateValidating
	session, err = m.store.UpdateSession(ctx, sessionID, storage.SessionUpdate{
		State: &validating,
		ExpectedStates: []models.SessionState{
			models.StateRequested,
			models.StateUploading,
			models.StateValidating,
		},
	})
	if err != nil {
		var conflict *storage.StateConflictError
		if errors.As(err, &conflict) {
			return m.Snapshot(ctx, sessionID)
		}
		return models.UploadSession{}, err
	}
	metrics.ObserveTransition(string(models.StateValidating))

	if !report.Passed {
		reason := strings.TrimSpace(report.FailureReason)
		if reason == "" {
			reason = "validation failed"
		}
		session, err = m.finishSession(ctx, session, models.StateFailed, storage.SessionUpdate{
			FailureReason: &reason,
		})
		if err != nil {
			var conflict *storage.StateConflictError
			if errors.As(err, &conflict) {
				return m.Snapshot(ctx, sessionID)
			}
			return session, err
		}
		m.recordAudit(events.AuditRecord{
			Action:    "validation-failed",
			SessionID: session.ID,
			AdminID:   session.AdminID,
			Metadata:  map[string]string{"reason": reason},
		})
		return session, nil
	}

	metadata := map[string]string{}
	if report.Checksum != "" {
		metadata["checksum"] = report.Checksum
	}
	if report.DurationSeconds > 0 {
		metadata["durationSeconds"] = strconv.FormatFloat(report.DurationSeconds, 'f', -1, 64)
	}
	if report.Width > 0 && report.Height > 0 {
		metadata["width"] = strconv.Itoa(report.Width)
		metadata["height"] = strconv.Itoa(report.Height)
	}

	processing := models.StateProcessing
	session, err = m.store.UpdateSession(ctx, sessionID, storage.SessionUpdate{
		State:          &processing,
		Metadata:       metadata,
		ExpectedStates: []models.SessionState{models.StateValidating},
	})
	if err != nil {
		var conflict *storage.StateConflictError
		if errors.As(err, &conflict) {
			return m.Snapshot(ctx, sessionID)
		}
		return models.UploadSession{}, err
	}
	metrics.ObserveTransition(string(models.StateProcessing))

	m.emitUploaded(ctx, session)
	m.recordAudit(events.AuditRecord{
		Action:    "validation-passed",
		SessionID: session.ID,
		AdminID:   session.AdminID,
		Metadata:  map[string]string{"checksum": report.Checksum},
	})
	return session, nil
}

// ProcessingReport is the transcoding pipeline's callback payload.
type ProcessingReport struct {
	Ready         bool
	ManifestURL   string
	ThumbnailURL  string
	BitrateKbps   int
	ReadyMetadata *models.ReadyMetadata
	FailureReason string
}

// HandleProcessing advances a session through the processing outcome.
// Both branches release quota exactly once no matter how often the
// callback is redelivered.
func (m *Manager) HandleProcessing(ctx context.Context, sessionID string, report ProcessingReport) (models.UploadSession, error) {
	session, ok, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.UploadSession{}, err
	}
	if !ok {
		return models.UploadSession{}, storage.ErrSessionNotFound
	}
	if session.State.Terminal() {
		return session, nil
	}
	if session.State != models.StateProcessing {
		return models.UploadSession{}, &InvalidTransitionError{From: session.State, Action: "complete processing for"}
	}

	if !report.Ready {
		reason := strings.TrimSpace(report.FailureReason)
		if reason == "" {
			reason = "processing failed"
		}
		// Clear readiness fields so no half-ready record survives.
		session, err = m.finishSession(ctx, session, models.StateFailed, storage.SessionUpdate{
			Metadata: map[string]string{
				"manifestUrl":  "",
				"thumbnailUrl": "",
				"bitrateKbps":  "",
			},
			ClearReadyMetadata: true,
			FailureReason:      &reason,
		})
		if err != nil {
			var conflict *storage.StateConflictError
			if errors.As(err, &conflict) {
				return m.Snapshot(ctx, sessionID)
			}
			return session, err
		}
		m.emit(ctx, events.Event{
			Type:      events.TypeFailed,
			SessionID: session.ID,
			AdminID:   session.AdminID,
			ContentID: session.ContentID,
			Kind:      string(session.Kind),
			Payload:   map[string]string{"reason": reason},
		})
		m.recordAudit(events.AuditRecord{
			Action:    "processing-failed",
			SessionID: session.ID,
			AdminID:   session.AdminID,
			Metadata:  map[string]string{"reason": reason},
		})
		return session, nil
	}

	if session.Kind == models.KindVideo && strings.TrimSpace(report.ManifestURL) == "" {
		return models.UploadSession{}, &RequestError{Message: "manifestUrl is required for ready video uploads"}
	}
	ready := report.ReadyMetadata
	if err := validateReadyMetadata(session, ready); err != nil {
		return models.UploadSession{}, err
	}

	metadata := map[string]string{}
	if report.ManifestURL != "" {
		metadata["manifestUrl"] = report.ManifestURL
	}
	if report.ThumbnailURL != "" {
		metadata["thumbnailUrl"] = report.ThumbnailURL
	}
	if report.BitrateKbps > 0 {
		metadata["bitrateKbps"] = strconv.Itoa(report.BitrateKbps)
	}

	session, err = m.finishSession(ctx, session, models.StateReady, storage.SessionUpdate{
		Metadata:      metadata,
		ReadyMetadata: ready,
	})
	if err != nil {
		var conflict *storage.StateConflictError
		if errors.As(err, &conflict) {
			return m.Snapshot(ctx, sessionID)
		}
		return session, err
	}

	checksum := ""
	if session.ReadyMetadata != nil {
		checksum = session.ReadyMetadata.Checksum
	}
	if checksum == "" {
		checksum = session.Metadata["checksum"]
	}
	key := events.IdempotencyKey(session.ContentID, checksum)

	m.emit(ctx, events.Event{
		Type:      events.TypeProcessed,
		SessionID: session.ID,
		AdminID:   session.AdminID,
		ContentID: session.ContentID,
		Kind:      string(session.Kind),
		Payload: map[string]string{
			"manifestUrl":  report.ManifestURL,
			"thumbnailUrl": report.ThumbnailURL,
		},
	})
	m.emit(ctx, events.Event{
		Type:           events.TypeReadyForStream,
		SessionID:      session.ID,
		AdminID:        session.AdminID,
		ContentID:      session.ContentID,
		Kind:           string(session.Kind),
		IdempotencyKey: key,
		Payload: map[string]string{
			"manifestUrl": report.ManifestURL,
			"checksum":    checksum,
		},
	})
	m.recordAudit(events.AuditRecord{
		Action:    "processing-ready",
		SessionID: session.ID,
		AdminID:   session.AdminID,
		Metadata:  map[string]string{"idempotencyKey": key},
	})
	return session, nil
}

// Retry re-enters PROCESSING from FAILED or EXPIRED. It re-runs the
// full quota claim, so a caller at either ceiling is rejected instead
// of silently re-using a released claim.
func (m *Manager) Retry(ctx context.Context, adminID, sessionID string) (models.UploadSession, error) {
	session, err := m.Status(ctx, adminID, sessionID)
	if err != nil {
		return models.UploadSession{}, err
	}
	switch session.State {
	case models.StateFailed, models.StateExpired:
	default:
		return models.UploadSession{}, &InvalidTransitionError{From: session.State, Action: "retry"}
	}

	if _, err := m.ledger.Claim(ctx, adminID); err != nil {
		return models.UploadSession{}, err
	}

	processing := models.StateProcessing
	emptyReason := ""
	var clearCompleted time.Time
	session, err = m.store.UpdateSession(ctx, sessionID, storage.SessionUpdate{
		State:          &processing,
		FailureReason:  &emptyReason,
		CompletedAt:    &clearCompleted,
		ExpectedStates: []models.SessionState{models.StateFailed, models.StateExpired},
	})
	if err != nil {
		m.releaseQuota(ctx, adminID, "retry persist failed")
		var conflict *storage.StateConflictError
		if errors.As(err, &conflict) {
			return models.UploadSession{}, &InvalidTransitionError{From: conflict.Current, Action: "retry"}
		}
		return models.UploadSession{}, err
	}

	metrics.ObserveTransition(string(models.StateProcessing))
	metrics.Default().SessionOpened()
	m.emitUploaded(ctx, session)
	m.recordAudit(events.AuditRecord{
		Action:    "upload-retried",
		SessionID: session.ID,
		AdminID:   adminID,
	})
	return session, nil
}

// SweepExpired force-expires sessions stuck before completion past
// their credential expiry and releases their quota claims. A failing
// session logs and does not stop the sweep.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	now := m.now().UTC()
	stale, err := m.store.ListExpiredBefore(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.sweepWorkers)
	expired := make(chan string, len(stale))
	for _, candidate := range stale {
		candidate := candidate
		group.Go(func() error {
			session, err := m.expireSession(groupCtx, candidate)
			if err != nil {
				m.logger.Error("expire session failed",
					"session_id", candidate.ID,
					"error", err)
				return nil
			}
			if session.ID != "" {
				expired <- session.ID
			}
			return nil
		})
	}
	_ = group.Wait()
	close(expired)

	count := 0
	for range expired {
		count++
	}
	return count, nil
}

func (m *Manager) expireSession(ctx context.Context, candidate models.UploadSession) (models.UploadSession, error) {
	session, err := m.finishSession(ctx, candidate, models.StateExpired, storage.SessionUpdate{
		FailureReason: ptr(expiredReason),
		ExpectedStates: []models.SessionState{
			models.StateRequested,
			models.StateUploading,
			models.StateValidating,
		},
	})
	if err != nil {
		var conflict *storage.StateConflictError
		if errors.As(err, &conflict) {
			// Advanced or finished since listing; nothing to reclaim.
			return models.UploadSession{}, nil
		}
		return models.UploadSession{}, err
	}
	m.recordAudit(events.AuditRecord{
		Action:    "session-expired",
		SessionID: session.ID,
		AdminID:   session.AdminID,
	})
	return session, nil
}

// Snapshot reloads a session without ownership scoping. Used after a
// lost transition race to report last-known-good state.
func (m *Manager) Snapshot(ctx context.Context, sessionID string) (models.UploadSession, error) {
	session, ok, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return models.UploadSession{}, err
	}
	if !ok {
		return models.UploadSession{}, storage.ErrSessionNotFound
	}
	return session, nil
}

// finishSession writes a terminal transition and releases the quota
// claim. The expected-state guard in the store serializes duplicate
// callers, so the release runs at most once per session.
func (m *Manager) finishSession(ctx context.Context, session models.UploadSession, terminal models.SessionState, update storage.SessionUpdate) (models.UploadSession, error) {
	completed := m.now().UTC()
	update.State = &terminal
	update.CompletedAt = &completed
	if len(update.ExpectedStates) == 0 {
		update.ExpectedStates = []models.SessionState{session.State}
	}
	updated, err := m.store.UpdateSession(ctx, session.ID, update)
	if err != nil {
		return session, err
	}
	metrics.ObserveTransition(string(terminal))
	metrics.Default().SessionClosed()
	m.releaseQuota(ctx, updated.AdminID, "terminal transition")
	return updated, nil
}

func (m *Manager) emitUploaded(ctx context.Context, session models.UploadSession) {
	m.emit(ctx, events.Event{
		Type:      events.TypeUploaded,
		SessionID: session.ID,
		AdminID:   session.AdminID,
		ContentID: session.ContentID,
		Kind:      string(session.Kind),
		Payload: map[string]string{
			"objectKey":  session.ObjectKey,
			"storageUri": session.StorageURI,
			"checksum":   session.Metadata["checksum"],
		},
	})
	if session.Kind == models.KindVideo {
		m.emit(ctx, events.Event{
			Type:      events.TypePreviewRequested,
			SessionID: session.ID,
			AdminID:   session.AdminID,
			ContentID: session.ContentID,
			Kind:      string(session.Kind),
			Payload:   map[string]string{"objectKey": session.ObjectKey},
		})
	}
}

// emit logs delivery failures instead of propagating them: the session
// record is the source of truth, not the event.
func (m *Manager) emit(ctx context.Context, event events.Event) {
	if err := m.events.Publish(ctx, event); err != nil {
		metrics.Default().ObserveEventFailure(string(event.Type))
		m.logger.Error("event publish failed",
			"type", string(event.Type),
			"session_id", event.SessionID,
			"error", err)
		return
	}
	metrics.Default().ObserveEventPublished(string(event.Type))
}

func (m *Manager) recordAudit(record events.AuditRecord) {
	if m.audit != nil {
		m.audit.Record(record)
	}
}

// releaseQuota logs release failures rather than surfacing them; the
// ledger's end-of-day TTL is the coarse safety net for a leaked claim.
func (m *Manager) releaseQuota(ctx context.Context, adminID, cause string) {
	if err := m.ledger.Release(ctx, adminID); err != nil {
		m.logger.Error("quota release failed",
			"admin_id", adminID,
			"cause", cause,
			"error", err)
	}
}

func validateReadyMetadata(session models.UploadSession, ready *models.ReadyMetadata) error {
	if session.Kind != models.KindVideo {
		return nil
	}
	if ready == nil {
		return &RequestError{Message: "readyMetadata is required for video uploads"}
	}
	if strings.TrimSpace(ready.Checksum) == "" {
		return &RequestError{Message: "readyMetadata.checksum is required"}
	}
	if len(ready.Renditions) == 0 {
		return &RequestError{Message: "readyMetadata.renditions must contain at least one rendition"}
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}
