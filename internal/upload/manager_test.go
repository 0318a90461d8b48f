package upload

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mediagate/internal/events"
	"mediagate/internal/models"
	"mediagate/internal/objectstore"
	"mediagate/internal/policy"
	"mediagate/internal/quota"
	"mediagate/internal/storage"
)

type stubSigner struct {
	failWith error
	minted   int
}

func (s *stubSigner) Enabled() bool { return true }

func (s *stubSigner) PresignUpload(ctx context.Context, key, contentType string, maxSizeBytes int64, expiresAt time.Time) (objectstore.Credential, error) {
	if s.failWith != nil {
		return objectstore.Credential{}, s.failWith
	}
	s.minted++
	return objectstore.Credential{
		URL:       "https://storage.test/media",
		Fields:    map[string]string{"key": key, "Content-Type": contentType},
		ExpiresAt: expiresAt,
	}, nil
}

func (s *stubSigner) StorageURI(key string) string {
	return "s3://media/" + key
}

func (s *stubSigner) PublicURL(key string) string {
	return strings.TrimRight("https://cdn.test/"+key, "/")
}

type testHarness struct {
	manager *Manager
	store   *storage.Storage
	ledger  *quota.MemoryLedger
	emitter *events.MemoryEmitter
	signer  *stubSigner
	now     *time.Time
}

func newTestManager(t *testing.T) *testHarness {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	limits := quota.Limits{Concurrent: 3, Daily: 10}
	ledger := quota.NewMemoryLedger(limits)
	emitter := events.NewMemoryEmitter()
	signer := &stubSigner{}
	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)

	harness := &testHarness{store: store, ledger: ledger, emitter: emitter, signer: signer, now: &now}
	manager, err := NewManager(Config{
		Store:         store,
		Ledger:        ledger,
		Signer:        signer,
		Events:        emitter,
		Audit:         events.NewAuditTrail(nil),
		Limits:        limits,
		CredentialTTL: 30 * time.Minute,
		Now:           func() time.Time { return *harness.now },
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	harness.manager = manager
	return harness
}

func videoSignRequest() SignRequest {
	return SignRequest{
		FileName:       "clip.mp4",
		ContentType:    "video/mp4",
		SizeBytes:      100 << 20,
		Kind:           models.KindVideo,
		ContentID:      "content-1",
		Classification: models.ClassificationEpisode,
	}
}

func (h *testHarness) mustSign(t *testing.T, adminID string) models.UploadSession {
	t.Helper()
	result, err := h.manager.Sign(context.Background(), adminID, videoSignRequest())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return result.Session
}

func (h *testHarness) activeCount(t *testing.T, adminID string) int64 {
	t.Helper()
	counters, err := h.ledger.Snapshot(context.Background(), adminID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return counters.Active
}

func TestSignAdmitsVideoUpload(t *testing.T) {
	h := newTestManager(t)
	ctx := context.Background()

	result, err := h.manager.Sign(ctx, "admin-1", videoSignRequest())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	session := result.Session
	if session.State != models.StateUploading {
		t.Fatalf("state = %q, want %q", session.State, models.StateUploading)
	}
	if !strings.HasPrefix(session.ObjectKey, "videos/") {
		t.Fatalf("object key = %q, want videos/ prefix", session.ObjectKey)
	}
	if !strings.HasSuffix(session.ObjectKey, "/clip.mp4") {
		t.Fatalf("object key = %q, want sanitized file name suffix", session.ObjectKey)
	}
	if session.UploadURL == "" || session.UploadFields["key"] == "" {
		t.Fatalf("credential not carried on session: %+v", session)
	}
	wantExp := h.now.Add(30 * time.Minute)
	if !session.CredentialExp.Equal(wantExp) {
		t.Fatalf("credential expiry = %v, want %v", session.CredentialExp, wantExp)
	}
	if result.Counters.Active != 1 || result.Counters.Daily != 1 {
		t.Fatalf("counters = %+v", result.Counters)
	}
}

func TestSignRejectsOversizedWithoutTouchingQuota(t *testing.T) {
	h := newTestManager(t)
	ctx := context.Background()

	req := videoSignRequest()
	req.SizeBytes = 600 << 20
	_, err := h.manager.Sign(ctx, "admin-1", req)
	var violation *policy.Violation
	if !errors.As(err, &violation) {
		t.Fatalf("error = %v, want *policy.Violation", err)
	}
	if violation.Kind != policy.ViolationOversized {
		t.Fatalf("kind = %q", violation.Kind)
	}

	if got := h.activeCount(t, "admin-1"); got != 0 {
		t.Fatalf("active = %d, rejected request must not claim quota", got)
	}
	sessions, err := h.store.ListSessions(ctx, storage.SessionFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("sessions = %d, want none", len(sessions))
	}
}

func TestSignRejectsUnsupportedContentType(t *testing.T) {
	h := newTestManager(t)

	req := videoSignRequest()
	req.ContentType = "application/zip"
	_, err := h.manager.Sign(context.Background(), "admin-1", req)
	var violation *policy.Violation
	if !errors.As(err, &violation) {
		t.Fatalf("error = %v, want *policy.Violation", err)
	}
	if violation.Kind != policy.ViolationUnsupportedType {
		t.Fatalf("kind = %q", violation.Kind)
	}
}

func TestSignRequiresVideoClassification(t *testing.T) {
	h := newTestManager(t)

	req := videoSignRequest()
	req.Classification = ""
	_, err := h.manager.Sign(context.Background(), "admin-1", req)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("error = %v, want *RequestError", err)
	}
}

func TestSignRejectsQuotaCeilings(t *testing.T) {
	h := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.mustSign(t, "admin-1")
	}
	_, err := h.manager.Sign(ctx, "admin-1", videoSignRequest())
	var exceeded *quota.ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("error = %v, want *quota.ExceededError", err)
	}
	if exceeded.Kind != quota.ExceededConcurrent {
		t.Fatalf("kind = %q", exceeded.Kind)
	}
}

func TestSignReleasesQuotaWhenMintFails(t *testing.T) {
	h := newTestManager(t)
	h.signer.failWith = errors.New("storage unreachable")

	_, err := h.manager.Sign(context.Background(), "admin-1", videoSignRequest())
	var credErr *CredentialError
	if !errors.As(err, &credErr) {
		t.Fatalf("error = %v, want *CredentialError", err)
	}
	if got := h.activeCount(t, "admin-1"); got != 0 {
		t.Fatalf("active = %d, mint failure must release the claim", got)
	}
}

func TestValidationSuccessMovesToProcessingAndEmitsOnce(t *testing.T) {
	h := newTestManager(t)
	ctx := context.Background()
	session := h.mustSign(t, "admin-1")

	updated, err := h.manager.HandleValidation(ctx, session.ID, ValidationReport{
		Passed:          true,
		Checksum:        "abc123",
		DurationSeconds: 92.5,
		Width:           1920,
		Height:          1080,
	})
	if err != nil {
		t.Fatalf("validation: %v", err)
	}
	if updated.State != models.StateProcessing {
		t.Fatalf("state = %q, want %q", updated.State, models.StateProcessing)
	}
	if updated.Metadata["checksum"] != "abc123" {
		t.Fatalf("metadata = %v", updated.Metadata)
	}
	if updated.Metadata["durationSeconds"] != "92.5" {
		t.Fatalf("duration = %q", updated.Metadata["durationSeconds"])
	}

	uploaded := h.emitter.EventsOfType(events.TypeUploaded)
	if len(uploaded) != 1 {
		t.Fatalf("media.uploaded count = %d, want 1", len(uploaded))
	}
	if uploaded[0].Payload["checksum"] != "abc123" {
		t.Fatalf("uploaded payload = %v", uploaded[0].Payload)
	}
	previews := h.emitter.EventsOfType(events.TypePreviewRequested)
	if len(previews) != 1 {
		t.Fatalf("preview.requested count = %d, want 1 for video", len(previews))
	}

	if got := h.activeCount(t, "admin-1"); got != 1 {
		t.Fatalf("active = %d, validation success must keep the claim", got)
	}
}

func TestValidationFailureReleasesQuota(t *testing.T) {
	h := newTestManager(t)
	ctx := context.Background()
	session := h.mustSign(t, "admin-1")

	updated, err := h.manager.HandleValidation(ctx, session.ID, ValidationReport{
		Passed:        false,
		FailureReason: "checksum mismatch",
	})
	if err != nil {
		t.Fatalf("validation: %v", err)
	}
	if updated.State != models.StateFailed {
		t.Fatalf("state = %q, want %q", updated.State, models.StateFailed)
	}
	if updated.FailureReason != "checksum mismatch" {
		t.Fatalf("reason = %q", updated.FailureReason)
	}
	if updated.CompletedAt == nil {
		t.Fatal("completedAt not set on terminal state")
	}
	if got := h.activeCount(t, "admin-1"); got != 0 {
		t.Fatalf("active = %d, want 0 after failure", got)
	}
	if len(h.emitter.EventsOfType(events.TypeUploaded)) != 0 {
		t.Fatal("failed validation must not emit media.uploaded")
	}
}

// conflictOnFailStore makes the first terminal-FAILED write lose its
// state check, as when a concurrent duplicate delivery commits first.
type conflictOnFailStore struct {
	storage.Repository
	fired bool
}

func (s *conflictOnFailStore) UpdateSession(ctx context.Context, id string, update storage.SessionUpdate) (models.UploadSession, error) {
	if !s.fired && update.State != nil && *update.State == models.StateFailed {
		s.fired = true
		return models.UploadSession{}, &storage.StateConflictError{
			Current:  models.StateFailed,
			Expected: update.ExpectedStates,
		}
	}
	return s.Repository.UpdateSession(ctx, id, update)
}

func TestValidationFailureConflictReturnsCurrentSession(t *testing.T) {
	h := newTestManager(t)
	ctx := context.Background()
	session := h.mustSign(t, "admin-1")

	racing := &conflictOnFailStore{Repository: h.store}
	manager, err := NewManager(Config{
		Store:  racing,
		Ledger: h.ledger,
		Signer: h.signer,
		Events: h.emitter,
		Limits: quota.Limits{Concurrent: 3, Daily: 10},
		Now:    func() time.Time { return *h.now },
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	updated, err := manager.HandleValidation(ctx, session.ID, ValidationReport{
		Passed:        false,
		FailureReason: "checksum mismatch",
	})
	if err != nil {
		t.Fatalf("losing the terminal write race must not surface an error: %v", err)
	}
	if updated.ID != session.ID {
		t.Fatalf("session id = %q, want %q", updated.ID, session.ID)
	}
	if updated.State != models.StateValidating {
		t.Fatalf("state = %q, want the stored state after the lost write", updated.State)
	}
	if !racing.fired {
		t.Fatal("state conflict was never exercised")
	}
}

func TestValidationUnknownSessionIsNotFound(t *testing.T) {
	h := newTestManager(t)

	_, err := h.manager.HandleValidation(context.Background(), "missing", ValidationReport{Passed: true})
	if !errors.Is(err, storage.ErrSessionNotFound) {
		t.Fatalf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestValidationRedeliveryIsIdempotent(t *testing.T) {
	h := newTestManager(t)
	ctx := context.Background()
	session := h.mustSign(t, "admin-1")

	report := ValidationReport{Passed: true, Checksum: "abc123"}
	if _, err := h.manager.HandleValidation(ctx, session.ID, report); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	second, err := h.manager.HandleValidation(ctx, session.ID, report)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if second.State != models.StateProcessing {
		t.Fatalf("state = %q", second.State)
	}
	if got := len(h.emitter.EventsOfType(events.TypeUploaded)); got != 1 {
		t.Fatalf("media.uploaded count = %d, redelivery must not emit again", got)
	}
}

func readyMetadata() *models.ReadyMetadata {
	return &models.ReadyMetadata{
		Bucket:         "media",
		ManifestObject: "videos/a/master.m3u8",
		Checksum:       "abc123",
		Renditions: []models.Rendition{
			{Name: "720p", Codec: "h264", BitrateKbps: 2800, Resolution: "1280x720"},
		},
	}
}

func TestProcessingReadyCompletesLifecycle(t *testing.T) {
	h := newTestManager(t)
	ctx := context.Background()
	session := h.mustSign(t, "admin-1")

	if _, err := h.manager.HandleValidation(ctx, session.ID, ValidationReport{Passed: true, Checksum: "abc123"}); err != nil {
		t.Fatalf("validation: %v", err)
	}
	updated, err := h.manager.HandleProcessing(ctx, session.ID, ProcessingReport{
		Ready:         true,
		ManifestURL:   "https://cdn.test/videos/a/master.m3u8",
		ThumbnailURL:  "https://cdn.test/videos/a/thumb.jpg",
		BitrateKbps:   2800,
		ReadyMetadata: readyMetadata(),
	})
	if err != nil {
		t.Fatalf("processing: %v", err)
	}
	if updated.State != models.StateReady {
		t.Fatalf("state = %q, want %q", updated.State, models.StateReady)
	}
	if updated.ReadyMetadata == nil || updated.ReadyMetadata.Checksum != "abc123" {
		t.Fatalf("ready metadata = %+v", updated.ReadyMetadata)
	}
	if updated.Metadata["checksum"] != "abc123" {
		t.Fatal("validation metadata must survive the processing merge")
	}
	if got := h.activeCount(t, "admin-1"); got != 0 {
		t.Fatalf("active = %d, want 0 after READY", got)
	}

	processed := h.emitter.EventsOfType(events.TypeProcessed)
	if len(processed) != 1 {
		t.Fatalf("media.processed count = %d", len(processed))
	}
	readyEvents := h.emitter.EventsOfType(events.TypeReadyForStream)
	if len(readyEvents) != 1 {
		t.Fatalf("ready-for-stream count = %d", len(readyEvents))
	}
	wantKey := events.IdempotencyKey("content-1", "abc123")
	if readyEvents[0].IdempotencyKey != wantKey {
		t.Fatalf("idempotency key = %q, want %q", readyEvents[0].IdempotencyKey, wantKey)
	}

	all := h.emitter.Events()
	var processedIdx, readyIdx int
	for i, event := range all {
		switch event.Type {
		case events.TypeProcessed:
			processedIdx = i
		case events.TypeReadyForStream:
			readyIdx = i
		}
	}
	if processedIdx > readyIdx {
		t.Fatal("media.processed must be emitted before ready-for-stream")
	}
}

func TestProcessingReadyRequiresReadyMetadata(t *testing.T) {
	h := newTestManager(t)
	ctx := context.Background()
	session := h.mustSign(t, "admin-1")

	if _, err := h.manager.HandleValidation(ctx, session.ID, ValidationReport{Passed: true, Checksum: "abc123"}); err != nil {
		t.Fatalf("validation: %v", err)
	}
	_, err := h.manager.HandleProcessing(ctx, session.ID, ProcessingReport{
		Ready:       true,
		ManifestURL: "https://cdn.test/videos/a/master.m3u8",
	})
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("error = %v, want *RequestError", err)
	}

	current, err := h.manager.Snapshot(ctx, session.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if current.State != models.StateProcessing {
		t.Fatalf("state = %q, rejected readiness must not advance the session", current.State)
	}
	if got := h.activeCount(t, "admin-1"); got != 1 {
		t.Fatalf("active = %d, claim must remain held", got)
	}
}

func TestProcessingFailureClearsReadinessFields(t *testing.T) {
	h := newTestManager(t)
	ctx := context.Background()
	session := h.mustSign(t, "admin-1")

	if _, err := h.manager.HandleValidation(ctx, session.ID, ValidationReport{Passed: true, Checksum: "abc123"}); err != nil {
		t.Fatalf("validation: %v", err)
	}
	updated, err := h.manager.HandleProcessing(ctx, session.ID, ProcessingReport{
		Ready:         false,
		FailureReason: "transcode crashed",
	})
	if err != nil {
		t.Fatalf("processing: %v", err)
	}
	if updated.State != models.StateFailed {
		t.Fatalf("state = %q", updated.State)
	}
	if updated.ReadyMetadata != nil {
		t.Fatal("ready metadata must be cleared on failure")
	}
	for _, key := range []string{"manifestUrl", "thumbnailUrl", "bitrateKbps"} {
		if _, ok := updated.Metadata[key]; ok {
			t.Fatalf("readiness field %q survived the failure", key)
		}
	}
	if updated.Metadata["checksum"] != "abc123" {
		t.Fatal("validation metadata must survive the failure transition")
	}
	if got := h.activeCount(t, "admin-1"); got != 0 {
		t.Fatalf("active = %d", got)
	}
	if len(h.emitter.EventsOfType(events.TypeFailed)) != 1 {
		t.Fatal("media.failed not emitted")
	}
}

func TestProcessingRedeliveryReleasesQuotaOnce(t *testing.T) {
	h := newTestManager(t)
	ctx := context.Background()
	first := h.mustSign(t, "admin-1")
	second := h.mustSign(t, "admin-1")

	for _, id := range []string{first.ID, second.ID} {
		if _, err := h.manager.HandleValidation(ctx, id, ValidationReport{Passed: true, Checksum: "abc123"}); err != nil {
			t.Fatalf("validation: %v", err)
		}
	}

	report := ProcessingReport{Ready: true, ManifestURL: "https://cdn.test/m.m3u8", ReadyMetadata: readyMetadata()}
	if _, err := h.manager.HandleProcessing(ctx, first.ID, report); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := h.manager.HandleProcessing(ctx, first.ID, report); err != nil {
			t.Fatalf("redelivery %d: %v", i, err)
		}
	}

	// Only the first session's claim may be released.
	if got := h.activeCount(t, "admin-1"); got != 1 {
		t.Fatalf("active = %d, redelivery must not release a second claim", got)
	}
	if got := len(h.emitter.EventsOfType(events.TypeProcessed)); got != 1 {
		t.Fatalf("media.processed count = %d, want 1", got)
	}
}

func TestProcessingOutOfOrderIsRejected(t *testing.T) {
	h := newTestManager(t)
	session := h.mustSign(t, "admin-1")

	_, err := h.manager.HandleProcessing(context.Background(), session.ID, ProcessingReport{Ready: true, ReadyMetadata: readyMetadata()})
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("error = %v, want *InvalidTransitionError", err)
	}
}

func TestRetryReclaimsQuotaAndReemits(t *testing.T) {
	h := newTestManager(t)
	ctx := context.Background()
	session := h.mustSign(t, "admin-1")

	if _, err := h.manager.HandleValidation(ctx, session.ID, ValidationReport{Passed: false, FailureReason: "bad media"}); err != nil {
		t.Fatalf("validation: %v", err)
	}
	if got := h.activeCount(t, "admin-1"); got != 0 {
		t.Fatalf("active = %d before retry", got)
	}

	retried, err := h.manager.Retry(ctx, "admin-1", session.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.State != models.StateProcessing {
		t.Fatalf("state = %q, want %q", retried.State, models.StateProcessing)
	}
	if retried.FailureReason != "" {
		t.Fatalf("failure reason = %q, want cleared", retried.FailureReason)
	}
	if retried.CompletedAt != nil {
		t.Fatal("completedAt must be cleared on retry")
	}
	if got := h.activeCount(t, "admin-1"); got != 1 {
		t.Fatalf("active = %d, retry must re-claim quota", got)
	}
	if got := len(h.emitter.EventsOfType(events.TypeUploaded)); got != 1 {
		t.Fatalf("media.uploaded count = %d after retry", got)
	}
}

func TestRetryRejectedAtCeiling(t *testing.T) {
	h := newTestManager(t)
	ctx := context.Background()
	session := h.mustSign(t, "admin-1")
	if _, err := h.manager.HandleValidation(ctx, session.ID, ValidationReport{Passed: false}); err != nil {
		t.Fatalf("validation: %v", err)
	}

	for i := 0; i < 3; i++ {
		h.mustSign(t, "admin-1")
	}

	_, err := h.manager.Retry(ctx, "admin-1", session.ID)
	var exceeded *quota.ExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("error = %v, want *quota.ExceededError at the ceiling", err)
	}
}

func TestRetryRejectsNonRetryableState(t *testing.T) {
	h := newTestManager(t)
	session := h.mustSign(t, "admin-1")

	_, err := h.manager.Retry(context.Background(), "admin-1", session.ID)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("error = %v, want *InvalidTransitionError", err)
	}
}

func TestStatusHidesForeignSessions(t *testing.T) {
	h := newTestManager(t)
	session := h.mustSign(t, "admin-1")

	if _, err := h.manager.Status(context.Background(), "admin-2", session.ID); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Fatalf("error = %v, want ErrSessionNotFound for foreign session", err)
	}
	if _, err := h.manager.Retry(context.Background(), "admin-2", session.ID); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Fatalf("retry error = %v, want ErrSessionNotFound for foreign session", err)
	}
}

func TestQuotaSnapshotCarriesLimits(t *testing.T) {
	h := newTestManager(t)
	h.mustSign(t, "admin-1")

	snapshot, err := h.manager.Quota(context.Background(), "admin-1")
	if err != nil {
		t.Fatalf("quota: %v", err)
	}
	if snapshot.ActiveUploads != 1 || snapshot.DailyUploads != 1 {
		t.Fatalf("snapshot = %+v", snapshot)
	}
	if snapshot.ConcurrentLimit != 3 || snapshot.DailyLimit != 10 {
		t.Fatalf("limits = %+v", snapshot)
	}
}

func TestSweepExpiresStaleSessions(t *testing.T) {
	h := newTestManager(t)
	ctx := context.Background()
	session := h.mustSign(t, "admin-1")

	*h.now = h.now.Add(time.Hour)
	count, err := h.manager.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 1 {
		t.Fatalf("swept = %d, want 1", count)
	}

	swept, err := h.manager.Snapshot(ctx, session.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if swept.State != models.StateExpired {
		t.Fatalf("state = %q, want %q", swept.State, models.StateExpired)
	}
	if swept.FailureReason == "" {
		t.Fatal("expired session must carry a failure reason")
	}
	if got := h.activeCount(t, "admin-1"); got != 0 {
		t.Fatalf("active = %d, sweep must release the claim", got)
	}

	again, err := h.manager.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if again != 0 {
		t.Fatalf("second sweep = %d, want 0", again)
	}
}

func TestSweepLeavesLiveSessionsAlone(t *testing.T) {
	h := newTestManager(t)
	ctx := context.Background()
	session := h.mustSign(t, "admin-1")

	count, err := h.manager.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if count != 0 {
		t.Fatalf("swept = %d, want 0 for live credentials", count)
	}
	current, err := h.manager.Snapshot(ctx, session.ID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if current.State != models.StateUploading {
		t.Fatalf("state = %q", current.State)
	}
}
