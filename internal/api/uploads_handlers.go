package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"mediagate/internal/models"
	"mediagate/internal/upload"
)

type signUploadRequest struct {
	FileName       string `json:"fileName"`
	ContentType    string `json:"contentType"`
	SizeBytes      int64  `json:"sizeBytes"`
	Kind           string `json:"kind"`
	ContentID      string `json:"contentId"`
	Classification string `json:"classification"`
}

type validationCallbackRequest struct {
	Passed          bool    `json:"passed"`
	Checksum        string  `json:"checksum"`
	DurationSeconds float64 `json:"durationSeconds"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	FailureReason   string  `json:"failureReason"`
}

type processingCallbackRequest struct {
	Ready         bool                  `json:"ready"`
	ManifestURL   string                `json:"manifestUrl"`
	ThumbnailURL  string                `json:"thumbnailUrl"`
	BitrateKbps   int                   `json:"bitrateKbps"`
	ReadyMetadata *models.ReadyMetadata `json:"readyMetadata"`
	FailureReason string                `json:"failureReason"`
}

type sessionResponse struct {
	ID             string                `json:"id"`
	Kind           string                `json:"kind"`
	Classification string                `json:"classification,omitempty"`
	ContentID      string                `json:"contentId,omitempty"`
	FileName       string                `json:"fileName"`
	ContentType    string                `json:"contentType"`
	SizeBytes      int64                 `json:"sizeBytes"`
	ObjectKey      string                `json:"objectKey"`
	StorageURI     string                `json:"storageUri"`
	State          string                `json:"state"`
	Metadata       map[string]string     `json:"metadata,omitempty"`
	ReadyMetadata  *models.ReadyMetadata `json:"readyMetadata,omitempty"`
	FailureReason  string                `json:"failureReason,omitempty"`
	CreatedAt      string                `json:"createdAt"`
	UpdatedAt      string                `json:"updatedAt"`
	CompletedAt    *string               `json:"completedAt,omitempty"`
}

type credentialResponse struct {
	URL       string            `json:"url"`
	Fields    map[string]string `json:"fields"`
	ExpiresAt string            `json:"expiresAt"`
}

type signResponse struct {
	Session sessionResponse      `json:"session"`
	Upload  credentialResponse   `json:"upload"`
	Quota   models.QuotaSnapshot `json:"quota"`
}

func newSessionResponse(session models.UploadSession) sessionResponse {
	resp := sessionResponse{
		ID:             session.ID,
		Kind:           string(session.Kind),
		Classification: string(session.Classification),
		ContentID:      session.ContentID,
		FileName:       session.FileName,
		ContentType:    session.ContentType,
		SizeBytes:      session.SizeBytes,
		ObjectKey:      session.ObjectKey,
		StorageURI:     session.StorageURI,
		State:          string(session.State),
		FailureReason:  session.FailureReason,
		CreatedAt:      session.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:      session.UpdatedAt.Format(time.RFC3339Nano),
	}
	if session.Metadata != nil {
		meta := make(map[string]string, len(session.Metadata))
		for k, v := range session.Metadata {
			meta[k] = v
		}
		resp.Metadata = meta
	}
	if session.ReadyMetadata != nil {
		ready := *session.ReadyMetadata
		ready.Renditions = append([]models.Rendition{}, session.ReadyMetadata.Renditions...)
		resp.ReadyMetadata = &ready
	}
	if session.CompletedAt != nil {
		completed := session.CompletedAt.Format(time.RFC3339Nano)
		resp.CompletedAt = &completed
	}
	return resp
}

func newCredentialResponse(session models.UploadSession) credentialResponse {
	fields := make(map[string]string, len(session.UploadFields))
	for k, v := range session.UploadFields {
		fields[k] = v
	}
	return credentialResponse{
		URL:       session.UploadURL,
		Fields:    fields,
		ExpiresAt: session.CredentialExp.UTC().Format(time.RFC3339Nano),
	}
}

// SignUpload handles POST /api/uploads/sign.
func (h *Handler) SignUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	admin, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	var req signUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := h.Manager.Sign(r.Context(), admin, upload.SignRequest{
		FileName:       req.FileName,
		ContentType:    req.ContentType,
		SizeBytes:      req.SizeBytes,
		Kind:           models.AssetKind(strings.ToLower(strings.TrimSpace(req.Kind))),
		ContentID:      strings.TrimSpace(req.ContentID),
		Classification: models.Classification(strings.ToLower(strings.TrimSpace(req.Classification))),
	})
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	quotaState, err := h.Manager.Quota(r.Context(), admin)
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, signResponse{
		Session: newSessionResponse(result.Session),
		Upload:  newCredentialResponse(result.Session),
		Quota:   quotaState,
	})
}

// Uploads handles GET /api/uploads.
func (h *Handler) Uploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	admin, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	state := models.SessionState(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("state"))))
	sessions, err := h.Manager.List(r.Context(), admin, state)
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	response := make([]sessionResponse, 0, len(sessions))
	for _, session := range sessions {
		response = append(response, newSessionResponse(session))
	}
	writeJSON(w, http.StatusOK, response)
}

// UploadQuota handles GET /api/uploads/quota.
func (h *Handler) UploadQuota(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	admin, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	snapshot, err := h.Manager.Quota(r.Context(), admin)
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// UploadByID routes /api/uploads/{id}/... subresources.
func (h *Handler) UploadByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/uploads/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("upload id missing"))
		return
	}
	sessionID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	if len(parts) > 2 {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown upload path"))
		return
	}

	switch action {
	case "", "status":
		h.uploadStatus(w, r, sessionID)
	case "validation":
		h.validationCallback(w, r, sessionID)
	case "processing":
		h.processingCallback(w, r, sessionID)
	case "retry":
		h.retryUpload(w, r, sessionID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown upload path"))
	}
}

func (h *Handler) uploadStatus(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	admin, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	session, err := h.Manager.Status(r.Context(), admin, sessionID)
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(session))
}

// validationCallback accepts the validation pipeline's outcome. The
// transition work is already durable by the time we respond, so a 202
// tells the pipeline the report is accepted and it must not redeliver.
func (h *Handler) validationCallback(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if !h.requireWebhookToken(w, r) {
		return
	}
	var req validationCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := h.Manager.HandleValidation(r.Context(), sessionID, upload.ValidationReport{
		Passed:          req.Passed,
		Checksum:        req.Checksum,
		DurationSeconds: req.DurationSeconds,
		Width:           req.Width,
		Height:          req.Height,
		FailureReason:   req.FailureReason,
	})
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newSessionResponse(session))
}

func (h *Handler) processingCallback(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if !h.requireWebhookToken(w, r) {
		return
	}
	var req processingCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	session, err := h.Manager.HandleProcessing(r.Context(), sessionID, upload.ProcessingReport{
		Ready:         req.Ready,
		ManifestURL:   req.ManifestURL,
		ThumbnailURL:  req.ThumbnailURL,
		BitrateKbps:   req.BitrateKbps,
		ReadyMetadata: req.ReadyMetadata,
		FailureReason: req.FailureReason,
	})
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newSessionResponse(session))
}

func (h *Handler) retryUpload(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	admin, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	session, err := h.Manager.Retry(r.Context(), admin, sessionID)
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(session))
}
