package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"mediagate/internal/auth"
	"mediagate/internal/policy"
	"mediagate/internal/quota"
	"mediagate/internal/storage"
	"mediagate/internal/upload"
)

// Handler exposes the upload admission API over HTTP.
type Handler struct {
	Manager *upload.Manager
	Logger  *slog.Logger

	// WebhookTokenDigest guards the pipeline callback endpoints. Empty
	// means the callbacks are unauthenticated, which is only acceptable
	// in local development.
	WebhookTokenDigest string

	// Checks are probed by the health endpoint.
	Checks []HealthCheck
}

// HealthCheck probes one backing component.
type HealthCheck struct {
	Component string
	Probe     func(ctx context.Context) error
}

func NewHandler(manager *upload.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Manager: manager, Logger: logger}
}

// adminID extracts the acting administrator's identity. The gateway in
// front of this service authenticates admins and forwards the identity
// in a trusted header.
func adminID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Admin-ID"))
}

func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := adminID(r)
	if id == "" {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("X-Admin-ID header is required"))
		return "", false
	}
	return id, true
}

func (h *Handler) requireWebhookToken(w http.ResponseWriter, r *http.Request) bool {
	if h.WebhookTokenDigest == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	token := ""
	if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		token = strings.TrimSpace(parts[1])
	}
	if !auth.VerifyToken(token, h.WebhookTokenDigest) {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid pipeline token"))
		return false
	}
	return true
}

// writeManagerError maps engine errors onto HTTP statuses.
func (h *Handler) writeManagerError(w http.ResponseWriter, err error) {
	var violation *policy.Violation
	if errors.As(err, &violation) {
		switch violation.Kind {
		case policy.ViolationOversized:
			writeErrorCode(w, http.StatusRequestEntityTooLarge, string(violation.Kind), err)
		case policy.ViolationUnsupportedType:
			writeErrorCode(w, http.StatusUnsupportedMediaType, string(violation.Kind), err)
		default:
			writeErrorCode(w, http.StatusBadRequest, string(violation.Kind), err)
		}
		return
	}
	var exceeded *quota.ExceededError
	if errors.As(err, &exceeded) {
		code := "quota-concurrent"
		if exceeded.Kind == quota.ExceededDaily {
			code = "quota-daily"
		}
		writeErrorCode(w, http.StatusTooManyRequests, code, err)
		return
	}
	var reqErr *upload.RequestError
	if errors.As(err, &reqErr) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var transition *upload.InvalidTransitionError
	if errors.As(err, &transition) {
		writeError(w, http.StatusConflict, err)
		return
	}
	var conflict *storage.StateConflictError
	if errors.As(err, &conflict) {
		writeError(w, http.StatusConflict, err)
		return
	}
	var credErr *upload.CredentialError
	if errors.As(err, &credErr) {
		h.Logger.Error("credential mint failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, fmt.Errorf("upload credential unavailable"))
		return
	}
	if errors.Is(err, storage.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	h.Logger.Error("request failed", slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, fmt.Errorf("internal error"))
}

type healthComponent struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	overall := "ok"
	status := http.StatusOK
	components := make([]healthComponent, 0, len(h.Checks))
	for _, check := range h.Checks {
		entry := healthComponent{Component: check.Component, Status: "ok"}
		if err := check.Probe(r.Context()); err != nil {
			entry.Status = "degraded"
			entry.Error = err.Error()
			overall = "degraded"
			status = http.StatusServiceUnavailable
		}
		components = append(components, entry)
	}
	writeJSON(w, status, map[string]interface{}{
		"status":     overall,
		"components": components,
	})
}
