package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mediagate/internal/api"
	"mediagate/internal/events"
	"mediagate/internal/objectstore"
	"mediagate/internal/observability/logging"
	"mediagate/internal/quota"
	"mediagate/internal/storage"
	"mediagate/internal/upload"
)

type nullSigner struct{}

func (nullSigner) Enabled() bool { return true }

func (nullSigner) PresignUpload(ctx context.Context, key, contentType string, maxSizeBytes int64, expiresAt time.Time) (objectstore.Credential, error) {
	return objectstore.Credential{
		URL:       "https://storage.test/media",
		Fields:    map[string]string{"key": key},
		ExpiresAt: expiresAt,
	}, nil
}

func (nullSigner) StorageURI(key string) string { return "s3://media/" + key }
func (nullSigner) PublicURL(key string) string  { return "https://cdn.test/" + key }

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "sessions.json"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	limits := quota.Limits{Concurrent: 5, Daily: 20}
	manager, err := upload.NewManager(upload.Config{
		Store:  store,
		Ledger: quota.NewMemoryLedger(limits),
		Signer: nullSigner{},
		Events: events.NewMemoryEmitter(),
		Limits: limits,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	srv, err := New(api.NewHandler(manager, nil), cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return srv
}

func TestServerRoutesHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, Config{})
	handler := srv.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "mediagate_http_requests_total") {
		t.Fatalf("metrics body missing exposition: %q", rec.Body.String())
	}
}

func TestServerRequiresAdminIdentity(t *testing.T) {
	srv := newTestServer(t, Config{})

	body := `{"fileName":"a.jpg","contentType":"image/jpeg","sizeBytes":1024,"kind":"thumbnail"}`
	req := httptest.NewRequest(http.MethodPost, "/api/uploads/sign", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without X-Admin-ID", rec.Code)
	}
}

func TestServerSetsSecurityHeadersAndRequestID(t *testing.T) {
	srv := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options = %q", got)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("X-Request-Id not set on response")
	}
}

func TestServerEchoesCallerRequestID(t *testing.T) {
	srv := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "caller-supplied")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "caller-supplied" {
		t.Fatalf("X-Request-Id = %q", got)
	}
}

func TestServerGlobalRateLimit(t *testing.T) {
	srv := newTestServer(t, Config{
		RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1},
	})
	handler := srv.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
}

func TestServerSignRateLimitPerAdmin(t *testing.T) {
	srv := newTestServer(t, Config{
		RateLimit: RateLimitConfig{SignLimit: 1, SignWindow: time.Hour},
	})
	handler := srv.Handler()

	body := `{"fileName":"a.jpg","contentType":"image/jpeg","sizeBytes":1024,"kind":"thumbnail"}`
	send := func(admin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/uploads/sign", strings.NewReader(body))
		req.Header.Set("X-Admin-ID", admin)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	if rec := send("admin-1"); rec.Code != http.StatusCreated {
		t.Fatalf("first sign status = %d body=%s", rec.Code, rec.Body.String())
	}
	if rec := send("admin-1"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("throttled sign status = %d", rec.Code)
	}
	// A different admin has its own window.
	if rec := send("admin-2"); rec.Code != http.StatusCreated {
		t.Fatalf("other admin status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestServerLogsCompletedRequests(t *testing.T) {
	var buf bytes.Buffer
	srv := newTestServer(t, Config{
		Logger: logging.New(logging.Config{Writer: &buf}),
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-log-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	logged := buf.String()
	if !strings.Contains(logged, "request completed") {
		t.Fatalf("request log missing completion entry: %q", logged)
	}
	for _, field := range []string{`"path":"/healthz"`, `"status":200`, `"request_id":"req-log-1"`, `"remote_ip"`} {
		if !strings.Contains(logged, field) {
			t.Fatalf("request log missing %s: %q", field, logged)
		}
	}
}

func TestSignLimiterFallsBackToLocalBuckets(t *testing.T) {
	original := newSignStore
	newSignStore = func(addr, password string, timeout time.Duration) *redisStore {
		return nil
	}
	t.Cleanup(func() {
		newSignStore = original
	})

	rl := newRateLimiter(RateLimitConfig{
		SignLimit:  1,
		SignWindow: time.Hour,
		RedisAddr:  "127.0.0.1:1",
	})
	t.Cleanup(rl.Close)

	if rl.store != nil {
		t.Fatal("expected no shared store after constructor failure")
	}
	allowed, _, err := rl.AllowSign("admin-1")
	if err != nil {
		t.Fatalf("first sign errored: %v", err)
	}
	if !allowed {
		t.Fatal("first sign should be admitted by local bucket")
	}
	allowed, _, err = rl.AllowSign("admin-1")
	if err != nil {
		t.Fatalf("second sign errored: %v", err)
	}
	if allowed {
		t.Fatal("second sign should be throttled by local bucket")
	}
}

func TestSessionIDFromPath(t *testing.T) {
	cases := map[string]string{
		"/api/uploads/sign":           "",
		"/api/uploads/quota":          "",
		"/api/uploads/abc/validation": "abc",
		"/api/uploads/abc/status":     "abc",
		"/api/uploads/abc":            "abc",
		"/api/uploads/":               "",
		"/healthz":                    "",
	}
	for path, want := range cases {
		if got := sessionIDFromPath(path); got != want {
			t.Fatalf("sessionIDFromPath(%q) = %q, want %q", path, got, want)
		}
	}
}
