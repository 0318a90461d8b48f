package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type admissionLabel struct {
	kind    string
	outcome string
}

// Recorder aggregates in-memory counters and gauges for HTTP requests,
// upload admissions, session transitions, event publishes, and sweeper
// activity. It coordinates concurrent writers via a RWMutex while
// exposing a thread-safe gauge for active session tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	admissions      map[admissionLabel]uint64
	quotaRejections map[string]uint64
	transitions     map[string]uint64
	eventsPublished map[string]uint64
	eventFailures   map[string]uint64
	credentialMints map[string]uint64
	sweepRuns       uint64
	sweptSessions   uint64
	activeSessions  atomic.Int64
}

var defaultRecorder atomic.Pointer[Recorder]

func init() {
	defaultRecorder.Store(New())
}

// New constructs an empty Recorder with initialized backing maps so
// callers can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		admissions:      make(map[admissionLabel]uint64),
		quotaRejections: make(map[string]uint64),
		transitions:     make(map[string]uint64),
		eventsPublished: make(map[string]uint64),
		eventFailures:   make(map[string]uint64),
		credentialMints: make(map[string]uint64),
	}
}

// Default returns the shared Recorder instance used by the package-level
// helper functions.
func Default() *Recorder {
	return defaultRecorder.Load()
}

// SetDefault replaces the shared Recorder. Intended for test setups.
func SetDefault(r *Recorder) {
	if r == nil {
		r = New()
	}
	defaultRecorder.Store(r)
}

// Registry bundles a Recorder for callers that want an isolated
// instrumentation pipeline.
type Registry struct {
	Recorder *Recorder
}

// NewRegistry constructs a fresh Recorder and installs it as the
// package default.
func NewRegistry() *Registry {
	recorder := New()
	SetDefault(recorder)
	return &Registry{Recorder: recorder}
}

// ObserveRequest normalizes the request label set and accumulates totals
// for request count and cumulative duration by HTTP method, normalized
// path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveAdmission records the outcome of one admission attempt keyed by
// asset kind (e.g. "video") and outcome ("admitted", "policy_rejected",
// "quota_rejected", "credential_failed").
func (r *Recorder) ObserveAdmission(kind, outcome string) {
	label := admissionLabel{kind: normalizeName(kind), outcome: normalizeName(outcome)}
	r.mu.Lock()
	r.admissions[label]++
	r.mu.Unlock()
}

// ObserveQuotaRejection records a ledger rejection by ceiling kind
// ("concurrent" or "daily").
func (r *Recorder) ObserveQuotaRejection(kind string) {
	normalized := normalizeName(kind)
	r.mu.Lock()
	r.quotaRejections[normalized]++
	r.mu.Unlock()
}

// ObserveTransition records a session entering the given state.
func (r *Recorder) ObserveTransition(state string) {
	normalized := normalizeName(state)
	r.mu.Lock()
	r.transitions[normalized]++
	r.mu.Unlock()
}

// SessionOpened increments the active session gauge.
func (r *Recorder) SessionOpened() {
	r.activeSessions.Add(1)
}

// SessionClosed decrements the active session gauge, guarding against
// negative counts when concurrent updates race.
func (r *Recorder) SessionClosed() {
	r.decrementGauge(&r.activeSessions)
}

// ActiveSessions exposes the current gauge of in-flight upload sessions.
func (r *Recorder) ActiveSessions() int64 {
	return r.activeSessions.Load()
}

// ObserveEventPublished records a successful event publish by type.
func (r *Recorder) ObserveEventPublished(eventType string) {
	normalized := normalizeName(eventType)
	r.mu.Lock()
	r.eventsPublished[normalized]++
	r.mu.Unlock()
}

// ObserveEventFailure records a failed event publish by type.
func (r *Recorder) ObserveEventFailure(eventType string) {
	normalized := normalizeName(eventType)
	r.mu.Lock()
	r.eventFailures[normalized]++
	r.mu.Unlock()
}

// ObserveCredentialMint records a credential mint attempt by outcome.
func (r *Recorder) ObserveCredentialMint(outcome string) {
	normalized := normalizeName(outcome)
	r.mu.Lock()
	r.credentialMints[normalized]++
	r.mu.Unlock()
}

// ObserveSweep records one sweeper run and the number of sessions it
// expired.
func (r *Recorder) ObserveSweep(expired int) {
	r.mu.Lock()
	r.sweepRuns++
	if expired > 0 {
		r.sweptSessions += uint64(expired)
	}
	r.mu.Unlock()
}

// Reset clears all counters and gauges on the recorder. It is intended
// for test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.admissions = make(map[admissionLabel]uint64)
	r.quotaRejections = make(map[string]uint64)
	r.transitions = make(map[string]uint64)
	r.eventsPublished = make(map[string]uint64)
	r.eventFailures = make(map[string]uint64)
	r.credentialMints = make(map[string]uint64)
	r.sweepRuns = 0
	r.sweptSessions = 0
	r.activeSessions.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus
// text exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format,
// sorting label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	admissionLabels := r.sortedAdmissionLabels()
	quotaKinds := sortedKeys(r.quotaRejections)
	transitionStates := sortedKeys(r.transitions)
	publishedTypes := sortedKeys(r.eventsPublished)
	failureTypes := sortedKeys(r.eventFailures)
	mintOutcomes := sortedKeys(r.credentialMints)

	fmt.Fprintln(w, "# HELP mediagate_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE mediagate_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "mediagate_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP mediagate_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE mediagate_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "mediagate_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP mediagate_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE mediagate_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "mediagate_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP mediagate_admissions_total Upload admission attempts by asset kind and outcome")
	fmt.Fprintln(w, "# TYPE mediagate_admissions_total counter")
	for _, label := range admissionLabels {
		fmt.Fprintf(w, "mediagate_admissions_total{kind=\"%s\",outcome=\"%s\"} %d\n", label.kind, label.outcome, r.admissions[label])
	}

	fmt.Fprintln(w, "# HELP mediagate_quota_rejections_total Ledger rejections by ceiling kind")
	fmt.Fprintln(w, "# TYPE mediagate_quota_rejections_total counter")
	for _, kind := range quotaKinds {
		fmt.Fprintf(w, "mediagate_quota_rejections_total{kind=\"%s\"} %d\n", kind, r.quotaRejections[kind])
	}

	fmt.Fprintln(w, "# HELP mediagate_session_transitions_total Session state transitions by target state")
	fmt.Fprintln(w, "# TYPE mediagate_session_transitions_total counter")
	for _, state := range transitionStates {
		fmt.Fprintf(w, "mediagate_session_transitions_total{state=\"%s\"} %d\n", state, r.transitions[state])
	}

	fmt.Fprintln(w, "# HELP mediagate_active_sessions Current number of sessions holding a quota claim")
	fmt.Fprintln(w, "# TYPE mediagate_active_sessions gauge")
	fmt.Fprintf(w, "mediagate_active_sessions %d\n", r.activeSessions.Load())

	fmt.Fprintln(w, "# HELP mediagate_events_published_total Lifecycle events published by type")
	fmt.Fprintln(w, "# TYPE mediagate_events_published_total counter")
	for _, eventType := range publishedTypes {
		fmt.Fprintf(w, "mediagate_events_published_total{type=\"%s\"} %d\n", eventType, r.eventsPublished[eventType])
	}

	fmt.Fprintln(w, "# HELP mediagate_event_publish_failures_total Failed event publishes by type")
	fmt.Fprintln(w, "# TYPE mediagate_event_publish_failures_total counter")
	for _, eventType := range failureTypes {
		fmt.Fprintf(w, "mediagate_event_publish_failures_total{type=\"%s\"} %d\n", eventType, r.eventFailures[eventType])
	}

	fmt.Fprintln(w, "# HELP mediagate_credential_mints_total Upload credential mint attempts by outcome")
	fmt.Fprintln(w, "# TYPE mediagate_credential_mints_total counter")
	for _, outcome := range mintOutcomes {
		fmt.Fprintf(w, "mediagate_credential_mints_total{outcome=\"%s\"} %d\n", outcome, r.credentialMints[outcome])
	}

	fmt.Fprintln(w, "# HELP mediagate_sweep_runs_total Total expiry sweeper runs")
	fmt.Fprintln(w, "# TYPE mediagate_sweep_runs_total counter")
	fmt.Fprintf(w, "mediagate_sweep_runs_total %d\n", r.sweepRuns)

	fmt.Fprintln(w, "# HELP mediagate_swept_sessions_total Total sessions expired by the sweeper")
	fmt.Fprintln(w, "# TYPE mediagate_swept_sessions_total counter")
	fmt.Fprintf(w, "mediagate_swept_sessions_total %d\n", r.sweptSessions)
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedAdmissionLabels() []admissionLabel {
	labels := make([]admissionLabel, 0, len(r.admissions))
	for label := range r.admissions {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].kind != labels[j].kind {
			return labels[i].kind < labels[j].kind
		}
		return labels[i].outcome < labels[j].outcome
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier keeps route verbs such as "validation" intact
// while collapsing session IDs so the label cardinality stays bounded.
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	Default().ObserveRequest(method, path, status, duration)
}

// ObserveAdmission records an admission outcome on the default recorder.
func ObserveAdmission(kind, outcome string) {
	Default().ObserveAdmission(kind, outcome)
}

// ObserveQuotaRejection records a ledger rejection on the default recorder.
func ObserveQuotaRejection(kind string) {
	Default().ObserveQuotaRejection(kind)
}

// ObserveTransition records a state transition on the default recorder.
func ObserveTransition(state string) {
	Default().ObserveTransition(state)
}

// ObserveSweep records a sweeper run on the default recorder.
func ObserveSweep(expired int) {
	Default().ObserveSweep(expired)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return Default().Handler()
}
