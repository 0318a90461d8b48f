package events

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"mediagate/internal/redisutil"
)

// Type names one of the outward-facing event shapes.
type Type string

const (
	TypeUploaded         Type = "media.uploaded"
	TypePreviewRequested Type = "media.preview.requested"
	TypeProcessed        Type = "media.processed"
	TypeReadyForStream   Type = "media.ready-for-stream"
	TypeFailed           Type = "media.failed"
)

// Event is one outward-facing message. Delivery is at-least-once;
// ReadyForStream events carry an idempotency key so consumers can
// recognise a redelivered readiness fact.
type Event struct {
	Type           Type              `json:"type"`
	SessionID      string            `json:"sessionId"`
	AdminID        string            `json:"adminId"`
	ContentID      string            `json:"contentId,omitempty"`
	Kind           string            `json:"kind,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	OccurredAt     time.Time         `json:"occurredAt"`
	Payload        map[string]string `json:"payload,omitempty"`
}

// Emitter dispatches events to downstream consumers.
type Emitter interface {
	Publish(ctx context.Context, event Event) error
}

// IdempotencyKey derives a deterministic key from the content id and
// the validated checksum so repeated deliveries of the same readiness
// fact hash identically.
func IdempotencyKey(contentID, checksum string) string {
	sum := sha256.Sum256([]byte(contentID + ":" + checksum))
	return hex.EncodeToString(sum[:])
}

// RedisEmitterConfig configures the Redis Streams event emitter.
type RedisEmitterConfig struct {
	Redis        redisutil.Config
	StreamPrefix string
	Logger       *slog.Logger
}

const defaultStreamPrefix = "mediagate:events"

// NewRedisEmitter initialises an emitter that appends each event to a
// per-type Redis stream.
func NewRedisEmitter(cfg RedisEmitterConfig) (*RedisEmitter, error) {
	client, err := redisutil.NewClient(cfg.Redis)
	if err != nil {
		return nil, err
	}
	return newRedisEmitterWithClient(client, cfg), nil
}

func newRedisEmitterWithClient(client redis.UniversalClient, cfg RedisEmitterConfig) *RedisEmitter {
	prefix := strings.TrimSpace(cfg.StreamPrefix)
	if prefix == "" {
		prefix = defaultStreamPrefix
	}
	emitter := &RedisEmitter{
		client: client,
		prefix: prefix,
		logger: cfg.Logger,
	}
	if emitter.logger == nil {
		emitter.logger = slog.Default()
	}
	return emitter
}

// RedisEmitter publishes events to Redis Streams, one stream per event
// type.
type RedisEmitter struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

var _ Emitter = (*RedisEmitter)(nil)

func (e *RedisEmitter) stream(eventType Type) string {
	return e.prefix + ":" + string(eventType)
}

func (e *RedisEmitter) Publish(ctx context.Context, event Event) error {
	if event.Type == "" {
		return errors.New("event type is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := e.client.Do(ctx, "XADD", e.stream(event.Type), "*", "payload", string(payload)).Result(); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

// Ping verifies the emitter can reach Redis.
func (e *RedisEmitter) Ping(ctx context.Context) error {
	if e.client == nil {
		return errors.New("event emitter: redis client not configured")
	}
	return e.client.Ping(ctx).Err()
}

// Close releases the underlying Redis client.
func (e *RedisEmitter) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}

// MemoryEmitter records events in memory for development and tests.
type MemoryEmitter struct {
	mu     sync.Mutex
	events []Event
	// FailWith forces Publish to return this error when set.
	FailWith error
}

// NewMemoryEmitter creates an empty in-memory emitter.
func NewMemoryEmitter() *MemoryEmitter {
	return &MemoryEmitter{}
}

var _ Emitter = (*MemoryEmitter)(nil)

func (e *MemoryEmitter) Publish(ctx context.Context, event Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailWith != nil {
		return e.FailWith
	}
	if event.Type == "" {
		return errors.New("event type is required")
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	e.events = append(e.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (e *MemoryEmitter) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Event(nil), e.events...)
}

// EventsOfType filters the recorded events by type.
func (e *MemoryEmitter) EventsOfType(eventType Type) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var matched []Event
	for _, event := range e.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}
