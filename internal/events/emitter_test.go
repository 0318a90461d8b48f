package events

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func TestIdempotencyKeyIsDeterministic(t *testing.T) {
	first := IdempotencyKey("content-1", "abc123")
	second := IdempotencyKey("content-1", "abc123")
	if first != second {
		t.Fatalf("keys differ: %q vs %q", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("key length = %d, want 64 hex chars", len(first))
	}
	if IdempotencyKey("content-2", "abc123") == first {
		t.Fatal("different content ids must produce different keys")
	}
	if IdempotencyKey("content-1", "def456") == first {
		t.Fatal("different checksums must produce different keys")
	}
}

func TestRedisEmitterAppendsToPerTypeStream(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	emitter := newRedisEmitterWithClient(client, RedisEmitterConfig{StreamPrefix: "test:events"})

	err := emitter.Publish(context.Background(), Event{
		Type:      TypeUploaded,
		SessionID: "session-1",
		AdminID:   "admin-1",
		Payload:   map[string]string{"checksum": "abc123"},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	entries, err := server.Stream("test:events:media.uploaded")
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("stream entries = %d, want 1", len(entries))
	}
	if len(entries[0].Values) != 2 || entries[0].Values[0] != "payload" {
		t.Fatalf("entry values = %v", entries[0].Values)
	}
	var decoded Event
	if err := json.Unmarshal([]byte(entries[0].Values[1]), &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.SessionID != "session-1" || decoded.Payload["checksum"] != "abc123" {
		t.Fatalf("decoded = %+v", decoded)
	}
	if decoded.OccurredAt.IsZero() {
		t.Fatal("occurredAt should be stamped on publish")
	}
}

func TestRedisEmitterRejectsMissingType(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	emitter := newRedisEmitterWithClient(client, RedisEmitterConfig{})

	if err := emitter.Publish(context.Background(), Event{SessionID: "session-1"}); err == nil {
		t.Fatal("expected error for missing event type")
	}
}

func TestMemoryEmitterRecordsAndFilters(t *testing.T) {
	emitter := NewMemoryEmitter()
	ctx := context.Background()

	if err := emitter.Publish(ctx, Event{Type: TypeUploaded, SessionID: "a"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := emitter.Publish(ctx, Event{Type: TypeFailed, SessionID: "b"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := len(emitter.Events()); got != 2 {
		t.Fatalf("events = %d, want 2", got)
	}
	failed := emitter.EventsOfType(TypeFailed)
	if len(failed) != 1 || failed[0].SessionID != "b" {
		t.Fatalf("filtered = %v", failed)
	}
}

func TestAuditTrailWritesAsynchronously(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	trail := NewAuditTrail(logger)

	trail.Record(AuditRecord{
		Action:    "upload-admitted",
		SessionID: "session-1",
		AdminID:   "admin-1",
		Metadata:  map[string]string{"kind": "video"},
	})
	trail.Flush()

	output := buf.String()
	for _, want := range []string{"upload-admitted", "session-1", "admin-1", "meta_kind=video"} {
		if !strings.Contains(output, want) {
			t.Fatalf("audit output missing %q: %s", want, output)
		}
	}
}
