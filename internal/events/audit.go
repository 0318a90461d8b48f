package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AuditRecord is a denormalized, best-effort trace of one significant
// session transition.
type AuditRecord struct {
	Action    string
	SessionID string
	AdminID   string
	Metadata  map[string]string
}

// AuditTrail writes audit records off the request path. Delivery is
// fire-and-forget: a slow or failing sink never delays or fails the
// transition that produced the record.
type AuditTrail struct {
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewAuditTrail builds an audit trail that logs through the provided
// component logger.
func NewAuditTrail(logger *slog.Logger) *AuditTrail {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditTrail{logger: logger, timeout: 2 * time.Second}
}

// Record dispatches the record asynchronously and returns immediately.
func (a *AuditTrail) Record(record AuditRecord) {
	if a == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		a.write(ctx, record)
	}()
}

func (a *AuditTrail) write(ctx context.Context, record AuditRecord) {
	attrs := []any{
		"action", record.Action,
		"session_id", record.SessionID,
		"admin_id", record.AdminID,
	}
	for key, value := range record.Metadata {
		attrs = append(attrs, "meta_"+key, value)
	}
	a.logger.InfoContext(ctx, "audit", attrs...)
}

// Flush waits for in-flight records. Intended for shutdown and tests.
func (a *AuditTrail) Flush() {
	if a == nil {
		return
	}
	a.wg.Wait()
}
