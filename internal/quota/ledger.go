package quota

import (
	"context"
	"fmt"
	"time"
)

// ExceededKind distinguishes which ceiling rejected a claim.
type ExceededKind string

const (
	ExceededConcurrent ExceededKind = "concurrent"
	ExceededDaily      ExceededKind = "daily"
)

// ExceededError is returned when a claim would pass either ceiling.
type ExceededError struct {
	Kind ExceededKind
}

func (e *ExceededError) Error() string {
	switch e.Kind {
	case ExceededDaily:
		return "daily upload quota exceeded"
	default:
		return "concurrent upload quota exceeded"
	}
}

// Limits are the per-admin ceilings enforced by a ledger.
type Limits struct {
	Concurrent int64
	Daily      int64
}

// Counters is a point-in-time view of one admin's ledger occupancy.
type Counters struct {
	Active int64
	Daily  int64
}

// Ledger tracks in-flight and per-day upload counts for each admin.
//
// Claim atomically checks both ceilings and increments both counters;
// a rejected claim leaves the ledger untouched. Release decrements the
// active counter only, flooring at zero, and never touches the daily
// counter. Both must be race-safe under concurrent callers for the
// same admin.
type Ledger interface {
	Claim(ctx context.Context, adminID string) (Counters, error)
	Release(ctx context.Context, adminID string) error
	Snapshot(ctx context.Context, adminID string) (Counters, error)
}

// secondsUntilEndOfDay returns the TTL applied to ledger keys so both
// counters expire at the next UTC midnight. The active key gets the
// same horizon as a safety net against leaked releases.
func secondsUntilEndOfDay(now time.Time) int64 {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	seconds := int64(midnight.Sub(now) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func dayStamp(now time.Time) string {
	return now.UTC().Format("20060102")
}

func validateAdminID(adminID string) error {
	if adminID == "" {
		return fmt.Errorf("admin id is required")
	}
	return nil
}
