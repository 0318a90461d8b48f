package quota

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is an in-process ledger for development and tests. It
// mirrors the Redis ledger's semantics, including the daily counter
// rolling over at UTC midnight.
type MemoryLedger struct {
	mu      sync.Mutex
	limits  Limits
	now     func() time.Time
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	active int64
	daily  int64
	day    string
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger(limits Limits) *MemoryLedger {
	return &MemoryLedger{
		limits:  limits,
		now:     time.Now,
		entries: make(map[string]*memoryEntry),
	}
}

var _ Ledger = (*MemoryLedger)(nil)

// SetClock overrides the ledger clock. Intended for tests.
func (l *MemoryLedger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now != nil {
		l.now = now
	}
}

func (l *MemoryLedger) entryLocked(adminID string) *memoryEntry {
	entry, ok := l.entries[adminID]
	if !ok {
		entry = &memoryEntry{}
		l.entries[adminID] = entry
	}
	today := dayStamp(l.now())
	if entry.day != today {
		entry.day = today
		entry.daily = 0
	}
	return entry
}

func (l *MemoryLedger) Claim(ctx context.Context, adminID string) (Counters, error) {
	if err := validateAdminID(adminID); err != nil {
		return Counters{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := l.entryLocked(adminID)
	if entry.active >= l.limits.Concurrent {
		return Counters{}, &ExceededError{Kind: ExceededConcurrent}
	}
	if entry.daily >= l.limits.Daily {
		return Counters{}, &ExceededError{Kind: ExceededDaily}
	}
	entry.active++
	entry.daily++
	return Counters{Active: entry.active, Daily: entry.daily}, nil
}

func (l *MemoryLedger) Release(ctx context.Context, adminID string) error {
	if err := validateAdminID(adminID); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := l.entryLocked(adminID)
	if entry.active > 0 {
		entry.active--
	}
	return nil
}

func (l *MemoryLedger) Snapshot(ctx context.Context, adminID string) (Counters, error) {
	if err := validateAdminID(adminID); err != nil {
		return Counters{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := l.entryLocked(adminID)
	return Counters{Active: entry.active, Daily: entry.daily}, nil
}
