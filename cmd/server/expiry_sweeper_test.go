package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeSweeper struct {
	calls chan int
	count int
	err   error
}

func newFakeSweeper(count int) *fakeSweeper {
	return &fakeSweeper{calls: make(chan int, 1), count: count}
}

func (f *fakeSweeper) SweepExpired(ctx context.Context) (int, error) {
	select {
	case f.calls <- f.count:
	default:
	}
	return f.count, f.err
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	select {
	case m.c <- time.Now():
	default:
	}
}

func TestStartExpirySweeper(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	sweeper := newFakeSweeper(2)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stop := startExpirySweeperWithTicker(ctx, logger, sweeper, time.Minute, func(time.Duration) sweepTicker {
		return ticker
	})

	ticker.Tick()
	select {
	case <-sweeper.calls:
	case <-time.After(time.Second):
		t.Fatal("expected sweep to be invoked")
	}

	cancel()
	stop()

	select {
	case <-ticker.stopped:
	case <-time.After(time.Second):
		t.Fatal("expected ticker to stop after context cancellation")
	}
}

func TestStartExpirySweeperContinuesAfterError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticker := newManualTicker()
	sweeper := newFakeSweeper(0)
	sweeper.err = errors.New("datastore unavailable")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stop := startExpirySweeperWithTicker(ctx, logger, sweeper, time.Minute, func(time.Duration) sweepTicker {
		return ticker
	})
	defer stop()

	for i := 0; i < 2; i++ {
		ticker.Tick()
		select {
		case <-sweeper.calls:
		case <-time.After(time.Second):
			t.Fatalf("expected sweep attempt %d despite earlier error", i+1)
		}
	}
}
