package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mediagate/internal/observability/metrics"
)

type expirySweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type sweepTickerFactory func(time.Duration) sweepTicker

type timeSweepTicker struct {
	ticker *time.Ticker
}

func (t *timeSweepTicker) C() <-chan time.Time { return t.ticker.C }

func (t *timeSweepTicker) Stop() { t.ticker.Stop() }

func newTimeSweepTicker(interval time.Duration) sweepTicker {
	return &timeSweepTicker{ticker: time.NewTicker(interval)}
}

// startExpirySweeper runs the sweep loop on a fixed interval until the
// context is cancelled or the returned stop function is called.
func startExpirySweeper(ctx context.Context, logger *slog.Logger, sweeper expirySweeper, interval time.Duration) func() {
	return startExpirySweeperWithTicker(ctx, logger, sweeper, interval, newTimeSweepTicker)
}

func startExpirySweeperWithTicker(ctx context.Context, logger *slog.Logger, sweeper expirySweeper, interval time.Duration, newTicker sweepTickerFactory) func() {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if newTicker == nil {
		newTicker = newTimeSweepTicker
	}
	ticker := newTicker(interval)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}

	go func() {
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C():
				swept, err := sweeper.SweepExpired(ctx)
				if err != nil {
					if logger != nil {
						logger.Warn("expiry sweep failed", "error", err)
					}
					continue
				}
				metrics.ObserveSweep(swept)
				if swept > 0 && logger != nil {
					logger.Info("expired upload sessions reclaimed", "count", swept)
				}
			}
		}
	}()

	return stop
}
