package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultMaxAge is how long an escrow may stay active before the janitor
// cancels it. Long enough for any legitimate resting order during a session.
const DefaultMaxAge = 24 * time.Hour

// Timer periodically cancels stale active escrows.
type Timer struct {
	service   *Service
	canceller OrderCanceller
	interval  time.Duration
	maxAge    time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewTimer creates the escrow janitor.
func NewTimer(service *Service, canceller OrderCanceller, maxAge time.Duration, logger *slog.Logger) *Timer {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Timer{
		service:   service,
		canceller: canceller,
		interval:  time.Minute,
		maxAge:    maxAge,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the janitor loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the cleanup loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeCleanup(ctx)
		}
	}
}

// Stop signals the janitor to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeCleanup(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow janitor", "panic", fmt.Sprint(r))
		}
	}()

	count, err := t.service.CleanupExpired(ctx, t.maxAge, t.canceller)
	if err != nil {
		t.logger.Warn("escrow cleanup failed", "error", err)
		return
	}
	if count > 0 {
		t.logger.Info("cancelled expired escrows", "count", count)
	}
}
