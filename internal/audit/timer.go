package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// DefaultInterval is how often the periodic scan runs.
const DefaultInterval = 5 * time.Minute

// Timer runs the integrity scan on a schedule. It only reports; repairs
// stay behind the explicit admin endpoint.
type Timer struct {
	auditor  *Auditor
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates the periodic auditor.
func NewTimer(auditor *Auditor, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		auditor:  auditor,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the scan loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the scan loop. Call in a goroutine.
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
			t.safeScan(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeScan(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in integrity scan", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.auditor.Scan(ctx)
	if err != nil {
		t.logger.Warn("integrity scan failed", "error", err)
		return
	}
	if !report.Clean() {
		t.logger.Warn("integrity scan found issues", "issues", len(report.Issues))
	}
}
