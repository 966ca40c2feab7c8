package market

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Publisher is the event bus surface the clock needs.
type Publisher interface {
	Publish(topic string, uid string, payload map[string]any)
}

// Clock tracks the open/closed state and fires transition hooks.
// OnOpen runs the call auction; OnClose cancels all resting orders.
type Clock struct {
	store   Store
	logger  *slog.Logger
	publish func(topic string, payload map[string]any)

	mu      sync.Mutex
	onOpen  func(ctx context.Context)
	onClose func(ctx context.Context)
	wasOpen bool
	primed  bool

	interval time.Duration
	stop     chan struct{}
	running  atomic.Bool
}

// NewClock creates a market clock over the config store.
func NewClock(store Store, pub Publisher, logger *slog.Logger) *Clock {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Clock{
		store:    store,
		logger:   logger,
		interval: time.Second,
		stop:     make(chan struct{}),
	}
	if pub != nil {
		c.publish = func(topic string, payload map[string]any) { pub.Publish(topic, "", payload) }
	} else {
		c.publish = func(string, map[string]any) {}
	}
	return c
}

// OnOpen registers the hook fired when the market transitions to open.
func (c *Clock) OnOpen(fn func(ctx context.Context)) {
	c.mu.Lock()
	c.onOpen = fn
	c.mu.Unlock()
}

// OnClose registers the hook fired when the market transitions to closed.
func (c *Clock) OnClose(fn func(ctx context.Context)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// IsOpen reports the current market state.
func (c *Clock) IsOpen(ctx context.Context) (bool, error) {
	cfg, err := c.store.Get(ctx)
	if err != nil {
		return false, err
	}
	return cfg.IsOpen(time.Now().UTC()), nil
}

// Status returns the state, the next scheduled transition, and the windows.
func (c *Clock) Status(ctx context.Context) (open bool, next *time.Time, windows []Window, err error) {
	cfg, err := c.store.Get(ctx)
	if err != nil {
		return false, nil, nil, err
	}
	now := time.Now().UTC()
	return cfg.IsOpen(now), cfg.NextTransition(now), cfg.Windows, nil
}

// ForceOpen sets the manual override to open and fires the transition.
func (c *Clock) ForceOpen(ctx context.Context) error {
	return c.setOverride(ctx, boolPtr(true))
}

// ForceClose sets the manual override to closed and fires the transition.
func (c *Clock) ForceClose(ctx context.Context) error {
	return c.setOverride(ctx, boolPtr(false))
}

// ClearOverride returns control to the scheduled windows.
func (c *Clock) ClearOverride(ctx context.Context) error {
	return c.setOverride(ctx, nil)
}

func (c *Clock) setOverride(ctx context.Context, v *bool) error {
	_, err := c.store.Mutate(ctx, func(cfg *Config) error {
		cfg.ManualOverride = v
		return nil
	})
	if err != nil {
		return err
	}
	c.tick(ctx)
	return nil
}

// Start runs the transition loop. Call in a goroutine.
func (c *Clock) Start(ctx context.Context) {
	c.running.Store(true)
	defer c.running.Store(false)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.tick(ctx) // prime the state without firing hooks

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.safeTick(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (c *Clock) Stop() {
	select {
	case c.stop <- struct{}{}:
	default:
	}
}

// Running reports whether the loop is active.
func (c *Clock) Running() bool { return c.running.Load() }

func (c *Clock) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in market clock", "panic", fmt.Sprint(r))
		}
	}()
	c.tick(ctx)
}

func (c *Clock) tick(ctx context.Context) {
	cfg, err := c.store.Get(ctx)
	if err != nil {
		c.logger.Warn("market clock config read failed", "error", err)
		return
	}
	open := cfg.IsOpen(time.Now().UTC())

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.primed {
		c.primed = true
		c.wasOpen = open
		return
	}
	if open == c.wasOpen {
		return
	}
	c.wasOpen = open

	if open {
		c.logger.Info("market opened")
		if c.onOpen != nil {
			c.onOpen(ctx)
		}
		c.publish("MARKET_OPENED", nil)
		return
	}
	c.logger.Info("market closed")
	if c.onClose != nil {
		c.onClose(ctx)
	}
	c.publish("MARKET_CLOSED", nil)
}

func boolPtr(v bool) *bool { return &v }
