// Package market holds the session configuration singleton and the clock
// that decides whether trading is open.
//
// Open/closed is computed from scheduled UTC windows, except that a manual
// override, when set, always wins. Transitions fire hooks: the call auction
// at open, cancel-all at close.
package market

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInsufficientIPO = errors.New("insufficient IPO shares")
	ErrInvalidConfig   = errors.New("invalid market config")
)

// Window is one scheduled open interval, UTC.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// FeePolicy is the transfer fee rule: max(MinFee, floor(amount*RatePct/100)).
type FeePolicy struct {
	RatePct int64 `json:"ratePct"`
	MinFee  int64 `json:"minFee"`
}

// Fee computes the fee for a transfer amount.
func (f FeePolicy) Fee(amount int64) int64 {
	fee := amount * f.RatePct / 100
	if fee < f.MinFee {
		fee = f.MinFee
	}
	return fee
}

// Config is the market singleton.
type Config struct {
	Windows            []Window  `json:"windows"`
	ManualOverride     *bool     `json:"manualOverride,omitempty"` // wins over windows when set
	IPOPrice           int64     `json:"ipoPrice"`
	IPOSharesRemaining int64     `json:"ipoSharesRemaining"`
	BandBP             int64     `json:"bandBp"` // price band width in basis points
	TransferFee        FeePolicy `json:"transferFee"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// IsOpen evaluates the open state at t. Manual override takes precedence.
func (c *Config) IsOpen(t time.Time) bool {
	if c.ManualOverride != nil {
		return *c.ManualOverride
	}
	for _, w := range c.Windows {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

// NextTransition returns the next scheduled open/close boundary after t,
// or nil when none is scheduled (or a manual override pins the state).
func (c *Config) NextTransition(t time.Time) *time.Time {
	if c.ManualOverride != nil {
		return nil
	}
	var next *time.Time
	consider := func(ts time.Time) {
		if ts.After(t) && (next == nil || ts.Before(*next)) {
			cp := ts
			next = &cp
		}
	}
	for _, w := range c.Windows {
		consider(w.Start)
		consider(w.End)
	}
	return next
}

// Store persists the config singleton. DecrementIPOShares is a guarded
// conditional decrement, same contract as the ledger's DebitChecked.
type Store interface {
	Get(ctx context.Context) (*Config, error)
	// Mutate applies fn to the config atomically and returns the new value.
	Mutate(ctx context.Context, fn func(*Config) error) (*Config, error)
	// DecrementIPOShares subtracts qty iff shares_remaining >= qty.
	DecrementIPOShares(ctx context.Context, qty int64) error
}
