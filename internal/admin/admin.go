// Package admin groups the operator controls: grants, market schedule and
// band changes, manual open/close, IPO resets, integrity repair, and the
// end-of-camp final settlement.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/campex/campex/internal/audit"
	"github.com/campex/campex/internal/engine"
	"github.com/campex/campex/internal/events"
	"github.com/campex/campex/internal/holdings"
	"github.com/campex/campex/internal/idgen"
	"github.com/campex/campex/internal/ipo"
	"github.com/campex/campex/internal/ledger"
	"github.com/campex/campex/internal/market"
)

var ErrNoSuchTeam = errors.New("no users in team")

// CancelReasonSettlement marks orders swept by the final settlement.
const CancelReasonSettlement = "final_settlement"

// Matcher is the engine surface admin operations need.
type Matcher interface {
	CancelAll(ctx context.Context, reason string) (int, error)
	RunCallAuction(ctx context.Context) (*engine.AuctionResult, error)
}

// Publisher is the event bus surface.
type Publisher interface {
	Publish(topic events.Topic, uid string, payload map[string]any)
}

// SettlementReport summarizes a final settlement run.
type SettlementReport struct {
	Price           int64 `json:"price"`
	OrdersCancelled int   `json:"ordersCancelled"`
	UsersSettled    int   `json:"usersSettled"`
	SharesConverted int64 `json:"sharesConverted"`
	PointsPaid      int64 `json:"pointsPaid"`
}

// Service executes operator commands.
type Service struct {
	ledger   *ledger.Ledger
	holdings *holdings.Service
	matcher  Matcher
	clock    *market.Clock
	cfg      market.Store
	ipo      *ipo.Service
	auditor  *audit.Auditor
	bus      Publisher
	logger   *slog.Logger
}

// NewService wires the admin service.
func NewService(lgr *ledger.Ledger, hold *holdings.Service, matcher Matcher, clock *market.Clock,
	cfg market.Store, ipoSvc *ipo.Service, auditor *audit.Auditor, bus Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger:   lgr,
		holdings: hold,
		matcher:  matcher,
		clock:    clock,
		cfg:      cfg,
		ipo:      ipoSvc,
		auditor:  auditor,
		bus:      bus,
		logger:   logger,
	}
}

// CreateUser registers a participant with a starting grant.
func (s *Service) CreateUser(ctx context.Context, username, team, telegramID string, grant int64) (*ledger.Account, error) {
	acct := &ledger.Account{
		UID:        idgen.WithPrefix("usr_"),
		Username:   username,
		Team:       team,
		TelegramID: telegramID,
	}
	return s.ledger.CreateAccount(ctx, acct, grant)
}

// GivePoints credits a single user as an operator grant.
func (s *Service) GivePoints(ctx context.Context, uid string, amount int64, note string) (int64, error) {
	after, err := s.ledger.Credit(ctx, uid, amount, ledger.KindAdminGrant, note)
	if err != nil {
		return 0, err
	}
	s.bus.Publish(events.TopicUserPointsUpdated, uid, map[string]any{
		"points": after,
		"reason": "admin_grant",
	})
	return after, nil
}

// GiveTeam credits every member of a team.
func (s *Service) GiveTeam(ctx context.Context, team string, amount int64, note string) (int, error) {
	accounts, err := s.ledger.Store().ListAccounts(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, acct := range accounts {
		if acct.Team != team {
			continue
		}
		if _, err := s.GivePoints(ctx, acct.UID, amount, note); err != nil {
			s.logger.Error("team grant failed", "uid", acct.UID, "error", err)
			continue
		}
		n++
	}
	if n == 0 {
		return 0, ErrNoSuchTeam
	}
	s.logger.Info("team grant", "team", team, "amount", amount, "users", n)
	return n, nil
}

// SetEnabled toggles whether a user may use the platform at all.
func (s *Service) SetEnabled(ctx context.Context, uid string, enabled bool) error {
	return s.ledger.Store().SetEnabled(ctx, uid, enabled)
}

// SetFrozen toggles the spending freeze on a user.
func (s *Service) SetFrozen(ctx context.Context, uid string, frozen bool) error {
	return s.ledger.Store().SetFrozen(ctx, uid, frozen)
}

// SetBand updates the price band width (basis points).
func (s *Service) SetBand(ctx context.Context, bp int64) error {
	if bp <= 0 || bp >= 10000 {
		return market.ErrInvalidConfig
	}
	_, err := s.cfg.Mutate(ctx, func(c *market.Config) error {
		c.BandBP = bp
		return nil
	})
	if err == nil {
		s.logger.Info("band updated", "bp", bp)
	}
	return err
}

// SetWindows replaces the trading schedule.
func (s *Service) SetWindows(ctx context.Context, windows []market.Window) error {
	for _, w := range windows {
		if !w.End.After(w.Start) {
			return market.ErrInvalidConfig
		}
	}
	_, err := s.cfg.Mutate(ctx, func(c *market.Config) error {
		c.Windows = windows
		return nil
	})
	if err == nil {
		s.logger.Info("trading windows updated", "count", len(windows))
	}
	return err
}

// SetTransferFee updates the transfer fee policy.
func (s *Service) SetTransferFee(ctx context.Context, ratePct, minFee int64) error {
	if ratePct < 0 || ratePct > 100 || minFee < 0 {
		return market.ErrInvalidConfig
	}
	_, err := s.cfg.Mutate(ctx, func(c *market.Config) error {
		c.TransferFee = market.FeePolicy{RatePct: ratePct, MinFee: minFee}
		return nil
	})
	return err
}

// OpenMarket forces the market open regardless of schedule.
func (s *Service) OpenMarket(ctx context.Context) error { return s.clock.ForceOpen(ctx) }

// CloseMarket forces the market closed regardless of schedule.
func (s *Service) CloseMarket(ctx context.Context) error { return s.clock.ForceClose(ctx) }

// ResumeSchedule clears the manual override.
func (s *Service) ResumeSchedule(ctx context.Context) error { return s.clock.ClearOverride(ctx) }

// CallAuction triggers a call auction immediately.
func (s *Service) CallAuction(ctx context.Context) (*engine.AuctionResult, error) {
	return s.matcher.RunCallAuction(ctx)
}

// ResetIPO replaces the IPO price and share pool.
func (s *Service) ResetIPO(ctx context.Context, price, shares int64) (*ipo.Status, error) {
	return s.ipo.Reset(ctx, price, shares)
}

// UpdateIPO adjusts the IPO price and/or pool; nil fields keep their value.
func (s *Service) UpdateIPO(ctx context.Context, price, shares *int64) (*ipo.Status, error) {
	return s.ipo.Update(ctx, price, shares)
}

// Scan runs the integrity check without repairing.
func (s *Service) Scan(ctx context.Context) (*audit.Report, error) {
	return s.auditor.Scan(ctx)
}

// Repair runs the integrity check and applies safe repairs.
func (s *Service) Repair(ctx context.Context) (*audit.Report, error) {
	return s.auditor.Fix(ctx)
}

// FinalSettlement ends the game: every resting order is cancelled, the
// market closes, and all shares convert to points at the given price.
func (s *Service) FinalSettlement(ctx context.Context, price int64) (*SettlementReport, error) {
	if price <= 0 {
		return nil, market.ErrInvalidConfig
	}

	cancelled, err := s.matcher.CancelAll(ctx, CancelReasonSettlement)
	if err != nil {
		return nil, fmt.Errorf("cancel resting orders: %w", err)
	}
	if err := s.clock.ForceClose(ctx); err != nil {
		return nil, fmt.Errorf("close market: %w", err)
	}

	all, err := s.holdings.List(ctx)
	if err != nil {
		return nil, err
	}
	report := &SettlementReport{Price: price, OrdersCancelled: cancelled}
	for _, h := range all {
		if h.Shares == 0 {
			continue
		}
		shares, err := s.holdings.Clear(ctx, h.UID)
		if err != nil {
			s.logger.Error("CRITICAL: settlement clear failed", "uid", h.UID, "error", err)
			continue
		}
		payout := shares * price
		if _, err := s.ledger.Credit(ctx, h.UID, payout, ledger.KindSettlement,
			fmt.Sprintf("final settlement %d @ %d", shares, price)); err != nil {
			s.logger.Error("CRITICAL: settlement payout failed",
				"uid", h.UID, "payout", payout, "error", err)
			continue
		}
		report.UsersSettled++
		report.SharesConverted += shares
		report.PointsPaid += payout
	}

	s.logger.Info("final settlement complete",
		"price", price,
		"users", report.UsersSettled,
		"shares", report.SharesConverted,
		"points", report.PointsPaid,
	)
	s.bus.Publish(events.TopicSystemMaintenance, "", map[string]any{
		"check":  "final_settlement",
		"price":  price,
		"users":  report.UsersSettled,
		"shares": report.SharesConverted,
	})
	return report, nil
}
