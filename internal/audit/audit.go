// Package audit is the integrity sweep over balances, escrows, and the
// ledger.
//
// Three checks per user: no negative balance, the escrow balance equals
// the sum of that user's active escrow records, and the ledger entries
// (net of escrow moves) reproduce points+escrow. Scan only reports; Fix
// applies the smallest repair that restores the invariant and leaves an
// audit trail entry for every points it touched.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/campex/campex/internal/escrow"
	"github.com/campex/campex/internal/events"
	"github.com/campex/campex/internal/ledger"
)

// Issue kinds.
const (
	IssueNegativePoints = "negative_points"
	IssueNegativeEscrow = "negative_escrow"
	IssueEscrowMismatch = "escrow_mismatch"
	IssueConservation   = "conservation"
)

var (
	auditIssues = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "campex",
		Subsystem: "audit",
		Name:      "issues",
		Help:      "Issues found by the last scan, by kind.",
	}, []string{"kind"})
	auditRepairs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "campex",
		Subsystem: "audit",
		Name:      "repairs_total",
		Help:      "Balance repairs applied.",
	})
)

func init() {
	prometheus.MustRegister(auditIssues, auditRepairs)
}

// Issue is one integrity violation.
type Issue struct {
	UID    string `json:"uid"`
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Report is the result of one scan.
type Report struct {
	ScannedAt time.Time `json:"scannedAt"`
	Accounts  int       `json:"accounts"`
	Issues    []Issue   `json:"issues"`
}

// Clean reports whether the scan found nothing.
func (r *Report) Clean() bool { return len(r.Issues) == 0 }

// Publisher is the event bus surface.
type Publisher interface {
	Publish(topic events.Topic, uid string, payload map[string]any)
}

// Auditor runs integrity scans and repairs.
type Auditor struct {
	ledger  *ledger.Ledger
	escrows *escrow.Service
	bus     Publisher
	logger  *slog.Logger
}

// New creates an auditor.
func New(lgr *ledger.Ledger, esc *escrow.Service, bus Publisher, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{ledger: lgr, escrows: esc, bus: bus, logger: logger}
}

// Scan checks every account and reports violations without mutating.
func (a *Auditor) Scan(ctx context.Context) (*Report, error) {
	accounts, err := a.ledger.Store().ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	report := &Report{ScannedAt: time.Now().UTC(), Accounts: len(accounts)}
	counts := map[string]int{}

	for _, acct := range accounts {
		if acct.Points < 0 {
			report.Issues = append(report.Issues, Issue{
				UID:    acct.UID,
				Kind:   IssueNegativePoints,
				Detail: fmt.Sprintf("points = %d", acct.Points),
			})
			counts[IssueNegativePoints]++
		}
		if acct.Escrow < 0 {
			report.Issues = append(report.Issues, Issue{
				UID:    acct.UID,
				Kind:   IssueNegativeEscrow,
				Detail: fmt.Sprintf("escrow = %d", acct.Escrow),
			})
			counts[IssueNegativeEscrow]++
		}
		active, err := a.escrows.TotalActive(ctx, acct.UID)
		if err != nil {
			return nil, err
		}
		if active != acct.Escrow {
			report.Issues = append(report.Issues, Issue{
				UID:    acct.UID,
				Kind:   IssueEscrowMismatch,
				Detail: fmt.Sprintf("escrow balance %d, active escrows %d", acct.Escrow, active),
			})
			counts[IssueEscrowMismatch]++
		}
	}

	discrepant, err := a.ledger.ConservationAudit(ctx)
	if err != nil {
		return nil, err
	}
	for _, uid := range discrepant {
		report.Issues = append(report.Issues, Issue{
			UID:    uid,
			Kind:   IssueConservation,
			Detail: "ledger sum disagrees with points+escrow",
		})
		counts[IssueConservation]++
	}

	for _, kind := range []string{IssueNegativePoints, IssueNegativeEscrow, IssueEscrowMismatch, IssueConservation} {
		auditIssues.WithLabelValues(kind).Set(float64(counts[kind]))
	}
	if !report.Clean() {
		a.logger.Warn("integrity scan found issues", "count", len(report.Issues))
		a.bus.Publish(events.TopicSystemMaintenance, "", map[string]any{
			"check":  "integrity_scan",
			"issues": len(report.Issues),
		})
	}
	return report, nil
}

// Fix scans and repairs what it safely can: negative balances are clamped
// to zero, and an escrow balance that disagrees with the active escrow
// records is reset to their sum. Every balance change leaves a compensating
// admin_grant entry. Conservation issues are reported but never auto-fixed;
// the entries are the evidence and must stay untouched.
func (a *Auditor) Fix(ctx context.Context) (*Report, error) {
	report, err := a.Scan(ctx)
	if err != nil {
		return nil, err
	}

	for _, issue := range report.Issues {
		switch issue.Kind {
		case IssueNegativePoints, IssueNegativeEscrow, IssueEscrowMismatch:
			if err := a.repairBalances(ctx, issue.UID, issue.Kind); err != nil {
				a.logger.Error("repair failed", "uid", issue.UID, "kind", issue.Kind, "error", err)
			}
		}
	}
	return report, nil
}

func (a *Auditor) repairBalances(ctx context.Context, uid, kind string) error {
	store := a.ledger.Store()
	acct, err := store.Account(ctx, uid)
	if err != nil {
		return err
	}
	active, err := a.escrows.TotalActive(ctx, uid)
	if err != nil {
		return err
	}

	points := acct.Points
	if points < 0 {
		points = 0
	}
	escrowBal := active
	if escrowBal < 0 {
		escrowBal = 0
	}
	delta := (points + escrowBal) - (acct.Points + acct.Escrow)
	if delta == 0 && points == acct.Points && escrowBal == acct.Escrow {
		return nil
	}

	if err := store.SetBalances(ctx, uid, points, escrowBal); err != nil {
		return err
	}
	if err := a.ledger.Record(ctx, &ledger.Entry{
		UID:          uid,
		Delta:        delta,
		Kind:         ledger.KindAdminGrant,
		Note:         "integrity repair: " + kind,
		BalanceAfter: points + escrowBal,
	}); err != nil {
		return err
	}

	auditRepairs.Inc()
	a.logger.Info("balance repaired", "uid", uid, "kind", kind, "delta", delta)
	a.bus.Publish(events.TopicSystemMaintenance, uid, map[string]any{
		"check":  "integrity_repair",
		"kind":   kind,
		"delta":  delta,
		"points": points,
		"escrow": escrowBal,
	})
	return nil
}
