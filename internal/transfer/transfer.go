// Package transfer moves points directly between users.
//
// The sender pays amount+fee; the recipient receives amount. The debit and
// credit run inside one store transaction where the backend supports it;
// otherwise the service degrades to checked-debit-then-credit, which keeps
// every balance non-negative but can briefly show the debit before the
// credit. Transient write conflicts are retried with backoff.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/campex/campex/internal/events"
	"github.com/campex/campex/internal/idgen"
	"github.com/campex/campex/internal/ledger"
	"github.com/campex/campex/internal/market"
	"github.com/campex/campex/internal/retry"
	"github.com/campex/campex/internal/syncutil"
	"github.com/campex/campex/internal/traces"
)

var (
	ErrSelfTransfer  = errors.New("cannot transfer to yourself")
	ErrInvalidAmount = errors.New("invalid amount")
)

const (
	maxAttempts = 6
	baseDelay   = 50 * time.Millisecond
)

var (
	transfersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campex",
		Subsystem: "transfer",
		Name:      "total",
		Help:      "Transfers by outcome.",
	}, []string{"outcome"})
	transferPoints = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "campex",
		Subsystem: "transfer",
		Name:      "points_total",
		Help:      "Points moved between users.",
	})
	transferFees = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "campex",
		Subsystem: "transfer",
		Name:      "fees_total",
		Help:      "Points collected as transfer fees.",
	})
)

func init() {
	prometheus.MustRegister(transfersTotal, transferPoints, transferFees)
}

// Publisher is the event bus surface.
type Publisher interface {
	Publish(topic events.Topic, uid string, payload map[string]any)
}

// Receipt records a completed transfer.
type Receipt struct {
	TxID      string    `json:"txId"`
	FromUID   string    `json:"fromUid"`
	ToUID     string    `json:"toUid"`
	Amount    int64     `json:"amount"`
	Fee       int64     `json:"fee"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service executes peer-to-peer transfers.
type Service struct {
	ledger *ledger.Ledger
	cfg    market.Store
	bus    Publisher
	locks  *syncutil.ContextShardedMutex
	logger *slog.Logger
}

// NewService creates a transfer service.
func NewService(lgr *ledger.Ledger, cfg market.Store, bus Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger: lgr,
		cfg:    cfg,
		bus:    bus,
		locks:  syncutil.NewContextShardedMutex(),
		logger: logger,
	}
}

// Quote returns the fee the current policy charges on amount.
func (s *Service) Quote(ctx context.Context, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	cfg, err := s.cfg.Get(ctx)
	if err != nil {
		return 0, err
	}
	return cfg.TransferFee.Fee(amount), nil
}

// Send moves amount points from one user to another, charging the sender
// the configured fee on top.
func (s *Service) Send(ctx context.Context, fromUID, toUID string, amount int64, note string) (*Receipt, error) {
	ctx, span := traces.StartSpan(ctx, "transfer.send", traces.UID(fromUID), traces.Amount(amount))
	defer span.End()

	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if fromUID == toUID {
		return nil, ErrSelfTransfer
	}

	from, err := s.ledger.Account(ctx, fromUID)
	if err != nil {
		return nil, err
	}
	if !from.Enabled {
		return nil, ledger.ErrDisabled
	}
	if from.Frozen {
		return nil, ledger.ErrFrozen
	}
	if from.Owed > 0 {
		return nil, ledger.ErrHasDebt
	}
	to, err := s.ledger.Account(ctx, toUID)
	if err != nil {
		return nil, err
	}
	if !to.Enabled {
		return nil, ledger.ErrDisabled
	}

	fee, err := s.Quote(ctx, amount)
	if err != nil {
		return nil, err
	}

	txID := idgen.WithPrefix("txf_")
	s.bus.Publish(events.TopicTransferInitiated, fromUID, map[string]any{
		"txId":   txID,
		"toUid":  toUID,
		"amount": amount,
		"fee":    fee,
	})

	// Serialize the sender so concurrent sends cannot interleave their
	// checked debits with a refund or credit mid-flight.
	unlock, err := s.locks.LockContext(ctx, fromUID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.execute(ctx, txID, from, to, amount, fee, note); err != nil {
		transfersTotal.WithLabelValues("failed").Inc()
		s.bus.Publish(events.TopicTransferFailed, fromUID, map[string]any{
			"txId":   txID,
			"toUid":  toUID,
			"amount": amount,
			"reason": err.Error(),
		})
		return nil, err
	}

	transfersTotal.WithLabelValues("completed").Inc()
	transferPoints.Add(float64(amount))
	transferFees.Add(float64(fee))
	s.bus.Publish(events.TopicTransferCompleted, fromUID, map[string]any{
		"txId":   txID,
		"toUid":  toUID,
		"amount": amount,
		"fee":    fee,
	})
	s.bus.Publish(events.TopicUserPointsUpdated, toUID, map[string]any{
		"txId":   txID,
		"amount": amount,
	})

	return &Receipt{
		TxID:      txID,
		FromUID:   from.UID,
		ToUID:     to.UID,
		Amount:    amount,
		Fee:       fee,
		Note:      note,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// execute performs the money movement, preferring the store's atomic
// transfer. A recipient carrying debt always takes the degraded path, so
// the credit flows through debt repayment.
func (s *Service) execute(ctx context.Context, txID string, from, to *ledger.Account, amount, fee int64, note string) error {
	store := s.ledger.Store()

	return retry.Do(ctx, maxAttempts, baseDelay, func() error {
		if to.Owed == 0 {
			err := store.Transfer(ctx, from.UID, to.UID, amount, fee)
			switch {
			case err == nil:
				return s.recordEntries(ctx, txID, from.UID, to.UID, amount, fee, note)
			case errors.Is(err, ledger.ErrWriteConflict):
				return err
			case errors.Is(err, ledger.ErrTxUnsupported):
				// Fall through to the two-step path below.
			default:
				return retry.Permanent(err)
			}
		}

		// Degraded path: checked debit, then credit. A crash between the
		// two loses no points from the sender's view and the integrity
		// auditor will flag the recipient shortfall.
		after, err := store.DebitChecked(ctx, from.UID, amount+fee)
		if err != nil {
			if errors.Is(err, ledger.ErrWriteConflict) {
				return err
			}
			return retry.Permanent(err)
		}
		out := []*ledger.Entry{
			{UID: from.UID, Delta: -amount, Kind: ledger.KindTransferOut, Note: note,
				BalanceAfter: after + from.Escrow + fee, TxID: txID},
		}
		if fee > 0 {
			out = append(out, &ledger.Entry{
				UID: from.UID, Delta: -fee, Kind: ledger.KindFee,
				Note:         fmt.Sprintf("transfer fee %d", fee),
				BalanceAfter: after + from.Escrow, TxID: txID,
			})
		}
		for _, e := range out {
			if rerr := s.ledger.Record(ctx, e); rerr != nil {
				s.logger.Error("transfer entry failed", "txId", txID, "uid", e.UID, "error", rerr)
			}
		}
		if _, err := s.ledger.Credit(ctx, to.UID, amount, ledger.KindTransferIn, note); err != nil {
			// Refund the sender; points must not evaporate.
			if _, rerr := s.ledger.Credit(ctx, from.UID, amount+fee, ledger.KindTransferIn, "refund "+txID); rerr != nil {
				s.logger.Error("CRITICAL: transfer credit and refund both failed",
					"txId", txID, "fromUid", from.UID, "toUid", to.UID, "error", rerr)
			}
			return retry.Permanent(err)
		}
		return nil
	})
}

// recordEntries writes the ledger rows for an atomic store transfer.
func (s *Service) recordEntries(ctx context.Context, txID, fromUID, toUID string, amount, fee int64, note string) error {
	fromAcct, err := s.ledger.Account(ctx, fromUID)
	if err != nil {
		return err
	}
	toAcct, err := s.ledger.Account(ctx, toUID)
	if err != nil {
		return err
	}

	entries := []*ledger.Entry{
		{UID: fromUID, Delta: -amount, Kind: ledger.KindTransferOut, Note: note,
			BalanceAfter: fromAcct.Points + fromAcct.Escrow + fee, TxID: txID},
		{UID: toUID, Delta: amount, Kind: ledger.KindTransferIn, Note: note,
			BalanceAfter: toAcct.Points + toAcct.Escrow, TxID: txID},
	}
	if fee > 0 {
		entries = append(entries, &ledger.Entry{
			UID: fromUID, Delta: -fee, Kind: ledger.KindFee,
			Note:         fmt.Sprintf("transfer fee %d", fee),
			BalanceAfter: fromAcct.Points + fromAcct.Escrow, TxID: txID,
		})
	}
	for _, e := range entries {
		if err := s.ledger.Record(ctx, e); err != nil {
			s.logger.Error("transfer entry failed", "txId", txID, "uid", e.UID, "error", err)
		}
	}
	return nil
}
