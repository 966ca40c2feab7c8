// Package notify forwards selected bus events to an external notification
// relay (the camp's Telegram bot) over HTTP.
//
// Delivery is fire-and-forget from the publisher's point of view: events
// land in a bounded queue, a worker posts them with a short timeout and
// retry, and a circuit breaker stops hammering a relay that is down.
// Dropped notifications are counted, never blocked on.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/campex/campex/internal/circuitbreaker"
	"github.com/campex/campex/internal/events"
	"github.com/campex/campex/internal/ledger"
	"github.com/campex/campex/internal/retry"
)

const (
	requestTimeout = 5 * time.Second
	queueSize      = 1024
	maxAttempts    = 3
	baseDelay      = 200 * time.Millisecond
	breakerKey     = "notify-relay"
)

var (
	notifySent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "campex",
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Notifications delivered.",
	})
	notifyDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campex",
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Notifications dropped by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(notifySent, notifyDropped)
}

// DefaultTopics are the events participants care about.
var DefaultTopics = []events.Topic{
	events.TopicOrderMatched,
	events.TopicOrderCancelled,
	events.TopicTransferCompleted,
	events.TopicUserPointsUpdated,
	events.TopicMarketOpened,
	events.TopicMarketClosed,
}

// message is the relay wire format.
type message struct {
	TelegramID string         `json:"telegram_id"`
	Topic      string         `json:"topic"`
	Payload    map[string]any `json:"payload,omitempty"`
	SentAt     time.Time      `json:"sent_at"`
}

// Notifier posts user notifications to the relay.
type Notifier struct {
	url     string
	ledger  *ledger.Ledger
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	queue   chan message
	stopped chan struct{}
	running atomic.Bool
}

// New creates a notifier. An empty url disables delivery entirely.
func New(url string, lgr *ledger.Ledger, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		url:     url,
		ledger:  lgr,
		client:  &http.Client{Timeout: requestTimeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
		queue:   make(chan message, queueSize),
		stopped: make(chan struct{}),
	}
}

// Subscribe attaches the notifier to the bus for the default topics.
func (n *Notifier) Subscribe(bus *events.Bus) {
	for _, topic := range DefaultTopics {
		bus.Subscribe(topic, "notify", n.Handle)
	}
}

// Handle is the bus handler: resolve the user's relay address and enqueue.
func (n *Notifier) Handle(ctx context.Context, ev *events.Event) error {
	if n.url == "" {
		return nil
	}
	tgID := ""
	if ev.UID != "" {
		acct, err := n.ledger.Account(ctx, ev.UID)
		if err != nil {
			if errors.Is(err, ledger.ErrUnknownUser) {
				return nil
			}
			return err
		}
		if acct.TelegramID == "" {
			return nil
		}
		tgID = acct.TelegramID
	}

	msg := message{
		TelegramID: tgID,
		Topic:      string(ev.Topic),
		Payload:    ev.Payload,
		SentAt:     time.Now().UTC(),
	}
	select {
	case n.queue <- msg:
	default:
		notifyDropped.WithLabelValues("queue_full").Inc()
	}
	return nil
}

// Start runs the delivery worker until ctx is cancelled.
func (n *Notifier) Start(ctx context.Context) {
	if !n.running.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(n.stopped)
		defer n.running.Store(false)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-n.queue:
				n.deliver(ctx, msg)
			}
		}
	}()
}

// Running reports whether the worker is active.
func (n *Notifier) Running() bool { return n.running.Load() }

func (n *Notifier) deliver(ctx context.Context, msg message) {
	if !n.breaker.Allow(breakerKey) {
		notifyDropped.WithLabelValues("circuit_open").Inc()
		return
	}

	err := retry.Do(ctx, maxAttempts, baseDelay, func() error {
		return n.post(ctx, msg)
	})
	if err != nil {
		n.breaker.RecordFailure(breakerKey)
		notifyDropped.WithLabelValues("delivery_failed").Inc()
		n.logger.Warn("notification delivery failed", "topic", msg.Topic, "error", err)
		return
	}
	n.breaker.RecordSuccess(breakerKey)
	notifySent.Inc()
}

func (n *Notifier) post(ctx context.Context, msg message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("relay returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return retry.Permanent(fmt.Errorf("relay rejected: %d", resp.StatusCode))
	}
	return nil
}
