// Package events provides the in-process topic bus for post-trade fan-out.
//
// Publish is non-blocking: events land in a bounded buffer and a dispatcher
// fans them out to per-subscription queues. Each subscription has its own
// worker, so a single handler sees events in publish order while handlers
// never block one another. Failed handlers are retried with backoff; final
// failures are counted and logged, never propagated.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/campex/campex/internal/idgen"
	"github.com/campex/campex/internal/retry"
)

// Topic is the closed set of event topics.
type Topic string

const (
	TopicOrderCreated      Topic = "ORDER_CREATED"
	TopicOrderMatched      Topic = "ORDER_MATCHED"
	TopicOrderCancelled    Topic = "ORDER_CANCELLED"
	TopicOrderFailed       Topic = "ORDER_FAILED"
	TopicUserPointsUpdated Topic = "USER_POINTS_UPDATED"
	TopicUserPortfolio     Topic = "USER_PORTFOLIO_UPDATED"
	TopicMarketOpened      Topic = "MARKET_OPENED"
	TopicMarketClosed      Topic = "MARKET_CLOSED"
	TopicPriceUpdated      Topic = "PRICE_UPDATED"
	TopicTransferInitiated Topic = "TRANSFER_INITIATED"
	TopicTransferCompleted Topic = "TRANSFER_COMPLETED"
	TopicTransferFailed    Topic = "TRANSFER_FAILED"
	TopicShardRebalanced   Topic = "SHARD_REBALANCED"
	TopicQueueOverflow     Topic = "QUEUE_OVERFLOW"
	TopicSystemMaintenance Topic = "SYSTEM_MAINTENANCE"
)

var (
	eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campex",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events published by topic.",
	}, []string{"topic"})

	eventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campex",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped due to full buffers, by topic.",
	}, []string{"topic"})

	handlerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campex",
		Subsystem: "events",
		Name:      "handler_failures_total",
		Help:      "Handler invocations that failed after all retries.",
	}, []string{"handler"})
)

func init() {
	prometheus.MustRegister(eventsPublished, eventsDropped, handlerFailures)
}

// Event is the unit of delivery.
type Event struct {
	ID            string         `json:"id"`
	Topic         Topic          `json:"topic"`
	TS            time.Time      `json:"ts"`
	UID           string         `json:"uid,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

// Handler consumes one event. Returning an error triggers a retry.
type Handler func(ctx context.Context, e *Event) error

// HandlerStats reports delivery counters for one subscription.
type HandlerStats struct {
	Delivered int64 `json:"delivered"`
	Retried   int64 `json:"retried"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// DefaultMaxRetries is the per-handler retry budget.
const DefaultMaxRetries = 3

// DefaultReplaySize is how many recent events the ring buffer retains.
const DefaultReplaySize = 10000

const (
	bufferSize = 4096
	queueSize  = 256
)

type subscription struct {
	topic Topic
	name  string
	fn    Handler
	queue chan *Event

	delivered atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Bus is the event dispatcher.
type Bus struct {
	mu         sync.RWMutex
	subs       map[Topic][]*subscription
	buffer     chan *Event
	ring       *ring
	logger     *slog.Logger
	maxRetries int

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	dropped atomic.Int64
}

// New creates a bus. Call Start before publishing anything that must be
// delivered; Publish before Start only records into the replay ring.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:       make(map[Topic][]*subscription),
		buffer:     make(chan *Event, bufferSize),
		ring:       newRing(DefaultReplaySize),
		logger:     logger,
		maxRetries: DefaultMaxRetries,
	}
}

// Subscribe registers a named handler for a topic. Must be called before
// Start.
func (b *Bus) Subscribe(topic Topic, name string, fn Handler) {
	sub := &subscription{
		topic: topic,
		name:  name,
		fn:    fn,
		queue: make(chan *Event, queueSize),
	}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()
}

// Publish enqueues an event without blocking. If the buffer is full the
// event is counted as dropped; trading flow never waits on notification
// fan-out.
func (b *Bus) Publish(topic Topic, uid string, payload map[string]any) {
	b.PublishEvent(&Event{Topic: topic, UID: uid, Payload: payload})
}

// PublishEvent is Publish for a pre-built event.
func (b *Bus) PublishEvent(e *Event) {
	if e.ID == "" {
		e.ID = idgen.WithPrefix("evt_")
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	eventsPublished.WithLabelValues(string(e.Topic)).Inc()
	b.ring.add(e)

	select {
	case b.buffer <- e:
	default:
		b.dropped.Add(1)
		eventsDropped.WithLabelValues(string(e.Topic)).Inc()
		b.logger.Warn("event buffer full, dropping event", "topic", e.Topic, "id", e.ID)
	}
}

// Start launches the dispatcher and one worker per subscription.
func (b *Bus) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	b.runCtx, b.cancel = context.WithCancel(ctx)

	b.mu.RLock()
	for _, subs := range b.subs {
		for _, sub := range subs {
			b.wg.Add(1)
			go b.worker(sub)
		}
	}
	b.mu.RUnlock()

	b.wg.Add(1)
	go b.dispatch()
	b.logger.Info("event bus started")
}

// Stop cancels the dispatcher and waits for workers to drain.
func (b *Bus) Stop() {
	if !b.started.CompareAndSwap(true, false) {
		return
	}
	b.cancel()
	b.wg.Wait()
	b.logger.Info("event bus stopped", "dropped", b.dropped.Load())
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case <-b.runCtx.Done():
			return
		case e := <-b.buffer:
			b.mu.RLock()
			subs := b.subs[e.Topic]
			b.mu.RUnlock()
			for _, sub := range subs {
				select {
				case sub.queue <- e:
				default:
					sub.dropped.Add(1)
					eventsDropped.WithLabelValues(string(e.Topic)).Inc()
				}
			}
		}
	}
}

func (b *Bus) worker(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-b.runCtx.Done():
			return
		case e := <-sub.queue:
			b.deliver(sub, e)
		}
	}
}

func (b *Bus) deliver(sub *subscription, e *Event) {
	attempts := 0
	// maxRetries counts retries on top of the first attempt.
	err := retry.Do(b.runCtx, b.maxRetries+1, 100*time.Millisecond, func() error {
		attempts++
		return sub.fn(b.runCtx, e)
	})
	if attempts > 1 {
		sub.retried.Add(int64(attempts - 1))
	}
	if err != nil {
		sub.failed.Add(1)
		handlerFailures.WithLabelValues(sub.name).Inc()
		b.logger.Warn("event handler failed after retries",
			"handler", sub.name, "topic", e.Topic, "eventId", e.ID, "error", err)
		return
	}
	sub.delivered.Add(1)
}

// ReplayFilter selects events out of the ring buffer. Zero values match all.
type ReplayFilter struct {
	Topic Topic
	UID   string
	From  time.Time
	To    time.Time
}

// Replay returns retained events matching the filter, oldest first.
func (b *Bus) Replay(f ReplayFilter) []*Event {
	return b.ring.snapshot(func(e *Event) bool {
		if f.Topic != "" && e.Topic != f.Topic {
			return false
		}
		if f.UID != "" && e.UID != f.UID {
			return false
		}
		if !f.From.IsZero() && e.TS.Before(f.From) {
			return false
		}
		if !f.To.IsZero() && e.TS.After(f.To) {
			return false
		}
		return true
	})
}

// Stats returns per-handler delivery counters keyed by "topic/name".
func (b *Bus) Stats() map[string]HandlerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]HandlerStats)
	for topic, subs := range b.subs {
		for _, sub := range subs {
			out[string(topic)+"/"+sub.name] = HandlerStats{
				Delivered: sub.delivered.Load(),
				Retried:   sub.retried.Load(),
				Failed:    sub.failed.Load(),
				Dropped:   sub.dropped.Load(),
			}
		}
	}
	return out
}

// Dropped returns the number of events rejected by the full publish buffer.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// ring is a fixed-size circular buffer of recent events.
type ring struct {
	mu   sync.Mutex
	buf  []*Event
	next int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]*Event, size)}
}

func (r *ring) add(e *Event) {
	r.mu.Lock()
	r.buf[r.next] = e
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

func (r *ring) snapshot(match func(*Event) bool) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Event
	start := 0
	n := r.next
	if r.full {
		start = r.next
		n = len(r.buf)
	}
	for i := 0; i < n; i++ {
		e := r.buf[(start+i)%len(r.buf)]
		if e != nil && match(e) {
			out = append(out, e)
		}
	}
	return out
}
