// Package shard serializes per-user work onto a fixed pool of workers.
//
// A user's key always hashes to the same shard, so two operations on the
// same account never run concurrently; operations on different users
// spread across the pool. Each shard has a bounded queue: when it fills,
// the router either rejects (default) or redirects the task to the least
// loaded shard, trading strict per-user ordering for availability.
package shard

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/campex/campex/internal/events"
)

var (
	ErrShardBusy     = errors.New("shard queue is full")
	ErrRouterStopped = errors.New("shard router is not running")
)

// DefaultShards is the pool size when none is configured.
const DefaultShards = 16

// DefaultQueueSize bounds each shard's backlog.
const DefaultQueueSize = 256

// OverflowPolicy decides what happens when a shard queue is full.
type OverflowPolicy string

const (
	// OverflowReject returns ErrShardBusy to the caller.
	OverflowReject OverflowPolicy = "reject"
	// OverflowRedirect moves the task to the least loaded shard. The task
	// loses per-user ordering for its duration.
	OverflowRedirect OverflowPolicy = "redirect"
)

var (
	shardDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "campex",
		Subsystem: "shard",
		Name:      "queue_depth",
		Help:      "Tasks waiting per shard.",
	}, []string{"shard"})
	shardOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "campex",
		Subsystem: "shard",
		Name:      "overflows_total",
		Help:      "Tasks that hit a full shard queue.",
	})
	shardTasks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "campex",
		Subsystem: "shard",
		Name:      "tasks_total",
		Help:      "Tasks executed.",
	})
)

func init() {
	prometheus.MustRegister(shardDepth, shardOverflows, shardTasks)
}

// Publisher is the event bus surface.
type Publisher interface {
	Publish(topic events.Topic, uid string, payload map[string]any)
}

type task struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Router is the sharded executor.
type Router struct {
	queues  []chan task
	depths  []atomic.Int64
	policy  OverflowPolicy
	bus     Publisher
	logger  *slog.Logger
	wg      sync.WaitGroup
	running atomic.Bool
	stop    chan struct{}
}

// Option configures the router.
type Option func(*Router)

// WithPolicy sets the overflow policy.
func WithPolicy(p OverflowPolicy) Option {
	return func(r *Router) { r.policy = p }
}

// WithPublisher sets the event bus for overflow/rebalance events.
func WithPublisher(bus Publisher) Option {
	return func(r *Router) { r.bus = bus }
}

// New creates a router with n shards of the given queue size.
func New(n, queueSize int, logger *slog.Logger, opts ...Option) *Router {
	if n <= 0 {
		n = DefaultShards
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		queues: make([]chan task, n),
		depths: make([]atomic.Int64, n),
		policy: OverflowReject,
		logger: logger,
		stop:   make(chan struct{}),
	}
	for i := range r.queues {
		r.queues[i] = make(chan task, queueSize)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches one worker per shard.
func (r *Router) Start() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	for i := range r.queues {
		r.wg.Add(1)
		go r.worker(i)
	}
	r.logger.Info("shard router started", "shards", len(r.queues))
}

// Stop drains in-flight tasks and shuts the workers down.
func (r *Router) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	close(r.stop)
	r.wg.Wait()
	r.logger.Info("shard router stopped")
}

// Running reports whether the workers are active.
func (r *Router) Running() bool { return r.running.Load() }

// Shards returns the pool size.
func (r *Router) Shards() int { return len(r.queues) }

// ShardFor returns the shard index a key maps to.
func (r *Router) ShardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(r.queues)))
}

// Do runs fn on the key's shard and waits for it to finish. The error is
// fn's own error, ErrShardBusy on overflow with the reject policy, or the
// context's error if it expires first.
func (r *Router) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if !r.running.Load() {
		return ErrRouterStopped
	}
	idx := r.ShardFor(key)
	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case r.queues[idx] <- t:
		r.depths[idx].Add(1)
	default:
		shardOverflows.Inc()
		if r.bus != nil {
			r.bus.Publish(events.TopicQueueOverflow, key, map[string]any{
				"shard":  idx,
				"policy": string(r.policy),
			})
		}
		if r.policy != OverflowRedirect {
			return ErrShardBusy
		}
		redirect := r.leastLoaded()
		select {
		case r.queues[redirect] <- t:
			r.depths[redirect].Add(1)
			if r.bus != nil {
				r.bus.Publish(events.TopicShardRebalanced, key, map[string]any{
					"from": idx,
					"to":   redirect,
				})
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) leastLoaded() int {
	best, bestDepth := 0, int64(1<<62)
	for i := range r.depths {
		if d := r.depths[i].Load(); d < bestDepth {
			best, bestDepth = i, d
		}
	}
	return best
}

func (r *Router) worker(idx int) {
	defer r.wg.Done()
	label := shardLabel(idx)
	for {
		select {
		case t := <-r.queues[idx]:
			r.depths[idx].Add(-1)
			shardDepth.WithLabelValues(label).Set(float64(r.depths[idx].Load()))
			r.run(t)
		case <-r.stop:
			// Drain what is already queued before exiting.
			for {
				select {
				case t := <-r.queues[idx]:
					r.depths[idx].Add(-1)
					r.run(t)
				default:
					return
				}
			}
		}
	}
}

func (r *Router) run(t task) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in shard task", "panic", rec)
			t.done <- errors.New("task panicked")
		}
	}()
	shardTasks.Inc()
	if err := t.ctx.Err(); err != nil {
		t.done <- err
		return
	}
	t.done <- t.fn(t.ctx)
}

// Stats returns the live queue depth per shard.
func (r *Router) Stats() []int64 {
	out := make([]int64, len(r.depths))
	for i := range r.depths {
		out[i] = r.depths[i].Load()
	}
	return out
}

func shardLabel(i int) string { return strconv.Itoa(i) }
