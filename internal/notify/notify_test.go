package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campex/campex/internal/events"
	"github.com/campex/campex/internal/ledger"
)

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	lgr := ledger.New(ledger.NewMemoryStore(), nil)
	_, err := lgr.CreateAccount(context.Background(),
		&ledger.Account{UID: "usr_a", Username: "alice", TelegramID: "tg_alice"}, 0)
	require.NoError(t, err)
	_, err = lgr.CreateAccount(context.Background(),
		&ledger.Account{UID: "usr_b", Username: "bob"}, 0)
	require.NoError(t, err)
	return lgr
}

func event(topic events.Topic, uid string) *events.Event {
	return &events.Event{
		ID:      "evt_1",
		Topic:   topic,
		TS:      time.Now().UTC(),
		UID:     uid,
		Payload: map[string]any{"points": float64(50)},
	}
}

func TestHandle_DisabledWithoutURL(t *testing.T) {
	n := New("", newLedger(t), nil)
	err := n.Handle(context.Background(), event(events.TopicUserPointsUpdated, "usr_a"))
	require.NoError(t, err)
	assert.Empty(t, n.queue)
}

func TestHandle_ResolvesTelegramID(t *testing.T) {
	n := New("http://relay", newLedger(t), nil)
	err := n.Handle(context.Background(), event(events.TopicUserPointsUpdated, "usr_a"))
	require.NoError(t, err)

	require.Len(t, n.queue, 1)
	msg := <-n.queue
	assert.Equal(t, "tg_alice", msg.TelegramID)
	assert.Equal(t, string(events.TopicUserPointsUpdated), msg.Topic)
}

func TestHandle_SkipsUserWithoutTelegramID(t *testing.T) {
	n := New("http://relay", newLedger(t), nil)
	err := n.Handle(context.Background(), event(events.TopicUserPointsUpdated, "usr_b"))
	require.NoError(t, err)
	assert.Empty(t, n.queue)
}

func TestHandle_UnknownUserIgnored(t *testing.T) {
	n := New("http://relay", newLedger(t), nil)
	err := n.Handle(context.Background(), event(events.TopicOrderMatched, "usr_missing"))
	require.NoError(t, err)
	assert.Empty(t, n.queue)
}

func TestHandle_SystemEventHasNoRecipient(t *testing.T) {
	n := New("http://relay", newLedger(t), nil)
	err := n.Handle(context.Background(), event(events.TopicMarketOpened, ""))
	require.NoError(t, err)

	require.Len(t, n.queue, 1)
	msg := <-n.queue
	assert.Equal(t, "", msg.TelegramID)
}

func TestDeliver_PostsWireFormat(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		got <- body
	}))
	defer srv.Close()

	n := New(srv.URL, newLedger(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	n.Start(ctx)

	require.NoError(t, n.Handle(ctx, event(events.TopicOrderMatched, "usr_a")))

	select {
	case body := <-got:
		assert.Equal(t, "tg_alice", body["telegram_id"])
		assert.Equal(t, "ORDER_MATCHED", body["topic"])
		assert.Equal(t, map[string]any{"points": float64(50)}, body["payload"])
		assert.NotEmpty(t, body["sent_at"])
	case <-time.After(2 * time.Second):
		t.Fatal("relay never received the notification")
	}
}

func TestDeliver_ClientErrorIsNotRetried(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := New(srv.URL, newLedger(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	n.Start(ctx)

	require.NoError(t, n.Handle(ctx, event(events.TopicOrderMatched, "usr_a")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return requests >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// A rejected payload is dropped, not retried.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, requests)
}

func TestDeliver_BreakerStopsHammeringDownRelay(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := New(srv.URL, newLedger(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	n.Start(ctx)

	// Five straight failures trip the breaker.
	for i := 0; i < 5; i++ {
		require.NoError(t, n.Handle(ctx, event(events.TopicOrderMatched, "usr_a")))
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return requests == 5
	}, 2*time.Second, 10*time.Millisecond)

	// The sixth is dropped without touching the relay.
	require.NoError(t, n.Handle(ctx, event(events.TopicOrderMatched, "usr_a")))
	require.Eventually(t, func() bool { return len(n.queue) == 0 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 5, requests)
}

func TestStart_Idempotent(t *testing.T) {
	n := New("", newLedger(t), nil)
	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)
	n.Start(ctx)
	assert.True(t, n.Running())

	cancel()
	<-n.stopped
	assert.False(t, n.Running())
}
