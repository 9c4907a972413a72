package notify

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commodex/internal/game"
	"commodex/internal/state"
)

type sink struct {
	mu     sync.Mutex
	events []Envelope
}

func (s *sink) EmitToUser(userID, event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case nil:
	default:
		raw, _ = json.Marshal(p)
	}
	s.events = append(s.events, Envelope{To: userID, Event: event, Payload: raw})
}

func (s *sink) EmitToAll(event string, payload any) {
	s.EmitToUser(Broadcast, event, payload)
}

func (s *sink) snapshot() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Envelope(nil), s.events...)
}

func TestEncodeDecode(t *testing.T) {
	msg, err := encode("w1", "u1", game.EventSettlementComplete, map[string]int{"payout": 1500})
	require.NoError(t, err)
	env, err := decode(string(msg))
	require.NoError(t, err)
	assert.Equal(t, "w1", env.Origin)
	assert.Equal(t, "u1", env.To)
	assert.JSONEq(t, `{"payout":1500}`, string(env.Payload))

	_, err = decode(`{"event":""}`)
	assert.Error(t, err)
	_, err = decode(`nope`)
	assert.Error(t, err)
}

type fakeProjection struct {
	reloads int
	err     error
	snap    state.Snapshot
}

func (p *fakeProjection) Reload(context.Context) error {
	p.reloads++
	return p.err
}

func (p *fakeProjection) Snapshot() state.Snapshot { return p.snap }

func localSnapshot() state.Snapshot {
	return state.Snapshot{Players: map[string]state.Player{
		"u1": {UserID: "u1", Username: "ana", Balance: decimal.NewFromInt(1600)},
		"u2": {UserID: "u2", Username: "bo", Balance: decimal.NewFromInt(400)},
	}}
}

func TestSubscriberHandle(t *testing.T) {
	target := &sink{}
	proj := &fakeProjection{snap: localSnapshot()}
	s := NewSubscriber(nil, "", "api-1", target, proj, nil)

	own, _ := encode("api-1", Broadcast, game.EventGameStateUpdate, nil)
	s.handle(context.Background(), string(own))
	assert.Empty(t, target.snapshot())

	update, _ := encode("worker", Broadcast, game.EventGameStateUpdate, map[string]int{"version": 3})
	s.handle(context.Background(), string(update))
	direct, _ := encode("worker", "u1", game.EventSettlementComplete, map[string]string{"balance": "1600"})
	s.handle(context.Background(), string(direct))

	got := target.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, Broadcast, got[0].To)
	want, err := json.Marshal(localSnapshot())
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(got[0].Payload))
	assert.Equal(t, "u1", got[1].To)
	assert.JSONEq(t, `{"balance":"1600"}`, string(got[1].Payload))
	assert.Equal(t, 1, proj.reloads)
}

func TestSubscriberForwardsLocalStateOnly(t *testing.T) {
	// The worker's copy lags the ledger; only one of two players is in it.
	stale := state.Snapshot{Players: map[string]state.Player{
		"u1": {UserID: "u1", Username: "ana", Balance: decimal.NewFromInt(1000)},
	}}
	update, err := encode("worker", Broadcast, game.EventGameStateUpdate, stale)
	require.NoError(t, err)

	target := &sink{}
	proj := &fakeProjection{snap: localSnapshot()}
	NewSubscriber(nil, "", "api-1", target, proj, nil).handle(context.Background(), string(update))

	got := target.snapshot()
	require.Len(t, got, 1)
	var snap state.Snapshot
	require.NoError(t, json.Unmarshal(got[0].Payload, &snap))
	assert.Len(t, snap.Players, 2)
	assert.True(t, snap.Players["u1"].Balance.Equal(decimal.NewFromInt(1600)))
}

func TestSubscriberDropsStateUpdateWithoutFreshProjection(t *testing.T) {
	update, err := encode("worker", Broadcast, game.EventGameStateUpdate, map[string]int{"version": 3})
	require.NoError(t, err)

	target := &sink{}
	NewSubscriber(nil, "", "api-1", target, nil, nil).handle(context.Background(), string(update))
	assert.Empty(t, target.snapshot())

	proj := &fakeProjection{err: errors.New("ledger unavailable"), snap: localSnapshot()}
	NewSubscriber(nil, "", "api-1", target, proj, nil).handle(context.Background(), string(update))
	assert.Empty(t, target.snapshot())
	assert.Equal(t, 1, proj.reloads)
}

func TestRelayOverRedis(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	channel := "commodex:test:" + uuid.NewString()
	target := &sink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- NewSubscriber(rdb, channel, "api", target, nil, nil).Run(ctx) }()

	pub := NewPublisher(rdb, channel, "worker", nil)
	require.Eventually(t, func() bool {
		pub.EmitToUser("u1", game.EventSettlementComplete, map[string]string{"balance": "1600"})
		return len(target.snapshot()) > 0
	}, 3*time.Second, 50*time.Millisecond)

	got := target.snapshot()[0]
	assert.Equal(t, "u1", got.To)
	assert.Equal(t, game.EventSettlementComplete, got.Event)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}
