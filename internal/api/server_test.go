package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commodex/internal/auth"
	"commodex/internal/config"
	"commodex/internal/game"
	"commodex/internal/ledger"
	"commodex/internal/metrics"
	"commodex/internal/state"
)

type testEnv struct {
	srv      *httptest.Server
	svc      *game.Service
	mem      *ledger.Memory
	hub      *Hub
	verifier *auth.Verifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.APIConfig{JWTSecret: "test-secret", AllowOrigins: []string{"*"}}
	m := metrics.New()
	hub := NewHub(nil, m, cfg.AllowOrigins)
	mem := ledger.NewMemory()
	svc := game.NewService(mem, state.NewStore(),
		game.WithNotifier(hub),
		game.WithRandSeed(1),
		game.WithRetryPolicy(ledger.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}),
	)
	require.NoError(t, svc.Bootstrap(context.Background()))
	global := game.NewScheduler(game.NewGlobalScored(svc, time.Hour), svc)
	verifier := auth.NewVerifier(cfg.JWTSecret, "")

	srv := httptest.NewServer(New(cfg, nil, verifier, svc, hub, global, m).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, svc: svc, mem: mem, hub: hub, verifier: verifier}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := e.verifier.Issue(auth.Identity{UserID: userID, Username: userID}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, userID))
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *testEnv) seed(t *testing.T, id string, balance int64, inv map[string]int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.mem.Update(ctx, func(tx ledger.Tx) error {
		if err := tx.CreateUser(ctx, ledger.User{ID: id, Username: id, Balance: decimal.NewFromInt(balance)}); err != nil {
			return err
		}
		for c, q := range inv {
			if _, err := tx.UpdateInventory(ctx, id, c, q, ledger.OpAdd); err != nil {
				return err
			}
		}
		return nil
	}))
	require.NoError(t, e.svc.Reload(ctx))
}

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	resp, err := http.Get(e.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.do(t, http.MethodGet, "/v1/state", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/v1/state", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	r2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	r2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, r2.StatusCode)
}

func TestReadyCreatesPlayer(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, http.MethodPost, "/v1/ready", "ana", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	players, ok := body["players"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, players, "ana")
}

func TestTradeLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "A", 1000, map[string]int64{"gold": 2})
	e.seed(t, "B", 500, nil)

	resp, body := e.do(t, http.MethodPost, "/v1/trades", "A", map[string]any{
		"tradeId": "t1", "toUserId": "B", "commodityId": "gold", "quantity": 2, "price": "300", "action": "sell",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, body)
	assert.Equal(t, "pending", body["status"])

	resp, _ = e.do(t, http.MethodPost, "/v1/trades/t1/respond", "A", map[string]any{"accepted": true})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = e.do(t, http.MethodPost, "/v1/trades/t1/respond", "B", map[string]any{"accepted": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "successful", body["status"])

	p, ok := e.svc.State().Player("A")
	require.True(t, ok)
	assert.True(t, p.Balance.Equal(decimal.NewFromInt(1300)))

	resp, body = e.do(t, http.MethodGet, "/v1/trades/history", "B", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["trades"], 1)
}

func TestProposeRejectsUnknownFieldsAndBadInput(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "A", 1000, nil)
	e.seed(t, "B", 500, nil)

	resp, _ := e.do(t, http.MethodPost, "/v1/trades", "A", map[string]any{"bogus": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/v1/trades", "A", map[string]any{
		"toUserId": "B", "commodityId": "gold", "quantity": 0, "price": "1", "action": "sell",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/v1/trades", "A", map[string]any{
		"toUserId": "B", "commodityId": "unobtainium", "quantity": 1, "price": "1", "action": "sell",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSyncReplayIsIdempotent(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "A", 1000, map[string]int64{"gold": 1})
	e.seed(t, "B", 500, nil)

	batch := map[string]any{"proposals": []map[string]any{
		{"tradeId": "q1", "toUserId": "B", "commodityId": "gold", "quantity": 1, "price": "10", "action": "sell"},
		{"toUserId": "B", "commodityId": "gold", "quantity": 1, "price": "10", "action": "sell"},
	}}
	for i := 0; i < 2; i++ {
		resp, body := e.do(t, http.MethodPost, "/v1/sync/replay", "A", batch)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		results := body["results"].([]any)
		require.Len(t, results, 2)
		assert.Equal(t, true, results[0].(map[string]any)["ok"])
		assert.Equal(t, false, results[1].(map[string]any)["ok"])
	}

	pending, err := e.svc.Pending(context.Background(), "B")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestGlobalSettlementEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "A", 1000, map[string]int64{"gold": 1})

	resp, body := e.do(t, http.MethodPost, "/v1/settlements/global", "A", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["settled"])

	resp, body = e.do(t, http.MethodGet, "/v1/leaderboard", "A", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["leaderboard"], 1)
	assert.NotEmpty(t, body["timestamp"])
}

func TestRedeemWithoutItemsIsBadRequest(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "A", 0, nil)
	ctx := context.Background()
	require.NoError(t, e.mem.Update(ctx, func(tx ledger.Tx) error {
		return tx.PutRedemptionRule(ctx, ledger.RedemptionRule{
			ID: "r1", UserID: "A", Reward: decimal.NewFromInt(100),
			RequiredItems: []ledger.RequiredItem{{CommodityID: "gold", Quantity: 1}},
		})
	}))
	resp, body := e.do(t, http.MethodPost, "/v1/redeem", "A", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "insufficient inventory")
}

func dialWS(t *testing.T, e *testEnv, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/ws?token=" + e.token(t, userID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return e.hub.Connected(userID) == 1 }, 2*time.Second, 10*time.Millisecond)
	return conn
}

// readUntil reads frames until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, event string) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f Frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == event {
			return f.Data
		}
	}
}

func TestWebSocketTradeFlow(t *testing.T) {
	e := newTestEnv(t)
	e.seed(t, "A", 1000, map[string]int64{"gold": 2})
	e.seed(t, "B", 500, nil)

	a := dialWS(t, e, "A")
	b := dialWS(t, e, "B")

	require.NoError(t, a.WriteJSON(map[string]any{"type": game.EventProposeTrade, "data": map[string]any{
		"tradeId": "ws1", "toUserId": "B", "commodityId": "gold", "quantity": 2, "price": "300", "action": "sell",
	}}))
	var proposal ledger.Trade
	require.NoError(t, json.Unmarshal(readUntil(t, b, game.EventTradeProposal), &proposal))
	assert.Equal(t, "ws1", proposal.ID)

	require.NoError(t, b.WriteJSON(map[string]any{"type": game.EventTradeResponse, "data": map[string]any{
		"tradeId": "ws1", "accepted": true,
	}}))
	var result game.TradeResult
	require.NoError(t, json.Unmarshal(readUntil(t, a, game.EventTradeResult), &result))
	assert.True(t, result.Success)
	assert.Equal(t, ledger.StatusSuccessful, result.Status)
}

func TestWebSocketUnknownEvent(t *testing.T) {
	e := newTestEnv(t)
	conn := dialWS(t, e, "A")
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "teleport"}))
	var payload errorPayload
	require.NoError(t, json.Unmarshal(readUntil(t, conn, game.EventError), &payload))
	assert.Equal(t, "teleport", payload.Event)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	require.NoError(t, json.Unmarshal(readUntil(t, conn, game.EventError), &payload))
	assert.Equal(t, "malformed frame", payload.Message)
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	e := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/ws?token=nope"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer  abc ", "abc"},
		{"Basic abc", ""},
		{"Bearerabc", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, bearerToken(tc.header), tc.header)
	}
}
