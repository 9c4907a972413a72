package cli

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"commodex/internal/game"
	"commodex/internal/ledger"
	"commodex/internal/state"
)

// APIError is a non-2xx answer from the server. Anything else returned by
// the client is a transport failure.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

// IsTransport reports whether err means the server was not reached, so
// the request may be queued and replayed.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	return !stderrors.As(err, &apiErr) && !stderrors.Is(err, context.Canceled)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Proposal is the client side of POST /v1/trades.
type Proposal struct {
	TradeID     string          `json:"tradeId"`
	ToUserID    string          `json:"toUserId"`
	CommodityID string          `json:"commodityId"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Action      ledger.Action   `json:"action"`
}

type ReplayResult struct {
	TradeID string `json:"tradeId"`
	OK      bool   `json:"ok"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Leaderboard struct {
	Leaderboard []state.LeaderboardEntry `json:"leaderboard"`
	Timestamp   *time.Time               `json:"timestamp,omitempty"`
}

func (c *Client) Ready(ctx context.Context, accessToken string) (state.Snapshot, error) {
	var out state.Snapshot
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/ready", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) State(ctx context.Context, accessToken string) (state.Snapshot, error) {
	var out state.Snapshot
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/state", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) Propose(ctx context.Context, accessToken string, p Proposal) (ledger.Trade, error) {
	var out ledger.Trade
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/trades", accessToken, p, &out, p.TradeID)
	return out, err
}

func (c *Client) Respond(ctx context.Context, accessToken, tradeID string, accepted bool) (game.TradeResult, error) {
	var out game.TradeResult
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/trades/"+url.PathEscape(tradeID)+"/respond", accessToken, map[string]any{
		"accepted": accepted,
	}, &out, "")
	return out, err
}

func (c *Client) History(ctx context.Context, accessToken string) ([]ledger.Trade, error) {
	var out struct {
		Trades []ledger.Trade `json:"trades"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/trades/history", accessToken, nil, &out, "")
	return out.Trades, err
}

func (c *Client) Pending(ctx context.Context, accessToken string) ([]ledger.Trade, error) {
	var out struct {
		Trades []ledger.Trade `json:"trades"`
	}
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/trades/pending", accessToken, nil, &out, "")
	return out.Trades, err
}

func (c *Client) Redeem(ctx context.Context, accessToken string) (game.RedeemResult, error) {
	var out game.RedeemResult
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/redeem", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) RefreshRule(ctx context.Context, accessToken string) (game.RefreshResult, error) {
	var out game.RefreshResult
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/redeem/refresh", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) Leaderboard(ctx context.Context, accessToken string) (Leaderboard, error) {
	var out Leaderboard
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/leaderboard", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) GlobalSettlement(ctx context.Context, accessToken string) (game.Report, error) {
	var out game.Report
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/settlements/global", accessToken, nil, &out, "")
	return out, err
}

func (c *Client) SyncReplay(ctx context.Context, accessToken string, proposals []Proposal) ([]ReplayResult, error) {
	var out struct {
		Results []ReplayResult `json:"results"`
	}
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/sync/replay", accessToken, map[string]any{
		"proposals": proposals,
	}, &out, "")
	return out.Results, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path, accessToken string, in any, out any, idem string) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var payload struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
