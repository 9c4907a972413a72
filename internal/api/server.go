package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"commodex/internal/auth"
	"commodex/internal/config"
	"commodex/internal/game"
	"commodex/internal/ledger"
	"commodex/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type contextKey string

const userContextKey contextKey = "user"

type UserContext struct {
	UserID   string
	Username string
	Token    string
}

type Server struct {
	cfg     config.APIConfig
	log     *zap.Logger
	auth    *auth.Verifier
	game    *game.Service
	hub     *Hub
	global  *game.Scheduler
	metrics *metrics.Metrics
	mux     *chi.Mux
}

// New wires the HTTP and WebSocket surface. global runs on-demand global
// settlements; it should share its policy with any scheduler running the
// same mode so overlapping runs are refused.
func New(cfg config.APIConfig, logger *zap.Logger, verifier *auth.Verifier, gameSvc *game.Service, hub *Hub, global *game.Scheduler, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if hub == nil {
		var cm ConnMetrics
		if m != nil {
			cm = m
		}
		hub = NewHub(logger, cm, cfg.AllowOrigins)
	}
	s := &Server{
		cfg:     cfg,
		log:     logger,
		auth:    verifier,
		game:    gameSvc,
		hub:     hub,
		global:  global,
		metrics: m,
		mux:     chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "connections": s.hub.Connected(broadcastLabel)})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Long-lived; kept outside the request timeout.
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))
			r.Post("/ready", s.handleReady)
			r.Get("/state", s.handleState)
			r.Post("/trades", s.handleProposeTrade)
			r.Post("/trades/{id}/respond", s.handleRespondTrade)
			r.Get("/trades/history", s.handleTradeHistory)
			r.Get("/trades/pending", s.handlePendingTrades)
			r.Post("/redeem", s.handleRedeem)
			r.Post("/redeem/refresh", s.handleRefreshRule)
			r.Get("/leaderboard", s.handleLeaderboard)
			r.Post("/settlements/global", s.handleGlobalSettlement)
			r.Post("/sync/replay", s.handleSyncReplay)
		})
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			// Browsers cannot set headers on a websocket handshake.
			token = strings.TrimSpace(r.URL.Query().Get("token"))
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		id, err := s.auth.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, UserContext{
			UserID:   id.UserID,
			Username: id.Username,
			Token:    token,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) (UserContext, error) {
	v := ctx.Value(userContextKey)
	user, ok := v.(UserContext)
	if !ok || user.UserID == "" {
		return UserContext{}, errors.New("missing auth context")
	}
	return user, nil
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	s.hub.Serve(w, r, auth.Identity{UserID: user.UserID, Username: user.Username}, s.dispatch)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	snap, err := s.game.PlayerReady(r.Context(), game.Identity{UserID: user.UserID, Username: user.Username})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.game.State().Snapshot())
}

// proposeBody is the client's view of a proposal: the proposer is always
// the authenticated user.
type proposeBody struct {
	TradeID     string          `json:"tradeId"`
	ToUserID    string          `json:"toUserId"`
	CommodityID string          `json:"commodityId"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Action      ledger.Action   `json:"action"`
}

func (b proposeBody) input(fromUserID, fallbackID string) game.ProposeInput {
	id := strings.TrimSpace(b.TradeID)
	if id == "" {
		id = fallbackID
	}
	return game.ProposeInput{
		TradeID:     id,
		FromUserID:  fromUserID,
		ToUserID:    strings.TrimSpace(b.ToUserID),
		CommodityID: strings.TrimSpace(b.CommodityID),
		Quantity:    b.Quantity,
		Price:       b.Price,
		Action:      ledger.Action(strings.ToLower(string(b.Action))),
	}
}

func (s *Server) handleProposeTrade(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in proposeBody
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	trade, err := s.game.Propose(r.Context(), in.input(user.UserID, idempotencyKey(r)))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trade)
}

func (s *Server) handleRespondTrade(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Accepted bool `json:"accepted"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.game.Respond(r.Context(), chi.URLParam(r, "id"), user.UserID, in.Accepted)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTradeHistory(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	trades, err := s.game.History(r.Context(), user.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

func (s *Server) handlePendingTrades(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	trades, err := s.game.Pending(r.Context(), user.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	result, err := s.game.Redeem(r.Context(), user.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRefreshRule(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	result, err := s.game.RefreshRule(r.Context(), user.UserID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, _ *http.Request) {
	board, at := s.game.State().Leaderboard()
	out := map[string]any{"leaderboard": board}
	if !at.IsZero() {
		out["timestamp"] = at
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGlobalSettlement(w http.ResponseWriter, r *http.Request) {
	if s.global == nil {
		writeError(w, http.StatusNotImplemented, "global settlement is not enabled")
		return
	}
	report, err := s.global.RunOnce(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type replayResult struct {
	TradeID string `json:"tradeId"`
	OK      bool   `json:"ok"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// handleSyncReplay re-proposes trades queued offline by the CLI. Each
// proposal carries its trade id, so replaying an already stored proposal
// is a no-op.
func (s *Server) handleSyncReplay(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Proposals []proposeBody `json:"proposals"`
	}
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	results := make([]replayResult, 0, len(in.Proposals))
	for _, p := range in.Proposals {
		if strings.TrimSpace(p.TradeID) == "" {
			results = append(results, replayResult{Error: "tradeId is required for replay"})
			continue
		}
		trade, err := s.game.Propose(r.Context(), p.input(user.UserID, ""))
		if err != nil {
			results = append(results, replayResult{TradeID: p.TradeID, Error: ledger.Message(err)})
			continue
		}
		results = append(results, replayResult{TradeID: trade.ID, OK: true, Status: string(trade.Status)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	if stderrors.Is(err, game.ErrSettlementRunning) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if stderrors.Is(err, game.ErrUnauthorized) {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	switch ledger.KindOf(err) {
	case ledger.KindValidation, ledger.KindInsufficientFunds, ledger.KindInsufficientInventory:
		writeError(w, http.StatusBadRequest, err.Error())
	case ledger.KindNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case ledger.KindConflict, ledger.KindAlreadyExists:
		writeError(w, http.StatusConflict, ledger.Message(err))
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, ledger.Message(err))
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return errors.Wrap(err, "decode body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func idempotencyKey(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		return key
	}
	return uuid.NewString()
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
