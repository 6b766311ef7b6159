// Package trade provides the HTTP handlers for submitting trades,
// committing and revealing concealed trades, and querying positions and the
// public disclosure feed.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/jon-tompkins/clawstreet/internal/apperr"
	"github.com/jon-tompkins/clawstreet/internal/commitment"
	"github.com/jon-tompkins/clawstreet/internal/identity"
	"github.com/jon-tompkins/clawstreet/internal/instrument"
	"github.com/jon-tompkins/clawstreet/internal/ledger"
	"github.com/jon-tompkins/clawstreet/internal/model"
	"github.com/jon-tompkins/clawstreet/internal/oracle"
)

const (
	// MaxPriceSymbols caps GET /prices.
	MaxPriceSymbols = 50

	defaultFeedLimit = 50
	maxFeedLimit     = 200
	maxBodyBytes     = 64 << 10
)

// Service serves the trading API on top of the ledger engine.
type Service struct {
	engine *ledger.Engine
	prices oracle.Oracle
	hub    *WSHub // optional; nil disables GET /ws
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(engine *ledger.Engine, prices oracle.Oracle, hub *WSHub) *Service {
	return &Service{engine: engine, prices: prices, hub: hub}
}

// Routes mounts the API under r. Agent endpoints sit behind auth.
func (s *Service) Routes(r chi.Router, auth func(http.Handler) http.Handler) {
	// Public.
	r.Get("/trades", s.PublicTrades)
	r.Get("/tickers", s.Tickers)
	r.Get("/prices", s.Prices)
	r.Get("/price-history", s.PriceHistory)
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	// Authenticated.
	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Post("/trade", s.SubmitTrade)
		r.Get("/trade", s.TradeHistory)
		r.Post("/trade/commit", s.CommitTrade)
		r.Get("/positions", s.Positions)
		r.Post("/agent/wallet", s.RegisterWallet)
		r.Get("/agent/wallet", s.GetWallet)
	})
}

// --- Request/Response types ---

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	Instrument string          `json:"instrument"`
	Action     string          `json:"action"`           // BUY, SELL, SHORT, COVER
	Amount     decimal.Decimal `json:"amount"`           // capital to commit on BUY/SHORT; 0 → default
	Shares     int64           `json:"shares,omitempty"` // partial close on SELL/COVER; 0 → all
}

// Commitment is the sealed part of an OPEN request.
type Commitment struct {
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
}

// RevealData discloses a committed OPEN.
type RevealData struct {
	Instrument string          `json:"instrument"`
	Price      decimal.Decimal `json:"price"`
	Nonce      string          `json:"nonce"`
}

// CommitRequest is the JSON body for POST /trade/commit. OPEN uses
// direction, amount, timestamp and commitment; CLOSE uses opening_trade_id,
// reveal and close_price.
type CommitRequest struct {
	Action    string          `json:"action"` // OPEN or CLOSE
	Direction string          `json:"direction,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`

	Commitment *Commitment `json:"commitment,omitempty"`

	OpeningTradeID string              `json:"opening_trade_id,omitempty"`
	Reveal         *RevealData         `json:"reveal,omitempty"`
	ClosePrice     decimal.NullDecimal `json:"close_price"`
}

// WalletRequest is the JSON body for POST /agent/wallet.
type WalletRequest struct {
	WalletAddress string `json:"wallet_address"`
	Signature     string `json:"signature"`
}

// WalletResponse describes the caller's registered wallet.
type WalletResponse struct {
	AgentID       string     `json:"agent_id"`
	WalletAddress string     `json:"wallet_address,omitempty"`
	RegisteredAt  *time.Time `json:"registered_at,omitempty"`
	Message       string     `json:"message,omitempty"` // text to sign when none is registered
}

// PricesResponse is returned from GET /prices.
type PricesResponse struct {
	Prices      map[string]decimal.Decimal `json:"prices"`
	Unavailable []string                   `json:"unavailable,omitempty"`
}

// --- HTTP Handlers ---

// SubmitTrade handles POST /api/v1/trade
func (s *Service) SubmitTrade(w http.ResponseWriter, r *http.Request) {
	agentID := mustAgent(r)
	var req TradeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, s.engine.RejectRequest(r.Context(), agentID, err))
		return
	}

	res, err := s.engine.Submit(r.Context(), agentID, ledger.TradeRequest{
		Instrument: req.Instrument,
		Action:     req.Action,
		Amount:     req.Amount,
		Shares:     req.Shares,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CommitTrade handles POST /api/v1/trade/commit
func (s *Service) CommitTrade(w http.ResponseWriter, r *http.Request) {
	agentID := mustAgent(r)
	ctx := r.Context()
	var req CommitRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, s.engine.RejectRequest(ctx, agentID, err))
		return
	}

	switch action, _ := model.ParseAction(req.Action); action {
	case model.ActionOpen:
		cr := ledger.CommitRequest{
			Direction: req.Direction,
			Amount:    req.Amount,
		}
		if req.Commitment != nil {
			cr.Hash = req.Commitment.Hash
			cr.Signature = req.Commitment.Signature
		}
		if req.Timestamp != nil {
			cr.Timestamp = *req.Timestamp
		}
		res, err := s.engine.Commit(ctx, agentID, cr)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)

	case model.ActionClose:
		rr := ledger.RevealRequest{
			OpeningTradeID: req.OpeningTradeID,
			ClosePrice:     req.ClosePrice,
		}
		if req.Reveal != nil {
			rr.Instrument = req.Reveal.Instrument
			rr.Price = req.Reveal.Price
			rr.Nonce = req.Reveal.Nonce
		}
		res, err := s.engine.Reveal(ctx, agentID, rr)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)

	default:
		writeError(w, r, s.engine.RejectRequest(ctx, agentID,
			apperr.Newf(apperr.KindValidation, "action must be OPEN or CLOSE, got %q", req.Action)))
	}
}

// TradeHistory handles GET /api/v1/trade
func (s *Service) TradeHistory(w http.ResponseWriter, r *http.Request) {
	agentID := mustAgent(r)
	trades, err := s.engine.History(r.Context(), agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": agentID,
		"trades":   trades,
	})
}

// Positions handles GET /api/v1/positions
func (s *Service) Positions(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Portfolio(r.Context(), mustAgent(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// RegisterWallet handles POST /api/v1/agent/wallet
func (s *Service) RegisterWallet(w http.ResponseWriter, r *http.Request) {
	var req WalletRequest
	if err := decode(r, &req); err != nil {
		apperr.Write(w, err)
		return
	}
	if req.WalletAddress == "" || req.Signature == "" {
		apperr.Write(w, apperr.Validation("wallet_address and signature are required"))
		return
	}
	a, err := s.engine.RegisterWallet(r.Context(), mustAgent(r), req.WalletAddress, req.Signature)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, WalletResponse{
		AgentID:       a.ID,
		WalletAddress: a.WalletAddress,
		RegisteredAt:  a.WalletRegisteredAt,
	})
}

// GetWallet handles GET /api/v1/agent/wallet
func (s *Service) GetWallet(w http.ResponseWriter, r *http.Request) {
	agentID := mustAgent(r)
	a, err := s.engine.Agent(r.Context(), agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := WalletResponse{
		AgentID:       a.ID,
		WalletAddress: a.WalletAddress,
		RegisteredAt:  a.WalletRegisteredAt,
	}
	if a.WalletAddress == "" {
		resp.Message = fmt.Sprintf(commitment.WalletMessageFormat, "{checksum address}", a.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// PublicTrades handles GET /api/v1/trades?limit=
// Only disclosed trades are listed.
func (s *Service) PublicTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := feedLimit(w, r)
	if !ok {
		return
	}
	trades, err := s.engine.PublicTrades(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trades": trades,
		"count":  len(trades),
	})
}

// PriceHistory handles GET /api/v1/price-history?symbol=&limit=
// Points come from disclosed executions only.
func (s *Service) PriceHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := feedLimit(w, r)
	if !ok {
		return
	}
	points, err := s.engine.PriceHistory(r.Context(), r.URL.Query().Get("symbol"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"prices": points,
		"count":  len(points),
	})
}

// Tickers handles GET /api/v1/tickers
func (s *Service) Tickers(w http.ResponseWriter, _ *http.Request) {
	syms := s.engine.Instruments()
	writeJSON(w, http.StatusOK, map[string]any{
		"tickers": syms,
		"count":   len(syms),
	})
}

// Prices handles GET /api/v1/prices?symbols=AAPL,NVDA
func (s *Service) Prices(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("symbols")
	if raw == "" {
		apperr.Write(w, apperr.Validation("symbols query parameter is required"))
		return
	}
	var syms []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		sym, err := instrument.Normalize(part)
		if err != nil {
			apperr.Write(w, apperr.Wrap(apperr.KindValidation, err, err.Error()).With("symbol", part))
			return
		}
		if !seen[sym] {
			seen[sym] = true
			syms = append(syms, sym)
		}
	}
	if len(syms) > MaxPriceSymbols {
		apperr.Write(w, apperr.Newf(apperr.KindValidation, "at most %d symbols per request", MaxPriceSymbols).
			With("requested", len(syms)))
		return
	}

	resp := PricesResponse{Prices: make(map[string]decimal.Decimal, len(syms))}
	for _, sym := range syms {
		p, err := s.prices.Price(r.Context(), sym)
		if err != nil {
			slog.Warn("price lookup failed", "instrument", sym, "err", err)
			resp.Unavailable = append(resp.Unavailable, sym)
			continue
		}
		resp.Prices[sym] = p
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- helpers ---

// mustAgent returns the authenticated agent id. Routes using it are mounted
// behind identity.Middleware.
func mustAgent(r *http.Request) string {
	id, _ := identity.AgentID(r.Context())
	return id
}

// feedLimit parses ?limit=, writing a validation error when it is invalid.
func feedLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultFeedLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		apperr.Write(w, apperr.Validation("limit must be a positive integer"))
		return 0, false
	}
	return min(n, maxFeedLimit), true
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is required")
		}
		return apperr.Wrap(apperr.KindValidation, err, "invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders err and logs server-side failures.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch kind := apperr.KindOf(err); kind {
	case apperr.KindInternal, apperr.KindDependency:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "kind", kind, "err", err)
	}
	apperr.Write(w, err)
}
