// Package ledger is the position ledger: the only component that mutates
// agent balances, positions and trade records. Every trade-affecting
// operation runs as one critical section per agent: snapshot, validate,
// compute, then a single atomic store write.
//
// All monetary values use shopspring/decimal, never float64.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jon-tompkins/clawstreet/internal/apperr"
	"github.com/jon-tompkins/clawstreet/internal/commitment"
	"github.com/jon-tompkins/clawstreet/internal/instrument"
	"github.com/jon-tompkins/clawstreet/internal/metrics"
	"github.com/jon-tompkins/clawstreet/internal/model"
	"github.com/jon-tompkins/clawstreet/internal/oracle"
	"github.com/jon-tompkins/clawstreet/internal/reveal"
	"github.com/jon-tompkins/clawstreet/internal/settlement"
	"github.com/jon-tompkins/clawstreet/internal/store"
	"github.com/jon-tompkins/clawstreet/internal/window"
)

// HistoryLimit caps the caller's own trade history.
const HistoryLimit = 100

// PriceHistoryScan is how many recent disclosed trades PriceHistory reads.
const PriceHistoryScan = 500

// Config wires the engine's collaborators. Publisher is optional.
type Config struct {
	Store         store.Store
	Guard         *window.Guard
	Verifier      *commitment.Verifier
	Calculator    *settlement.Calculator
	Oracle        oracle.Oracle
	Instruments   *instrument.Set
	Schedule      reveal.Schedule
	Publisher     reveal.Publisher
	DefaultAmount decimal.Decimal
}

// Engine is the settlement engine.
type Engine struct {
	store         store.Store
	guard         *window.Guard
	verifier      *commitment.Verifier
	calc          *settlement.Calculator
	oracle        oracle.Oracle
	instruments   *instrument.Set
	schedule      reveal.Schedule
	publisher     reveal.Publisher
	defaultAmount decimal.Decimal

	locks *keyedMutex
	now   func() time.Time
	newID func() string
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("ledger: store is required")
	case cfg.Guard == nil:
		return nil, errors.New("ledger: window guard is required")
	case cfg.Calculator == nil:
		return nil, errors.New("ledger: calculator is required")
	case cfg.Oracle == nil:
		return nil, errors.New("ledger: price oracle is required")
	case cfg.Instruments == nil || cfg.Instruments.Len() == 0:
		return nil, errors.New("ledger: instrument set is required")
	}
	if cfg.Verifier == nil {
		cfg.Verifier = commitment.NewVerifier()
	}
	if cfg.Schedule.Location == nil {
		cfg.Schedule = reveal.DefaultSchedule()
	}
	return &Engine{
		store:         cfg.Store,
		guard:         cfg.Guard,
		verifier:      cfg.Verifier,
		calc:          cfg.Calculator,
		oracle:        cfg.Oracle,
		instruments:   cfg.Instruments,
		schedule:      cfg.Schedule,
		publisher:     cfg.Publisher,
		defaultAmount: cfg.DefaultAmount,
		locks:         newKeyedMutex(),
		now:           time.Now,
		newID:         uuid.NewString,
	}, nil
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// --- Request/Response types ---

// TradeRequest is a standard-mode submission.
type TradeRequest struct {
	Instrument string
	Action     string
	// Amount is the capital to commit on BUY/SHORT; zero uses the default.
	Amount decimal.Decimal
	// Shares closes part of a position on SELL/COVER; zero closes all of it.
	Shares int64
}

// TradeResult is the outcome of an accepted standard-mode trade or commit.
type TradeResult struct {
	Trade           model.Trade     `json:"trade"`
	Position        *model.Position `json:"position,omitempty"` // open position after the trade, if any
	Balances        model.Balances  `json:"balances"`
	TradesRemaining int             `json:"trades_remaining_today"`
}

// CommitRequest opens a concealed position.
type CommitRequest struct {
	Direction string
	Amount    decimal.Decimal
	Timestamp time.Time // bound into the commitment hash
	Hash      string
	Signature string
}

// RevealRequest discloses and closes a committed position.
type RevealRequest struct {
	OpeningTradeID string
	Instrument     string
	Price          decimal.Decimal
	Nonce          string
	// ClosePrice settles the position; unset uses the oracle.
	ClosePrice decimal.NullDecimal
}

// RevealResult carries the disclosed opening trade and the closing trade.
type RevealResult struct {
	Opening         model.Trade    `json:"opening_trade"`
	Closing         model.Trade    `json:"closing_trade"`
	Refund          string         `json:"refund"`
	Balances        model.Balances `json:"balances"`
	TradesRemaining int            `json:"trades_remaining_today"`
}

// Portfolio is an agent's current state.
type Portfolio struct {
	AgentID         string           `json:"agent_id"`
	Positions       []model.Position `json:"positions"`
	Pending         []model.Trade    `json:"pending_commitments"`
	Balances        model.Balances   `json:"balances"`
	TradesToday     int              `json:"trades_today"`
	TradesRemaining int              `json:"trades_remaining_today"`
}

// --- Trading operations ---

// Submit executes a standard-mode BUY, SELL, SHORT or COVER.
func (e *Engine) Submit(ctx context.Context, agentID string, req TradeRequest) (res *TradeResult, err error) {
	action, _ := model.ParseAction(req.Action)
	defer e.observe(string(action), time.Now(), &err)

	unlock := e.locks.Lock(agentID)
	defer unlock()

	now := e.now()
	st, err := e.admit(ctx, agentID, now)
	if err != nil {
		return nil, err
	}

	res, err = e.submitLocked(ctx, st, action, req, now)
	if err != nil {
		return nil, e.reject(ctx, agentID, now, err)
	}
	slog.Info("trade accepted",
		"agent", agentID,
		"trade_id", res.Trade.ID,
		"action", res.Trade.Action,
		"instrument", res.Trade.Instrument,
		"shares", res.Trade.Shares,
		"price", res.Trade.ExecutionPrice.Decimal.String(),
	)
	return res, nil
}

func (e *Engine) submitLocked(ctx context.Context, st *store.AgentState, action model.Action, req TradeRequest, now time.Time) (*TradeResult, error) {
	switch action {
	case model.ActionBuy, model.ActionSell, model.ActionShort, model.ActionCover:
	default:
		return nil, apperr.Newf(apperr.KindValidation, "invalid action %q", req.Action).
			With("allowed", []model.Action{model.ActionBuy, model.ActionSell, model.ActionShort, model.ActionCover})
	}
	sym, err := e.instruments.Resolve(req.Instrument)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, err.Error()).With("instrument", req.Instrument)
	}
	if req.Shares < 0 {
		return nil, apperr.Validation("shares must not be negative")
	}
	if action.Opens() {
		return e.open(ctx, st, action, sym, req.Amount, now)
	}
	return e.close(ctx, st, action, sym, req.Shares, now)
}

func (e *Engine) open(ctx context.Context, st *store.AgentState, action model.Action, sym string, amount decimal.Decimal, now time.Time) (*TradeResult, error) {
	if p, ok := st.Position(sym); ok {
		return nil, apperr.Newf(apperr.KindState, "position already open for %s", sym).
			With("instrument", sym).
			With("direction", p.Direction).
			With("shares", p.Shares)
	}
	if amount.IsZero() {
		amount = e.defaultAmount
	}
	idle := st.Agent.IdleCapital
	if err := e.calc.CheckAmount(amount, idle); err != nil {
		return nil, e.amountError(err, amount, idle)
	}
	price, err := e.price(ctx, sym)
	if err != nil {
		return nil, err
	}
	fill, err := e.calc.Open(amount, price, idle)
	if err != nil {
		return nil, e.amountError(err, amount, idle).With("price", price.String())
	}

	revealAt, weekID := e.schedule.Assign(now)
	t := model.Trade{
		ID:             e.newID(),
		AgentID:        st.Agent.ID,
		Mode:           model.ModeStandard,
		Instrument:     sym,
		Action:         action,
		Direction:      action.Direction(),
		Amount:         fill.Cost,
		Shares:         fill.Shares,
		ExecutionPrice: decimal.NewNullDecimal(price),
		RevealAt:       revealAt,
		WeekID:         weekID,
		SubmittedAt:    now.UTC(),
	}
	pos := model.Position{
		AgentID:        st.Agent.ID,
		Instrument:     sym,
		Direction:      t.Direction,
		Shares:         fill.Shares,
		EntryPrice:     price,
		CostBasis:      fill.Cost,
		OpeningTradeID: t.ID,
		OpenedAt:       now.UTC(),
	}
	newIdle := idle.Sub(fill.Cost)
	if err := e.apply(ctx, store.Mutation{
		AgentID:      st.Agent.ID,
		Version:      st.Agent.Version,
		IdleCapital:  newIdle,
		PutPositions: []model.Position{pos},
		InsertTrades: []model.Trade{t},
		AttemptAt:    now,
	}); err != nil {
		return nil, err
	}
	metrics.TradesTotal.WithLabelValues(string(action)).Inc()

	positions := append(append([]model.Position(nil), st.Positions...), pos)
	return &TradeResult{
		Trade:           t,
		Position:        &pos,
		Balances:        model.ComputeBalances(newIdle, positions, st.Pending),
		TradesRemaining: e.guard.Remaining(st.AttemptsToday + 1),
	}, nil
}

func (e *Engine) close(ctx context.Context, st *store.AgentState, action model.Action, sym string, shares int64, now time.Time) (*TradeResult, error) {
	pos, ok := st.Position(sym)
	if !ok {
		return nil, apperr.Newf(apperr.KindState, "no open position for %s", sym).With("instrument", sym)
	}
	if pos.Direction != action.Direction() {
		return nil, apperr.Newf(apperr.KindState, "%s requires a %s position, %s is %s",
			action, action.Direction(), sym, pos.Direction).
			With("instrument", sym).
			With("direction", pos.Direction)
	}
	price, err := e.price(ctx, sym)
	if err != nil {
		return nil, err
	}
	s, err := e.calc.Close(pos, price, shares)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	revealAt, weekID := e.schedule.Assign(now)
	t := model.Trade{
		ID:             e.newID(),
		AgentID:        st.Agent.ID,
		Mode:           model.ModeStandard,
		Instrument:     sym,
		Action:         action,
		Direction:      pos.Direction,
		Amount:         s.Credit,
		Shares:         s.Shares,
		ExecutionPrice: decimal.NewNullDecimal(price),
		PnL:            decimal.NewNullDecimal(s.PnL),
		PnLPercent:     decimal.NewNullDecimal(s.PnLPercent),
		OpeningTradeID: pos.OpeningTradeID,
		RevealAt:       revealAt,
		WeekID:         weekID,
		SubmittedAt:    now.UTC(),
	}
	m := store.Mutation{
		AgentID:      st.Agent.ID,
		Version:      st.Agent.Version,
		IdleCapital:  st.Agent.IdleCapital.Add(s.Credit),
		InsertTrades: []model.Trade{t},
		AttemptAt:    now,
	}

	var remaining *model.Position
	positions := make([]model.Position, 0, len(st.Positions))
	for _, p := range st.Positions {
		if p.Instrument != sym {
			positions = append(positions, p)
		}
	}
	if s.Closed() {
		m.DeletePositions = []string{sym}
	} else {
		pos.Shares = s.RemainingShares
		pos.CostBasis = s.RemainingCostBasis
		m.PutPositions = []model.Position{pos}
		positions = append(positions, pos)
		remaining = &pos
	}
	if err := e.apply(ctx, m); err != nil {
		return nil, err
	}
	metrics.TradesTotal.WithLabelValues(string(action)).Inc()
	recordPnL(s.PnL)

	return &TradeResult{
		Trade:           t,
		Position:        remaining,
		Balances:        model.ComputeBalances(m.IdleCapital, positions, st.Pending),
		TradesRemaining: e.guard.Remaining(st.AttemptsToday + 1),
	}, nil
}

// Commit records a concealed OPEN and reserves its amount from idle capital.
// The instrument and price stay unknown to the engine until Reveal.
func (e *Engine) Commit(ctx context.Context, agentID string, req CommitRequest) (res *TradeResult, err error) {
	defer e.observe(string(model.ActionOpen), time.Now(), &err)

	unlock := e.locks.Lock(agentID)
	defer unlock()

	now := e.now()
	st, err := e.admit(ctx, agentID, now)
	if err != nil {
		return nil, err
	}
	res, err = e.commitLocked(ctx, st, req, now)
	if err != nil {
		return nil, e.reject(ctx, agentID, now, err)
	}
	slog.Info("commitment accepted",
		"agent", agentID,
		"trade_id", res.Trade.ID,
		"direction", res.Trade.Direction,
		"amount", res.Trade.Amount.String(),
		"week_id", res.Trade.WeekID,
	)
	return res, nil
}

func (e *Engine) commitLocked(ctx context.Context, st *store.AgentState, req CommitRequest, now time.Time) (*TradeResult, error) {
	wallet := st.Agent.WalletAddress
	if wallet == "" {
		return nil, apperr.Validation("wallet not registered; register one before committing").
			With("endpoint", "POST /api/v1/agent/wallet")
	}
	dir := model.Direction(strings.ToUpper(strings.TrimSpace(req.Direction)))
	if !dir.Valid() {
		return nil, apperr.Newf(apperr.KindValidation, "invalid direction %q", req.Direction).
			With("allowed", []model.Direction{model.Long, model.Short})
	}
	if req.Hash == "" || req.Signature == "" {
		return nil, apperr.Validation("commitment.hash and commitment.signature are required")
	}
	hash, err := commitment.ParseHash(req.Hash)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "commitment.hash must be 0x-prefixed 32-byte hex")
	}
	if err := commitment.CheckTimestamp(req.Timestamp); err != nil {
		ae := apperr.Wrap(apperr.KindValidation, err, "timestamp is required and must be the instant bound into the commitment")
		if errors.Is(err, commitment.ErrTimestampPrecision) {
			ae = apperr.Wrap(apperr.KindValidation, err, "timestamp must not be finer than microseconds").
				With("timestamp", req.Timestamp.UTC().Format(commitment.TimestampLayout))
		}
		return nil, ae
	}
	for _, p := range st.Pending {
		if strings.EqualFold(p.CommitmentHash, hash.Hex()) {
			return nil, apperr.State("commitment already submitted").With("trade_id", p.ID)
		}
	}
	if err := e.verifier.VerifySignature(hash, req.Signature, wallet); err != nil {
		return nil, signatureError(err)
	}

	amount := req.Amount
	if amount.IsZero() {
		amount = e.defaultAmount
	}
	idle := st.Agent.IdleCapital
	if err := e.calc.CheckAmount(amount, idle); err != nil {
		return nil, e.amountError(err, amount, idle)
	}

	committedAt := req.Timestamp.UTC()

	revealAt, weekID := e.schedule.Assign(now)
	t := model.Trade{
		ID:                  e.newID(),
		AgentID:             st.Agent.ID,
		Mode:                model.ModeCommitReveal,
		Action:              model.ActionOpen,
		Direction:           dir,
		Amount:              amount,
		CommitmentHash:      hash.Hex(),
		CommitmentSignature: req.Signature,
		CommittedAt:         &committedAt,
		RevealAt:            revealAt,
		WeekID:              weekID,
		SubmittedAt:         now.UTC(),
	}
	newIdle := idle.Sub(amount)
	if err := e.apply(ctx, store.Mutation{
		AgentID:      st.Agent.ID,
		Version:      st.Agent.Version,
		IdleCapital:  newIdle,
		InsertTrades: []model.Trade{t},
		AttemptAt:    now,
	}); err != nil {
		return nil, err
	}
	metrics.TradesTotal.WithLabelValues(string(model.ActionOpen)).Inc()

	pending := append(append([]model.Trade(nil), st.Pending...), t)
	return &TradeResult{
		Trade:           t,
		Balances:        model.ComputeBalances(newIdle, st.Positions, pending),
		TradesRemaining: e.guard.Remaining(st.AttemptsToday + 1),
	}, nil
}

// Reveal verifies the disclosed contents of a commitment, fills in the
// opening trade and closes it in one atomic write.
func (e *Engine) Reveal(ctx context.Context, agentID string, req RevealRequest) (res *RevealResult, err error) {
	defer e.observe(string(model.ActionClose), time.Now(), &err)

	unlock := e.locks.Lock(agentID)
	defer unlock()

	now := e.now()
	st, err := e.admit(ctx, agentID, now)
	if err != nil {
		return nil, err
	}
	res, err = e.revealLocked(ctx, st, req, now)
	if err != nil {
		return nil, e.reject(ctx, agentID, now, err)
	}
	slog.Info("commitment revealed",
		"agent", agentID,
		"trade_id", res.Opening.ID,
		"close_trade_id", res.Closing.ID,
		"instrument", res.Opening.Instrument,
		"pnl", res.Closing.PnL.Decimal.String(),
	)
	if e.publisher != nil {
		e.publisher.Publish(reveal.Disclosure(res.Opening))
		closing := reveal.Disclosure(res.Closing)
		closing.Type = "position_closed"
		e.publisher.Publish(closing)
	}
	return res, nil
}

func (e *Engine) revealLocked(ctx context.Context, st *store.AgentState, req RevealRequest, now time.Time) (*RevealResult, error) {
	wallet := st.Agent.WalletAddress
	if wallet == "" {
		return nil, apperr.Validation("wallet not registered")
	}
	if req.OpeningTradeID == "" {
		return nil, apperr.Validation("opening_trade_id is required")
	}
	open, ok := st.PendingTrade(req.OpeningTradeID)
	if !ok {
		return nil, e.missingCommitment(ctx, st.Agent.ID, req.OpeningTradeID)
	}
	sym, err := e.instruments.Resolve(req.Instrument)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, err.Error()).With("instrument", req.Instrument)
	}
	if !req.Price.IsPositive() {
		return nil, apperr.Validation("reveal.price must be positive")
	}
	if req.Nonce == "" {
		return nil, apperr.Validation("reveal.nonce is required")
	}
	if req.ClosePrice.Valid && !req.ClosePrice.Decimal.IsPositive() {
		return nil, apperr.Validation("close_price must be positive")
	}
	if open.CommittedAt == nil {
		return nil, apperr.Internal(fmt.Errorf("trade %s has no commit timestamp", open.ID))
	}

	payload := commitment.NewPayload(st.Agent.ID, open.Direction, open.Amount, sym, req.Price, *open.CommittedAt, req.Nonce)
	if err := e.verifier.VerifyReveal(payload, open.CommitmentHash, open.CommitmentSignature, wallet); err != nil {
		slog.Warn("reveal rejected", "agent", st.Agent.ID, "trade_id", open.ID, "kind", apperr.KindIntegrity)
		return nil, apperr.Wrap(apperr.KindIntegrity, err, "reveal does not match commitment").
			With("trade_id", open.ID)
	}

	closePrice := req.ClosePrice.Decimal
	if !req.ClosePrice.Valid {
		if closePrice, err = e.price(ctx, sym); err != nil {
			return nil, err
		}
	}
	c, err := e.calc.SettleCommitted(open.Direction, open.Amount, req.Price, closePrice)
	if err != nil {
		return nil, apperr.Internal(err)
	}

	revealedAt := now.UTC()
	disclosed := open
	disclosed.Instrument = sym
	disclosed.Shares = c.Fill.Shares
	disclosed.ExecutionPrice = decimal.NewNullDecimal(req.Price)
	disclosed.RevealNonce = req.Nonce
	disclosed.CommitmentHash = ""
	disclosed.CommitmentSignature = ""
	disclosed.Revealed = true
	disclosed.RevealedAt = &revealedAt

	_, weekID := e.schedule.Assign(now)
	closing := model.Trade{
		ID:             e.newID(),
		AgentID:        st.Agent.ID,
		Mode:           model.ModeCommitReveal,
		Instrument:     sym,
		Action:         model.ActionClose,
		Direction:      open.Direction,
		Amount:         c.Credit,
		Shares:         c.Fill.Shares,
		ExecutionPrice: decimal.NewNullDecimal(closePrice),
		PnL:            decimal.NewNullDecimal(c.Settlement.PnL),
		PnLPercent:     decimal.NewNullDecimal(c.Settlement.PnLPercent),
		OpeningTradeID: open.ID,
		Revealed:       true,
		RevealAt:       revealedAt,
		RevealedAt:     &revealedAt,
		WeekID:         weekID,
		SubmittedAt:    revealedAt,
	}

	newIdle := st.Agent.IdleCapital.Add(c.Credit)
	if err := e.apply(ctx, store.Mutation{
		AgentID:      st.Agent.ID,
		Version:      st.Agent.Version,
		IdleCapital:  newIdle,
		InsertTrades: []model.Trade{closing},
		RevealTrade:  &disclosed,
		AttemptAt:    now,
	}); err != nil {
		return nil, err
	}
	metrics.TradesTotal.WithLabelValues(string(model.ActionClose)).Inc()
	recordPnL(c.Settlement.PnL)

	pending := make([]model.Trade, 0, len(st.Pending))
	for _, p := range st.Pending {
		if p.ID != open.ID {
			pending = append(pending, p)
		}
	}
	return &RevealResult{
		Opening:         disclosed,
		Closing:         closing,
		Refund:          c.Refund.String(),
		Balances:        model.ComputeBalances(newIdle, st.Positions, pending),
		TradesRemaining: e.guard.Remaining(st.AttemptsToday + 1),
	}, nil
}

// missingCommitment explains why id is not an open commitment of agentID
// without revealing anything about other agents' trades.
func (e *Engine) missingCommitment(ctx context.Context, agentID, id string) error {
	t, err := e.store.GetTrade(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return apperr.Dependency(err, "store unavailable")
	}
	if err == nil && t.AgentID == agentID && t.Mode == model.ModeCommitReveal && t.Action == model.ActionOpen && t.Revealed {
		return apperr.State("commitment already revealed").With("opening_trade_id", id)
	}
	return apperr.State("no open commitment with that id").With("opening_trade_id", id)
}

// --- Wallet ---

// RegisterWallet binds wallet to agentID after checking that signature is the
// wallet's signature over commitment.WalletMessage.
func (e *Engine) RegisterWallet(ctx context.Context, agentID, wallet, signature string) (*model.Agent, error) {
	unlock := e.locks.Lock(agentID)
	defer unlock()

	st, err := e.store.Snapshot(ctx, agentID, e.guard.DayStart(e.now()))
	if err != nil {
		return nil, e.storeReadError(err)
	}
	addr, err := e.verifier.VerifyWalletOwnership(wallet, agentID, signature)
	if err != nil {
		return nil, signatureError(err)
	}
	if strings.EqualFold(st.Agent.WalletAddress, addr.Hex()) {
		return &st.Agent, nil
	}
	if len(st.Pending) > 0 {
		return nil, apperr.State("cannot change wallet while commitments are pending").
			With("pending", len(st.Pending))
	}
	now := e.now().UTC()
	if err := e.store.SetWallet(ctx, agentID, addr.Hex(), now); err != nil {
		if errors.Is(err, store.ErrWalletTaken) {
			return nil, apperr.State("wallet already registered to another agent")
		}
		return nil, apperr.Internal(err)
	}
	slog.Info("wallet registered", "agent", agentID, "wallet", addr.Hex())
	a := st.Agent
	a.WalletAddress = addr.Hex()
	a.WalletRegisteredAt = &now
	return &a, nil
}

// --- Queries ---

// Agent returns the agent record.
func (e *Engine) Agent(ctx context.Context, agentID string) (*model.Agent, error) {
	a, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, e.storeReadError(err)
	}
	return a, nil
}

// Portfolio returns positions, pending commitments and balances.
func (e *Engine) Portfolio(ctx context.Context, agentID string) (*Portfolio, error) {
	st, err := e.store.Snapshot(ctx, agentID, e.guard.DayStart(e.now()))
	if err != nil {
		return nil, e.storeReadError(err)
	}
	positions := st.Positions
	if positions == nil {
		positions = []model.Position{}
	}
	pending := st.Pending
	if pending == nil {
		pending = []model.Trade{}
	}
	return &Portfolio{
		AgentID:         agentID,
		Positions:       positions,
		Pending:         pending,
		Balances:        st.Balances(),
		TradesToday:     st.AttemptsToday,
		TradesRemaining: e.guard.Remaining(st.AttemptsToday),
	}, nil
}

// History returns the agent's own trades, newest first, including concealed
// ones.
func (e *Engine) History(ctx context.Context, agentID string) ([]model.Trade, error) {
	trades, err := e.store.ListTradesByAgent(ctx, agentID, HistoryLimit)
	if err != nil {
		return nil, apperr.Dependency(err, "store unavailable")
	}
	for i := range trades {
		trades[i].CommitmentSignature = ""
	}
	return trades, nil
}

// PublicTrades returns disclosed trades for the public feed.
func (e *Engine) PublicTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	trades, err := e.store.ListRevealedTrades(ctx, limit)
	if err != nil {
		return nil, apperr.Dependency(err, "store unavailable")
	}
	for i := range trades {
		trades[i] = trades[i].Public()
	}
	return trades, nil
}

// RejectRequest handles a submission that failed before it could be parsed
// into a request. It applies the same admission rules as Submit and, once
// admitted, charges cause against the daily quota.
func (e *Engine) RejectRequest(ctx context.Context, agentID string, cause error) (err error) {
	defer e.observe("invalid", time.Now(), &err)

	unlock := e.locks.Lock(agentID)
	defer unlock()

	now := e.now()
	if _, err := e.admit(ctx, agentID, now); err != nil {
		return err
	}
	if apperr.KindOf(cause) == apperr.KindInternal {
		cause = apperr.Wrap(apperr.KindValidation, cause, "invalid request")
	}
	return e.reject(ctx, agentID, now, cause)
}

// PricePoint is one disclosed execution price.
type PricePoint struct {
	Instrument string          `json:"ticker"`
	Price      decimal.Decimal `json:"price"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// PriceHistory returns the latest disclosed execution price of each
// instrument per exchange day, newest first. Concealed trades never
// contribute. An empty symbol covers every instrument; limit <= 0 means no
// limit beyond the scan window.
func (e *Engine) PriceHistory(ctx context.Context, symbol string, limit int) ([]PricePoint, error) {
	if symbol != "" {
		sym, err := e.instruments.Resolve(symbol)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, err, err.Error()).With("instrument", symbol)
		}
		symbol = sym
	}
	trades, err := e.store.ListRevealedTrades(ctx, PriceHistoryScan)
	if err != nil {
		return nil, apperr.Dependency(err, "store unavailable")
	}

	points := make([]PricePoint, 0, len(trades))
	for _, t := range trades {
		if t.Instrument == "" || !t.ExecutionPrice.Valid {
			continue
		}
		if symbol != "" && t.Instrument != symbol {
			continue
		}
		points = append(points, PricePoint{
			Instrument: t.Instrument,
			Price:      t.ExecutionPrice.Decimal,
			RecordedAt: t.SubmittedAt,
		})
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].RecordedAt.After(points[j].RecordedAt) })

	loc := e.guard.Location()
	seen := make(map[string]bool, len(points))
	out := points[:0]
	for _, p := range points {
		key := p.Instrument + "|" + p.RecordedAt.In(loc).Format(time.DateOnly)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Instruments returns the allowed symbols.
func (e *Engine) Instruments() []string { return e.instruments.Symbols() }

// Provision creates an active agent with starting capital. It backs
// development seeding; registration flows live outside the engine.
func (e *Engine) Provision(ctx context.Context, id, name string, capital decimal.Decimal) (*model.Agent, error) {
	if id == "" {
		id = e.newID()
	}
	a := &model.Agent{
		ID:          id,
		Name:        name,
		IdleCapital: capital,
		Status:      model.StatusActive,
		CreatedAt:   e.now().UTC(),
	}
	if err := e.store.CreateAgent(ctx, a); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, apperr.State("agent already exists").With("agent_id", id)
		}
		return nil, apperr.Internal(err)
	}
	return a, nil
}

// --- helpers ---

// admit loads the agent aggregate and applies the authorization, window and
// quota rules, in that order.
func (e *Engine) admit(ctx context.Context, agentID string, now time.Time) (*store.AgentState, error) {
	st, err := e.store.Snapshot(ctx, agentID, e.guard.DayStart(now))
	if err != nil {
		return nil, e.storeReadError(err)
	}
	if st.Agent.Status != model.StatusActive {
		return nil, apperr.Authorization("agent not active").With("status", st.Agent.Status)
	}
	if err := e.guard.CheckClock(now); err != nil {
		return nil, apperr.Wrap(apperr.KindWindowClosed, err, err.Error())
	}
	if err := e.guard.Check(now, st.AttemptsToday); err != nil {
		return nil, apperr.Wrap(apperr.KindRateLimit, err, err.Error()).
			With("limit", e.guard.MaxTradesPerDay()).
			With("trades_today", st.AttemptsToday)
	}
	return st, nil
}

// reject charges a caller-caused rejection against the daily quota. Failures
// of the engine's own dependencies, and losing a write race to a concurrent
// request, do not consume quota.
func (e *Engine) reject(ctx context.Context, agentID string, now time.Time, err error) error {
	if errors.Is(err, store.ErrVersionConflict) {
		return err
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindState, apperr.KindIntegrity:
		if rerr := e.store.RecordAttempt(ctx, agentID, now); rerr != nil {
			slog.Error("record attempt failed", "agent", agentID, "err", rerr)
		}
	}
	return err
}

func (e *Engine) apply(ctx context.Context, m store.Mutation) error {
	err := e.store.Apply(ctx, m)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrVersionConflict):
		return apperr.Wrap(apperr.KindState, err, "agent state changed concurrently; retry")
	case errors.Is(err, store.ErrAlreadyRevealed):
		return apperr.State("commitment already revealed")
	default:
		slog.Error("ledger write failed", "agent", m.AgentID, "err", err)
		return apperr.Internal(err)
	}
}

func (e *Engine) price(ctx context.Context, sym string) (decimal.Decimal, error) {
	p, err := e.oracle.Price(ctx, sym)
	if err != nil {
		slog.Warn("price lookup failed", "instrument", sym, "kind", apperr.KindDependency, "err", err)
		return decimal.Zero, apperr.Dependency(err, "price unavailable for "+sym).With("instrument", sym)
	}
	return p, nil
}

func (e *Engine) amountError(err error, amount, idle decimal.Decimal) *apperr.Error {
	b := e.calc.Bounds()
	switch {
	case errors.Is(err, settlement.ErrInsufficientCapital):
		return apperr.Wrap(apperr.KindValidation, err, "insufficient idle capital").
			With("idle", idle.String()).
			With("required", amount.String())
	case errors.Is(err, settlement.ErrBelowMinimum), errors.Is(err, settlement.ErrAboveMaximum):
		ae := apperr.Wrap(apperr.KindValidation, err, "amount out of bounds").
			With("amount", amount.String()).
			With("min", b.Min.String())
		if b.Max.IsPositive() {
			ae.With("max", b.Max.String())
		}
		return ae
	case errors.Is(err, settlement.ErrZeroShares):
		return apperr.Wrap(apperr.KindValidation, err, "amount buys less than one share").
			With("amount", amount.String())
	default:
		return apperr.Wrap(apperr.KindValidation, err, err.Error())
	}
}

func (e *Engine) storeReadError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Authentication("unknown agent")
	}
	return apperr.Dependency(err, "store unavailable")
}

func signatureError(err error) error {
	switch {
	case errors.Is(err, commitment.ErrSignerMismatch):
		return apperr.Wrap(apperr.KindIntegrity, err, "signature does not match wallet")
	case errors.Is(err, commitment.ErrMalformedSignature):
		return apperr.Wrap(apperr.KindValidation, err, "signature must be 0x-prefixed 65-byte hex")
	case errors.Is(err, commitment.ErrMalformedAddress):
		return apperr.Wrap(apperr.KindValidation, err, "invalid wallet address")
	default:
		return apperr.Wrap(apperr.KindValidation, err, err.Error())
	}
}

func (e *Engine) observe(action string, start time.Time, err *error) {
	if action == "" {
		action = "unknown"
	}
	metrics.TradeLatency.WithLabelValues(action).Observe(time.Since(start).Seconds())
	if *err != nil {
		metrics.TradeRejections.WithLabelValues(string(apperr.KindOf(*err))).Inc()
	}
}

func recordPnL(pnl decimal.Decimal) {
	v, _ := pnl.Abs().Float64()
	if pnl.IsNegative() {
		metrics.RealizedPnL.WithLabelValues("loss").Add(v)
		return
	}
	metrics.RealizedPnL.WithLabelValues("profit").Add(v)
}
