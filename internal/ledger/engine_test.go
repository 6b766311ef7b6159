package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jon-tompkins/clawstreet/internal/apperr"
	"github.com/jon-tompkins/clawstreet/internal/commitment"
	"github.com/jon-tompkins/clawstreet/internal/instrument"
	"github.com/jon-tompkins/clawstreet/internal/model"
	"github.com/jon-tompkins/clawstreet/internal/oracle"
	"github.com/jon-tompkins/clawstreet/internal/reveal"
	"github.com/jon-tompkins/clawstreet/internal/settlement"
	"github.com/jon-tompkins/clawstreet/internal/store"
	"github.com/jon-tompkins/clawstreet/internal/window"
)

const agentID = "agent-1"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

type recorder struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recorder) Publish(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []model.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Event(nil), r.events...)
}

type fixture struct {
	eng    *Engine
	store  store.Store
	mem    *store.MemoryStore
	prices *oracle.Static
	events *recorder
	now    time.Time
}

// newFixture builds an engine over an in-memory store with one funded agent.
// The clock starts on Wednesday 2026-10-14 at 11:00 New York time.
func newFixture(t *testing.T) *fixture {
	return newFixtureWithStore(t, nil)
}

func newFixtureWithStore(t *testing.T, wrap func(*store.MemoryStore) store.Store) *fixture {
	t.Helper()
	loc := newYork(t)

	guard, err := window.NewGuard(window.Config{
		Location:        loc,
		Open:            window.ClockTime{Hour: 9, Minute: 30},
		Close:           window.ClockTime{Hour: 16},
		Blackout:        2 * time.Minute,
		MaxTradesPerDay: 10,
	})
	require.NoError(t, err)

	calc, err := settlement.NewCalculator(settlement.Bounds{Min: d("1000"), Max: d("500000")})
	require.NoError(t, err)

	set, err := instrument.NewSet([]string{"AAPL", "AMD", "MSFT", "NVDA", "SPY", "TSLA"})
	require.NoError(t, err)

	f := &fixture{
		mem: store.NewMemoryStore(),
		prices: oracle.NewStatic(map[string]decimal.Decimal{
			"AAPL": d("200"),
			"MSFT": d("400"),
			"NVDA": d("150"),
			"SPY":  d("500"),
			"TSLA": d("800"),
		}),
		events: &recorder{},
		now:    time.Date(2026, 10, 14, 11, 0, 0, 0, loc),
	}
	f.store = f.mem
	if wrap != nil {
		f.store = wrap(f.mem)
	}

	f.eng, err = New(Config{
		Store:         f.store,
		Guard:         guard,
		Calculator:    calc,
		Oracle:        f.prices,
		Instruments:   set,
		Schedule:      reveal.Schedule{Location: loc, Weekday: time.Friday, Hour: 16},
		Publisher:     f.events,
		DefaultAmount: d("10000"),
	})
	require.NoError(t, err)
	f.eng.WithClock(func() time.Time { return f.now })

	_, err = f.eng.Provision(context.Background(), agentID, "Test Agent", d("1000000"))
	require.NoError(t, err)
	return f
}

func (f *fixture) portfolio(t *testing.T) *Portfolio {
	t.Helper()
	p, err := f.eng.Portfolio(context.Background(), agentID)
	require.NoError(t, err)
	return p
}

func requireKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, apperr.KindOf(err), "error: %v", err)
}

func assertInvariant(t *testing.T, b model.Balances, starting string) {
	t.Helper()
	assert.True(t, b.Idle.Add(b.Working).Equal(b.Total), "idle + working = total")
	assert.False(t, b.Idle.IsNegative(), "idle capital went negative: %s", b.Idle)
	if starting != "" {
		assert.True(t, b.Total.Equal(d(starting)), "total %s, want %s", b.Total, starting)
	}
}

// --- Standard mode ---

func TestSubmit_LongRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.eng.Submit(ctx, agentID, TradeRequest{Instrument: "nvda", Action: "buy", Amount: d("100000")})
	require.NoError(t, err)
	assert.Equal(t, int64(666), res.Trade.Shares)
	assert.True(t, res.Trade.Amount.Equal(d("99900")))
	assert.True(t, res.Balances.Idle.Equal(d("900100")))
	assert.True(t, res.Balances.Working.Equal(d("99900")))
	assert.Equal(t, 9, res.TradesRemaining)
	require.NotNil(t, res.Position)
	assert.Equal(t, model.Long, res.Position.Direction)
	assert.False(t, res.Trade.Revealed)
	assert.Equal(t, "2026-W42", res.Trade.WeekID)
	assert.Equal(t, time.Date(2026, 10, 16, 16, 0, 0, 0, newYork(t)), res.Trade.RevealAt.In(newYork(t)))
	assertInvariant(t, res.Balances, "1000000")

	f.prices.Set("NVDA", d("160"))
	f.now = f.now.Add(time.Hour)
	res, err = f.eng.Submit(ctx, agentID, TradeRequest{Instrument: "NVDA", Action: "SELL"})
	require.NoError(t, err)
	assert.Equal(t, int64(666), res.Trade.Shares)
	assert.True(t, res.Trade.PnL.Decimal.Equal(d("6660")))
	assert.True(t, res.Trade.PnLPercent.Decimal.Equal(d("6.67")))
	assert.True(t, res.Balances.Idle.Equal(d("1006660")))
	assert.True(t, res.Balances.Working.IsZero())
	assert.Nil(t, res.Position)

	p := f.portfolio(t)
	assert.Empty(t, p.Positions)
	assert.Equal(t, 2, p.TradesToday)
	assert.Empty(t, f.events.all(), "standard trades are not published at submission")
}

func TestSubmit_ShortLoss(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.eng.Submit(ctx, agentID, TradeRequest{Instrument: "TSLA", Action: "SHORT", Amount: d("50000")})
	require.NoError(t, err)
	assert.Equal(t, int64(62), res.Trade.Shares)
	assert.True(t, res.Trade.Amount.Equal(d("49600")))
	assert.Equal(t, model.Short, res.Trade.Direction)

	f.prices.Set("TSLA", d("850"))
	res, err = f.eng.Submit(ctx, agentID, TradeRequest{Instrument: "TSLA", Action: "COVER"})
	require.NoError(t, err)
	assert.True(t, res.Trade.PnL.Decimal.Equal(d("-3100")))
	assert.True(t, res.Trade.Amount.Equal(d("46500")), "credit = cost basis + pnl")
	assert.True(t, res.Balances.Idle.Equal(d("996900")))
	assertInvariant(t, res.Balances, "996900")
}

func TestSubmit_PartialClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.Submit(ctx, agentID, TradeRequest{Instrument: "AAPL", Action: "BUY", Amount: d("20000")})
	require.NoError(t, err)

	f.prices.Set("AAPL", d("210"))
	res, err := f.eng.Submit(ctx, agentID, TradeRequest{Instrument: "AAPL", Action: "SELL", Shares: 40})
	require.NoError(t, err)
	assert.Equal(t, int64(40), res.Trade.Shares)
	assert.True(t, res.Trade.PnL.Decimal.Equal(d("400")))
	require.NotNil(t, res.Position)
	assert.Equal(t, int64(60), res.Position.Shares)
	assert.True(t, res.Position.CostBasis.Equal(d("12000")))
	assert.True(t, res.Balances.Idle.Equal(d("988400")))
	assertInvariant(t, res.Balances, "1000400")

	p := f.portfolio(t)
	require.Len(t, p.Positions, 1)
	assert.Equal(t, int64(60), p.Positions[0].Shares)
}

func TestSubmit_DefaultAmount(t *testing.T) {
	f := newFixture(t)
	res, err := f.eng.Submit(context.Background(), agentID, TradeRequest{Instrument: "SPY", Action: "BUY"})
	require.NoError(t, err)
	assert.Equal(t, int64(20), res.Trade.Shares)
	assert.True(t, res.Trade.Amount.Equal(d("10000")))
}

func TestSubmit_Blackout(t *testing.T) {
	f := newFixture(t)
	f.now = time.Date(2026, 10, 14, 15, 59, 0, 0, newYork(t))

	_, err := f.eng.Submit(context.Background(), agentID, TradeRequest{Instrument: "NVDA", Action: "BUY"})
	requireKind(t, err, apperr.KindWindowClosed)

	p := f.portfolio(t)
	assert.Empty(t, p.Positions)
	assert.Equal(t, 0, p.TradesToday, "window rejections do not consume quota")
	assert.True(t, p.Balances.Idle.Equal(d("1000000")))
}

func TestSubmit_Weekend(t *testing.T) {
	f := newFixture(t)
	f.now = time.Date(2026, 10, 17, 11, 0, 0, 0, newYork(t))
	_, err := f.eng.Submit(context.Background(), agentID, TradeRequest{Instrument: "NVDA", Action: "BUY"})
	requireKind(t, err, apperr.KindWindowClosed)
}

func TestSubmit_SecondOpenRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.Submit(ctx, agentID, TradeRequest{Instrument: "NVDA", Action: "BUY", Amount: d("15000")})
	require.NoError(t, err)
	before := f.portfolio(t).Balances

	for _, action := range []string{"BUY", "SHORT"} {
		_, err = f.eng.Submit(ctx, agentID, TradeRequest{Instrument: "NVDA", Action: action, Amount: d("10000")})
		requireKind(t, err, apperr.KindState)
		var ae *apperr.Error
		require.True(t, errors.As(err, &ae))
		assert.Equal(t, "NVDA", ae.Details["instrument"])
		assert.Equal(t, model.Long, ae.Details["direction"])
	}

	after := f.portfolio(t).Balances
	assert.True(t, before.Idle.Equal(after.Idle))
	assert.True(t, before.Working.Equal(after.Working))
}

func TestSubmit_Rejections(t *testing.T) {
	tests := []struct {
		name string
		req  TradeRequest
		kind apperr.Kind
	}{
		{"unknown action", TradeRequest{Instrument: "NVDA", Action: "HOLD"}, apperr.KindValidation},
		{"commit action", TradeRequest{Instrument: "NVDA", Action: "OPEN"}, apperr.KindValidation},
		{"malformed symbol", TradeRequest{Instrument: "nv-da", Action: "BUY"}, apperr.KindValidation},
		{"not allowed", TradeRequest{Instrument: "GME", Action: "BUY"}, apperr.KindValidation},
		{"below minimum", TradeRequest{Instrument: "NVDA", Action: "BUY", Amount: d("500")}, apperr.KindValidation},
		{"above maximum", TradeRequest{Instrument: "NVDA", Action: "BUY", Amount: d("600000")}, apperr.KindValidation},
		{"less than one share", TradeRequest{Instrument: "SPY", Action: "BUY", Amount: d("1000")}, apperr.KindValidation},
		{"negative shares", TradeRequest{Instrument: "NVDA", Action: "SELL", Shares: -1}, apperr.KindValidation},
		{"sell without position", TradeRequest{Instrument: "NVDA", Action: "SELL"}, apperr.KindState},
		{"no price", TradeRequest{Instrument: "AMD", Action: "BUY"}, apperr.KindDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.name == "less than one share" {
				f.prices.Set("SPY", d("1500"))
			}
			_, err := f.eng.Submit(context.Background(), agentID, tt.req)
			requireKind(t, err, tt.kind)
			assert.True(t, f.portfolio(t).Balances.Idle.Equal(d("1000000")))
		})
	}
}

func TestSubmit_InsufficientCapital(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eng.Provision(ctx, "poor", "Poor Agent", d("5000"))
	require.NoError(t, err)

	_, err = f.eng.Submit(ctx, "poor", TradeRequest{Instrument: "NVDA", Action: "BUY", Amount: d("6000")})
	requireKind(t, err, apperr.KindValidation)
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "5000", ae.Details["idle"])
	assert.Equal(t, "6000", ae.Details["required"])
}

func TestSubmit_DirectionMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.eng.Submit(ctx, agentID, TradeRequest{Instrument: "NVDA", Action: "BUY"})
	require.NoError(t, err)

	_, err = f.eng.Submit(ctx, agentID, TradeRequest{Instrument: "NVDA", Action: "COVER"})
	requireKind(t, err, apperr.KindState)
}

func TestSubmit_UnknownAndSuspendedAgents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.Submit(ctx, "ghost", TradeRequest{Instrument: "NVDA", Action: "BUY"})
	requireKind(t, err, apperr.KindAuthentication)

	require.NoError(t, f.mem.CreateAgent(ctx, &model.Agent{
		ID: "sus", Name: "Suspended", IdleCapital: d("1000000"), Status: model.StatusSuspended,
	}))
	_, err = f.eng.Submit(ctx, "sus", TradeRequest{Instrument: "NVDA", Action: "BUY"})
	requireKind(t, err, apperr.KindAuthorization)
}

// --- Daily quota ---

func TestSubmit_DailyLimitCountsAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Caller-caused rejections consume quota.
	for i := 0; i < 4; i++ {
		_, err := f.eng.Submit(ctx, agentID, TradeRequest{Instrument: "GME", Action: "BUY"})
		requireKind(t, err, apperr.KindValidation)
	}
	// Dependency failures do not.
	_, err := f.eng.Submit(ctx, agentID, TradeRequest{Instrument: "AMD", Action: "BUY"})
	requireKind(t, err, apperr.KindDependency)
	assert.Equal(t, 4, f.portfolio(t).TradesToday)

	for i, sym := range []string{"AAPL", "MSFT", "NVDA", "SPY", "TSLA"} {
		res, err := f.eng.Submit(ctx, agentID, TradeRequest{Instrument: sym, Action: "BUY"})
		require.NoError(t, err, sym)
		assert.Equal(t, 10-(5+i), res.TradesRemaining)
	}
	_, err = f.eng.Submit(ctx, agentID, TradeRequest{Instrument: "NVDA", Action: "SELL"})
	require.NoError(t, err, "tenth attempt is accepted")

	_, err = f.eng.Submit(ctx, agentID, TradeRequest{Instrument: "AAPL", Action: "SELL"})
	requireKind(t, err, apperr.KindRateLimit)
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, 10, ae.Details["limit"])
	assert.Equal(t, 10, f.portfolio(t).TradesToday, "rate-limited attempts are not counted")

	// The next exchange day starts fresh.
	f.now = time.Date(2026, 10, 15, 10, 0, 0, 0, newYork(t))
	_, err = f.eng.Submit(ctx, agentID, TradeRequest{Instrument: "AAPL", Action: "SELL"})
	require.NoError(t, err)
	assert.Equal(t, 9, f.portfolio(t).TradesRemaining)
}

// --- Concurrency ---

func TestSubmit_ConcurrentOpensSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.eng.Submit(ctx, agentID, TradeRequest{Instrument: "NVDA", Action: "BUY", Amount: d("100000")})
		}(i)
	}
	wg.Wait()

	var ok, state int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case apperr.Is(err, apperr.KindState):
			state++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, state)

	p := f.portfolio(t)
	require.Len(t, p.Positions, 1)
	assert.True(t, p.Balances.Idle.Equal(d("900100")))
	assertInvariant(t, p.Balances, "1000000")
	assert.Equal(t, 0, f.eng.locks.size(), "lock entries are released")
}

func TestSubmit_ConcurrentDistinctInstruments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	syms := []string{"AAPL", "MSFT", "NVDA", "SPY", "TSLA"}
	var wg sync.WaitGroup
	for _, sym := range syms {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			_, err := f.eng.Submit(ctx, agentID, TradeRequest{Instrument: sym, Action: "BUY", Amount: d("50000")})
			assert.NoError(t, err, sym)
		}(sym)
	}
	wg.Wait()

	p := f.portfolio(t)
	assert.Len(t, p.Positions, len(syms))
	assertInvariant(t, p.Balances, "1000000")
}

// failingStore fails every Apply after the agent has been provisioned.
type failingStore struct {
	*store.MemoryStore
}

func (failingStore) Apply(context.Context, store.Mutation) error {
	return errors.New("disk full")
}

func TestSubmit_StoreFailureLeavesNoTrace(t *testing.T) {
	f := newFixtureWithStore(t, func(m *store.MemoryStore) store.Store { return failingStore{m} })
	ctx := context.Background()

	_, err := f.eng.Submit(ctx, agentID, TradeRequest{Instrument: "NVDA", Action: "BUY"})
	requireKind(t, err, apperr.KindInternal)

	p := f.portfolio(t)
	assert.Empty(t, p.Positions)
	assert.True(t, p.Balances.Idle.Equal(d("1000000")))
	assert.Equal(t, 0, p.TradesToday)
	trades, err := f.eng.History(ctx, agentID)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

// conflictStore loses every write race, as a second engine instance would
// make it.
type conflictStore struct {
	*store.MemoryStore
}

func (conflictStore) Apply(_ context.Context, m store.Mutation) error {
	return fmt.Errorf("%w: %s", store.ErrVersionConflict, m.AgentID)
}

func TestSubmit_VersionConflictNotCharged(t *testing.T) {
	f := newFixtureWithStore(t, func(m *store.MemoryStore) store.Store { return conflictStore{m} })

	_, err := f.eng.Submit(context.Background(), agentID, TradeRequest{Instrument: "NVDA", Action: "BUY"})
	requireKind(t, err, apperr.KindState)
	assert.ErrorIs(t, err, store.ErrVersionConflict)
	assert.Equal(t, 0, f.portfolio(t).TradesToday)
}

func TestRejectRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.eng.RejectRequest(ctx, agentID, apperr.Validation("invalid request body"))
	requireKind(t, err, apperr.KindValidation)
	assert.Equal(t, 1, f.portfolio(t).TradesToday)

	// Unclassified causes are still the caller's fault.
	err = f.eng.RejectRequest(ctx, agentID, errors.New("unexpected EOF"))
	requireKind(t, err, apperr.KindValidation)
	assert.Equal(t, 2, f.portfolio(t).TradesToday)

	// The window is checked first and does not count.
	open := f.now
	f.now = time.Date(2026, 10, 14, 15, 59, 0, 0, newYork(t))
	err = f.eng.RejectRequest(ctx, agentID, apperr.Validation("invalid request body"))
	requireKind(t, err, apperr.KindWindowClosed)
	f.now = open
	assert.Equal(t, 2, f.portfolio(t).TradesToday)

	err = f.eng.RejectRequest(ctx, "ghost", apperr.Validation("invalid request body"))
	requireKind(t, err, apperr.KindAuthentication)
}

// --- Commit-reveal ---

type wallet struct {
	key  *ecdsa.PrivateKey
	addr string
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return wallet{key: key, addr: crypto.PubkeyToAddress(key.PublicKey).Hex()}
}

func (w wallet) sign(t *testing.T, msg []byte) string {
	t.Helper()
	sig, err := commitment.Sign(w.key, msg)
	require.NoError(t, err)
	return sig
}

func (f *fixture) register(t *testing.T, id string, w wallet) {
	t.Helper()
	addr, err := commitment.ParseAddress(w.addr)
	require.NoError(t, err)
	sig := w.sign(t, []byte(commitment.WalletMessage(addr, id)))
	_, err = f.eng.RegisterWallet(context.Background(), id, w.addr, sig)
	require.NoError(t, err)
}

type opening struct {
	dir    model.Direction
	amount decimal.Decimal
	sym    string
	price  decimal.Decimal
	ts     time.Time
	nonce  string
}

func (f *fixture) commit(t *testing.T, w wallet, o opening) (*TradeResult, error) {
	t.Helper()
	h := commitment.NewPayload(agentID, o.dir, o.amount, o.sym, o.price, o.ts, o.nonce).Hash()
	return f.eng.Commit(context.Background(), agentID, CommitRequest{
		Direction: string(o.dir),
		Amount:    o.amount,
		Timestamp: o.ts,
		Hash:      h.Hex(),
		Signature: w.sign(t, h.Bytes()),
	})
}

func sampleOpening(now time.Time) opening {
	return opening{
		dir:    model.Long,
		amount: d("10000"),
		sym:    "NVDA",
		price:  d("150"),
		ts:     now,
		nonce:  "n-1",
	}
}

func TestCommitReveal_RoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := newWallet(t)
	f.register(t, agentID, w)

	o := sampleOpening(f.now)
	res, err := f.commit(t, w, o)
	require.NoError(t, err)
	open := res.Trade
	assert.Equal(t, model.ActionOpen, open.Action)
	assert.Empty(t, open.Instrument, "instrument is concealed until reveal")
	assert.True(t, res.Balances.Idle.Equal(d("990000")))
	assert.True(t, res.Balances.Reserved.Equal(d("10000")))
	assertInvariant(t, res.Balances, "1000000")

	feed, err := f.eng.PublicTrades(ctx, 50)
	require.NoError(t, err)
	assert.Empty(t, feed)

	f.now = f.now.Add(2 * time.Hour)
	rr, err := f.eng.Reveal(ctx, agentID, RevealRequest{
		OpeningTradeID: open.ID,
		Instrument:     "nvda",
		Price:          d("150"),
		Nonce:          "n-1",
		ClosePrice:     decimal.NewNullDecimal(d("160")),
	})
	require.NoError(t, err)

	// 66 shares at 150 = 9900, 100 refunded; +660 at 160.
	assert.Equal(t, "NVDA", rr.Opening.Instrument)
	assert.Equal(t, int64(66), rr.Opening.Shares)
	assert.True(t, rr.Opening.Revealed)
	assert.Empty(t, rr.Opening.CommitmentHash)
	assert.Equal(t, "n-1", rr.Opening.RevealNonce)
	assert.Equal(t, model.ActionClose, rr.Closing.Action)
	assert.Equal(t, open.ID, rr.Closing.OpeningTradeID)
	assert.True(t, rr.Closing.PnL.Decimal.Equal(d("660")))
	assert.Equal(t, "100", rr.Refund)
	assert.True(t, rr.Balances.Idle.Equal(d("1000660")))
	assert.True(t, rr.Balances.Reserved.IsZero())
	assertInvariant(t, rr.Balances, "1000660")

	feed, err = f.eng.PublicTrades(ctx, 50)
	require.NoError(t, err)
	assert.Len(t, feed, 2)

	events := f.events.all()
	require.Len(t, events, 2)
	assert.Equal(t, "trade_revealed", events[0].Type)
	assert.Equal(t, "position_closed", events[1].Type)
	assert.Equal(t, "NVDA", events[1].Instrument)

	_, err = f.eng.Reveal(ctx, agentID, RevealRequest{
		OpeningTradeID: open.ID, Instrument: "NVDA", Price: d("150"), Nonce: "n-1",
	})
	requireKind(t, err, apperr.KindState)
	assert.Contains(t, err.Error(), "already revealed")
}

func TestCommitReveal_ClosePriceFromOracle(t *testing.T) {
	f := newFixture(t)
	w := newWallet(t)
	f.register(t, agentID, w)

	o := sampleOpening(f.now)
	o.dir = model.Short
	res, err := f.commit(t, w, o)
	require.NoError(t, err)

	f.prices.Set("NVDA", d("140"))
	rr, err := f.eng.Reveal(context.Background(), agentID, RevealRequest{
		OpeningTradeID: res.Trade.ID, Instrument: "NVDA", Price: d("150"), Nonce: "n-1",
	})
	require.NoError(t, err)
	assert.True(t, rr.Closing.ExecutionPrice.Decimal.Equal(d("140")))
	assert.True(t, rr.Closing.PnL.Decimal.Equal(d("660")))
}

func TestCommitReveal_TamperedReveal(t *testing.T) {
	tests := []struct {
		name string
		req  func(id string) RevealRequest
	}{
		{"price", func(id string) RevealRequest {
			return RevealRequest{OpeningTradeID: id, Instrument: "NVDA", Price: d("149"), Nonce: "n-1"}
		}},
		{"nonce", func(id string) RevealRequest {
			return RevealRequest{OpeningTradeID: id, Instrument: "NVDA", Price: d("150"), Nonce: "n-2"}
		}},
		{"instrument", func(id string) RevealRequest {
			return RevealRequest{OpeningTradeID: id, Instrument: "AAPL", Price: d("150"), Nonce: "n-1"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := newWallet(t)
			f.register(t, agentID, w)
			res, err := f.commit(t, w, sampleOpening(f.now))
			require.NoError(t, err)

			_, err = f.eng.Reveal(context.Background(), agentID, tt.req(res.Trade.ID))
			requireKind(t, err, apperr.KindIntegrity)

			p := f.portfolio(t)
			require.Len(t, p.Pending, 1, "commitment stays pending")
			assert.True(t, p.Balances.Reserved.Equal(d("10000")))
			assert.Empty(t, f.events.all())
		})
	}
}

func TestCommit_ForeignSigner(t *testing.T) {
	f := newFixture(t)
	f.register(t, agentID, newWallet(t))

	_, err := f.commit(t, newWallet(t), sampleOpening(f.now))
	requireKind(t, err, apperr.KindIntegrity)
	assert.True(t, f.portfolio(t).Balances.Idle.Equal(d("1000000")))
}

func TestCommit_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := newWallet(t)

	_, err := f.commit(t, w, sampleOpening(f.now))
	requireKind(t, err, apperr.KindValidation)
	assert.Contains(t, err.Error(), "wallet not registered")

	f.register(t, agentID, w)

	_, err = f.eng.Commit(ctx, agentID, CommitRequest{Direction: "UP", Hash: "0x00", Signature: "0x00"})
	requireKind(t, err, apperr.KindValidation)

	_, err = f.eng.Commit(ctx, agentID, CommitRequest{Direction: "LONG", Hash: "0x1234", Signature: "0x00"})
	requireKind(t, err, apperr.KindValidation)

	o := sampleOpening(f.now)
	h := commitment.NewPayload(agentID, o.dir, o.amount, o.sym, o.price, o.ts, o.nonce).Hash()
	_, err = f.eng.Commit(ctx, agentID, CommitRequest{Direction: "LONG", Timestamp: o.ts, Hash: h.Hex(), Signature: "0xdeadbeef"})
	requireKind(t, err, apperr.KindValidation)

	_, err = f.commit(t, w, o)
	require.NoError(t, err)
	_, err = f.commit(t, w, o)
	requireKind(t, err, apperr.KindState)
}

func TestCommit_RequiresTimestamp(t *testing.T) {
	f := newFixture(t)
	w := newWallet(t)
	f.register(t, agentID, w)

	// The client binds its own clock into the hash but omits it from the
	// request. Accepting it would reserve capital that can never be revealed.
	o := sampleOpening(f.now.Add(-3 * time.Second))
	h := commitment.NewPayload(agentID, o.dir, o.amount, o.sym, o.price, o.ts, o.nonce).Hash()
	_, err := f.eng.Commit(context.Background(), agentID, CommitRequest{
		Direction: string(o.dir),
		Amount:    o.amount,
		Hash:      h.Hex(),
		Signature: w.sign(t, h.Bytes()),
	})
	requireKind(t, err, apperr.KindValidation)
	assert.ErrorIs(t, err, commitment.ErrMissingTimestamp)

	p := f.portfolio(t)
	assert.Empty(t, p.Pending)
	assert.True(t, p.Balances.Idle.Equal(d("1000000")))
	assert.Equal(t, 1, p.TradesToday, "the rejection counts as an attempt")
}

func TestCommit_TimestampPrecision(t *testing.T) {
	f := newFixture(t)
	w := newWallet(t)
	f.register(t, agentID, w)

	o := sampleOpening(f.now.Add(123456789 * time.Nanosecond))
	_, err := f.commit(t, w, o)
	requireKind(t, err, apperr.KindValidation)
	assert.ErrorIs(t, err, commitment.ErrTimestampPrecision)
	assert.Empty(t, f.portfolio(t).Pending)

	o.ts = f.now.Add(123456 * time.Microsecond)
	res, err := f.commit(t, w, o)
	require.NoError(t, err)
	require.NotNil(t, res.Trade.CommittedAt)
	assert.True(t, res.Trade.CommittedAt.Equal(o.ts))

	_, err = f.eng.Reveal(context.Background(), agentID, RevealRequest{
		OpeningTradeID: res.Trade.ID, Instrument: "NVDA", Price: d("150"), Nonce: "n-1",
		ClosePrice: decimal.NewNullDecimal(d("150")),
	})
	require.NoError(t, err)
}

func TestReveal_UnknownOpening(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, agentID, newWallet(t))

	_, err := f.eng.Reveal(ctx, agentID, RevealRequest{
		OpeningTradeID: "nope", Instrument: "NVDA", Price: d("150"), Nonce: "n-1",
	})
	requireKind(t, err, apperr.KindState)
}

func TestReveal_OtherAgentsCommitment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := newWallet(t)
	f.register(t, agentID, w)
	res, err := f.commit(t, w, sampleOpening(f.now))
	require.NoError(t, err)

	_, err = f.eng.Provision(ctx, "agent-2", "Other", d("1000000"))
	require.NoError(t, err)
	f.register(t, "agent-2", newWallet(t))

	_, err = f.eng.Reveal(ctx, "agent-2", RevealRequest{
		OpeningTradeID: res.Trade.ID, Instrument: "NVDA", Price: d("150"), Nonce: "n-1",
	})
	requireKind(t, err, apperr.KindState)
	assert.NotContains(t, err.Error(), "already revealed")
}

// --- Wallets ---

func TestRegisterWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := newWallet(t)
	f.register(t, agentID, w)

	got, err := f.eng.Agent(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, w.addr, got.WalletAddress)
	require.NotNil(t, got.WalletRegisteredAt)

	// Re-registering the same wallet is a no-op.
	f.register(t, agentID, w)

	// Another agent cannot claim it.
	_, err = f.eng.Provision(ctx, "agent-2", "Other", d("1000000"))
	require.NoError(t, err)
	addr, err := commitment.ParseAddress(w.addr)
	require.NoError(t, err)
	sig := w.sign(t, []byte(commitment.WalletMessage(addr, "agent-2")))
	_, err = f.eng.RegisterWallet(ctx, "agent-2", w.addr, sig)
	requireKind(t, err, apperr.KindState)

	// A signature for a different agent id does not verify.
	other := newWallet(t)
	otherAddr, err := commitment.ParseAddress(other.addr)
	require.NoError(t, err)
	sig = other.sign(t, []byte(commitment.WalletMessage(otherAddr, agentID)))
	_, err = f.eng.RegisterWallet(ctx, "agent-2", other.addr, sig)
	requireKind(t, err, apperr.KindIntegrity)

	_, err = f.eng.RegisterWallet(ctx, "agent-2", "not-an-address", sig)
	requireKind(t, err, apperr.KindValidation)
}

func TestRegisterWallet_BlockedWhilePending(t *testing.T) {
	f := newFixture(t)
	w := newWallet(t)
	f.register(t, agentID, w)
	_, err := f.commit(t, w, sampleOpening(f.now))
	require.NoError(t, err)

	next := newWallet(t)
	addr, err := commitment.ParseAddress(next.addr)
	require.NoError(t, err)
	sig := next.sign(t, []byte(commitment.WalletMessage(addr, agentID)))
	_, err = f.eng.RegisterWallet(context.Background(), agentID, next.addr, sig)
	requireKind(t, err, apperr.KindState)
}

// --- Queries ---

func TestHistoryAndPublicFeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.Submit(ctx, agentID, TradeRequest{Instrument: "NVDA", Action: "BUY"})
	require.NoError(t, err)

	hist, err := f.eng.History(ctx, agentID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "NVDA", hist[0].Instrument, "owners see their own concealed trades")

	feed, err := f.eng.PublicTrades(ctx, 50)
	require.NoError(t, err)
	assert.Empty(t, feed, "concealed trades stay off the public feed")

	assert.Equal(t, []string{"AAPL", "AMD", "MSFT", "NVDA", "SPY", "TSLA"}, f.eng.Instruments())
}

func TestPriceHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loc := newYork(t)

	submit := func(at time.Time, sym, action string) {
		t.Helper()
		f.now = at
		_, err := f.eng.Submit(ctx, agentID, TradeRequest{Instrument: sym, Action: action})
		require.NoError(t, err, "%s %s", action, sym)
	}
	submit(time.Date(2026, 10, 14, 11, 0, 0, 0, loc), "NVDA", "BUY")
	submit(time.Date(2026, 10, 14, 11, 10, 0, 0, loc), "AAPL", "BUY")
	f.prices.Set("NVDA", d("160"))
	submit(time.Date(2026, 10, 14, 11, 20, 0, 0, loc), "NVDA", "SELL")
	f.prices.Set("NVDA", d("170"))
	submit(time.Date(2026, 10, 15, 10, 0, 0, 0, loc), "NVDA", "BUY")

	points, err := f.eng.PriceHistory(ctx, "", 0)
	require.NoError(t, err)
	assert.Empty(t, points, "concealed trades do not contribute")

	_, err = f.mem.RevealDue(ctx, time.Date(2026, 10, 17, 0, 0, 0, 0, loc))
	require.NoError(t, err)

	points, err = f.eng.PriceHistory(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, points, 3, "one point per instrument per exchange day")
	assert.Equal(t, "NVDA", points[0].Instrument)
	assert.True(t, points[0].Price.Equal(d("170")))
	assert.Equal(t, "NVDA", points[1].Instrument)
	assert.True(t, points[1].Price.Equal(d("160")), "latest execution of the day wins")
	assert.Equal(t, "AAPL", points[2].Instrument)
	assert.True(t, points[2].Price.Equal(d("200")))

	points, err = f.eng.PriceHistory(ctx, "aapl", 0)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "AAPL", points[0].Instrument)

	points, err = f.eng.PriceHistory(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, points, 1)

	_, err = f.eng.PriceHistory(ctx, "GME", 0)
	requireKind(t, err, apperr.KindValidation)
}

func TestProvision_Duplicate(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.Provision(context.Background(), agentID, "again", d("1"))
	requireKind(t, err, apperr.KindState)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlockA := k.Lock("a")
	unlockB := k.Lock("b")
	assert.Equal(t, 2, k.size())

	acquired := make(chan struct{})
	go func() {
		unlock := k.Lock("a")
		close(acquired)
		unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}
	unlockA()
	<-acquired
	unlockB()
	assert.Equal(t, 0, k.size())
}
