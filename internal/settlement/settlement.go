// Package settlement implements the pure arithmetic of opening and closing
// positions: whole-share fills, cost basis, exit value, profit/loss and the
// capital credited back on close.
//
// One numeric policy applies to every trading mode: share counts are whole
// numbers obtained by truncating amount/price toward zero, and the fractional
// remainder of the requested amount is never invested.
//
// All monetary values use shopspring/decimal, never float64.
package settlement

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/jon-tompkins/clawstreet/internal/model"
)

var (
	ErrInvalidPrice        = errors.New("settlement: price must be positive")
	ErrBelowMinimum        = errors.New("settlement: amount below minimum")
	ErrAboveMaximum        = errors.New("settlement: amount above maximum")
	ErrZeroShares          = errors.New("settlement: amount buys less than one share")
	ErrInsufficientCapital = errors.New("settlement: insufficient idle capital")
	ErrNoShares            = errors.New("settlement: position holds no shares")

	// PercentScale is the number of decimal places kept on pnl_percent.
	PercentScale int32 = 2

	hundred = decimal.NewFromInt(100)
)

// Bounds limits the capital committed by a single opening trade.
type Bounds struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Calculator is stateless; bounds are fixed at construction.
type Calculator struct {
	bounds Bounds
}

// NewCalculator creates a Calculator. A zero Max disables the upper bound.
func NewCalculator(b Bounds) (*Calculator, error) {
	if b.Min.IsNegative() || b.Max.IsNegative() {
		return nil, errors.New("settlement: bounds must be non-negative")
	}
	if b.Max.IsPositive() && b.Max.LessThan(b.Min) {
		return nil, fmt.Errorf("settlement: max %s below min %s", b.Max, b.Min)
	}
	return &Calculator{bounds: b}, nil
}

// Bounds returns the configured amount bounds.
func (c *Calculator) Bounds() Bounds { return c.bounds }

// Fill is the result of converting capital into whole shares.
type Fill struct {
	Shares    int64
	Price     decimal.Decimal
	Cost      decimal.Decimal // Shares * Price; the position's cost basis
	Remainder decimal.Decimal // requested amount not invested
}

// WholeShares truncates amount/price toward zero.
func WholeShares(amount, price decimal.Decimal) (int64, error) {
	if !price.IsPositive() {
		return 0, ErrInvalidPrice
	}
	q, _ := amount.QuoRem(price, 0)
	return q.IntPart(), nil
}

// CheckAmount validates amount against the bounds and available capital.
func (c *Calculator) CheckAmount(amount, idle decimal.Decimal) error {
	if !amount.IsPositive() || amount.LessThan(c.bounds.Min) {
		return fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amount, c.bounds.Min)
	}
	if c.bounds.Max.IsPositive() && amount.GreaterThan(c.bounds.Max) {
		return fmt.Errorf("%w: %s > %s", ErrAboveMaximum, amount, c.bounds.Max)
	}
	if amount.GreaterThan(idle) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientCapital, idle, amount)
	}
	return nil
}

// Open computes the whole-share fill for amount at price, checking bounds and
// that idle capital covers the requested amount.
func (c *Calculator) Open(amount, price, idle decimal.Decimal) (Fill, error) {
	if err := c.CheckAmount(amount, idle); err != nil {
		return Fill{}, err
	}
	return fill(amount, price)
}

func fill(amount, price decimal.Decimal) (Fill, error) {
	shares, err := WholeShares(amount, price)
	if err != nil {
		return Fill{}, err
	}
	if shares < 1 {
		return Fill{}, fmt.Errorf("%w: %s at %s", ErrZeroShares, amount, price)
	}
	cost := price.Mul(decimal.NewFromInt(shares))
	return Fill{
		Shares:    shares,
		Price:     price,
		Cost:      cost,
		Remainder: amount.Sub(cost),
	}, nil
}

// Settlement is the outcome of closing all or part of a position.
type Settlement struct {
	Shares     int64 // shares closed
	ExitPrice  decimal.Decimal
	ExitValue  decimal.Decimal // Shares * ExitPrice
	CostBasis  decimal.Decimal // cost basis of the closed slice
	PnL        decimal.Decimal
	PnLPercent decimal.Decimal // PnL / CostBasis * 100, rounded to PercentScale
	Credit     decimal.Decimal // returned to idle capital: CostBasis + PnL, floored at zero

	RemainingShares    int64
	RemainingCostBasis decimal.Decimal // RemainingShares * entry price
}

// Closed reports whether the position is fully closed.
func (s Settlement) Closed() bool { return s.RemainingShares == 0 }

// PnL returns realized profit/loss of shares opened at entry and closed at
// exit. LONG gains when price rises; SHORT gains when it falls.
func PnL(dir model.Direction, entry, exit decimal.Decimal, shares int64) decimal.Decimal {
	n := decimal.NewFromInt(shares)
	if dir == model.Short {
		return entry.Sub(exit).Mul(n)
	}
	return exit.Sub(entry).Mul(n)
}

// Close settles up to shares of pos at price. shares <= 0 closes the whole
// position; requests above the held size are clamped.
func (c *Calculator) Close(pos model.Position, price decimal.Decimal, shares int64) (Settlement, error) {
	if !price.IsPositive() {
		return Settlement{}, ErrInvalidPrice
	}
	if pos.Shares <= 0 {
		return Settlement{}, ErrNoShares
	}
	if shares <= 0 || shares > pos.Shares {
		shares = pos.Shares
	}
	return settle(pos.Direction, pos.EntryPrice, price, shares, pos.Shares-shares), nil
}

func settle(dir model.Direction, entry, exit decimal.Decimal, shares, remaining int64) Settlement {
	n := decimal.NewFromInt(shares)
	cost := entry.Mul(n)
	pnl := PnL(dir, entry, exit, shares)

	// A short cannot lose more than the capital committed to it.
	credit := cost.Add(pnl)
	if credit.IsNegative() {
		credit = decimal.Zero
		pnl = cost.Neg()
	}

	pct := decimal.Zero
	if cost.IsPositive() {
		pct = pnl.Div(cost).Mul(hundred).Round(PercentScale)
	}

	return Settlement{
		Shares:             shares,
		ExitPrice:          exit,
		ExitValue:          exit.Mul(n),
		CostBasis:          cost,
		PnL:                pnl,
		PnLPercent:         pct,
		Credit:             credit,
		RemainingShares:    remaining,
		RemainingCostBasis: entry.Mul(decimal.NewFromInt(remaining)),
	}
}

// Committed is the settlement of a commit-reveal round trip: capital was
// reserved at commit time without knowing the price, and is converted to
// shares and closed in one step at reveal.
type Committed struct {
	Fill       Fill
	Settlement Settlement
	Refund     decimal.Decimal // reservation not converted into shares
	Credit     decimal.Decimal // total returned to idle: Settlement.Credit + Refund
}

// SettleCommitted converts the reserved amount at the revealed entry price and
// closes it at closePrice. If the reservation does not cover one share the
// whole amount is refunded with zero pnl.
func (c *Calculator) SettleCommitted(dir model.Direction, reserved, entry, closePrice decimal.Decimal) (Committed, error) {
	if !entry.IsPositive() || !closePrice.IsPositive() {
		return Committed{}, ErrInvalidPrice
	}
	f, err := fill(reserved, entry)
	if errors.Is(err, ErrZeroShares) {
		return Committed{
			Fill:   Fill{Price: entry, Cost: decimal.Zero, Remainder: reserved},
			Refund: reserved,
			Credit: reserved,
			Settlement: Settlement{
				ExitPrice: closePrice, ExitValue: decimal.Zero, CostBasis: decimal.Zero,
				PnL: decimal.Zero, PnLPercent: decimal.Zero, Credit: decimal.Zero,
				RemainingCostBasis: decimal.Zero,
			},
		}, nil
	}
	if err != nil {
		return Committed{}, err
	}
	s := settle(dir, entry, closePrice, f.Shares, 0)
	return Committed{
		Fill:       f,
		Settlement: s,
		Refund:     f.Remainder,
		Credit:     s.Credit.Add(f.Remainder),
	}, nil
}
