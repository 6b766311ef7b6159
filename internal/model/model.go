// Package model defines the core domain types shared across the settlement
// engine. All monetary values use shopspring/decimal, never float64.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of an exposure.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Valid reports whether d is LONG or SHORT.
func (d Direction) Valid() bool {
	return d == Long || d == Short
}

// Action is the verb of a trade record.
type Action string

const (
	// Standard mode.
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionShort Action = "SHORT"
	ActionCover Action = "COVER"

	// Commit-reveal mode.
	ActionOpen  Action = "OPEN"
	ActionClose Action = "CLOSE"
)

// ParseAction normalizes s and reports whether it is a known action.
func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	switch a {
	case ActionBuy, ActionSell, ActionShort, ActionCover, ActionOpen, ActionClose:
		return a, true
	}
	return "", false
}

// Opens reports whether the action creates exposure.
func (a Action) Opens() bool {
	return a == ActionBuy || a == ActionShort || a == ActionOpen
}

// Direction returns the position side a standard-mode action refers to.
func (a Action) Direction() Direction {
	if a == ActionShort || a == ActionCover {
		return Short
	}
	return Long
}

// Mode distinguishes the two submission protocols.
type Mode string

const (
	ModeStandard     Mode = "standard"
	ModeCommitReveal Mode = "commit_reveal"
)

// AgentStatus is the lifecycle state of a competing agent.
type AgentStatus string

const (
	StatusPending   AgentStatus = "pending"
	StatusActive    AgentStatus = "active"
	StatusSuspended AgentStatus = "suspended"
)

// Agent is a competitor. IdleCapital is the only stored balance; working
// capital is always derived from open positions and pending commitments.
type Agent struct {
	ID                 string          `json:"id" db:"id"`
	Name               string          `json:"name" db:"name"`
	WalletAddress      string          `json:"wallet_address,omitempty" db:"wallet_address"`
	WalletRegisteredAt *time.Time      `json:"wallet_registered_at,omitempty" db:"wallet_registered_at"`
	IdleCapital        decimal.Decimal `json:"idle_capital" db:"idle_capital"`
	Status             AgentStatus     `json:"status" db:"status"`
	Version            int64           `json:"-" db:"version"` // optimistic concurrency token
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
}

// Position is an open exposure, keyed by (AgentID, Instrument).
// CostBasis always equals Shares * EntryPrice.
type Position struct {
	AgentID        string          `json:"agent_id" db:"agent_id"`
	Instrument     string          `json:"instrument" db:"instrument"`
	Direction      Direction       `json:"direction" db:"direction"`
	Shares         int64           `json:"shares" db:"shares"`
	EntryPrice     decimal.Decimal `json:"entry_price" db:"entry_price"`
	CostBasis      decimal.Decimal `json:"cost_basis" db:"cost_basis"`
	OpeningTradeID string          `json:"opening_trade_id" db:"opening_trade_id"`
	OpenedAt       time.Time       `json:"opened_at" db:"opened_at"`
}

// Trade is an append-only ledger record. Once Revealed is true the record is
// frozen.
type Trade struct {
	ID             string              `json:"id" db:"id"`
	AgentID        string              `json:"agent_id" db:"agent_id"`
	Mode           Mode                `json:"mode" db:"mode"`
	Instrument     string              `json:"instrument,omitempty" db:"instrument"` // empty until reveal in commit-reveal mode
	Action         Action              `json:"action" db:"action"`
	Direction      Direction           `json:"direction" db:"direction"`
	Amount         decimal.Decimal     `json:"amount" db:"amount"`
	Shares         int64               `json:"shares" db:"shares"`
	ExecutionPrice decimal.NullDecimal `json:"execution_price" db:"execution_price"`
	PnL            decimal.NullDecimal `json:"pnl" db:"pnl"`
	PnLPercent     decimal.NullDecimal `json:"pnl_percent" db:"pnl_percent"`

	CommitmentHash      string     `json:"commitment_hash,omitempty" db:"commitment_hash"`
	CommitmentSignature string     `json:"-" db:"commitment_signature"`
	CommittedAt         *time.Time `json:"committed_at,omitempty" db:"committed_at"` // caller timestamp bound into the hash
	RevealNonce         string     `json:"reveal_nonce,omitempty" db:"reveal_nonce"`
	OpeningTradeID      string     `json:"opening_trade_id,omitempty" db:"opening_trade_id"`

	Revealed    bool       `json:"revealed" db:"revealed"`
	RevealAt    time.Time  `json:"reveal_at" db:"reveal_at"`
	RevealedAt  *time.Time `json:"revealed_at,omitempty" db:"revealed_at"`
	WeekID      string     `json:"week_id" db:"week_id"`
	SubmittedAt time.Time  `json:"submitted_at" db:"submitted_at"`
}

// Pending reports whether t is a commit-reveal OPEN still holding a
// reservation.
func (t *Trade) Pending() bool {
	return t.Mode == ModeCommitReveal && t.Action == ActionOpen && !t.Revealed
}

// Public returns the view of t safe for unauthenticated listing.
func (t Trade) Public() Trade {
	t.CommitmentSignature = ""
	if !t.Revealed {
		t.Instrument = ""
		t.ExecutionPrice = decimal.NullDecimal{}
		t.Shares = 0
	}
	return t
}

// Balances is the capital breakdown of one agent.
type Balances struct {
	Idle     decimal.Decimal `json:"idle"`
	Working  decimal.Decimal `json:"working"`
	Reserved decimal.Decimal `json:"reserved"` // part of Working held by unrevealed commitments
	Total    decimal.Decimal `json:"total"`
}

// ComputeBalances derives working and total capital from positions and
// pending commitments.
func ComputeBalances(idle decimal.Decimal, positions []Position, pending []Trade) Balances {
	working := decimal.Zero
	for _, p := range positions {
		working = working.Add(p.CostBasis)
	}
	reserved := decimal.Zero
	for _, t := range pending {
		if t.Pending() {
			reserved = reserved.Add(t.Amount)
		}
	}
	working = working.Add(reserved)
	return Balances{
		Idle:     idle,
		Working:  working,
		Reserved: reserved,
		Total:    idle.Add(working),
	}
}

// Event is a public disclosure pushed to feed subscribers.
type Event struct {
	Type       string           `json:"type"` // "trade_revealed", "position_closed"
	TradeID    string           `json:"trade_id"`
	AgentID    string           `json:"agent_id"`
	Instrument string           `json:"instrument"`
	Action     Action           `json:"action"`
	Direction  Direction        `json:"direction"`
	Price      decimal.Decimal  `json:"price"`
	PnL        *decimal.Decimal `json:"pnl,omitempty"`
	WeekID     string           `json:"week_id"`
	At         time.Time        `json:"at"`
}

// APIKey is a stored agent credential. Only the SHA-256 digest of the key
// is persisted.
type APIKey struct {
	Hash      string    `json:"-" db:"key_hash"`
	AgentID   string    `json:"agent_id" db:"agent_id"`
	Revoked   bool      `json:"revoked" db:"revoked"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
