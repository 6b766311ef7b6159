// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), SQLite (single-node
// deployments), Redis (read-through cache) and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jon-tompkins/clawstreet/internal/model"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrVersionConflict = errors.New("store: agent was modified concurrently")
	ErrAlreadyRevealed = errors.New("store: trade already revealed")
	ErrWalletTaken     = errors.New("store: wallet registered to another agent")
	ErrDuplicate       = errors.New("store: duplicate record")
)

// AgentState is a consistent read of one agent's aggregate.
type AgentState struct {
	Agent     model.Agent
	Positions []model.Position
	// Pending holds unrevealed commit-reveal OPEN trades still reserving
	// capital.
	Pending []model.Trade
	// AttemptsToday counts submissions admitted past the trading window since
	// the day start passed to Snapshot.
	AttemptsToday int
}

// Position returns the open position on instrument, if any.
func (s *AgentState) Position(instrument string) (model.Position, bool) {
	for _, p := range s.Positions {
		if p.Instrument == instrument {
			return p, true
		}
	}
	return model.Position{}, false
}

// PendingTrade returns the unrevealed commitment with the given id.
func (s *AgentState) PendingTrade(id string) (model.Trade, bool) {
	for _, t := range s.Pending {
		if t.ID == id {
			return t, true
		}
	}
	return model.Trade{}, false
}

// Balances derives idle, working and total capital.
func (s *AgentState) Balances() model.Balances {
	return model.ComputeBalances(s.Agent.IdleCapital, s.Positions, s.Pending)
}

// Mutation is the complete write set of one trade-affecting operation. Apply
// commits all of it or none of it.
type Mutation struct {
	AgentID string
	// Version is the agent version observed in the snapshot. Apply fails with
	// ErrVersionConflict if the stored version differs, and increments it on
	// success.
	Version     int64
	IdleCapital decimal.Decimal

	PutPositions    []model.Position
	DeletePositions []string // instruments
	InsertTrades    []model.Trade

	// RevealTrade replaces a stored unrevealed trade with the same id. Apply
	// fails with ErrAlreadyRevealed if the stored record is already revealed.
	RevealTrade *model.Trade

	// AttemptAt, when set, records a quota attempt in the same unit.
	AttemptAt time.Time
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Agents and credentials ---

	// CreateAgent persists a new agent.
	CreateAgent(ctx context.Context, a *model.Agent) error

	// GetAgent retrieves an agent by id.
	GetAgent(ctx context.Context, id string) (*model.Agent, error)

	// SetWallet binds a checksummed wallet address to an agent.
	SetWallet(ctx context.Context, agentID, wallet string, at time.Time) error

	// PutAPIKey stores or replaces a credential.
	PutAPIKey(ctx context.Context, key *model.APIKey) error

	// LookupAPIKey finds a credential by digest.
	LookupAPIKey(ctx context.Context, hash string) (*model.APIKey, error)

	// --- Ledger ---

	// Snapshot reads the agent, its positions, its pending commitments and
	// its attempts since dayStart.
	Snapshot(ctx context.Context, agentID string, dayStart time.Time) (*AgentState, error)

	// Apply atomically commits a mutation.
	Apply(ctx context.Context, m Mutation) error

	// RecordAttempt counts a rejected submission against the daily quota.
	RecordAttempt(ctx context.Context, agentID string, at time.Time) error

	// GetTrade retrieves a trade by id.
	GetTrade(ctx context.Context, id string) (*model.Trade, error)

	// ListTradesByAgent returns an agent's trades, newest first.
	ListTradesByAgent(ctx context.Context, agentID string, limit int) ([]model.Trade, error)

	// ListRevealedTrades returns disclosed trades, newest first.
	ListRevealedTrades(ctx context.Context, limit int) ([]model.Trade, error)

	// RevealDue flips every unrevealed standard-mode trade with
	// reveal_at <= now and returns the flipped records.
	RevealDue(ctx context.Context, now time.Time) ([]model.Trade, error)
}
