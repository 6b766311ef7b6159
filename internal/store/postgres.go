package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/jon-tompkins/clawstreet/internal/model"
)

// PostgresSchema creates the ledger tables. Monetary values are NUMERIC for
// exact decimal precision.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS agents (
    id                   TEXT PRIMARY KEY,
    name                 TEXT        NOT NULL,
    wallet_address       TEXT,
    wallet_registered_at TIMESTAMPTZ,
    idle_capital         NUMERIC     NOT NULL,
    status               TEXT        NOT NULL,
    version              BIGINT      NOT NULL DEFAULT 0,
    created_at           TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_wallet ON agents (LOWER(wallet_address));

CREATE TABLE IF NOT EXISTS api_keys (
    key_hash   TEXT PRIMARY KEY,
    agent_id   TEXT        NOT NULL REFERENCES agents(id),
    revoked    BOOLEAN     NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    agent_id         TEXT        NOT NULL REFERENCES agents(id),
    instrument       TEXT        NOT NULL,
    direction        TEXT        NOT NULL,
    shares           BIGINT      NOT NULL CHECK (shares > 0),
    entry_price      NUMERIC     NOT NULL,
    cost_basis       NUMERIC     NOT NULL,
    opening_trade_id TEXT        NOT NULL,
    opened_at        TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (agent_id, instrument)
);

CREATE TABLE IF NOT EXISTS trades (
    id                   TEXT PRIMARY KEY,
    agent_id             TEXT        NOT NULL REFERENCES agents(id),
    mode                 TEXT        NOT NULL,
    instrument           TEXT,
    action               TEXT        NOT NULL,
    direction            TEXT        NOT NULL,
    amount               NUMERIC     NOT NULL,
    shares               BIGINT      NOT NULL DEFAULT 0,
    execution_price      NUMERIC,
    pnl                  NUMERIC,
    pnl_percent          NUMERIC,
    commitment_hash      TEXT,
    commitment_signature TEXT,
    committed_at         TIMESTAMPTZ,
    reveal_nonce         TEXT,
    opening_trade_id     TEXT,
    revealed             BOOLEAN     NOT NULL DEFAULT FALSE,
    reveal_at            TIMESTAMPTZ NOT NULL,
    revealed_at          TIMESTAMPTZ,
    week_id              TEXT        NOT NULL,
    submitted_at         TIMESTAMPTZ NOT NULL,
    seq                  BIGSERIAL
);
CREATE INDEX IF NOT EXISTS idx_trades_agent    ON trades (agent_id, seq DESC);
CREATE INDEX IF NOT EXISTS idx_trades_unrevealed ON trades (reveal_at) WHERE NOT revealed;

CREATE TABLE IF NOT EXISTS trade_attempts (
    agent_id     TEXT        NOT NULL REFERENCES agents(id),
    attempted_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_agent ON trade_attempts (agent_id, attempted_at);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies PostgresSchema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const agentColumns = `id, name, COALESCE(wallet_address, ''), wallet_registered_at,
        idle_capital::TEXT, status, version, created_at`

const tradeColumns = `id, agent_id, mode, COALESCE(instrument, ''), action, direction,
        amount::TEXT, shares, execution_price::TEXT, pnl::TEXT, pnl_percent::TEXT,
        COALESCE(commitment_hash, ''), COALESCE(commitment_signature, ''), committed_at,
        COALESCE(reveal_nonce, ''), COALESCE(opening_trade_id, ''),
        revealed, reveal_at, revealed_at, week_id, submitted_at`

func (s *PostgresStore) CreateAgent(ctx context.Context, a *model.Agent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (id, name, wallet_address, wallet_registered_at, idle_capital, status, version, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5::NUMERIC, $6, $7, $8)`,
		a.ID, a.Name, a.WalletAddress, a.WalletRegisteredAt,
		a.IdleCapital.String(), a.Status, a.Version, a.CreatedAt,
	)
	return pgError(err, "create agent "+a.ID)
}

func (s *PostgresStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	a, err := scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if err != nil {
		return nil, pgError(err, "get agent "+id)
	}
	return a, nil
}

func (s *PostgresStore) SetWallet(ctx context.Context, agentID, wallet string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET wallet_address = $2, wallet_registered_at = $3 WHERE id = $1`,
		agentID, wallet, at)
	if err != nil {
		return pgError(err, "set wallet "+agentID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	return nil
}

func (s *PostgresStore) PutAPIKey(ctx context.Context, k *model.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (key_hash, agent_id, revoked, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key_hash) DO UPDATE SET agent_id = EXCLUDED.agent_id, revoked = EXCLUDED.revoked`,
		k.Hash, k.AgentID, k.Revoked, k.CreatedAt)
	return pgError(err, "put api key")
}

func (s *PostgresStore) LookupAPIKey(ctx context.Context, hash string) (*model.APIKey, error) {
	var k model.APIKey
	err := s.pool.QueryRow(ctx,
		`SELECT key_hash, agent_id, revoked, created_at FROM api_keys WHERE key_hash = $1`, hash).
		Scan(&k.Hash, &k.AgentID, &k.Revoked, &k.CreatedAt)
	if err != nil {
		return nil, pgError(err, "lookup api key")
	}
	return &k, nil
}

func (s *PostgresStore) Snapshot(ctx context.Context, agentID string, dayStart time.Time) (*AgentState, error) {
	// A repeatable-read transaction gives one consistent view of the
	// aggregate across the three tables.
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: begin: %w", agentID, err)
	}
	defer tx.Rollback(ctx)

	a, err := scanAgent(tx.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, agentID))
	if err != nil {
		return nil, pgError(err, "snapshot agent "+agentID)
	}
	st := &AgentState{Agent: *a}

	rows, err := tx.Query(ctx,
		`SELECT agent_id, instrument, direction, shares, entry_price::TEXT, cost_basis::TEXT,
		        opening_trade_id, opened_at
		 FROM positions WHERE agent_id = $1 ORDER BY instrument`, agentID)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: positions: %w", agentID, err)
	}
	for rows.Next() {
		var p model.Position
		var entry, cost string
		if err := rows.Scan(&p.AgentID, &p.Instrument, &p.Direction, &p.Shares,
			&entry, &cost, &p.OpeningTradeID, &p.OpenedAt); err != nil {
			rows.Close()
			return nil, err
		}
		p.EntryPrice, _ = decimal.NewFromString(entry)
		p.CostBasis, _ = decimal.NewFromString(cost)
		st.Positions = append(st.Positions, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = tx.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE agent_id = $1 AND mode = $2 AND action = $3 AND NOT revealed ORDER BY seq`,
		agentID, model.ModeCommitReveal, model.ActionOpen)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: pending: %w", agentID, err)
	}
	st.Pending, err = scanTrades(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM trade_attempts WHERE agent_id = $1 AND attempted_at >= $2`,
		agentID, dayStart).Scan(&st.AttemptsToday); err != nil {
		return nil, fmt.Errorf("snapshot %s: attempts: %w", agentID, err)
	}
	return st, tx.Commit(ctx)
}

func (s *PostgresStore) Apply(ctx context.Context, m Mutation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("apply %s: begin: %w", m.AgentID, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE agents SET idle_capital = $2::NUMERIC, version = version + 1
		 WHERE id = $1 AND version = $3`,
		m.AgentID, m.IdleCapital.String(), m.Version)
	if err != nil {
		return fmt.Errorf("apply %s: agent: %w", m.AgentID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM agents WHERE id = $1)`, m.AgentID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: agent %s", ErrNotFound, m.AgentID)
		}
		return ErrVersionConflict
	}

	for _, inst := range m.DeletePositions {
		if _, err := tx.Exec(ctx,
			`DELETE FROM positions WHERE agent_id = $1 AND instrument = $2`, m.AgentID, inst); err != nil {
			return fmt.Errorf("apply %s: delete position: %w", m.AgentID, err)
		}
	}
	for _, p := range m.PutPositions {
		if _, err := tx.Exec(ctx,
			`INSERT INTO positions (agent_id, instrument, direction, shares, entry_price, cost_basis, opening_trade_id, opened_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8)
			 ON CONFLICT (agent_id, instrument) DO UPDATE
			 SET shares = EXCLUDED.shares, cost_basis = EXCLUDED.cost_basis`,
			p.AgentID, p.Instrument, p.Direction, p.Shares,
			p.EntryPrice.String(), p.CostBasis.String(), p.OpeningTradeID, p.OpenedAt); err != nil {
			return fmt.Errorf("apply %s: put position: %w", m.AgentID, err)
		}
	}
	for i := range m.InsertTrades {
		t := &m.InsertTrades[i]
		if _, err := tx.Exec(ctx,
			`INSERT INTO trades (id, agent_id, mode, instrument, action, direction, amount, shares,
			        execution_price, pnl, pnl_percent, commitment_hash, commitment_signature, committed_at,
			        reveal_nonce, opening_trade_id, revealed, reveal_at, revealed_at, week_id, submitted_at)
			 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7::NUMERIC, $8,
			        $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, NULLIF($12, ''), NULLIF($13, ''), $14,
			        NULLIF($15, ''), NULLIF($16, ''), $17, $18, $19, $20, $21)`,
			t.ID, t.AgentID, t.Mode, t.Instrument, t.Action, t.Direction, t.Amount.String(), t.Shares,
			nullDecimal(t.ExecutionPrice), nullDecimal(t.PnL), nullDecimal(t.PnLPercent),
			t.CommitmentHash, t.CommitmentSignature, t.CommittedAt,
			t.RevealNonce, t.OpeningTradeID, t.Revealed, t.RevealAt, t.RevealedAt, t.WeekID, t.SubmittedAt,
		); err != nil {
			return pgError(err, "apply "+m.AgentID+": insert trade")
		}
	}
	if t := m.RevealTrade; t != nil {
		tag, err := tx.Exec(ctx,
			`UPDATE trades
			 SET instrument = $2, shares = $3, execution_price = $4::NUMERIC, pnl = $5::NUMERIC,
			     pnl_percent = $6::NUMERIC, commitment_hash = NULLIF($7, ''),
			     commitment_signature = NULLIF($8, ''), reveal_nonce = NULLIF($9, ''),
			     revealed = TRUE, revealed_at = $10
			 WHERE id = $1 AND NOT revealed`,
			t.ID, t.Instrument, t.Shares, nullDecimal(t.ExecutionPrice), nullDecimal(t.PnL),
			nullDecimal(t.PnLPercent), t.CommitmentHash, t.CommitmentSignature, t.RevealNonce, t.RevealedAt)
		if err != nil {
			return fmt.Errorf("apply %s: reveal trade: %w", m.AgentID, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadyRevealed
		}
	}
	if !m.AttemptAt.IsZero() {
		if _, err := tx.Exec(ctx,
			`INSERT INTO trade_attempts (agent_id, attempted_at) VALUES ($1, $2)`, m.AgentID, m.AttemptAt); err != nil {
			return fmt.Errorf("apply %s: attempt: %w", m.AgentID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, agentID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_attempts (agent_id, attempted_at) VALUES ($1, $2)`, agentID, at)
	return pgError(err, "record attempt "+agentID)
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	trades, err := scanTrades(rows)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, fmt.Errorf("%w: trade %s", ErrNotFound, id)
	}
	return &trades[0], nil
}

func (s *PostgresStore) ListTradesByAgent(ctx context.Context, agentID string, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE agent_id = $1 ORDER BY seq DESC LIMIT $2`,
		agentID, pgLimit(limit))
	if err != nil {
		return nil, err
	}
	return scanTrades(rows)
}

func (s *PostgresStore) ListRevealedTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE revealed ORDER BY seq DESC LIMIT $1`, pgLimit(limit))
	if err != nil {
		return nil, err
	}
	return scanTrades(rows)
}

func (s *PostgresStore) RevealDue(ctx context.Context, now time.Time) ([]model.Trade, error) {
	// The NOT revealed predicate makes concurrent sweeps flip each row once.
	rows, err := s.pool.Query(ctx,
		`UPDATE trades SET revealed = TRUE, revealed_at = $1
		 WHERE mode = $2 AND NOT revealed AND reveal_at <= $1
		 RETURNING `+tradeColumns, now, model.ModeStandard)
	if err != nil {
		return nil, err
	}
	return scanTrades(rows)
}

// --- helpers ---

func scanAgent(row pgx.Row) (*model.Agent, error) {
	var a model.Agent
	var idle string
	if err := row.Scan(&a.ID, &a.Name, &a.WalletAddress, &a.WalletRegisteredAt,
		&idle, &a.Status, &a.Version, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.IdleCapital, _ = decimal.NewFromString(idle)
	return &a, nil
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	defer rows.Close()

	trades := []model.Trade{}
	for rows.Next() {
		var t model.Trade
		var amount string
		var price, pnl, pnlPct *string
		if err := rows.Scan(&t.ID, &t.AgentID, &t.Mode, &t.Instrument, &t.Action, &t.Direction,
			&amount, &t.Shares, &price, &pnl, &pnlPct,
			&t.CommitmentHash, &t.CommitmentSignature, &t.CommittedAt,
			&t.RevealNonce, &t.OpeningTradeID,
			&t.Revealed, &t.RevealAt, &t.RevealedAt, &t.WeekID, &t.SubmittedAt); err != nil {
			return nil, err
		}
		t.Amount, _ = decimal.NewFromString(amount)
		t.ExecutionPrice = parseNullDecimal(price)
		t.PnL = parseNullDecimal(pnl)
		t.PnLPercent = parseNullDecimal(pnlPct)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func nullDecimal(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}

func parseNullDecimal(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func pgLimit(limit int) int {
	if limit <= 0 {
		return 1000
	}
	return limit
}

// pgError maps driver errors onto store sentinels.
func pgError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			if pgErr.ConstraintName == "idx_agents_wallet" {
				return ErrWalletTaken
			}
			return fmt.Errorf("%s: %w", op, ErrDuplicate)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
