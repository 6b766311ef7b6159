package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/jon-tompkins/clawstreet/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agents (
    id                   TEXT PRIMARY KEY,
    name                 TEXT    NOT NULL,
    wallet_address       TEXT,
    wallet_registered_at TEXT,
    idle_capital         TEXT    NOT NULL,
    status               TEXT    NOT NULL,
    version              INTEGER NOT NULL DEFAULT 0,
    created_at           TEXT    NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_wallet ON agents (LOWER(wallet_address));

CREATE TABLE IF NOT EXISTS api_keys (
    key_hash   TEXT PRIMARY KEY,
    agent_id   TEXT    NOT NULL REFERENCES agents(id),
    revoked    INTEGER NOT NULL DEFAULT 0,
    created_at TEXT    NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    agent_id         TEXT    NOT NULL REFERENCES agents(id),
    instrument       TEXT    NOT NULL,
    direction        TEXT    NOT NULL,
    shares           INTEGER NOT NULL CHECK (shares > 0),
    entry_price      TEXT    NOT NULL,
    cost_basis       TEXT    NOT NULL,
    opening_trade_id TEXT    NOT NULL,
    opened_at        TEXT    NOT NULL,
    PRIMARY KEY (agent_id, instrument)
);

CREATE TABLE IF NOT EXISTS trades (
    seq                  INTEGER PRIMARY KEY AUTOINCREMENT,
    id                   TEXT    NOT NULL UNIQUE,
    agent_id             TEXT    NOT NULL REFERENCES agents(id),
    mode                 TEXT    NOT NULL,
    instrument           TEXT    NOT NULL DEFAULT '',
    action               TEXT    NOT NULL,
    direction            TEXT    NOT NULL,
    amount               TEXT    NOT NULL,
    shares               INTEGER NOT NULL DEFAULT 0,
    execution_price      TEXT,
    pnl                  TEXT,
    pnl_percent          TEXT,
    commitment_hash      TEXT    NOT NULL DEFAULT '',
    commitment_signature TEXT    NOT NULL DEFAULT '',
    committed_at         TEXT,
    reveal_nonce         TEXT    NOT NULL DEFAULT '',
    opening_trade_id     TEXT    NOT NULL DEFAULT '',
    revealed             INTEGER NOT NULL DEFAULT 0,
    reveal_at            TEXT    NOT NULL,
    revealed_at          TEXT,
    week_id              TEXT    NOT NULL,
    submitted_at         TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_agent  ON trades (agent_id, seq DESC);
CREATE INDEX IF NOT EXISTS idx_trades_reveal ON trades (revealed, reveal_at);

CREATE TABLE IF NOT EXISTS trade_attempts (
    agent_id     TEXT NOT NULL REFERENCES agents(id),
    attempted_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_agent ON trade_attempts (agent_id, attempted_at);
`

// sqliteTime is fixed-width UTC so that TEXT comparison orders instants.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store on an embedded SQLite database (pure Go, no
// CGo). All writes go through a single connection.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path and applies the
// schema. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store.NewSQLiteStore: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer; also keeps :memory: on one connection
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.NewSQLiteStore: pragma: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.NewSQLiteStore: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

const sqliteTradeColumns = `id, agent_id, mode, instrument, action, direction, amount, shares,
        execution_price, pnl, pnl_percent, commitment_hash, commitment_signature, committed_at,
        reveal_nonce, opening_trade_id, revealed, reveal_at, revealed_at, week_id, submitted_at`

func (s *SQLiteStore) CreateAgent(ctx context.Context, a *model.Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, wallet_address, wallet_registered_at, idle_capital, status, version, created_at)
		 VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.WalletAddress, fmtTimePtr(a.WalletRegisteredAt),
		a.IdleCapital.String(), string(a.Status), a.Version, fmtTime(a.CreatedAt))
	return sqliteError(err, "create agent "+a.ID)
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	a, err := s.getAgent(ctx, s.db, id)
	if err != nil {
		return nil, sqliteError(err, "get agent "+id)
	}
	return a, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) getAgent(ctx context.Context, q queryer, id string) (*model.Agent, error) {
	var a model.Agent
	var wallet, walletAt sql.NullString
	var idle, status, created string
	err := q.QueryRowContext(ctx,
		`SELECT id, name, wallet_address, wallet_registered_at, idle_capital, status, version, created_at
		 FROM agents WHERE id = ?`, id).
		Scan(&a.ID, &a.Name, &wallet, &walletAt, &idle, &status, &a.Version, &created)
	if err != nil {
		return nil, err
	}
	a.WalletAddress = wallet.String
	a.WalletRegisteredAt = parseTimePtr(walletAt)
	a.IdleCapital, _ = decimal.NewFromString(idle)
	a.Status = model.AgentStatus(status)
	a.CreatedAt = parseTime(created)
	return &a, nil
}

func (s *SQLiteStore) SetWallet(ctx context.Context, agentID, wallet string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET wallet_address = ?, wallet_registered_at = ? WHERE id = ?`,
		wallet, fmtTime(at), agentID)
	if err != nil {
		return sqliteError(err, "set wallet "+agentID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	return nil
}

func (s *SQLiteStore) PutAPIKey(ctx context.Context, k *model.APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (key_hash, agent_id, revoked, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (key_hash) DO UPDATE SET agent_id = excluded.agent_id, revoked = excluded.revoked`,
		k.Hash, k.AgentID, k.Revoked, fmtTime(k.CreatedAt))
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY") {
		return fmt.Errorf("%w: agent %s", ErrNotFound, k.AgentID)
	}
	return sqliteError(err, "put api key")
}

func (s *SQLiteStore) LookupAPIKey(ctx context.Context, hash string) (*model.APIKey, error) {
	var k model.APIKey
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT key_hash, agent_id, revoked, created_at FROM api_keys WHERE key_hash = ?`, hash).
		Scan(&k.Hash, &k.AgentID, &k.Revoked, &created)
	if err != nil {
		return nil, sqliteError(err, "lookup api key")
	}
	k.CreatedAt = parseTime(created)
	return &k, nil
}

func (s *SQLiteStore) Snapshot(ctx context.Context, agentID string, dayStart time.Time) (*AgentState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: begin: %w", agentID, err)
	}
	defer tx.Rollback()

	a, err := s.getAgent(ctx, tx, agentID)
	if err != nil {
		return nil, sqliteError(err, "snapshot agent "+agentID)
	}
	st := &AgentState{Agent: *a}

	rows, err := tx.QueryContext(ctx,
		`SELECT agent_id, instrument, direction, shares, entry_price, cost_basis, opening_trade_id, opened_at
		 FROM positions WHERE agent_id = ? ORDER BY instrument`, agentID)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: positions: %w", agentID, err)
	}
	for rows.Next() {
		var p model.Position
		var dir, entry, cost, opened string
		if err := rows.Scan(&p.AgentID, &p.Instrument, &dir, &p.Shares, &entry, &cost,
			&p.OpeningTradeID, &opened); err != nil {
			rows.Close()
			return nil, err
		}
		p.Direction = model.Direction(dir)
		p.EntryPrice, _ = decimal.NewFromString(entry)
		p.CostBasis, _ = decimal.NewFromString(cost)
		p.OpenedAt = parseTime(opened)
		st.Positions = append(st.Positions, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = tx.QueryContext(ctx,
		`SELECT `+sqliteTradeColumns+` FROM trades
		 WHERE agent_id = ? AND mode = ? AND action = ? AND revealed = 0 ORDER BY seq`,
		agentID, string(model.ModeCommitReveal), string(model.ActionOpen))
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: pending: %w", agentID, err)
	}
	if st.Pending, err = scanSQLiteTrades(rows); err != nil {
		return nil, err
	}

	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trade_attempts WHERE agent_id = ? AND attempted_at >= ?`,
		agentID, fmtTime(dayStart)).Scan(&st.AttemptsToday); err != nil {
		return nil, fmt.Errorf("snapshot %s: attempts: %w", agentID, err)
	}
	return st, nil
}

func (s *SQLiteStore) Apply(ctx context.Context, m Mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply %s: begin: %w", m.AgentID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE agents SET idle_capital = ?, version = version + 1 WHERE id = ? AND version = ?`,
		m.IdleCapital.String(), m.AgentID, m.Version)
	if err != nil {
		return fmt.Errorf("apply %s: agent: %w", m.AgentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE id = ?`, m.AgentID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("%w: agent %s", ErrNotFound, m.AgentID)
		}
		return ErrVersionConflict
	}

	for _, inst := range m.DeletePositions {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM positions WHERE agent_id = ? AND instrument = ?`, m.AgentID, inst); err != nil {
			return fmt.Errorf("apply %s: delete position: %w", m.AgentID, err)
		}
	}
	for _, p := range m.PutPositions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO positions (agent_id, instrument, direction, shares, entry_price, cost_basis, opening_trade_id, opened_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (agent_id, instrument) DO UPDATE
			 SET shares = excluded.shares, cost_basis = excluded.cost_basis`,
			p.AgentID, p.Instrument, string(p.Direction), p.Shares,
			p.EntryPrice.String(), p.CostBasis.String(), p.OpeningTradeID, fmtTime(p.OpenedAt)); err != nil {
			return fmt.Errorf("apply %s: put position: %w", m.AgentID, err)
		}
	}
	for i := range m.InsertTrades {
		t := &m.InsertTrades[i]
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO trades (`+sqliteTradeColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.AgentID, string(t.Mode), t.Instrument, string(t.Action), string(t.Direction),
			t.Amount.String(), t.Shares,
			nullDecimal(t.ExecutionPrice), nullDecimal(t.PnL), nullDecimal(t.PnLPercent),
			t.CommitmentHash, t.CommitmentSignature, fmtTimePtr(t.CommittedAt),
			t.RevealNonce, t.OpeningTradeID, t.Revealed, fmtTime(t.RevealAt), fmtTimePtr(t.RevealedAt),
			t.WeekID, fmtTime(t.SubmittedAt),
		); err != nil {
			return sqliteError(err, "apply "+m.AgentID+": insert trade")
		}
	}
	if t := m.RevealTrade; t != nil {
		res, err := tx.ExecContext(ctx,
			`UPDATE trades
			 SET instrument = ?, shares = ?, execution_price = ?, pnl = ?, pnl_percent = ?,
			     commitment_hash = ?, commitment_signature = ?, reveal_nonce = ?,
			     revealed = 1, revealed_at = ?
			 WHERE id = ? AND revealed = 0`,
			t.Instrument, t.Shares, nullDecimal(t.ExecutionPrice), nullDecimal(t.PnL), nullDecimal(t.PnLPercent),
			t.CommitmentHash, t.CommitmentSignature, t.RevealNonce, fmtTimePtr(t.RevealedAt), t.ID)
		if err != nil {
			return fmt.Errorf("apply %s: reveal trade: %w", m.AgentID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrAlreadyRevealed
		}
	}
	if !m.AttemptAt.IsZero() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO trade_attempts (agent_id, attempted_at) VALUES (?, ?)`,
			m.AgentID, fmtTime(m.AttemptAt)); err != nil {
			return fmt.Errorf("apply %s: attempt: %w", m.AgentID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) RecordAttempt(ctx context.Context, agentID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trade_attempts (agent_id, attempted_at) VALUES (?, ?)`, agentID, fmtTime(at))
	if err != nil && strings.Contains(err.Error(), "FOREIGN KEY") {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	return sqliteError(err, "record attempt "+agentID)
}

func (s *SQLiteStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteTradeColumns+` FROM trades WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	trades, err := scanSQLiteTrades(rows)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, fmt.Errorf("%w: trade %s", ErrNotFound, id)
	}
	return &trades[0], nil
}

func (s *SQLiteStore) ListTradesByAgent(ctx context.Context, agentID string, limit int) ([]model.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTradeColumns+` FROM trades WHERE agent_id = ? ORDER BY seq DESC LIMIT ?`,
		agentID, pgLimit(limit))
	if err != nil {
		return nil, err
	}
	return scanSQLiteTrades(rows)
}

func (s *SQLiteStore) ListRevealedTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTradeColumns+` FROM trades WHERE revealed = 1 ORDER BY seq DESC LIMIT ?`,
		pgLimit(limit))
	if err != nil {
		return nil, err
	}
	return scanSQLiteTrades(rows)
}

func (s *SQLiteStore) RevealDue(ctx context.Context, now time.Time) ([]model.Trade, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT seq FROM trades WHERE mode = ? AND revealed = 0 AND reveal_at <= ? ORDER BY seq`,
		string(model.ModeStandard), fmtTime(now))
	if err != nil {
		return nil, err
	}
	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return []model.Trade{}, nil
	}

	at := fmtTime(now)
	out := make([]model.Trade, 0, len(seqs))
	for _, seq := range seqs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE trades SET revealed = 1, revealed_at = ? WHERE seq = ? AND revealed = 0`, at, seq); err != nil {
			return nil, err
		}
		rows, err := tx.QueryContext(ctx, `SELECT `+sqliteTradeColumns+` FROM trades WHERE seq = ?`, seq)
		if err != nil {
			return nil, err
		}
		trades, err := scanSQLiteTrades(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, trades...)
	}
	return out, tx.Commit()
}

// --- helpers ---

func scanSQLiteTrades(rows *sql.Rows) ([]model.Trade, error) {
	defer rows.Close()

	trades := []model.Trade{}
	for rows.Next() {
		var t model.Trade
		var mode, action, dir, amount, revealAt, submitted string
		var price, pnl, pnlPct, committed, revealedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.AgentID, &mode, &t.Instrument, &action, &dir, &amount, &t.Shares,
			&price, &pnl, &pnlPct, &t.CommitmentHash, &t.CommitmentSignature, &committed,
			&t.RevealNonce, &t.OpeningTradeID, &t.Revealed, &revealAt, &revealedAt,
			&t.WeekID, &submitted); err != nil {
			return nil, err
		}
		t.Mode = model.Mode(mode)
		t.Action = model.Action(action)
		t.Direction = model.Direction(dir)
		t.Amount, _ = decimal.NewFromString(amount)
		t.ExecutionPrice = parseNullDecimal(nullStringPtr(price))
		t.PnL = parseNullDecimal(nullStringPtr(pnl))
		t.PnLPercent = parseNullDecimal(nullStringPtr(pnlPct))
		t.CommittedAt = parseTimePtr(committed)
		t.RevealAt = parseTime(revealAt)
		t.RevealedAt = parseTimePtr(revealedAt)
		t.SubmittedAt = parseTime(submitted)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func fmtTime(t time.Time) string { return t.UTC().Format(sqliteTime) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(sqliteTime, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullStringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func sqliteError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if msg := err.Error(); strings.Contains(msg, "UNIQUE constraint failed") {
		if strings.Contains(msg, "wallet") {
			return ErrWalletTaken
		}
		return fmt.Errorf("%s: %w", op, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}
