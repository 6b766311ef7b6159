package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jon-tompkins/clawstreet/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache. Writes
// go to the primary store and invalidate the cache; reads check Redis first
// then fall back to the primary. Ledger snapshots are never cached: every
// trade decision reads the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAgent(ctx context.Context, a *model.Agent) error {
	if err := s.primary.CreateAgent(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, agentKey(a.ID))
	return nil
}

func (s *CachedStore) SetWallet(ctx context.Context, agentID, wallet string, at time.Time) error {
	if err := s.primary.SetWallet(ctx, agentID, wallet, at); err != nil {
		return err
	}
	s.rdb.Del(ctx, agentKey(agentID))
	return nil
}

func (s *CachedStore) PutAPIKey(ctx context.Context, k *model.APIKey) error {
	if err := s.primary.PutAPIKey(ctx, k); err != nil {
		return err
	}
	// Revocation must take effect immediately.
	s.rdb.Del(ctx, apiKeyKey(k.Hash))
	return nil
}

func (s *CachedStore) Apply(ctx context.Context, m Mutation) error {
	if err := s.primary.Apply(ctx, m); err != nil {
		return err
	}
	keys := []string{agentKey(m.AgentID)}
	if m.RevealTrade != nil || anyRevealed(m.InsertTrades) {
		keys = append(keys, feedKey)
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

func (s *CachedStore) RevealDue(ctx context.Context, now time.Time) ([]model.Trade, error) {
	trades, err := s.primary.RevealDue(ctx, now)
	if err != nil {
		return nil, err
	}
	if len(trades) > 0 {
		s.rdb.Del(ctx, feedKey)
	}
	return trades, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	var a model.Agent
	if s.get(ctx, agentKey(id), &a) {
		return &a, nil
	}
	agent, err := s.primary.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	s.set(ctx, agentKey(id), agent)
	return agent, nil
}

func (s *CachedStore) LookupAPIKey(ctx context.Context, hash string) (*model.APIKey, error) {
	var k cachedKey
	if s.get(ctx, apiKeyKey(hash), &k) {
		return &model.APIKey{Hash: hash, AgentID: k.AgentID, Revoked: k.Revoked, CreatedAt: k.CreatedAt}, nil
	}
	key, err := s.primary.LookupAPIKey(ctx, hash)
	if err != nil {
		return nil, err
	}
	s.set(ctx, apiKeyKey(hash), cachedKey{AgentID: key.AgentID, Revoked: key.Revoked, CreatedAt: key.CreatedAt})
	return key, nil
}

// ListRevealedTrades caches the public feed as one hash field per limit.
func (s *CachedStore) ListRevealedTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	field := fmt.Sprintf("%d", limit)
	if data, err := s.rdb.HGet(ctx, feedKey, field).Bytes(); err == nil {
		var trades []model.Trade
		if json.Unmarshal(data, &trades) == nil {
			return trades, nil
		}
	}
	trades, err := s.primary.ListRevealedTrades(ctx, limit)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(trades); err == nil {
		pipe := s.rdb.TxPipeline()
		pipe.HSet(ctx, feedKey, field, data)
		pipe.Expire(ctx, feedKey, s.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			slog.Debug("feed cache write failed", "err", err)
		}
	}
	return trades, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) Snapshot(ctx context.Context, agentID string, dayStart time.Time) (*AgentState, error) {
	return s.primary.Snapshot(ctx, agentID, dayStart)
}

func (s *CachedStore) RecordAttempt(ctx context.Context, agentID string, at time.Time) error {
	return s.primary.RecordAttempt(ctx, agentID, at)
}

func (s *CachedStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	return s.primary.GetTrade(ctx, id)
}

func (s *CachedStore) ListTradesByAgent(ctx context.Context, agentID string, limit int) ([]model.Trade, error) {
	return s.primary.ListTradesByAgent(ctx, agentID, limit)
}

// --- Cache helpers ---

// cachedKey mirrors model.APIKey, whose digest is hidden from JSON.
type cachedKey struct {
	AgentID   string    `json:"agent_id"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *CachedStore) get(ctx context.Context, key string, out any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, out) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func anyRevealed(trades []model.Trade) bool {
	for _, t := range trades {
		if t.Revealed {
			return true
		}
	}
	return false
}

const feedKey = "feed:revealed"

func agentKey(id string) string    { return fmt.Sprintf("agent:%s", id) }
func apiKeyKey(hash string) string { return fmt.Sprintf("apikey:%s", hash) }
