package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jon-tompkins/clawstreet/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	agents    map[string]*model.Agent
	keys      map[string]*model.APIKey
	wallets   map[string]string                    // lower-case address → agent id
	positions map[string]map[string]model.Position // agent → instrument → position
	trades    []model.Trade                        // append order
	index     map[string]int                       // trade id → offset in trades
	attempts  map[string][]time.Time               // agent → attempt instants
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:    make(map[string]*model.Agent),
		keys:      make(map[string]*model.APIKey),
		wallets:   make(map[string]string),
		positions: make(map[string]map[string]model.Position),
		index:     make(map[string]int),
		attempts:  make(map[string][]time.Time),
	}
}

func (s *MemoryStore) CreateAgent(_ context.Context, a *model.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[a.ID]; ok {
		return fmt.Errorf("%w: agent %s", ErrDuplicate, a.ID)
	}
	if a.WalletAddress != "" {
		key := strings.ToLower(a.WalletAddress)
		if _, ok := s.wallets[key]; ok {
			return ErrWalletTaken
		}
		s.wallets[key] = a.ID
	}
	// Store a copy to avoid external mutation.
	copy := *a
	s.agents[a.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAgent(_ context.Context, id string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) SetWallet(_ context.Context, agentID, wallet string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	key := strings.ToLower(wallet)
	if owner, ok := s.wallets[key]; ok && owner != agentID {
		return ErrWalletTaken
	}
	if a.WalletAddress != "" {
		delete(s.wallets, strings.ToLower(a.WalletAddress))
	}
	s.wallets[key] = agentID
	a.WalletAddress = wallet
	a.WalletRegisteredAt = &at
	return nil
}

func (s *MemoryStore) PutAPIKey(_ context.Context, k *model.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[k.AgentID]; !ok {
		return fmt.Errorf("%w: agent %s", ErrNotFound, k.AgentID)
	}
	copy := *k
	s.keys[k.Hash] = &copy
	return nil
}

func (s *MemoryStore) LookupAPIKey(_ context.Context, hash string) (*model.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[hash]
	if !ok {
		return nil, fmt.Errorf("%w: api key", ErrNotFound)
	}
	copy := *k
	return &copy, nil
}

func (s *MemoryStore) Snapshot(_ context.Context, agentID string, dayStart time.Time) (*AgentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	st := &AgentState{Agent: *a}
	for _, p := range s.positions[agentID] {
		st.Positions = append(st.Positions, p)
	}
	sort.Slice(st.Positions, func(i, j int) bool {
		return st.Positions[i].Instrument < st.Positions[j].Instrument
	})
	for _, t := range s.trades {
		if t.AgentID == agentID && t.Pending() {
			st.Pending = append(st.Pending, t)
		}
	}
	for _, at := range s.attempts[agentID] {
		if !at.Before(dayStart) {
			st.AttemptsToday++
		}
	}
	return st, nil
}

func (s *MemoryStore) Apply(_ context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before touching state.
	a, ok := s.agents[m.AgentID]
	if !ok {
		return fmt.Errorf("%w: agent %s", ErrNotFound, m.AgentID)
	}
	if a.Version != m.Version {
		return ErrVersionConflict
	}
	for _, t := range m.InsertTrades {
		if _, dup := s.index[t.ID]; dup {
			return fmt.Errorf("%w: trade %s", ErrDuplicate, t.ID)
		}
	}
	if m.RevealTrade != nil {
		i, ok := s.index[m.RevealTrade.ID]
		if !ok {
			return fmt.Errorf("%w: trade %s", ErrNotFound, m.RevealTrade.ID)
		}
		if s.trades[i].Revealed {
			return ErrAlreadyRevealed
		}
	}

	a.IdleCapital = m.IdleCapital
	a.Version++

	book := s.positions[m.AgentID]
	if book == nil {
		book = make(map[string]model.Position)
		s.positions[m.AgentID] = book
	}
	for _, inst := range m.DeletePositions {
		delete(book, inst)
	}
	for _, p := range m.PutPositions {
		book[p.Instrument] = p
	}
	for _, t := range m.InsertTrades {
		s.index[t.ID] = len(s.trades)
		s.trades = append(s.trades, t)
	}
	if m.RevealTrade != nil {
		s.trades[s.index[m.RevealTrade.ID]] = *m.RevealTrade
	}
	if !m.AttemptAt.IsZero() {
		s.attempts[m.AgentID] = append(s.attempts[m.AgentID], m.AttemptAt)
	}
	return nil
}

func (s *MemoryStore) RecordAttempt(_ context.Context, agentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agentID]; !ok {
		return fmt.Errorf("%w: agent %s", ErrNotFound, agentID)
	}
	s.attempts[agentID] = append(s.attempts[agentID], at)
	return nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: trade %s", ErrNotFound, id)
	}
	t := s.trades[i]
	return &t, nil
}

func (s *MemoryStore) ListTradesByAgent(_ context.Context, agentID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.newestFirst(limit, func(t *model.Trade) bool { return t.AgentID == agentID }), nil
}

func (s *MemoryStore) ListRevealedTrades(_ context.Context, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.newestFirst(limit, func(t *model.Trade) bool { return t.Revealed }), nil
}

func (s *MemoryStore) RevealDue(_ context.Context, now time.Time) ([]model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Trade
	for i := range s.trades {
		t := &s.trades[i]
		if t.Mode != model.ModeStandard || t.Revealed || t.RevealAt.After(now) {
			continue
		}
		at := now
		t.Revealed = true
		t.RevealedAt = &at
		out = append(out, *t)
	}
	return out, nil
}

// newestFirst walks trades in reverse submission order. Trades are appended
// in submission order, so no sort is needed.
func (s *MemoryStore) newestFirst(limit int, keep func(*model.Trade) bool) []model.Trade {
	out := []model.Trade{}
	for i := len(s.trades) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if keep(&s.trades[i]) {
			out = append(out, s.trades[i])
		}
	}
	return out
}
