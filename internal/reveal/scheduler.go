package reveal

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jon-tompkins/clawstreet/internal/metrics"
	"github.com/jon-tompkins/clawstreet/internal/model"
)

// Revealer flips every unrevealed standard-mode trade whose boundary is at or
// before now and returns the trades it changed. Implementations must make the
// flip conditional on the record still being unrevealed.
type Revealer interface {
	RevealDue(ctx context.Context, now time.Time) ([]model.Trade, error)
}

// Publisher receives disclosure events.
type Publisher interface {
	Publish(ev model.Event)
}

// Scheduler runs the periodic reveal sweep. Sweeps are idempotent and safe to
// overlap; a mutex only avoids redundant concurrent work in one process.
type Scheduler struct {
	store     Revealer
	publisher Publisher
	interval  time.Duration
	now       func() time.Time
	mu        sync.Mutex
}

// NewScheduler creates a scheduler. publisher may be nil.
func NewScheduler(store Revealer, publisher Publisher, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		store:     store,
		publisher: publisher,
		interval:  interval,
		now:       time.Now,
	}
}

// WithClock overrides the time source.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Sweep reveals every eligible trade once and returns the revealed records.
func (s *Scheduler) Sweep(ctx context.Context) ([]model.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	now := s.now().UTC()
	revealed, err := s.store.RevealDue(ctx, now)
	metrics.RevealSweepDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RevealSweepErrors.Inc()
		return nil, err
	}
	metrics.TradesRevealed.Add(float64(len(revealed)))

	for _, t := range revealed {
		slog.Info("trade revealed",
			"trade_id", t.ID,
			"agent", t.AgentID,
			"instrument", t.Instrument,
			"action", t.Action,
			"week_id", t.WeekID,
		)
		if s.publisher != nil {
			s.publisher.Publish(Disclosure(t))
		}
	}
	return revealed, nil
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if revealed, err := s.Sweep(ctx); err != nil {
			slog.Error("reveal sweep failed", "err", err)
		} else if len(revealed) > 0 {
			slog.Info("reveal sweep complete", "revealed", len(revealed))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Disclosure converts a revealed trade into a public event.
func Disclosure(t model.Trade) model.Event {
	ev := model.Event{
		Type:       "trade_revealed",
		TradeID:    t.ID,
		AgentID:    t.AgentID,
		Instrument: t.Instrument,
		Action:     t.Action,
		Direction:  t.Direction,
		Price:      t.ExecutionPrice.Decimal,
		WeekID:     t.WeekID,
	}
	if t.RevealedAt != nil {
		ev.At = *t.RevealedAt
	}
	if t.PnL.Valid {
		pnl := t.PnL.Decimal
		ev.PnL = &pnl
	}
	return ev
}
