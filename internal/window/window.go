// Package window implements the trading window guard: a pure decision of
// whether a new trade may be accepted given the exchange clock and the
// agent's trade count for the current calendar day.
package window

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata" // exchange timezone must resolve on minimal images
)

// Rejection reasons, in evaluation order.
var (
	ErrWeekend    = errors.New("market closed (weekend)")
	ErrHoliday    = errors.New("market closed (holiday)")
	ErrNotYetOpen = errors.New("market not yet open")
	ErrBlackout   = errors.New("blackout period before close")
	ErrClosed     = errors.New("market closed")
	ErrDailyLimit = errors.New("daily trade limit reached")
)

// DefaultMaxTradesPerDay is the per-agent daily submission cap.
const DefaultMaxTradesPerDay = 10

// ClockTime is a wall-clock time of day in the exchange timezone.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return ClockTime{}, fmt.Errorf("window: invalid clock time %q: %w", s, err)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

func (c ClockTime) on(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour, c.Minute, 0, 0, day.Location())
}

// Config describes one exchange session.
type Config struct {
	Location        *time.Location
	Open            ClockTime
	Close           ClockTime
	Blackout        time.Duration // window immediately before Close
	MaxTradesPerDay int
	Holidays        []time.Time // dates in Location; time of day ignored
}

// Guard evaluates the trading window. It holds no mutable state.
type Guard struct {
	cfg      Config
	holidays map[string]bool
}

// NewGuard validates cfg and returns a Guard.
func NewGuard(cfg Config) (*Guard, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxTradesPerDay <= 0 {
		cfg.MaxTradesPerDay = DefaultMaxTradesPerDay
	}
	openMin := cfg.Open.Hour*60 + cfg.Open.Minute
	closeMin := cfg.Close.Hour*60 + cfg.Close.Minute
	if closeMin <= openMin {
		return nil, fmt.Errorf("window: close %s must be after open %s", cfg.Close, cfg.Open)
	}
	if cfg.Blackout < 0 || cfg.Blackout >= time.Duration(closeMin-openMin)*time.Minute {
		return nil, fmt.Errorf("window: blackout %s does not fit the session", cfg.Blackout)
	}
	g := &Guard{cfg: cfg, holidays: make(map[string]bool, len(cfg.Holidays))}
	for _, h := range cfg.Holidays {
		g.holidays[h.Format(time.DateOnly)] = true
	}
	return g, nil
}

// MaxTradesPerDay returns the configured cap.
func (g *Guard) MaxTradesPerDay() int { return g.cfg.MaxTradesPerDay }

// Location returns the exchange timezone.
func (g *Guard) Location() *time.Location { return g.cfg.Location }

// Check returns nil if a trade may be accepted at now by an agent that has
// already submitted tradesToday trades in the current exchange day.
func (g *Guard) Check(now time.Time, tradesToday int) error {
	if err := g.CheckClock(now); err != nil {
		return err
	}
	if tradesToday >= g.cfg.MaxTradesPerDay {
		return fmt.Errorf("%w (%d trades/day)", ErrDailyLimit, g.cfg.MaxTradesPerDay)
	}
	return nil
}

// CheckClock applies only the time-of-day rules.
func (g *Guard) CheckClock(now time.Time) error {
	local := now.In(g.cfg.Location)

	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return ErrWeekend
	}
	if g.holidays[local.Format(time.DateOnly)] {
		return ErrHoliday
	}

	open := g.cfg.Open.on(local)
	closeAt := g.cfg.Close.on(local)
	blackoutStart := closeAt.Add(-g.cfg.Blackout)

	switch {
	case local.Before(open):
		return fmt.Errorf("%w (opens %s %s)", ErrNotYetOpen, g.cfg.Open, g.cfg.Location)
	case !local.Before(blackoutStart) && local.Before(closeAt):
		return fmt.Errorf("%w (%s-%s %s)", ErrBlackout,
			ClockTime{blackoutStart.Hour(), blackoutStart.Minute()}, g.cfg.Close, g.cfg.Location)
	case !local.Before(closeAt):
		return fmt.Errorf("%w (after %s %s)", ErrClosed, g.cfg.Close, g.cfg.Location)
	}
	return nil
}

// DayStart returns the exchange-local midnight that begins now's trading day.
// Daily trade counts are taken from this instant.
func (g *Guard) DayStart(now time.Time) time.Time {
	local := now.In(g.cfg.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, g.cfg.Location)
}

// Remaining returns how many submissions are left today after tradesToday.
func (g *Guard) Remaining(tradesToday int) int {
	if r := g.cfg.MaxTradesPerDay - tradesToday; r > 0 {
		return r
	}
	return 0
}
