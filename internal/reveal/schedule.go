// Package reveal owns disclosure timing: the weekly reveal boundary assigned
// to every trade at submission, and the scheduler that flips concealed
// standard-mode trades to revealed once their boundary has passed.
package reveal

import (
	"fmt"
	"time"
)

// Schedule is a fixed weekly disclosure instant in the exchange timezone.
type Schedule struct {
	Location *time.Location
	Weekday  time.Weekday
	Hour     int
	Minute   int
}

// DefaultSchedule discloses every Friday at 16:00 New York time.
func DefaultSchedule() Schedule {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return Schedule{Location: loc, Weekday: time.Friday, Hour: 16}
}

// Next returns the first boundary strictly after t, so every trade is
// concealed for a non-empty interval.
func (s Schedule) Next(t time.Time) time.Time {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	days := (int(s.Weekday) - int(local.Weekday()) + 7) % 7
	b := time.Date(local.Year(), local.Month(), local.Day()+days, s.Hour, s.Minute, 0, 0, loc)
	if !b.After(local) {
		b = time.Date(b.Year(), b.Month(), b.Day()+7, s.Hour, s.Minute, 0, 0, loc)
	}
	return b
}

// WeekID names the disclosure cycle of boundary b, e.g. "2026-W42".
func WeekID(b time.Time) string {
	year, week := b.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// Assign returns the reveal boundary and week id for a submission at t.
func (s Schedule) Assign(t time.Time) (time.Time, string) {
	b := s.Next(t)
	return b, WeekID(b)
}
