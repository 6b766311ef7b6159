// Package instrument holds the set of tradable symbols. It is loaded once from
// configuration and shared read-only by every component that validates a
// ticker.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// symbolRegex matches exchange tickers with an optional share class.
// Examples: AAPL, BRK.B, SPY
var symbolRegex = regexp.MustCompile(`^[A-Z]{1,5}(\.[A-Z]{1,2})?$`)

var (
	ErrInvalidSymbol = errors.New("instrument: invalid symbol format")
	ErrNotAllowed    = errors.New("instrument: symbol not in allowed set")
	ErrEmptySet      = errors.New("instrument: allowed set is empty")
)

// Normalize upper-cases and trims a raw ticker and checks its shape.
func Normalize(raw string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(raw))
	if !symbolRegex.MatchString(sym) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}
	return sym, nil
}

// Set is an immutable allowed-instrument whitelist.
type Set struct {
	symbols map[string]struct{}
	sorted  []string
}

// NewSet builds a Set from raw symbols. Duplicates are collapsed; any
// malformed symbol fails the whole set.
func NewSet(raw []string) (*Set, error) {
	if len(raw) == 0 {
		return nil, ErrEmptySet
	}
	s := &Set{symbols: make(map[string]struct{}, len(raw))}
	for _, r := range raw {
		sym, err := Normalize(r)
		if err != nil {
			return nil, err
		}
		if _, dup := s.symbols[sym]; dup {
			continue
		}
		s.symbols[sym] = struct{}{}
		s.sorted = append(s.sorted, sym)
	}
	sort.Strings(s.sorted)
	return s, nil
}

// Resolve normalizes raw and checks membership.
func (s *Set) Resolve(raw string) (string, error) {
	sym, err := Normalize(raw)
	if err != nil {
		return "", err
	}
	if _, ok := s.symbols[sym]; !ok {
		return "", fmt.Errorf("%w: %s", ErrNotAllowed, sym)
	}
	return sym, nil
}

// Contains reports whether sym (already normalized) is allowed.
func (s *Set) Contains(sym string) bool {
	_, ok := s.symbols[sym]
	return ok
}

// Symbols returns the allowed symbols in sorted order.
func (s *Set) Symbols() []string {
	out := make([]string, len(s.sorted))
	copy(out, s.sorted)
	return out
}

// Len returns the number of allowed symbols.
func (s *Set) Len() int { return len(s.sorted) }
