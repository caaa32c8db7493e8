package book

import (
	"sort"

	"market_sync/internal/domain"

	"github.com/shopspring/decimal"
)

// Side is one side of a book: price levels kept sorted best-first with at most one
// level per price. Bids sort descending, asks ascending. Zero sizes are never stored.
type Side struct {
	levels []domain.Level
	desc   bool
}

func newSide(s domain.Side) *Side {
	return &Side{desc: s == domain.SideBid}
}

// Len returns the number of price levels.
func (s *Side) Len() int {
	return len(s.levels)
}

// Best returns the top of the side.
func (s *Side) Best() (domain.Level, bool) {
	if len(s.levels) == 0 {
		return domain.Level{}, false
	}
	return s.levels[0], true
}

// Get returns the level at price.
func (s *Side) Get(price decimal.Decimal) (domain.Level, bool) {
	i, found := s.search(price)
	if !found {
		return domain.Level{}, false
	}
	return s.levels[i], true
}

// better reports whether price a sorts before price b on this side.
func (s *Side) better(a, b decimal.Decimal) bool {
	if s.desc {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

func (s *Side) search(price decimal.Decimal) (int, bool) {
	i := sort.Search(len(s.levels), func(i int) bool {
		return !s.better(s.levels[i].Price, price)
	})
	return i, i < len(s.levels) && s.levels[i].Price.Equal(price)
}

// set inserts or replaces the level at lvl.Price; a zero size removes it.
func (s *Side) set(lvl domain.Level) {
	if lvl.Size.IsZero() {
		s.remove(lvl.Price)
		return
	}
	i, found := s.search(lvl.Price)
	if found {
		s.levels[i] = lvl
		return
	}
	s.levels = append(s.levels, domain.Level{})
	copy(s.levels[i+1:], s.levels[i:])
	s.levels[i] = lvl
}

func (s *Side) remove(price decimal.Decimal) {
	i, found := s.search(price)
	if !found {
		return
	}
	s.levels = append(s.levels[:i], s.levels[i+1:]...)
}

// replace installs levels wholesale. Input order is irrelevant; for repeated prices
// the later entry wins and zero sizes are dropped.
func (s *Side) replace(levels []domain.Level) {
	sorted := make([]domain.Level, len(levels))
	copy(sorted, levels)
	sort.SliceStable(sorted, func(i, j int) bool {
		return s.better(sorted[i].Price, sorted[j].Price)
	})

	out := sorted[:0]
	for _, lvl := range sorted {
		if n := len(out); n > 0 && out[n-1].Price.Equal(lvl.Price) {
			out[n-1] = lvl
			continue
		}
		out = append(out, lvl)
	}

	kept := out[:0]
	for _, lvl := range out {
		if !lvl.Size.IsZero() {
			kept = append(kept, lvl)
		}
	}
	s.levels = kept
}

// top copies at most depth levels; depth <= 0 copies all.
func (s *Side) top(depth int) []domain.Level {
	n := len(s.levels)
	if depth > 0 && depth < n {
		n = depth
	}
	out := make([]domain.Level, n)
	copy(out, s.levels[:n])
	return out
}
