// Package cache holds the bounded histories kept per instrument for trades and candles.
package cache

import "sort"

// Cursor marks how far a reader has consumed a Rolling cache.
// The zero Cursor has read nothing.
type Cursor uint64

type entry[T any] struct {
	seq  uint64
	item T
}

// Rolling is a bounded, insertion-ordered buffer. Appending past capacity evicts
// the oldest entry. Every stored entry carries a strictly increasing sequence so
// readers can ask for "everything since my cursor" without rescanning.
//
// Rolling is not safe for concurrent use; the router serializes access.
type Rolling[T any] struct {
	ring  []entry[T]
	start int // ring index of the oldest entry
	n     int
	last  uint64 // sequence of the newest entry
}

// New creates a cache retaining at most capacity items (minimum 1).
func New[T any](capacity int) *Rolling[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Rolling[T]{ring: make([]entry[T], capacity)}
}

// Len returns the number of retained items.
func (c *Rolling[T]) Len() int {
	return c.n
}

// Cap returns the capacity.
func (c *Rolling[T]) Cap() int {
	return len(c.ring)
}

// Cursor returns the cursor positioned after the newest item.
func (c *Rolling[T]) Cursor() Cursor {
	return Cursor(c.last)
}

// Append adds item as the newest entry, evicting the oldest when full.
func (c *Rolling[T]) Append(item T) {
	c.last++
	if c.n == len(c.ring) {
		c.ring[c.start] = entry[T]{seq: c.last, item: item}
		c.start = (c.start + 1) % len(c.ring)
		return
	}
	c.ring[(c.start+c.n)%len(c.ring)] = entry[T]{seq: c.last, item: item}
	c.n++
}

// AppendAll appends items in order.
func (c *Rolling[T]) AppendAll(items []T) {
	for _, item := range items {
		c.Append(item)
	}
}

// ReplaceLast overwrites the newest entry. The replacement counts as a fresh
// append for ReadSince, so a reader that already saw the old revision sees the new one.
func (c *Rolling[T]) ReplaceLast(item T) {
	if c.n == 0 {
		c.Append(item)
		return
	}
	c.last++
	c.ring[c.index(c.n-1)] = entry[T]{seq: c.last, item: item}
}

// Upsert replaces the newest entry when same(newest, item) holds, otherwise appends.
func (c *Rolling[T]) Upsert(item T, same func(newest, item T) bool) {
	if last, ok := c.Last(); ok && same(last, item) {
		c.ReplaceLast(item)
		return
	}
	c.Append(item)
}

// Last returns the newest item.
func (c *Rolling[T]) Last() (T, bool) {
	if c.n == 0 {
		var zero T
		return zero, false
	}
	return c.ring[c.index(c.n-1)].item, true
}

// ReadSince returns the items stored after cursor, oldest first, and the cursor to
// pass next time. If unread items were already evicted it returns everything retained.
func (c *Rolling[T]) ReadSince(cursor Cursor) ([]T, Cursor) {
	from := sort.Search(c.n, func(i int) bool {
		return c.ring[c.index(i)].seq > uint64(cursor)
	})
	if from == c.n {
		return nil, c.Cursor()
	}
	return c.slice(from, c.n), c.Cursor()
}

// Limit returns the newest n items, oldest first.
func (c *Rolling[T]) Limit(n int) []T {
	if n <= 0 {
		return nil
	}
	if n > c.n {
		n = c.n
	}
	return c.slice(c.n-n, c.n)
}

// Items returns every retained item, oldest first.
func (c *Rolling[T]) Items() []T {
	return c.slice(0, c.n)
}

// Clear drops all items. Sequences keep increasing so outstanding cursors stay valid.
func (c *Rolling[T]) Clear() {
	var zero entry[T]
	for i := range c.ring {
		c.ring[i] = zero
	}
	c.start, c.n = 0, 0
}

func (c *Rolling[T]) index(i int) int {
	return (c.start + i) % len(c.ring)
}

func (c *Rolling[T]) slice(from, to int) []T {
	out := make([]T, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, c.ring[c.index(i)].item)
	}
	return out
}
