// Package slots implements the fixed-capacity connection arena. Entries are
// addressed by slot index; a bitmap tracks which slots are in use and
// Allocate/Free are the only operations that change occupancy.
package slots

import (
	"errors"
	"fmt"
	"math/bits"
)

// ErrFull is returned by Allocate when every slot is in use.
var ErrFull = errors.New("slots: table full")

// Table is a fixed-capacity arena of T. It is not safe for concurrent use.
type Table[T any] struct {
	entries []T
	used    []uint64
	length  int
	count   int
}

// New allocates a table with room for capacity entries.
func New[T any](capacity int) (*Table[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("slots: capacity must be > 0 (got %d)", capacity)
	}
	return &Table[T]{
		entries: make([]T, capacity),
		used:    make([]uint64, (capacity+63)/64),
	}, nil
}

// Allocate stores v in the lowest free slot and returns its index.
func (t *Table[T]) Allocate(v T) (int, error) {
	for w, word := range t.used {
		if word == ^uint64(0) {
			continue
		}
		i := w*64 + bits.TrailingZeros64(^word)
		if i >= len(t.entries) {
			break
		}
		t.used[w] |= 1 << uint(i%64)
		t.entries[i] = v
		t.count++
		if i+1 > t.length {
			t.length = i + 1
		}
		return i, nil
	}
	return -1, ErrFull
}

// Free releases slot i and returns the entry it held. It reports false when i
// was not in use.
func (t *Table[T]) Free(i int) (T, bool) {
	var zero T
	if !t.inUse(i) {
		return zero, false
	}
	v := t.entries[i]
	t.entries[i] = zero
	t.used[i/64] &^= 1 << uint(i%64)
	t.count--
	if i+1 == t.length {
		t.length = t.highest() + 1
	}
	return v, true
}

// Get returns the entry in slot i.
func (t *Table[T]) Get(i int) (T, bool) {
	if !t.inUse(i) {
		var zero T
		return zero, false
	}
	return t.entries[i], true
}

// Set replaces the entry of an in-use slot.
func (t *Table[T]) Set(i int, v T) bool {
	if !t.inUse(i) {
		return false
	}
	t.entries[i] = v
	return true
}

// Each calls fn for every in-use slot in ascending index order until fn
// returns false. Slots freed or allocated by fn during the walk are observed
// as the walk reaches them.
func (t *Table[T]) Each(fn func(i int, v T) bool) {
	for i := 0; i < t.length; i++ {
		if !t.inUse(i) {
			continue
		}
		if !fn(i, t.entries[i]) {
			return
		}
	}
}

// Select returns the in-use slots whose entry satisfies pred, ascending.
func (t *Table[T]) Select(pred func(T) bool) []int {
	var out []int
	t.Each(func(i int, v T) bool {
		if pred(v) {
			out = append(out, i)
		}
		return true
	})
	return out
}

// Len is one past the highest in-use index. Holes may exist below it.
func (t *Table[T]) Len() int { return t.length }

// Count is the number of in-use slots.
func (t *Table[T]) Count() int { return t.count }

// Cap is the fixed capacity.
func (t *Table[T]) Cap() int { return len(t.entries) }

// Available is the number of free slots.
func (t *Table[T]) Available() int { return len(t.entries) - t.count }

func (t *Table[T]) inUse(i int) bool {
	if i < 0 || i >= len(t.entries) {
		return false
	}
	return t.used[i/64]&(1<<uint(i%64)) != 0
}

func (t *Table[T]) highest() int {
	for w := len(t.used) - 1; w >= 0; w-- {
		if word := t.used[w]; word != 0 {
			return w*64 + bits.Len64(word) - 1
		}
	}
	return -1
}
