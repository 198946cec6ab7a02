package object

import "fmt"

// Merge is a possibly unresolved multi-way merge of values of type T,
// recorded as alternating contributions: Adds[0] - Removes[0] + Adds[1] -
// Removes[1] + ... + Adds[n]. There is always one more add than removes. A
// merge with a single add is resolved.
//
// A plain value and a conflict share this one representation, so both
// travel through storage, merging and comparison the same way.
type Merge[T comparable] struct {
	Removes []T `json:"removes,omitempty"`
	Adds    []T `json:"adds"`
}

// Resolved returns the merge holding just v.
func Resolved[T comparable](v T) Merge[T] {
	return Merge[T]{Adds: []T{v}}
}

// FromThreeWay returns the merge of left and right relative to base,
// simplified.
func FromThreeWay[T comparable](base, left, right T) Merge[T] {
	return Merge3(Resolved(base), Resolved(left), Resolved(right))
}

// Validate checks the add/remove shape.
func (m Merge[T]) Validate() error {
	if len(m.Adds) != len(m.Removes)+1 {
		return fmt.Errorf("merge has %d adds and %d removes", len(m.Adds), len(m.Removes))
	}
	return nil
}

// IsResolved reports whether m holds a single value.
func (m Merge[T]) IsResolved() bool {
	return len(m.Removes) == 0 && len(m.Adds) == 1
}

// Resolve returns the value of a resolved merge.
func (m Merge[T]) Resolve() (T, bool) {
	if m.IsResolved() {
		return m.Adds[0], true
	}
	var zero T
	return zero, false
}

// Simplify cancels each remove against an equal add.
func (m Merge[T]) Simplify() Merge[T] {
	adds := append([]T(nil), m.Adds...)
	var removes []T
outer:
	for _, r := range m.Removes {
		for i, a := range adds {
			if a == r {
				adds = append(adds[:i], adds[i+1:]...)
				continue outer
			}
		}
		removes = append(removes, r)
	}
	if len(adds) == len(removes)+1 {
		return Merge[T]{Removes: removes, Adds: adds}
	}
	// Unbalanced input; keep it as given.
	return m
}

// Equal reports whether m and o hold the same contributions in the same
// order.
func (m Merge[T]) Equal(o Merge[T]) bool {
	if len(m.Adds) != len(o.Adds) || len(m.Removes) != len(o.Removes) {
		return false
	}
	for i := range m.Adds {
		if m.Adds[i] != o.Adds[i] {
			return false
		}
	}
	for i := range m.Removes {
		if m.Removes[i] != o.Removes[i] {
			return false
		}
	}
	return true
}

// Merge3 merges three merges (which may themselves be conflicts) into one
// flat, simplified merge: left - base + right.
func Merge3[T comparable](base, left, right Merge[T]) Merge[T] {
	if left.Equal(right) {
		return left
	}
	if base.Equal(left) {
		return right
	}
	if base.Equal(right) {
		return left
	}
	out := Merge[T]{
		Adds:    make([]T, 0, len(left.Adds)+len(base.Removes)+len(right.Adds)),
		Removes: make([]T, 0, len(left.Removes)+len(base.Adds)+len(right.Removes)),
	}
	out.Adds = append(out.Adds, left.Adds...)
	out.Adds = append(out.Adds, base.Removes...)
	out.Adds = append(out.Adds, right.Adds...)
	out.Removes = append(out.Removes, left.Removes...)
	out.Removes = append(out.Removes, base.Adds...)
	out.Removes = append(out.Removes, right.Removes...)
	return out.Simplify()
}
