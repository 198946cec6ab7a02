package object

import (
	"context"
	"fmt"

	"github.com/systemshift/oplog/internal/dag"
)

// MergeTrees merges the changes from base to right into left, path by path,
// and stores the result. Paths changed differently on both sides become
// conflict values in the result tree rather than errors. Directories present
// on all three sides are merged recursively.
func (s *Store) MergeTrees(ctx context.Context, base, left, right dag.ID) (dag.ID, error) {
	switch {
	case left.Equals(right), base.Equals(right):
		return left, nil
	case base.Equals(left):
		return right, nil
	}

	bt, err := s.ReadTree(ctx, base)
	if err != nil {
		return dag.Undef, fmt.Errorf("merge base tree: %w", err)
	}
	lt, err := s.ReadTree(ctx, left)
	if err != nil {
		return dag.Undef, fmt.Errorf("merge left tree: %w", err)
	}
	rt, err := s.ReadTree(ctx, right)
	if err != nil {
		return dag.Undef, fmt.Errorf("merge right tree: %w", err)
	}

	names := map[string]struct{}{}
	for _, t := range []*Tree{bt, lt, rt} {
		for n := range t.Entries {
			names[n] = struct{}{}
		}
	}

	out := NewTree()
	for name := range names {
		v, err := s.mergeValue(ctx, bt.Get(name), lt.Get(name), rt.Get(name))
		if err != nil {
			return dag.Undef, fmt.Errorf("merge %q: %w", name, err)
		}
		out.Set(name, v)
	}
	return s.WriteTree(ctx, out)
}

func (s *Store) mergeValue(ctx context.Context, base, left, right TreeValue) (TreeValue, error) {
	m := Merge3(base, left, right)
	if m.IsResolved() {
		return m, nil
	}
	// A plain three-way conflict between directories merges their contents.
	if len(m.Removes) == 1 && len(m.Adds) == 2 {
		b, l, r := m.Removes[0], m.Adds[0], m.Adds[1]
		if b.Kind == KindTree && l.Kind == KindTree && r.Kind == KindTree {
			id, err := s.MergeTrees(ctx, b.ID, l.ID, r.ID)
			if err != nil {
				return TreeValue{}, err
			}
			return Resolved(SubTree(id)), nil
		}
	}
	return m, nil
}
