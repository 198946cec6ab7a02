package operation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/systemshift/oplog/internal/dag"
	"github.com/systemshift/oplog/internal/index"
)

// Merger merges the views of divergent operations.
type Merger struct {
	ops     *Store
	commits *index.CommitIndex
	logger  *slog.Logger
}

// NewMerger returns a Merger that reads operations from ops and answers
// commit ancestry from commits.
func NewMerger(ops *Store, commits *index.CommitIndex, logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{ops: ops, commits: commits, logger: logger}
}

// ViewOf loads the view of op and makes sure every commit it references is
// in the commit index.
func (m *Merger) ViewOf(ctx context.Context, op dag.ID) (*View, error) {
	v, err := m.ops.ViewOf(ctx, op)
	if err != nil {
		return nil, err
	}
	if _, err := m.commits.Index(ctx, v.ReferencedCommits()); err != nil {
		return nil, fmt.Errorf("view of %s: %w", op, err)
	}
	return v, nil
}

// MergeOperations returns the merged view of ops. The operations are folded
// in id order, each step a three-way merge against the view of the closest
// common ancestor operation, so the result does not depend on the order ops
// are given in.
func (m *Merger) MergeOperations(ctx context.Context, ops []dag.ID) (*View, error) {
	ops = dag.Dedup(ops)
	if len(ops) == 0 {
		return NewView(), nil
	}
	if _, err := m.ops.IndexOps(ctx, ops); err != nil {
		return nil, err
	}
	// Operations that are ancestors of others add nothing.
	ops, err := m.ops.Index().Heads(ops)
	if err != nil {
		return nil, err
	}
	ops = dag.Dedup(ops)

	acc, err := m.ViewOf(ctx, ops[0])
	if err != nil {
		return nil, err
	}
	accOps := []dag.ID{ops[0]}
	for _, op := range ops[1:] {
		right, err := m.ViewOf(ctx, op)
		if err != nil {
			return nil, err
		}
		bases, err := m.ops.Index().CommonAncestors(accOps, []dag.ID{op})
		if err != nil {
			return nil, err
		}
		base, err := m.MergeOperations(ctx, bases)
		if err != nil {
			return nil, fmt.Errorf("merge base of %s: %w", op, err)
		}
		acc, err = m.Merge3(base, acc, right)
		if err != nil {
			return nil, err
		}
		accOps = append(accOps, op)
	}
	m.logger.Debug("merged operation views", slog.Int("operations", len(ops)), slog.Int("heads", len(acc.Heads)))
	return acc, nil
}

// Merge3 applies the changes from base to right onto left. All three views
// must reference only indexed commits.
//
// Refs changed on one side take that side. Refs changed on both sides take
// the union of both sides' targets minus any target that is an ancestor of
// another; a single survivor resolves the ref, several leave a conflict.
// Working copies changed on both sides keep the one with the later stamp.
// Heads and hidden commits merge as sets.
func (m *Merger) Merge3(base, left, right *View) (*View, error) {
	out := NewView()
	out.Heads = mergeSets(base.Heads, left.Heads, right.Heads)
	out.Hidden = mergeSets(base.Hidden, left.Hidden, right.Hidden)

	var err error
	if out.Branches, err = m.mergeRefs(base.Branches, left.Branches, right.Branches); err != nil {
		return nil, fmt.Errorf("merge branches: %w", err)
	}
	if out.Tags, err = m.mergeRefs(base.Tags, left.Tags, right.Tags); err != nil {
		return nil, fmt.Errorf("merge tags: %w", err)
	}
	out.WorkingCopies = mergeWorkingCopies(base.WorkingCopies, left.WorkingCopies, right.WorkingCopies)

	if err := out.Enforce(m.commits); err != nil {
		return nil, err
	}
	return out, nil
}

// mergeSets keeps an id if either side has it and did not just remove it:
// present on a side that added it, or on both sides.
func mergeSets(base, left, right []dag.ID) []dag.ID {
	in := func(ids []dag.ID) map[dag.ID]bool {
		m := make(map[dag.ID]bool, len(ids))
		for _, id := range ids {
			m[id] = true
		}
		return m
	}
	b, l, r := in(base), in(left), in(right)
	var out []dag.ID
	for id := range l {
		if r[id] || !b[id] {
			out = append(out, id)
		}
	}
	for id := range r {
		if !l[id] && !b[id] {
			out = append(out, id)
		}
	}
	return dag.Dedup(out)
}

func (m *Merger) mergeRefs(base, left, right map[string]RefTarget) (map[string]RefTarget, error) {
	out := map[string]RefTarget{}
	names := map[string]bool{}
	for _, refs := range []map[string]RefTarget{base, left, right} {
		for n := range refs {
			names[n] = true
		}
	}
	for name := range names {
		r, err := m.mergeRef(base[name], left[name], right[name])
		if err != nil {
			return nil, fmt.Errorf("%q: %w", name, err)
		}
		if !r.IsAbsent() {
			out[name] = r
		}
	}
	return out, nil
}

func (m *Merger) mergeRef(base, left, right RefTarget) (RefTarget, error) {
	switch {
	case left.Equal(right), base.Equal(right):
		return left, nil
	case base.Equal(left):
		return right, nil
	}
	union := dag.Dedup(append(append([]dag.ID(nil), left.Targets...), right.Targets...))
	heads, err := m.commits.Heads(union)
	if err != nil {
		return RefTarget{}, err
	}
	return RefTarget{Targets: dag.Dedup(heads)}, nil
}

func mergeWorkingCopies(base, left, right map[string]WorkingCopy) map[string]WorkingCopy {
	out := map[string]WorkingCopy{}
	names := map[string]bool{}
	for _, wcs := range []map[string]WorkingCopy{base, left, right} {
		for n := range wcs {
			names[n] = true
		}
	}
	for name := range names {
		b, bok := base[name]
		l, lok := left[name]
		r, rok := right[name]
		lChanged := lok != bok || (lok && !l.Equal(b))
		rChanged := rok != bok || (rok && !r.Equal(b))
		switch {
		case !lChanged && !rChanged:
			if bok {
				out[name] = b
			}
		case lChanged && !rChanged:
			if lok {
				out[name] = l
			}
		case rChanged && !lChanged:
			if rok {
				out[name] = r
			}
		default:
			// Both changed: a binding beats a removal, later stamp wins.
			switch {
			case lok && rok:
				if r.Stamp.After(l.Stamp) {
					out[name] = r
				} else {
					out[name] = l
				}
			case lok:
				out[name] = l
			case rok:
				out[name] = r
			}
		}
	}
	return out
}
