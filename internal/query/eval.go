package query

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"

	"github.com/systemshift/oplog/internal/dag"
	"github.com/systemshift/oplog/internal/index"
	"github.com/systemshift/oplog/internal/operation"
)

// ErrNoSuchRef is returned for a branch or working copy the view lacks.
var ErrNoSuchRef = errors.New("no such ref")

// posSeq yields index positions in strictly descending order.
type posSeq = iter.Seq[dag.Pos]

// Evaluator evaluates queries against one view.
type Evaluator struct {
	commits *index.CommitIndex
	view    *operation.View
	logger  *slog.Logger
}

// NewEvaluator returns an evaluator over view.
func NewEvaluator(commits *index.CommitIndex, view *operation.View, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{commits: commits, view: view, logger: logger}
}

// Evaluate checks x, indexes every commit it and the view name, and returns
// the matching ids. The sequence is computed from the index each time it is
// ranged over; nothing is cached between iterations.
func (e *Evaluator) Evaluate(ctx context.Context, x Expr) (iter.Seq[dag.ID], error) {
	var ids []dag.ID
	if err := e.collect(x, &ids); err != nil {
		return nil, err
	}
	ids = append(ids, e.view.ReferencedCommits()...)
	if _, err := e.commits.Index(ctx, ids); err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", x, err)
	}
	e.logger.Debug("evaluating query", slog.String("query", x.String()))

	order := ReverseTopological
	if o, ok := x.(Ordered); ok {
		order = o.Order
	}
	x = unwrap(x)
	d := e.commits.DAG()
	return func(yield func(dag.ID) bool) {
		s := e.eval(x)
		if order == Topological {
			ps := slices.Collect(s)
			slices.Reverse(ps)
			s = slices.Values(ps)
		}
		for p := range s {
			if !yield(d.IDAt(p)) {
				return
			}
		}
	}, nil
}

// Collect evaluates x and returns every match.
func (e *Evaluator) Collect(ctx context.Context, x Expr) ([]dag.ID, error) {
	seq, err := e.Evaluate(ctx, x)
	if err != nil {
		return nil, err
	}
	return slices.Collect(seq), nil
}

func unwrap(x Expr) Expr {
	for {
		o, ok := x.(Ordered)
		if !ok {
			return x
		}
		x = o.Expr
	}
}

// collect validates x and gathers the commit ids its leaves name.
func (e *Evaluator) collect(x Expr, ids *[]dag.ID) error {
	switch x := x.(type) {
	case nil:
		return errors.New("empty query")
	case Commit:
		if !x.ID.Defined() {
			return errors.New("commit query with undefined id")
		}
		*ids = append(*ids, x.ID)
	case Heads, All:
	case Branch:
		if e.view.Branch(x.Name).IsAbsent() {
			return fmt.Errorf("%w: branch %q", ErrNoSuchRef, x.Name)
		}
	case WorkingCopy:
		if _, ok := e.view.WorkingCopies[x.Name]; !ok {
			return fmt.Errorf("%w: working copy %q", ErrNoSuchRef, x.Name)
		}
	case Roots:
		if x.Of != nil {
			return e.collect(x.Of, ids)
		}
	case Union:
		for _, s := range x.Exprs {
			if err := e.collect(s, ids); err != nil {
				return err
			}
		}
	case Intersection:
		return e.collect2(x.Left, x.Right, ids)
	case Difference:
		return e.collect2(x.Left, x.Right, ids)
	case Ancestors:
		return e.collect(x.Of, ids)
	case Descendants:
		return e.collect(x.Of, ids)
	case Parents:
		return e.collect(x.Of, ids)
	case Range:
		return e.collect2(x.From, x.To, ids)
	case DagRange:
		return e.collect2(x.From, x.To, ids)
	case Ordered:
		return e.collect(x.Expr, ids)
	default:
		return fmt.Errorf("unsupported query node %T", x)
	}
	return nil
}

func (e *Evaluator) collect2(a, b Expr, ids *[]dag.ID) error {
	if err := e.collect(a, ids); err != nil {
		return err
	}
	return e.collect(b, ids)
}

func (e *Evaluator) eval(x Expr) posSeq {
	switch x := x.(type) {
	case Commit:
		return e.ids([]dag.ID{x.ID})
	case Heads:
		return e.ids(e.view.Heads)
	case All:
		return e.ancestors(e.ids(e.view.Heads))
	case Branch:
		return e.ids(e.view.Branch(x.Name).Targets)
	case WorkingCopy:
		return e.ids([]dag.ID{e.view.WorkingCopies[x.Name].Commit})
	case Roots:
		of := Expr(All{})
		if x.Of != nil {
			of = x.Of
		}
		return e.roots(e.eval(of))
	case Union:
		if len(x.Exprs) == 0 {
			return empty
		}
		s := e.eval(x.Exprs[0])
		for _, o := range x.Exprs[1:] {
			s = union(s, e.eval(o))
		}
		return s
	case Intersection:
		return intersect(e.eval(x.Left), e.eval(x.Right))
	case Difference:
		return difference(e.eval(x.Left), e.eval(x.Right))
	case Ancestors:
		return e.ancestors(e.eval(x.Of))
	case Descendants:
		return e.descendants(e.eval(x.Of))
	case Parents:
		return e.parents(e.eval(x.Of))
	case Range:
		return difference(e.ancestors(e.eval(x.To)), e.ancestors(e.eval(x.From)))
	case DagRange:
		return intersect(e.descendants(e.eval(x.From)), e.ancestors(e.eval(x.To)))
	case Ordered:
		return e.eval(x.Expr)
	}
	return empty
}

func empty(func(dag.Pos) bool) {}

// ids yields the positions of ids; ids missing from the index are skipped
// (Evaluate indexed everything the query and view name).
func (e *Evaluator) ids(ids []dag.ID) posSeq {
	d := e.commits.DAG()
	return func(yield func(dag.Pos) bool) {
		ps := make([]dag.Pos, 0, len(ids))
		for _, id := range ids {
			if p, ok := d.PosOf(id); ok {
				ps = append(ps, p)
			}
		}
		for _, p := range descending(ps) {
			if !yield(p) {
				return
			}
		}
	}
}

func descending(ps []dag.Pos) []dag.Pos {
	slices.Sort(ps)
	ps = slices.Compact(ps)
	slices.Reverse(ps)
	return ps
}

// ancestors walks parent edges highest position first, interleaving the
// seeds as they come so no more than the walk frontier is held.
func (e *Evaluator) ancestors(seeds posSeq) posSeq {
	d := e.commits.DAG()
	return func(yield func(dag.Pos) bool) {
		next, stop := iter.Pull(seeds)
		defer stop()
		seed, ok := next()
		var q dag.PosQueue
		for ok || q.Len() > 0 {
			var p dag.Pos
			if ok && (q.Len() == 0 || seed >= q.Peek()) {
				p = seed
			} else {
				p = q.Peek()
			}
			for q.Len() > 0 && q.Peek() == p {
				q.Pop()
			}
			if ok && seed == p {
				seed, ok = next()
			}
			if !yield(p) {
				return
			}
			for _, pp := range d.ParentsAt(p) {
				q.Push(pp)
			}
		}
	}
}

func (e *Evaluator) parents(of posSeq) posSeq {
	d := e.commits.DAG()
	return func(yield func(dag.Pos) bool) {
		var ps []dag.Pos
		for p := range of {
			ps = append(ps, d.ParentsAt(p)...)
		}
		for _, p := range descending(ps) {
			if !yield(p) {
				return
			}
		}
	}
}

// reach marks, for every position from the lowest seed up to hi, whether it
// has a seed as an ancestor (itself included). Positions only ever point at
// lower positions, so one upward pass settles every mark.
func (e *Evaluator) reach(seeds map[dag.Pos]bool, lo, hi dag.Pos) map[dag.Pos]bool {
	d := e.commits.DAG()
	marked := make(map[dag.Pos]bool, len(seeds))
	for p := lo; p <= hi; p++ {
		if seeds[p] {
			marked[p] = true
			continue
		}
		for _, pp := range d.ParentsAt(p) {
			if marked[pp] {
				marked[p] = true
				break
			}
		}
	}
	return marked
}

// descendants yields the roots themselves plus every visible commit that
// descends from one of them.
func (e *Evaluator) descendants(of posSeq) posSeq {
	d := e.commits.DAG()
	return func(yield func(dag.Pos) bool) {
		roots := map[dag.Pos]bool{}
		lo := dag.Pos(0)
		for p := range of {
			roots[p] = true
			lo = p
		}
		if len(roots) == 0 {
			return
		}
		top := d.Len() - 1
		marked := e.reach(roots, lo, dag.Pos(top))
		for p := range e.ancestors(e.ids(e.view.Heads)) {
			if p < lo {
				break
			}
			if marked[p] {
				delete(roots, p)
				if !yieldAbove(roots, p, yield) || !yield(p) {
					return
				}
			}
		}
		// Roots that are not visible still match.
		for _, p := range descending(mapKeys(roots)) {
			if !yield(p) {
				return
			}
		}
	}
}

// yieldAbove yields and removes the roots above p so the output stays
// descending when hidden roots are interleaved with visible commits.
func yieldAbove(roots map[dag.Pos]bool, p dag.Pos, yield func(dag.Pos) bool) bool {
	var above []dag.Pos
	for r := range roots {
		if r > p {
			above = append(above, r)
		}
	}
	for _, r := range descending(above) {
		delete(roots, r)
		if !yield(r) {
			return false
		}
	}
	return true
}

func mapKeys(m map[dag.Pos]bool) []dag.Pos {
	out := make([]dag.Pos, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	return out
}

// roots yields the members of of that have no other member as an ancestor.
func (e *Evaluator) roots(of posSeq) posSeq {
	d := e.commits.DAG()
	return func(yield func(dag.Pos) bool) {
		members := map[dag.Pos]bool{}
		var hi, lo dag.Pos
		first := true
		for p := range of {
			if first {
				hi, first = p, false
			}
			members[p] = true
			lo = p
		}
		if first {
			return
		}
		marked := e.reach(members, lo, hi)
		for p := hi; ; p-- {
			if members[p] {
				root := true
				for _, pp := range d.ParentsAt(p) {
					if marked[pp] {
						root = false
						break
					}
				}
				if root && !yield(p) {
					return
				}
			}
			if p == lo {
				return
			}
		}
	}
}

// union merges two descending sequences.
func union(a, b posSeq) posSeq {
	return func(yield func(dag.Pos) bool) {
		na, stopA := iter.Pull(a)
		defer stopA()
		nb, stopB := iter.Pull(b)
		defer stopB()
		x, okA := na()
		y, okB := nb()
		for okA || okB {
			var p dag.Pos
			switch {
			case okA && (!okB || x >= y):
				p = x
			default:
				p = y
			}
			if okA && x == p {
				x, okA = na()
			}
			if okB && y == p {
				y, okB = nb()
			}
			if !yield(p) {
				return
			}
		}
	}
}

func intersect(a, b posSeq) posSeq {
	return func(yield func(dag.Pos) bool) {
		na, stopA := iter.Pull(a)
		defer stopA()
		nb, stopB := iter.Pull(b)
		defer stopB()
		x, okA := na()
		y, okB := nb()
		for okA && okB {
			switch {
			case x > y:
				x, okA = na()
			case y > x:
				y, okB = nb()
			default:
				if !yield(x) {
					return
				}
				x, okA = na()
				y, okB = nb()
			}
		}
	}
}

func difference(a, b posSeq) posSeq {
	return func(yield func(dag.Pos) bool) {
		na, stopA := iter.Pull(a)
		defer stopA()
		nb, stopB := iter.Pull(b)
		defer stopB()
		x, okA := na()
		y, okB := nb()
		for okA {
			for okB && y > x {
				y, okB = nb()
			}
			if !okB || y != x {
				if !yield(x) {
					return
				}
			}
			x, okA = na()
		}
	}
}
