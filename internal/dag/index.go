package dag

import (
	"fmt"
	"math"
	"sync"
)

// Pos is the position of a node in an Index. Positions are assigned in
// insertion order and a node is always inserted after its parents, so
// descending positions form a reverse topological order.
type Pos uint32

type entry struct {
	id      ID
	gen     uint32
	parents []Pos
}

// Index is an append-only index over a DAG of content ids. Each entry holds
// the node's generation number (longest path from a root) and its parent
// edges as positions. An entry is derived purely from its parents' entries,
// so appending never requires a rebuild.
//
// Index is safe for concurrent use. Positions never change once assigned.
type Index struct {
	mu      sync.RWMutex
	entries []entry
	pos     map[ID]Pos
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{pos: make(map[ID]Pos)}
}

// Len returns the number of indexed nodes.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Has reports whether id is indexed.
func (x *Index) Has(id ID) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.pos[id]
	return ok
}

// Add indexes id with the given parents. Every parent must already be
// indexed, otherwise ErrMissingParent is returned. Adding an id twice is a
// no-op.
func (x *Index) Add(id ID, parents []ID) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.pos[id]; ok {
		return nil
	}
	if len(x.entries) >= math.MaxUint32 {
		return fmt.Errorf("index full at %d entries", len(x.entries))
	}

	e := entry{id: id}
	if len(parents) > 0 {
		e.parents = make([]Pos, 0, len(parents))
	}
	for _, p := range parents {
		pp, ok := x.pos[p]
		if !ok {
			return fmt.Errorf("%w: %s (parent of %s)", ErrMissingParent, p, id)
		}
		e.parents = append(e.parents, pp)
		if g := x.entries[pp].gen + 1; g > e.gen {
			e.gen = g
		}
	}

	x.pos[id] = Pos(len(x.entries))
	x.entries = append(x.entries, e)
	return nil
}

// HasPrefix reports whether ids hold positions 0 to len(ids)-1, in order.
// Since positions never change, a true answer stays true.
func (x *Index) HasPrefix(ids []ID) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if len(ids) > len(x.entries) {
		return false
	}
	for i, id := range ids {
		if !x.entries[i].id.Equals(id) {
			return false
		}
	}
	return true
}

// PosOf returns the position of id.
func (x *Index) PosOf(id ID) (Pos, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	p, ok := x.pos[id]
	return p, ok
}

func (x *Index) mustPos(id ID) (Pos, error) {
	p, ok := x.pos[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	return p, nil
}

// IDAt returns the id stored at p.
func (x *Index) IDAt(p Pos) ID {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.entries[p].id
}

// ParentsAt returns the parent positions of p. The slice must not be
// modified.
func (x *Index) ParentsAt(p Pos) []Pos {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.entries[p].parents
}

// GenerationAt returns the generation number of p.
func (x *Index) GenerationAt(p Pos) uint32 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.entries[p].gen
}

// Generation returns the generation number of id: 0 for roots, otherwise one
// more than the largest parent generation.
func (x *Index) Generation(id ID) (uint32, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	p, err := x.mustPos(id)
	if err != nil {
		return 0, err
	}
	return x.entries[p].gen, nil
}

// Parents returns the parent ids of id in recorded order.
func (x *Index) Parents(id ID) ([]ID, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	p, err := x.mustPos(id)
	if err != nil {
		return nil, err
	}
	out := make([]ID, len(x.entries[p].parents))
	for i, pp := range x.entries[p].parents {
		out[i] = x.entries[pp].id
	}
	return out, nil
}

// IsAncestor reports whether a is reachable from b by following parent
// edges. A node is its own ancestor.
func (x *Index) IsAncestor(a, b ID) (bool, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	pa, err := x.mustPos(a)
	if err != nil {
		return false, err
	}
	pb, err := x.mustPos(b)
	if err != nil {
		return false, err
	}
	return x.isAncestorPos(pa, pb), nil
}

// IsAncestorAt is IsAncestor over positions.
func (x *Index) IsAncestorAt(a, b Pos) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.isAncestorPos(a, b)
}

func (x *Index) isAncestorPos(a, b Pos) bool {
	if a == b {
		return true
	}
	if a > b {
		return false
	}
	ga := x.entries[a].gen
	if ga >= x.entries[b].gen {
		return false
	}

	seen := map[Pos]struct{}{b: {}}
	queue := []Pos{b}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		for _, q := range x.entries[p].parents {
			if q == a {
				return true
			}
			// Everything reachable from q sits below q, and an ancestor of a
			// node has a strictly smaller generation.
			if q < a || x.entries[q].gen <= ga {
				continue
			}
			if _, ok := seen[q]; ok {
				continue
			}
			seen[q] = struct{}{}
			queue = append(queue, q)
		}
	}
	return false
}

// Heads returns the members of ids that have no other member as a
// descendant, in reverse topological order.
func (x *Index) Heads(ids []ID) ([]ID, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ps, err := x.positions(ids)
	if err != nil {
		return nil, err
	}
	return x.idsOf(x.headsPos(ps)), nil
}

// HeadsAt is Heads over positions.
func (x *Index) HeadsAt(ps []Pos) []Pos {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.headsPos(ps)
}

func (x *Index) headsPos(ps []Pos) []Pos {
	cands := make(map[Pos]bool, len(ps))
	var q PosQueue
	minGen := uint32(math.MaxUint32)
	for _, p := range ps {
		if cands[p] {
			continue
		}
		cands[p] = true
		q.Push(p)
		if g := x.entries[p].gen; g < minGen {
			minGen = g
		}
	}
	if len(cands) <= 1 {
		return q.h
	}

	reached := make(map[Pos]bool)
	remaining := len(cands)
	var heads []Pos
	for q.Len() > 0 && remaining > 0 {
		p := q.PopAll()
		if cands[p] {
			remaining--
			if !reached[p] {
				heads = append(heads, p)
			}
		}
		for _, pp := range x.entries[p].parents {
			if x.entries[pp].gen < minGen || reached[pp] {
				continue
			}
			reached[pp] = true
			q.Push(pp)
		}
	}
	return heads
}

const (
	fromA uint8 = 1 << iota
	fromB
	fromBoth = fromA | fromB
)

// CommonAncestors returns the closest common ancestors of the sets a and b:
// the heads of the intersection of their ancestor sets. There may be more
// than one when histories criss-cross, and none when they share no root.
func (x *Index) CommonAncestors(a, b []ID) ([]ID, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	pa, err := x.positions(a)
	if err != nil {
		return nil, err
	}
	pb, err := x.positions(b)
	if err != nil {
		return nil, err
	}
	return x.idsOf(x.commonAncestorsPos(pa, pb)), nil
}

func (x *Index) commonAncestorsPos(a, b []Pos) []Pos {
	flags := make(map[Pos]uint8)
	inQueue := make(map[Pos]bool)
	var q PosQueue
	pending := 0 // queued positions not yet reached from both sides

	mark := func(p Pos, f uint8) {
		old := flags[p]
		now := old | f
		if now == old {
			return
		}
		flags[p] = now
		if inQueue[p] {
			if now == fromBoth {
				pending--
			}
			return
		}
		inQueue[p] = true
		q.Push(p)
		if now != fromBoth {
			pending++
		}
	}
	for _, p := range a {
		mark(p, fromA)
	}
	for _, p := range b {
		mark(p, fromB)
	}

	var common []Pos
	for q.Len() > 0 && pending > 0 {
		p := q.Pop()
		delete(inQueue, p)
		f := flags[p]
		if f == fromBoth {
			common = append(common, p)
		} else {
			pending--
		}
		for _, pp := range x.entries[p].parents {
			mark(pp, f)
		}
	}
	// Whatever is left queued was reached from both sides.
	for q.Len() > 0 {
		common = append(common, q.Pop())
	}
	return x.headsPos(common)
}

func (x *Index) positions(ids []ID) ([]Pos, error) {
	out := make([]Pos, 0, len(ids))
	for _, id := range ids {
		p, err := x.mustPos(id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (x *Index) idsOf(ps []Pos) []ID {
	out := make([]ID, len(ps))
	for i, p := range ps {
		out[i] = x.entries[p].id
	}
	return out
}
