package operation

import (
	"fmt"
	"sort"
	"time"

	"github.com/systemshift/oplog/internal/dag"
	"github.com/systemshift/oplog/internal/index"
)

// RefTarget is where a branch or tag points. One target is a normal ref;
// more than one is a conflict left by concurrent moves. No targets means the
// ref does not exist.
type RefTarget struct {
	Targets []dag.ID `json:"targets"`
}

// Target returns a ref pointing at id.
func Target(id dag.ID) RefTarget {
	return RefTarget{Targets: []dag.ID{id}}
}

// IsAbsent reports whether the ref does not exist.
func (r RefTarget) IsAbsent() bool { return len(r.Targets) == 0 }

// IsConflict reports whether the ref has several targets.
func (r RefTarget) IsConflict() bool { return len(r.Targets) > 1 }

// Resolved returns the single target of a non-conflicted ref.
func (r RefTarget) Resolved() (dag.ID, bool) {
	if len(r.Targets) == 1 {
		return r.Targets[0], true
	}
	return dag.Undef, false
}

// Equal compares target sets.
func (r RefTarget) Equal(o RefTarget) bool {
	return dag.SameSet(r.Targets, o.Targets)
}

func (r RefTarget) String() string {
	switch len(r.Targets) {
	case 0:
		return "(absent)"
	case 1:
		return r.Targets[0].String()
	}
	return fmt.Sprintf("(conflict) %v", r.Targets)
}

// Stamp orders concurrent updates of the same working copy: later Time wins,
// then the larger transaction id.
type Stamp struct {
	Time time.Time `json:"time"`
	Tx   string    `json:"tx"`
}

// After reports whether s wins over o.
func (s Stamp) After(o Stamp) bool {
	if !s.Time.Equal(o.Time) {
		return s.Time.After(o.Time)
	}
	return s.Tx > o.Tx
}

// WorkingCopy binds a named working copy to the commit it has checked out.
type WorkingCopy struct {
	Commit dag.ID `json:"commit"`
	Stamp  Stamp  `json:"stamp"`
}

// Equal compares commit and stamp.
func (w WorkingCopy) Equal(o WorkingCopy) bool {
	return w.Commit.Equals(o.Commit) && w.Stamp.Time.Equal(o.Stamp.Time) && w.Stamp.Tx == o.Stamp.Tx
}

// View is the repository-level state recorded by an operation.
type View struct {
	Heads         []dag.ID               `json:"heads"`
	Branches      map[string]RefTarget   `json:"branches"`
	Tags          map[string]RefTarget   `json:"tags"`
	WorkingCopies map[string]WorkingCopy `json:"working_copies"`
	Hidden        []dag.ID               `json:"hidden"`
}

// NewView returns an empty view.
func NewView() *View {
	return &View{
		Branches:      map[string]RefTarget{},
		Tags:          map[string]RefTarget{},
		WorkingCopies: map[string]WorkingCopy{},
	}
}

// Clone returns a deep copy.
func (v *View) Clone() *View {
	out := NewView()
	out.Heads = append([]dag.ID(nil), v.Heads...)
	out.Hidden = append([]dag.ID(nil), v.Hidden...)
	for k, r := range v.Branches {
		out.Branches[k] = RefTarget{Targets: append([]dag.ID(nil), r.Targets...)}
	}
	for k, r := range v.Tags {
		out.Tags[k] = RefTarget{Targets: append([]dag.ID(nil), r.Targets...)}
	}
	for k, w := range v.WorkingCopies {
		out.WorkingCopies[k] = w
	}
	return out
}

// normalize sorts every id list and drops absent refs so equal views
// serialize identically.
func (v *View) normalize() {
	if v.Branches == nil {
		v.Branches = map[string]RefTarget{}
	}
	if v.Tags == nil {
		v.Tags = map[string]RefTarget{}
	}
	if v.WorkingCopies == nil {
		v.WorkingCopies = map[string]WorkingCopy{}
	}
	v.Heads = dag.Dedup(v.Heads)
	v.Hidden = dag.Dedup(v.Hidden)
	for _, refs := range []map[string]RefTarget{v.Branches, v.Tags} {
		for k, r := range refs {
			if r.IsAbsent() {
				delete(refs, k)
				continue
			}
			refs[k] = RefTarget{Targets: dag.Dedup(r.Targets)}
		}
	}
	for k, w := range v.WorkingCopies {
		w.Stamp.Time = w.Stamp.Time.UTC()
		v.WorkingCopies[k] = w
	}
}

// Equal reports whether two views hold the same state.
func (v *View) Equal(o *View) bool {
	if !dag.SameSet(v.Heads, o.Heads) || !dag.SameSet(v.Hidden, o.Hidden) {
		return false
	}
	if !refsEqual(v.Branches, o.Branches) || !refsEqual(v.Tags, o.Tags) {
		return false
	}
	if len(v.WorkingCopies) != len(o.WorkingCopies) {
		return false
	}
	for k, w := range v.WorkingCopies {
		ow, ok := o.WorkingCopies[k]
		if !ok || !w.Equal(ow) {
			return false
		}
	}
	return true
}

func refsEqual(a, b map[string]RefTarget) bool {
	count := func(m map[string]RefTarget) int {
		n := 0
		for _, r := range m {
			if !r.IsAbsent() {
				n++
			}
		}
		return n
	}
	if count(a) != count(b) {
		return false
	}
	for k, r := range a {
		if r.IsAbsent() {
			continue
		}
		if !r.Equal(b[k]) {
			return false
		}
	}
	return true
}

// Branch returns the target of a branch; absent if it does not exist.
func (v *View) Branch(name string) RefTarget { return v.Branches[name] }

// Tag returns the target of a tag.
func (v *View) Tag(name string) RefTarget { return v.Tags[name] }

// BranchNames returns the branch names in order.
func (v *View) BranchNames() []string { return sortedKeys(v.Branches) }

// TagNames returns the tag names in order.
func (v *View) TagNames() []string { return sortedKeys(v.Tags) }

func sortedKeys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// WorkingCopyNames returns the working copy names in order.
func (v *View) WorkingCopyNames() []string { return sortedKeys(v.WorkingCopies) }

// IsHidden reports whether id was abandoned.
func (v *View) IsHidden(id dag.ID) bool {
	for _, h := range v.Hidden {
		if h.Equals(id) {
			return true
		}
	}
	return false
}

// ReferencedCommits returns every commit id the view mentions.
func (v *View) ReferencedCommits() []dag.ID {
	ids := append([]dag.ID(nil), v.Heads...)
	ids = append(ids, v.Hidden...)
	for _, r := range v.Branches {
		ids = append(ids, r.Targets...)
	}
	for _, r := range v.Tags {
		ids = append(ids, r.Targets...)
	}
	for _, w := range v.WorkingCopies {
		ids = append(ids, w.Commit)
	}
	return dag.Dedup(ids)
}

// pinned returns the commits refs and working copies keep visible.
func (v *View) pinned() map[dag.ID]bool {
	out := map[dag.ID]bool{}
	for _, refs := range []map[string]RefTarget{v.Branches, v.Tags} {
		for _, r := range refs {
			for _, t := range r.Targets {
				out[t] = true
			}
		}
	}
	for _, w := range v.WorkingCopies {
		out[w.Commit] = true
	}
	return out
}

// Enforce restores the view invariants against the commit index: every ref
// and working-copy commit is reachable from the heads, hidden commits leave
// the heads unless something still points at them (their parents take their
// place), and the heads have no ancestor among themselves. Every referenced
// commit must already be indexed.
func (v *View) Enforce(ci *index.CommitIndex) error {
	v.normalize()
	pinned := v.pinned()
	hidden := map[dag.ID]bool{}
	for _, h := range v.Hidden {
		hidden[h] = true
	}

	var cands []dag.ID
	seen := map[dag.ID]bool{}
	work := append([]dag.ID(nil), v.Heads...)
	for id := range pinned {
		work = append(work, id)
	}
	for len(work) > 0 {
		id := work[len(work)-1]
		work = work[:len(work)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		if hidden[id] && !pinned[id] {
			parents, err := ci.DAG().Parents(id)
			if err != nil {
				return fmt.Errorf("hidden commit %s: %w", id, err)
			}
			work = append(work, parents...)
			continue
		}
		cands = append(cands, id)
	}

	heads, err := ci.Heads(cands)
	if err != nil {
		return fmt.Errorf("view heads: %w", err)
	}
	v.Heads = dag.Dedup(heads)
	return nil
}
