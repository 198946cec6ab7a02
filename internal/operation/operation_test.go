package operation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/oplog/internal/dag"
	"github.com/systemshift/oplog/internal/index"
	"github.com/systemshift/oplog/internal/object"
	"github.com/systemshift/oplog/internal/store"
)

type fixture struct {
	backend store.Backend
	objects *object.Store
	commits *index.CommitIndex
	ops     *Store
	merger  *Merger
	tree    dag.ID
	root    dag.ID
	n       int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	b, err := store.OpenFile(t.TempDir(), nil)
	require.NoError(t, err)
	f := &fixture{backend: b, objects: object.NewStore(b)}
	f.commits, err = index.New(f.objects, index.Options{})
	require.NoError(t, err)
	f.ops = NewStore(b, nil)
	f.merger = NewMerger(f.ops, f.commits, nil)
	f.tree, err = f.objects.EmptyTreeID(ctx)
	require.NoError(t, err)

	h, err := f.ops.Init(ctx, Metadata{Description: "init"})
	require.NoError(t, err)
	require.Len(t, h.IDs, 1)
	f.root = h.IDs[0]
	return f
}

func (f *fixture) commit(t *testing.T, parents ...dag.ID) dag.ID {
	t.Helper()
	f.n++
	c := &object.Commit{Parents: parents, Tree: f.tree, Description: fmt.Sprintf("c%d", f.n)}
	id, err := f.objects.WriteCommit(context.Background(), c)
	require.NoError(t, err)
	require.NoError(t, f.commits.AddCommit(id, c))
	return id
}

// op stores an operation with the given parents whose view is edit applied
// to the first parent's view.
func (f *fixture) op(t *testing.T, parents []dag.ID, edit func(v *View)) dag.ID {
	t.Helper()
	ctx := context.Background()
	v, err := f.merger.MergeOperations(ctx, parents)
	require.NoError(t, err)
	if edit != nil {
		edit(v)
	}
	require.NoError(t, v.Enforce(f.commits))
	vid, err := f.ops.WriteView(ctx, v)
	require.NoError(t, err)
	f.n++
	id, err := f.ops.PutOperation(ctx, &Operation{View: vid, Parents: parents, Metadata: Metadata{Description: fmt.Sprintf("op%d", f.n)}})
	require.NoError(t, err)
	return id
}

func (f *fixture) view(t *testing.T, ops ...dag.ID) *View {
	t.Helper()
	v, err := f.merger.MergeOperations(context.Background(), ops)
	require.NoError(t, err)
	return v
}

func wc(commit dag.ID, sec int64, tx string) WorkingCopy {
	return WorkingCopy{Commit: commit, Stamp: Stamp{Time: time.Unix(sec, 0).UTC(), Tx: tx}}
}

func TestStore_InitIsIdempotent(t *testing.T) {
	f := newFixture(t)
	h, err := f.ops.Init(context.Background(), Metadata{Description: "again"})
	require.NoError(t, err)
	assert.Equal(t, []dag.ID{f.root}, h.IDs)

	v, err := f.ops.ViewOf(context.Background(), f.root)
	require.NoError(t, err)
	assert.True(t, v.Equal(NewView()))
}

func TestStore_WriteOperationDetectsConcurrentWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	vid, err := f.ops.WriteView(ctx, NewView())
	require.NoError(t, err)

	id, h0, err := f.ops.ReadHead(ctx)
	require.NoError(t, err)
	require.True(t, id.Equals(f.root))

	a, h1, err := f.ops.WriteOperation(ctx, h0, &Operation{View: vid, Parents: []dag.ID{f.root}, Metadata: Metadata{Description: "a"}})
	require.NoError(t, err)
	assert.Equal(t, []dag.ID{a}, h1.IDs)

	_, _, err = f.ops.WriteOperation(ctx, h0, &Operation{View: vid, Parents: []dag.ID{f.root}, Metadata: Metadata{Description: "b"}})
	require.ErrorIs(t, err, store.ErrConcurrentWrite)

	head, _, err := f.ops.ReadHead(ctx)
	require.NoError(t, err)
	assert.True(t, head.Equals(a), "the loser left no trace in the heads")
}

func TestStore_PublishDiverges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	vid, err := f.ops.WriteView(ctx, NewView())
	require.NoError(t, err)

	a, _, err := f.ops.Publish(ctx, &Operation{View: vid, Parents: []dag.ID{f.root}, Metadata: Metadata{Description: "a"}})
	require.NoError(t, err)
	b, _, err := f.ops.Publish(ctx, &Operation{View: vid, Parents: []dag.ID{f.root}, Metadata: Metadata{Description: "b"}})
	require.NoError(t, err)

	_, h, err := f.ops.ReadHead(ctx)
	require.ErrorIs(t, err, ErrDivergedHeads)
	var div *DivergedError
	require.ErrorAs(t, err, &div)
	assert.True(t, dag.SameSet([]dag.ID{a, b}, div.Heads))
	assert.True(t, dag.SameSet([]dag.ID{a, b}, h.IDs))

	entries, err := f.ops.Log(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, entries[2].ID.Equals(f.root), "root comes last")
}

func TestStore_PublishConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	vid, err := f.ops.WriteView(ctx, NewView())
	require.NoError(t, err)

	const writers = 6
	ids := make([]dag.ID, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := f.ops.Publish(ctx, &Operation{View: vid, Parents: []dag.ID{f.root}, Metadata: Metadata{Description: fmt.Sprintf("w%d", i)}})
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	h, err := f.ops.ReadHeads(ctx)
	require.NoError(t, err)
	assert.True(t, dag.SameSet(ids, h.IDs), "no publish was lost")
}

func TestStore_ResolveAndLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	vid, err := f.ops.WriteView(ctx, NewView())
	require.NoError(t, err)
	_, h0, err := f.ops.ReadHead(ctx)
	require.NoError(t, err)
	a, _, err := f.ops.WriteOperation(ctx, h0, &Operation{View: vid, Parents: []dag.ID{f.root}, Metadata: Metadata{Description: "a"}})
	require.NoError(t, err)

	got, err := f.ops.Resolve(ctx, "@")
	require.NoError(t, err)
	assert.True(t, got.Equals(a))

	got, err = f.ops.Resolve(ctx, "@-")
	require.NoError(t, err)
	assert.True(t, got.Equals(f.root))

	got, err = f.ops.Resolve(ctx, dag.Short(a))
	require.NoError(t, err)
	assert.True(t, got.Equals(a))

	_, err = f.ops.Resolve(ctx, "@@none")
	assert.ErrorIs(t, err, store.ErrNotFound)

	entries, err := f.ops.Log(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Operation.Metadata.Description)
}

func TestStore_Reaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.op(t, []dag.ID{f.root}, nil)
	b := f.op(t, []dag.ID{a}, nil)
	side := f.op(t, []dag.ID{f.root}, nil)

	for _, tt := range []struct {
		name  string
		heads []dag.ID
		op    dag.ID
		want  bool
	}{
		{"head itself", []dag.ID{b}, b, true},
		{"ancestor", []dag.ID{b}, a, true},
		{"sibling", []dag.ID{b}, side, false},
		{"any head", []dag.ID{side, b}, a, true},
		{"descendant", []dag.ID{a}, b, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := f.ops.Reaches(ctx, tt.heads, tt.op)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestView_EnforceHidesAbandoned(t *testing.T) {
	f := newFixture(t)
	c1 := f.commit(t)
	c2 := f.commit(t, c1)
	c3 := f.commit(t, c2)

	v := NewView()
	v.Heads = []dag.ID{c3, c1}
	v.Hidden = []dag.ID{c3}
	require.NoError(t, v.Enforce(f.commits))
	assert.Equal(t, []dag.ID{c2}, v.Heads, "hidden head is replaced by its parent")

	v.Branches["main"] = Target(c3)
	require.NoError(t, v.Enforce(f.commits))
	assert.Equal(t, []dag.ID{c3}, v.Heads, "a branch keeps a hidden commit visible")

	v = NewView()
	side := f.commit(t, c1)
	v.WorkingCopies["default"] = wc(side, 1, "tx")
	v.Branches["main"] = Target(c2)
	require.NoError(t, v.Enforce(f.commits))
	assert.True(t, dag.SameSet([]dag.ID{side, c2}, v.Heads))
}

func TestMerge_SiblingBranchMovesConflict(t *testing.T) {
	f := newFixture(t)
	base := f.commit(t)
	o0 := f.op(t, []dag.ID{f.root}, func(v *View) { v.Branches["main"] = Target(base) })

	c1 := f.commit(t, base)
	c2 := f.commit(t, base)
	oa := f.op(t, []dag.ID{o0}, func(v *View) { v.Branches["main"] = Target(c1) })
	ob := f.op(t, []dag.ID{o0}, func(v *View) { v.Branches["main"] = Target(c2) })

	v := f.view(t, oa, ob)
	main := v.Branch("main")
	assert.True(t, main.IsConflict())
	assert.True(t, dag.SameSet([]dag.ID{c1, c2}, main.Targets))
	assert.True(t, dag.SameSet([]dag.ID{c1, c2}, v.Heads))
}

func TestMerge_FastForwardResolves(t *testing.T) {
	f := newFixture(t)
	base := f.commit(t)
	o0 := f.op(t, []dag.ID{f.root}, func(v *View) { v.Branches["main"] = Target(base) })
	c1 := f.commit(t, base)
	c3 := f.commit(t, c1)
	oa := f.op(t, []dag.ID{o0}, func(v *View) { v.Branches["main"] = Target(c1) })
	// A concurrent op that moved main from the old target straight to c3.
	ob := f.op(t, []dag.ID{o0}, func(v *View) { v.Branches["main"] = Target(c3) })

	v := f.view(t, oa, ob)
	got, ok := v.Branch("main").Resolved()
	require.True(t, ok)
	assert.True(t, got.Equals(c3))
	assert.Equal(t, []dag.ID{c3}, v.Heads)
}

func TestMerge_DeleteVersusMoveKeepsMove(t *testing.T) {
	f := newFixture(t)
	base := f.commit(t)
	o0 := f.op(t, []dag.ID{f.root}, func(v *View) { v.Branches["feature"] = Target(base) })
	moved := f.commit(t, base)
	oa := f.op(t, []dag.ID{o0}, func(v *View) { delete(v.Branches, "feature") })
	ob := f.op(t, []dag.ID{o0}, func(v *View) { v.Branches["feature"] = Target(moved) })

	got, ok := f.view(t, oa, ob).Branch("feature").Resolved()
	require.True(t, ok)
	assert.True(t, got.Equals(moved))
}

func TestMerge_WorkingCopyLastWriterWins(t *testing.T) {
	f := newFixture(t)
	c0 := f.commit(t)
	o0 := f.op(t, []dag.ID{f.root}, func(v *View) { v.WorkingCopies["default"] = wc(c0, 1, "t0") })
	c1 := f.commit(t, c0)
	c2 := f.commit(t, c0)
	oa := f.op(t, []dag.ID{o0}, func(v *View) { v.WorkingCopies["default"] = wc(c1, 5, "ta") })
	ob := f.op(t, []dag.ID{o0}, func(v *View) { v.WorkingCopies["default"] = wc(c2, 3, "tb") })
	// Only one side touches "other".
	oc := f.op(t, []dag.ID{o0}, func(v *View) { v.WorkingCopies["other"] = wc(c2, 1, "tc") })

	v := f.view(t, oa, ob, oc)
	assert.True(t, v.WorkingCopies["default"].Commit.Equals(c1), "later stamp wins")
	assert.True(t, v.WorkingCopies["other"].Commit.Equals(c2))

	// Equal times fall back to the transaction id.
	od := f.op(t, []dag.ID{o0}, func(v *View) { v.WorkingCopies["default"] = wc(c2, 5, "tz") })
	v = f.view(t, oa, od)
	assert.True(t, v.WorkingCopies["default"].Commit.Equals(c2))
}

// divergent builds three sibling operations that each change every kind of
// view field in a different way.
func divergent(t *testing.T, f *fixture) (o0 dag.ID, sides []dag.ID) {
	base := f.commit(t)
	o0 = f.op(t, []dag.ID{f.root}, func(v *View) {
		v.Branches["main"] = Target(base)
		v.Branches["keep"] = Target(base)
		v.WorkingCopies["default"] = wc(base, 1, "t0")
	})
	for i := 0; i < 3; i++ {
		c := f.commit(t, base)
		sides = append(sides, f.op(t, []dag.ID{o0}, func(v *View) {
			v.Branches["main"] = Target(c)
			v.Branches[fmt.Sprintf("side%d", i)] = Target(c)
			v.WorkingCopies["default"] = wc(c, int64(10+i), fmt.Sprintf("t%d", i))
			v.Tags[fmt.Sprintf("v%d", i)] = Target(c)
			if i == 1 {
				delete(v.Branches, "keep")
			}
		}))
	}
	return o0, sides
}

func TestMerge_OrderIndependent(t *testing.T) {
	f := newFixture(t)
	o0, sides := divergent(t, f)
	o1, o2 := sides[0], sides[1]

	v12 := f.view(t, o1, o2)
	v21 := f.view(t, o2, o1)
	assert.True(t, v12.Equal(v21))

	// Merge3 itself is symmetric too.
	base, err := f.merger.ViewOf(context.Background(), o0)
	require.NoError(t, err)
	l, err := f.merger.ViewOf(context.Background(), o1)
	require.NoError(t, err)
	r, err := f.merger.ViewOf(context.Background(), o2)
	require.NoError(t, err)
	a, err := f.merger.Merge3(base, l, r)
	require.NoError(t, err)
	b, err := f.merger.Merge3(base, r, l)
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
	assert.True(t, a.Equal(v12))
}

func TestMerge_Associative(t *testing.T) {
	f := newFixture(t)
	_, sides := divergent(t, f)
	o1, o2, o3 := sides[0], sides[1], sides[2]

	m12 := f.op(t, []dag.ID{o1, o2}, nil)
	m23 := f.op(t, []dag.ID{o2, o3}, nil)

	left := f.view(t, m12, o3)
	right := f.view(t, o1, m23)
	flat := f.view(t, o1, o2, o3)

	assert.True(t, left.Equal(right))
	assert.True(t, left.Equal(flat))

	main := left.Branch("main")
	assert.Len(t, main.Targets, 3)
	_, kept := left.Branches["keep"]
	assert.False(t, kept, "deletion on one side survives")
	assert.Len(t, left.Tags, 3)
	wcDefault := left.WorkingCopies["default"]
	assert.Equal(t, "t2", wcDefault.Stamp.Tx)
}

func TestMerge_ConflictOfConflicts(t *testing.T) {
	f := newFixture(t)
	base := f.commit(t)
	o0 := f.op(t, []dag.ID{f.root}, func(v *View) { v.Branches["main"] = Target(base) })
	c1 := f.commit(t, base)
	c2 := f.commit(t, base)
	oa := f.op(t, []dag.ID{o0}, func(v *View) { v.Branches["main"] = Target(c1) })
	ob := f.op(t, []dag.ID{o0}, func(v *View) { v.Branches["main"] = Target(c2) })
	m := f.op(t, []dag.ID{oa, ob}, nil)

	// One writer resolves the conflict by merging c1 and c2; another moves
	// c1 forward.
	resolved := f.commit(t, c1, c2)
	c1b := f.commit(t, c1)
	ox := f.op(t, []dag.ID{m}, func(v *View) { v.Branches["main"] = Target(resolved) })
	oy := f.op(t, []dag.ID{m}, func(v *View) { v.Branches["main"] = RefTarget{Targets: []dag.ID{c1b, c2}} })

	main := f.view(t, ox, oy).Branch("main")
	assert.True(t, dag.SameSet([]dag.ID{resolved, c1b}, main.Targets), "targets that became ancestors drop out")
}

func TestMergeSets(t *testing.T) {
	id := func(s string) dag.ID {
		x, err := dag.ComputeID(dag.CodecRaw, []byte(s))
		require.NoError(t, err)
		return x
	}
	a, b, c, d := id("a"), id("b"), id("c"), id("d")

	got := mergeSets([]dag.ID{a, b}, []dag.ID{a, c}, []dag.ID{b, a, d})
	// b removed on the left, c and d added.
	assert.True(t, dag.SameSet([]dag.ID{a, c, d}, got))
}
