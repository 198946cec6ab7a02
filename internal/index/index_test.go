package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/oplog/internal/dag"
	"github.com/systemshift/oplog/internal/object"
	"github.com/systemshift/oplog/internal/store"
)

type fixture struct {
	objects *object.Store
	tree    dag.ID
	n       int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b, err := store.OpenFile(t.TempDir(), nil)
	require.NoError(t, err)
	objects := object.NewStore(b)
	tree, err := objects.EmptyTreeID(context.Background())
	require.NoError(t, err)
	return &fixture{objects: objects, tree: tree}
}

func (f *fixture) commit(t *testing.T, parents ...dag.ID) (dag.ID, *object.Commit) {
	t.Helper()
	f.n++
	c := &object.Commit{
		Parents:     parents,
		Tree:        f.tree,
		Description: fmt.Sprintf("commit %d", f.n),
		Author:      object.Signature{Name: "t", When: time.Unix(int64(f.n), 0).UTC()},
	}
	id, err := f.objects.WriteCommit(context.Background(), c)
	require.NoError(t, err)
	return id, c
}

func (f *fixture) chain(t *testing.T, n int) []dag.ID {
	t.Helper()
	var ids []dag.ID
	var parents []dag.ID
	for i := 0; i < n; i++ {
		id, _ := f.commit(t, parents...)
		ids = append(ids, id)
		parents = []dag.ID{id}
	}
	return ids
}

func opID(t *testing.T, name string) dag.ID {
	t.Helper()
	id, err := store.ComputeID(store.KindOperation, []byte(name))
	require.NoError(t, err)
	return id
}

func TestAddCommit_MissingParent(t *testing.T) {
	f := newFixture(t)
	ci, err := New(f.objects, Options{})
	require.NoError(t, err)

	root, rc := f.commit(t)
	child, cc := f.commit(t, root)

	err = ci.AddCommit(child, cc)
	require.ErrorIs(t, err, dag.ErrMissingParent)
	assert.Contains(t, err.Error(), root.String())

	require.NoError(t, ci.AddCommit(root, rc))
	require.NoError(t, ci.AddCommit(child, cc))
	ok, err := ci.IsAncestor(root, child)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIndex_LazilyLoadsFromBackend(t *testing.T) {
	f := newFixture(t)
	ci, err := New(f.objects, Options{})
	require.NoError(t, err)

	ids := f.chain(t, 10)
	side, _ := f.commit(t, ids[4])
	merge, _ := f.commit(t, ids[9], side)

	n, err := ci.Index(context.Background(), []dag.ID{merge})
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	g, err := ci.Generation(merge)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), g)

	heads, err := ci.Heads([]dag.ID{ids[3], side, ids[9]})
	require.NoError(t, err)
	assert.True(t, dag.SameSet([]dag.ID{side, ids[9]}, heads))

	common, err := ci.CommonAncestors([]dag.ID{side}, []dag.ID{ids[9]})
	require.NoError(t, err)
	assert.Equal(t, []dag.ID{ids[4]}, common)

	n, err = ci.Index(context.Background(), []dag.ID{merge})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIndex_UnknownCommit(t *testing.T) {
	f := newFixture(t)
	ci, err := New(f.objects, Options{})
	require.NoError(t, err)

	missing := opID(t, "not a commit")
	_, err = ci.Index(context.Background(), []dag.ID{missing})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSegments_RoundTrip(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	ctx := context.Background()

	ci, err := New(f.objects, Options{Dir: dir})
	require.NoError(t, err)
	ids := f.chain(t, 20)
	side, _ := f.commit(t, ids[3])
	merge, _ := f.commit(t, ids[19], side)
	_, err = ci.Index(ctx, []dag.ID{merge})
	require.NoError(t, err)

	op := opID(t, "op1")
	require.NoError(t, ci.SaveOperation(op))

	fresh, err := New(f.objects, Options{Dir: dir})
	require.NoError(t, err)
	ok, err := fresh.LoadOperation(ctx, op)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ci.Len(), fresh.Len())

	for _, id := range append(ids, side, merge) {
		want, err := ci.Generation(id)
		require.NoError(t, err)
		got, err := fresh.Generation(id)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	isAnc, err := fresh.IsAncestor(ids[3], merge)
	require.NoError(t, err)
	assert.True(t, isAnc)

	ok, err = fresh.LoadOperation(ctx, opID(t, "never saved"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSegments_Squash(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	ctx := context.Background()
	ci, err := New(f.objects, Options{Dir: dir, SquashFactor: 2})
	require.NoError(t, err)

	ids := f.chain(t, 10)
	_, err = ci.Index(ctx, ids[9:])
	require.NoError(t, err)
	require.NoError(t, ci.SaveOperation(opID(t, "a")))
	assert.Equal(t, 1, ci.ChainLen())

	// 3*2 <= 10: stacked on top.
	more := []dag.ID{ids[9]}
	for i := 0; i < 3; i++ {
		id, _ := f.commit(t, more[len(more)-1])
		more = append(more, id)
	}
	_, err = ci.Index(ctx, more[len(more)-1:])
	require.NoError(t, err)
	require.NoError(t, ci.SaveOperation(opID(t, "b")))
	assert.Equal(t, 2, ci.ChainLen())

	// Unchanged index reuses the top segment.
	require.NoError(t, ci.SaveOperation(opID(t, "b2")))
	assert.Equal(t, 2, ci.ChainLen())

	// 10 new commits outweigh both segments: everything squashes into one.
	for i := 0; i < 10; i++ {
		id, _ := f.commit(t, more[len(more)-1])
		more = append(more, id)
	}
	_, err = ci.Index(ctx, more[len(more)-1:])
	require.NoError(t, err)
	require.NoError(t, ci.SaveOperation(opID(t, "c")))
	assert.Equal(t, 1, ci.ChainLen())

	fresh, err := New(f.objects, Options{Dir: dir})
	require.NoError(t, err)
	ok, err := fresh.LoadOperation(ctx, opID(t, "b"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 13, fresh.Len())
	assert.Equal(t, 2, fresh.ChainLen())
}

func TestSegments_CorruptSegmentIsIgnored(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	ctx := context.Background()
	ci, err := New(f.objects, Options{Dir: dir})
	require.NoError(t, err)
	ids := f.chain(t, 3)
	_, err = ci.Index(ctx, ids[2:])
	require.NoError(t, err)
	op := opID(t, "op")
	require.NoError(t, ci.SaveOperation(op))

	entries, err := os.ReadDir(filepath.Join(dir, "segments"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "segments", entries[0].Name()), []byte("garbage"), 0644))

	fresh, err := New(f.objects, Options{Dir: dir})
	require.NoError(t, err)
	ok, err := fresh.LoadOperation(ctx, op)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, fresh.Len())
}

// assertParents checks every commit in want against the parents recorded
// in ci.
func assertParents(t *testing.T, ci *CommitIndex, want map[dag.ID][]dag.ID) {
	t.Helper()
	for id, parents := range want {
		got, err := ci.DAG().Parents(id)
		require.NoError(t, err, "commit %s", dag.Short(id))
		if len(parents) == 0 {
			assert.Empty(t, got, "parents of %s", dag.Short(id))
			continue
		}
		assert.Equal(t, parents, got, "parents of %s", dag.Short(id))
	}
}

func TestLoadOperation_AdoptsMatchingPrefix(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	ctx := context.Background()
	ci, err := New(f.objects, Options{Dir: dir})
	require.NoError(t, err)
	ids := f.chain(t, 10)
	_, err = ci.Index(ctx, ids[9:])
	require.NoError(t, err)
	op := opID(t, "op")
	require.NoError(t, ci.SaveOperation(op))

	// Same commits already at the same positions: the chain is reused.
	fresh, err := New(f.objects, Options{Dir: dir})
	require.NoError(t, err)
	_, err = fresh.Index(ctx, ids[4:5])
	require.NoError(t, err)
	ok, err := fresh.LoadOperation(ctx, op)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, fresh.ChainLen())
}

func TestLoadOperation_RejectsShiftedPositions(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	ctx := context.Background()
	ci, err := New(f.objects, Options{Dir: dir})
	require.NoError(t, err)
	ids := f.chain(t, 10)
	_, err = ci.Index(ctx, ids[9:])
	require.NoError(t, err)
	op1 := opID(t, "op1")
	require.NoError(t, ci.SaveOperation(op1))

	// An unrelated root indexed first moves every loaded commit by one.
	other, _ := f.commit(t)
	fresh, err := New(f.objects, Options{Dir: dir})
	require.NoError(t, err)
	_, err = fresh.Index(ctx, []dag.ID{other})
	require.NoError(t, err)
	ok, err := fresh.LoadOperation(ctx, op1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, fresh.ChainLen())

	tip, _ := f.commit(t, ids[9])
	_, err = fresh.Index(ctx, []dag.ID{tip})
	require.NoError(t, err)
	op2 := opID(t, "op2")
	require.NoError(t, fresh.SaveOperation(op2))

	reloaded, err := New(f.objects, Options{Dir: dir})
	require.NoError(t, err)
	ok, err = reloaded.LoadOperation(ctx, op2)
	require.NoError(t, err)
	require.True(t, ok)
	want := map[dag.ID][]dag.ID{ids[0]: nil, other: nil, tip: {ids[9]}}
	for i := 1; i < len(ids); i++ {
		want[ids[i]] = []dag.ID{ids[i-1]}
	}
	assert.Equal(t, len(want), reloaded.Len())
	assertParents(t, reloaded, want)
}

func TestLoadOperation_RacingIndexKeepsParents(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	ctx := context.Background()
	ci, err := New(f.objects, Options{Dir: dir})
	require.NoError(t, err)
	ids := f.chain(t, 500)
	_, err = ci.Index(ctx, ids[len(ids)-1:])
	require.NoError(t, err)
	op1 := opID(t, "op1")
	require.NoError(t, ci.SaveOperation(op1))

	want := map[dag.ID][]dag.ID{ids[0]: nil}
	for i := 1; i < len(ids); i++ {
		want[ids[i]] = []dag.ID{ids[i-1]}
	}

	for trial := 0; trial < 10; trial++ {
		fresh, err := New(f.objects, Options{Dir: dir})
		require.NoError(t, err)
		side, _ := f.commit(t)
		tip, _ := f.commit(t, ids[len(ids)-1], side)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := fresh.LoadOperation(ctx, op1)
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := fresh.Index(ctx, []dag.ID{side, ids[len(ids)/2]})
			assert.NoError(t, err)
		}()
		wg.Wait()

		_, err = fresh.Index(ctx, []dag.ID{tip})
		require.NoError(t, err)
		op2 := opID(t, fmt.Sprintf("op2-%d", trial))
		require.NoError(t, fresh.SaveOperation(op2))

		reloaded, err := New(f.objects, Options{Dir: dir})
		require.NoError(t, err)
		ok, err := reloaded.LoadOperation(ctx, op2)
		require.NoError(t, err)
		require.True(t, ok)
		want[side] = nil
		want[tip] = []dag.ID{ids[len(ids)-1], side}
		assertParents(t, reloaded, want)
		delete(want, side)
		delete(want, tip)
	}
}

func TestSegmentEncoding(t *testing.T) {
	a, b := opID(t, "a"), opID(t, "b")
	s := &segment{parent: "bparent", start: 7, entries: []segmentEntry{
		{id: a, parents: []uint64{1, 6}},
		{id: b, parents: []uint64{7}},
	}}
	got, err := decodeSegment(s.encode())
	require.NoError(t, err)
	assert.Equal(t, s.parent, got.parent)
	assert.Equal(t, s.start, got.start)
	require.Len(t, got.entries, 2)
	assert.True(t, a.Equals(got.entries[0].id))
	assert.Equal(t, []uint64{7}, got.entries[1].parents)

	bad := &segment{entries: []segmentEntry{{id: a, parents: []uint64{0}}}}
	_, err = decodeSegment(bad.encode())
	assert.ErrorIs(t, err, errBadSegment)
}
