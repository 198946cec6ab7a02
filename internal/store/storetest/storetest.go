// Package storetest holds behaviour tests shared by every store.Backend.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/oplog/internal/dag"
	"github.com/systemshift/oplog/internal/store"
)

// Run exercises the Backend contract against fresh backends from open.
func Run(t *testing.T, open func(t *testing.T) store.Backend) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, open(t)) })
	t.Run("PutIdempotent", func(t *testing.T) { testPutIdempotent(t, open(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, open(t)) })
	t.Run("HashMatchesPut", func(t *testing.T) { testHashMatchesPut(t, open(t)) })
	t.Run("HeadsStartEmpty", func(t *testing.T) { testHeadsStartEmpty(t, open(t)) })
	t.Run("SwapHeads", func(t *testing.T) { testSwapHeads(t, open(t)) })
	t.Run("SwapHeadsRace", func(t *testing.T) { testSwapHeadsRace(t, open(t)) })
}

func testRoundTrip(t *testing.T, b store.Backend) {
	ctx := context.Background()
	for _, kind := range store.Kinds {
		data := []byte(fmt.Sprintf(`{"kind":%q,"n":1}`, kind))
		id, err := b.Put(ctx, kind, data)
		require.NoError(t, err)

		got, err := b.Get(ctx, kind, id)
		require.NoError(t, err)
		assert.Equal(t, data, got, "kind %s", kind)

		ok, err := b.Has(ctx, kind, id)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func testPutIdempotent(t *testing.T, b store.Backend) {
	ctx := context.Background()
	data := []byte("same bytes")
	id1, err := b.Put(ctx, store.KindFile, data)
	require.NoError(t, err)
	id2, err := b.Put(ctx, store.KindFile, data)
	require.NoError(t, err)
	assert.True(t, id1.Equals(id2))
}

func testNotFound(t *testing.T, b store.Backend) {
	ctx := context.Background()
	id, err := b.Hash(store.KindCommit, []byte(`{"never":"written"}`))
	require.NoError(t, err)

	_, err = b.Get(ctx, store.KindCommit, id)
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, err.Error(), id.String())

	ok, err := b.Has(ctx, store.KindCommit, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testHashMatchesPut(t *testing.T, b store.Backend) {
	ctx := context.Background()
	data := []byte(`{"a":1}`)
	want, err := b.Hash(store.KindView, data)
	require.NoError(t, err)
	got, err := b.Put(ctx, store.KindView, data)
	require.NoError(t, err)
	assert.True(t, want.Equals(got))
}

func testHeadsStartEmpty(t *testing.T, b store.Backend) {
	h, err := b.ReadHeads(context.Background())
	require.NoError(t, err)
	assert.Zero(t, h.Version)
	assert.Empty(t, h.IDs)
}

func putOp(t *testing.T, b store.Backend, name string) dag.ID {
	t.Helper()
	id, err := b.Put(context.Background(), store.KindOperation, []byte(fmt.Sprintf(`{"op":%q}`, name)))
	require.NoError(t, err)
	return id
}

func testSwapHeads(t *testing.T, b store.Backend) {
	ctx := context.Background()
	a, c := putOp(t, b, "a"), putOp(t, b, "c")

	h0, err := b.ReadHeads(ctx)
	require.NoError(t, err)

	h1, err := b.SwapHeads(ctx, h0, []dag.ID{a})
	require.NoError(t, err)
	assert.Greater(t, h1.Version, h0.Version)

	got, err := b.ReadHeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, h1.Version, got.Version)
	assert.True(t, dag.SameSet([]dag.ID{a}, got.IDs))

	// A stale expectation loses.
	_, err = b.SwapHeads(ctx, h0, []dag.ID{c})
	require.ErrorIs(t, err, store.ErrConcurrentWrite)

	h2, err := b.SwapHeads(ctx, h1, []dag.ID{a, c})
	require.NoError(t, err)
	got, err = b.ReadHeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, h2.Version, got.Version)
	assert.True(t, dag.SameSet([]dag.ID{a, c}, got.IDs))

	// Many swaps in a row keep working after old versions are pruned.
	cur := h2
	for i := 0; i < 40; i++ {
		cur, err = b.SwapHeads(ctx, cur, []dag.ID{a})
		require.NoError(t, err)
	}
	_, err = b.SwapHeads(ctx, h2, []dag.ID{c})
	require.ErrorIs(t, err, store.ErrConcurrentWrite)
}

func testSwapHeadsRace(t *testing.T, b store.Backend) {
	ctx := context.Background()
	h0, err := b.ReadHeads(ctx)
	require.NoError(t, err)

	const writers = 8
	ids := make([]dag.ID, writers)
	for i := range ids {
		ids[i] = putOp(t, b, fmt.Sprintf("w%d", i))
	}

	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = b.SwapHeads(ctx, h0, []dag.ID{ids[i]})
		}(i)
	}
	wg.Wait()

	winner := -1
	for i, err := range errs {
		if err == nil {
			require.Equal(t, -1, winner, "two writers won the same swap")
			winner = i
			continue
		}
		require.ErrorIs(t, err, store.ErrConcurrentWrite)
	}
	require.NotEqual(t, -1, winner)

	h, err := b.ReadHeads(ctx)
	require.NoError(t, err)
	assert.True(t, dag.SameSet([]dag.ID{ids[winner]}, h.IDs))
}
