package gitstore

import (
	"context"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/oplog/internal/dag"
	"github.com/systemshift/oplog/internal/store"
	"github.com/systemshift/oplog/internal/store/storetest"
)

func TestBackend(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Backend {
		b, err := OpenMemory()
		require.NoError(t, err)
		return b
	})
}

func TestIDsAreGitBlobHashes(t *testing.T) {
	b, err := OpenMemory()
	require.NoError(t, err)

	id, err := b.Put(context.Background(), store.KindFile, []byte("hello\n"))
	require.NoError(t, err)

	h, err := FromID(id)
	require.NoError(t, err)
	// git hash-object of "hello\n"
	assert.Equal(t, plumbing.NewHash("ce013625030ba8dba906f756967f9e9ca394464a"), h)
}

func TestFromID_RejectsForeignIDs(t *testing.T) {
	id, err := dag.ComputeID(dag.CodecRaw, []byte("x"))
	require.NoError(t, err)

	_, err = FromID(id)
	require.ErrorIs(t, err, store.ErrNotFound)

	b, err := OpenMemory()
	require.NoError(t, err)
	ok, err := b.Has(context.Background(), store.KindFile, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOpenPath_Persists(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	b, err := OpenPath(dir)
	require.NoError(t, err)
	id, err := b.Put(ctx, store.KindOperation, []byte(`{"op":1}`))
	require.NoError(t, err)
	_, err = b.SwapHeads(ctx, store.Heads{}, []dag.ID{id})
	require.NoError(t, err)

	b, err = OpenPath(dir)
	require.NoError(t, err)
	h, err := b.ReadHeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), h.Version)
	assert.True(t, dag.SameSet([]dag.ID{id}, h.IDs))
}
