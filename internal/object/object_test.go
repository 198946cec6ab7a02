package object

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/oplog/internal/dag"
	"github.com/systemshift/oplog/internal/store"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	b, err := store.OpenFile(t.TempDir(), nil)
	require.NoError(t, err)
	return NewStore(b)
}

func writeFile(t *testing.T, s *Store, content string) TreeState {
	t.Helper()
	id, err := s.WriteFile(context.Background(), []byte(content))
	require.NoError(t, err)
	return File(id, false)
}

// buildTree writes a tree from slash paths to file contents.
func buildTree(t *testing.T, s *Store, files map[string]string) dag.ID {
	t.Helper()
	ctx := context.Background()
	root := NewTree()
	subs := map[string]*Tree{}
	for path, content := range files {
		dir, name, _ := split(path)
		if dir == "" {
			root.Set(name, Resolved(writeFile(t, s, content)))
			continue
		}
		if subs[dir] == nil {
			subs[dir] = NewTree()
		}
		subs[dir].Set(name, Resolved(writeFile(t, s, content)))
	}
	for dir, sub := range subs {
		id, err := s.WriteTree(ctx, sub)
		require.NoError(t, err)
		root.Set(dir, Resolved(SubTree(id)))
	}
	id, err := s.WriteTree(ctx, root)
	require.NoError(t, err)
	return id
}

func TestCommitRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	tree, err := s.EmptyTreeID(ctx)
	require.NoError(t, err)

	when := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	c := &Commit{
		Tree:        tree,
		ChangeID:    NewChangeID(),
		Author:      Signature{Name: "a", Email: "a@example.com", When: when},
		Committer:   Signature{Name: "a", Email: "a@example.com", When: when},
		Description: "first",
	}
	id, err := s.WriteCommit(ctx, c)
	require.NoError(t, err)

	hashed, err := s.HashCommit(c)
	require.NoError(t, err)
	assert.True(t, id.Equals(hashed))

	again, err := s.WriteCommit(ctx, c)
	require.NoError(t, err)
	assert.True(t, id.Equals(again), "identical commits share an id")

	got, err := s.ReadCommit(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.IsRoot())
	assert.Equal(t, c.Description, got.Description)
	assert.True(t, c.Tree.Equals(got.Tree))
	assert.True(t, when.Equal(got.Author.When))

	raw1, err := s.Backend().Get(ctx, store.KindCommit, id)
	require.NoError(t, err)
	enc, err := EncodeCommit(got)
	require.NoError(t, err)
	assert.Equal(t, raw1, enc, "decode then encode is byte identical")
}

func TestCommitRequiresTree(t *testing.T) {
	_, err := newStore(t).WriteCommit(context.Background(), &Commit{})
	require.Error(t, err)
}

func TestTreeConflictRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a, b, c := writeFile(t, s, "a"), writeFile(t, s, "b"), writeFile(t, s, "c")

	tr := NewTree()
	tr.Set("f", FromThreeWay(a, b, c))
	tr.Set("gone", Resolved(Absent))
	id, err := s.WriteTree(ctx, tr)
	require.NoError(t, err)

	got, err := s.ReadTree(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.HasConflicts())
	assert.Equal(t, []string{"f"}, got.Names())
	assert.True(t, tr.Entries["f"].Equal(got.Entries["f"]))
}

func TestMergeTrees(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	base := buildTree(t, s, map[string]string{"a.txt": "1", "dir/x": "x", "dir/y": "y", "same": "s"})
	left := buildTree(t, s, map[string]string{"a.txt": "2", "dir/x": "x2", "dir/y": "y", "same": "s"})
	right := buildTree(t, s, map[string]string{"a.txt": "3", "dir/x": "x", "dir/y": "y2", "new": "n"})

	merged, err := s.MergeTrees(ctx, base, left, right)
	require.NoError(t, err)

	got := map[string]TreeValue{}
	require.NoError(t, s.WalkTree(ctx, merged, Everything{}, func(path string, v TreeValue) error {
		got[path] = v
		return nil
	}))

	assert.Len(t, got, 4, "same was deleted on the right")
	assert.False(t, got["a.txt"].IsResolved(), "both sides changed a.txt")
	assert.Len(t, got["a.txt"].Adds, 2)

	x, ok := got["dir/x"].Resolve()
	require.True(t, ok)
	data, err := s.ReadFile(ctx, x.ID)
	require.NoError(t, err)
	assert.Equal(t, "x2", string(data))

	y, ok := got["dir/y"].Resolve()
	require.True(t, ok)
	data, err = s.ReadFile(ctx, y.ID)
	require.NoError(t, err)
	assert.Equal(t, "y2", string(data))

	_, ok = got["new"].Resolve()
	assert.True(t, ok)
}

func TestMergeTrees_TrivialCases(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	base := buildTree(t, s, map[string]string{"f": "1"})
	side := buildTree(t, s, map[string]string{"f": "2"})

	got, err := s.MergeTrees(ctx, base, base, side)
	require.NoError(t, err)
	assert.True(t, side.Equals(got))

	got, err = s.MergeTrees(ctx, base, side, side)
	require.NoError(t, err)
	assert.True(t, side.Equals(got))
}

func TestWalkTree_PrefixMatcherPrunes(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	root := buildTree(t, s, map[string]string{"top": "t", "dir/x": "x", "other/y": "y"})

	var paths []string
	require.NoError(t, s.WalkTree(ctx, root, NewPrefix("dir"), func(path string, _ TreeValue) error {
		paths = append(paths, path)
		return nil
	}))
	assert.Equal(t, []string{"dir/x"}, paths)

	paths = nil
	require.NoError(t, s.WalkTree(ctx, root, NewFiles("top", "other/y"), func(path string, _ TreeValue) error {
		paths = append(paths, path)
		return nil
	}))
	assert.Equal(t, []string{"other/y", "top"}, paths)

	paths = nil
	require.NoError(t, s.WalkTree(ctx, root, Nothing{}, func(path string, _ TreeValue) error {
		paths = append(paths, path)
		return nil
	}))
	assert.Empty(t, paths)
}

func TestMatchers(t *testing.T) {
	f := NewFiles("a/b/c", "d")
	assert.True(t, f.Matches("a/b/c"))
	assert.False(t, f.Matches("a/b"))
	assert.Equal(t, map[string]bool{"a": true}, f.Visit("").Dirs)
	assert.Equal(t, map[string]bool{"d": true}, f.Visit("").Files)
	assert.Equal(t, map[string]bool{"c": true}, f.Visit("a/b").Files)

	p := NewPrefix("a/b")
	assert.True(t, p.Matches("a/b"))
	assert.True(t, p.Matches("a/b/c/d"))
	assert.False(t, p.Matches("a/bc"))
	assert.False(t, p.Matches("a"))
	assert.True(t, p.Visit("a/b").All)
	assert.Equal(t, map[string]bool{"b": true}, p.Visit("a").Dirs)

	assert.True(t, NewPrefix("").Matches("anything/at/all"))
	assert.True(t, Everything{}.Visit("x").All)
	assert.False(t, Nothing{}.Matches("x"))
}
