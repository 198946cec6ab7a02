package object

import (
	"context"
	"fmt"

	"github.com/systemshift/oplog/internal/dag"
	"github.com/systemshift/oplog/internal/store"
)

// Store reads and writes typed history records through a backend.
type Store struct {
	backend store.Backend
}

// NewStore returns a Store over b.
func NewStore(b store.Backend) *Store {
	return &Store{backend: b}
}

// Backend returns the underlying backend.
func (s *Store) Backend() store.Backend { return s.backend }

// EncodeCommit returns the canonical bytes of c.
func EncodeCommit(c *Commit) ([]byte, error) {
	if !c.Tree.Defined() {
		return nil, fmt.Errorf("commit has no tree")
	}
	return dag.CanonicalJSON(c)
}

// HashCommit returns the id c would be stored under.
func (s *Store) HashCommit(c *Commit) (dag.ID, error) {
	data, err := EncodeCommit(c)
	if err != nil {
		return dag.Undef, err
	}
	return s.backend.Hash(store.KindCommit, data)
}

// WriteCommit stores c.
func (s *Store) WriteCommit(ctx context.Context, c *Commit) (dag.ID, error) {
	data, err := EncodeCommit(c)
	if err != nil {
		return dag.Undef, err
	}
	return s.backend.Put(ctx, store.KindCommit, data)
}

// ReadCommit loads the commit stored under id.
func (s *Store) ReadCommit(ctx context.Context, id dag.ID) (*Commit, error) {
	data, err := s.backend.Get(ctx, store.KindCommit, id)
	if err != nil {
		return nil, err
	}
	var c Commit
	if err := dag.DecodeJSON(data, &c); err != nil {
		return nil, fmt.Errorf("%w: commit %s: %v", store.ErrCorrupt, id, err)
	}
	return &c, nil
}

// WriteTree stores t.
func (s *Store) WriteTree(ctx context.Context, t *Tree) (dag.ID, error) {
	data, err := EncodeTree(t)
	if err != nil {
		return dag.Undef, err
	}
	return s.backend.Put(ctx, store.KindTree, data)
}

// HashTree returns the id t would be stored under.
func (s *Store) HashTree(t *Tree) (dag.ID, error) {
	data, err := EncodeTree(t)
	if err != nil {
		return dag.Undef, err
	}
	return s.backend.Hash(store.KindTree, data)
}

// EncodeTree returns the canonical bytes of t. Every entry must be a valid
// merge value.
func EncodeTree(t *Tree) ([]byte, error) {
	if t.Entries == nil {
		t = NewTree()
	}
	for name, v := range t.Entries {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("tree entry %q: %w", name, err)
		}
	}
	return dag.CanonicalJSON(t)
}

// ReadTree loads the tree stored under id.
func (s *Store) ReadTree(ctx context.Context, id dag.ID) (*Tree, error) {
	data, err := s.backend.Get(ctx, store.KindTree, id)
	if err != nil {
		return nil, err
	}
	t := NewTree()
	if err := dag.DecodeJSON(data, t); err != nil {
		return nil, fmt.Errorf("%w: tree %s: %v", store.ErrCorrupt, id, err)
	}
	if t.Entries == nil {
		t.Entries = map[string]TreeValue{}
	}
	return t, nil
}

// EmptyTreeID stores the empty tree and returns its id.
func (s *Store) EmptyTreeID(ctx context.Context) (dag.ID, error) {
	return s.WriteTree(ctx, NewTree())
}

// WriteFile stores file contents.
func (s *Store) WriteFile(ctx context.Context, data []byte) (dag.ID, error) {
	return s.backend.Put(ctx, store.KindFile, data)
}

// ReadFile loads file contents.
func (s *Store) ReadFile(ctx context.Context, id dag.ID) ([]byte, error) {
	return s.backend.Get(ctx, store.KindFile, id)
}
