// Package gitstore implements store.Backend on a git object database.
//
// Every record becomes a git blob, so ids are git-raw CIDs over the blob's
// SHA-1. The head pointer is the ref refs/oplog/heads, pointing at a blob
// that holds the pointer version and the head ids.
package gitstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	gitstorage "github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/memory"
	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/systemshift/oplog/internal/dag"
	"github.com/systemshift/oplog/internal/store"
)

// HeadsRef names the head pointer reference.
const HeadsRef = plumbing.ReferenceName("refs/oplog/heads")

// Backend is a store.Backend over a go-git storer.
type Backend struct {
	repo *git.Repository
	// mu serializes swaps within this process; the ref check covers other
	// processes.
	mu sync.Mutex
}

var _ store.Backend = (*Backend)(nil)

// OpenMemory returns a backend over an in-memory git repository.
func OpenMemory() (*Backend, error) {
	r, err := git.Init(memory.NewStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("init memory repository: %w", err)
	}
	return &Backend{repo: r}, nil
}

// OpenPath opens the bare repository at path, creating it if needed.
func OpenPath(path string) (*Backend, error) {
	r, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		r, err = git.PlainInit(path, true)
	}
	if err != nil {
		return nil, fmt.Errorf("open git repository %s: %w", path, err)
	}
	return &Backend{repo: r}, nil
}

// ToID converts a git object hash to an id.
func ToID(h plumbing.Hash) (dag.ID, error) {
	mh, err := multihash.Encode(h[:], multihash.SHA1)
	if err != nil {
		return dag.Undef, fmt.Errorf("multihash: %w", err)
	}
	return gocid.NewCidV1(gocid.GitRaw, mh), nil
}

// FromID converts an id produced by ToID back to a git hash.
func FromID(id dag.ID) (plumbing.Hash, error) {
	var h plumbing.Hash
	if id.Type() != gocid.GitRaw {
		return h, fmt.Errorf("%w: %s is not a git object id", store.ErrNotFound, id)
	}
	dmh, err := multihash.Decode(id.Hash())
	if err != nil || dmh.Code != multihash.SHA1 || len(dmh.Digest) != len(h) {
		return h, fmt.Errorf("%w: %s is not a git object id", store.ErrNotFound, id)
	}
	copy(h[:], dmh.Digest)
	return h, nil
}

// Name implements store.Backend.
func (b *Backend) Name() string { return "git" }

// Hash implements store.Backend.
func (b *Backend) Hash(kind store.Kind, data []byte) (dag.ID, error) {
	if !kind.Valid() {
		return dag.Undef, fmt.Errorf("unknown object kind %q", kind)
	}
	return ToID(plumbing.ComputeHash(plumbing.BlobObject, data))
}

func (b *Backend) writeBlob(data []byte) (plumbing.Hash, bool, error) {
	s := b.repo.Storer
	h := plumbing.ComputeHash(plumbing.BlobObject, data)
	if s.HasEncodedObject(h) == nil {
		return h, false, nil
	}
	obj := s.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(data)))
	w, err := obj.Writer()
	if err != nil {
		return h, false, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return h, false, err
	}
	if err := w.Close(); err != nil {
		return h, false, err
	}
	got, err := s.SetEncodedObject(obj)
	if err != nil {
		return h, false, err
	}
	if got != h {
		return h, false, fmt.Errorf("%w: stored blob hashed to %s, want %s", store.ErrCorrupt, got, h)
	}
	return h, true, nil
}

func (b *Backend) readBlob(h plumbing.Hash) ([]byte, error) {
	obj, err := b.repo.Storer.EncodedObject(plumbing.BlobObject, h)
	if err != nil {
		return nil, err
	}
	r, err := obj.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Put implements store.Backend.
func (b *Backend) Put(ctx context.Context, kind store.Kind, data []byte) (dag.ID, error) {
	if err := ctx.Err(); err != nil {
		return dag.Undef, err
	}
	if !kind.Valid() {
		return dag.Undef, fmt.Errorf("unknown object kind %q", kind)
	}
	h, written, err := b.writeBlob(data)
	if err != nil {
		return dag.Undef, fmt.Errorf("write %s blob: %w", kind, err)
	}
	if written {
		store.ObserveWrite(b.Name(), kind, len(data))
	}
	return ToID(h)
}

// Get implements store.Backend.
func (b *Backend) Get(ctx context.Context, kind store.Kind, id dag.ID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := FromID(id)
	if err != nil {
		return nil, err
	}
	data, err := b.readBlob(h)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return nil, fmt.Errorf("%w: %s %s", store.ErrNotFound, kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", kind, id, err)
	}
	if got := plumbing.ComputeHash(plumbing.BlobObject, data); got != h {
		return nil, fmt.Errorf("%w: %s: content hashes to %s", store.ErrCorrupt, id, got)
	}
	return data, nil
}

// Has implements store.Backend.
func (b *Backend) Has(ctx context.Context, kind store.Kind, id dag.ID) (bool, error) {
	h, err := FromID(id)
	if err != nil {
		return false, nil
	}
	err = b.repo.Storer.HasEncodedObject(h)
	if errors.Is(err, plumbing.ErrObjectNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s %s: %w", kind, id, err)
	}
	return true, nil
}

func (b *Backend) readHeads() (store.Heads, *plumbing.Reference, error) {
	ref, err := b.repo.Storer.Reference(HeadsRef)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return store.Heads{}, nil, nil
	}
	if err != nil {
		return store.Heads{}, nil, err
	}
	raw, err := b.readBlob(ref.Hash())
	if err != nil {
		return store.Heads{}, nil, fmt.Errorf("%w: head pointer blob %s: %v", store.ErrCorrupt, ref.Hash(), err)
	}
	if len(raw) < 8 {
		return store.Heads{}, nil, fmt.Errorf("%w: head pointer too short", store.ErrCorrupt)
	}
	ids, err := store.DecodeHeads(raw[8:])
	if err != nil {
		return store.Heads{}, nil, err
	}
	return store.Heads{Version: binary.BigEndian.Uint64(raw[:8]), IDs: ids}, ref, nil
}

// ReadHeads implements store.Backend.
func (b *Backend) ReadHeads(ctx context.Context) (store.Heads, error) {
	if err := ctx.Err(); err != nil {
		return store.Heads{}, err
	}
	h, _, err := b.readHeads()
	if err != nil {
		return store.Heads{}, fmt.Errorf("read heads: %w", err)
	}
	return h, nil
}

// SwapHeads implements store.Backend.
func (b *Backend) SwapHeads(ctx context.Context, expected store.Heads, ids []dag.ID) (store.Heads, error) {
	h, err := b.swapHeads(ctx, expected, ids)
	store.ObserveSwap(b.Name(), err)
	return h, err
}

func (b *Backend) swapHeads(ctx context.Context, expected store.Heads, ids []dag.ID) (store.Heads, error) {
	if err := ctx.Err(); err != nil {
		return store.Heads{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, old, err := b.readHeads()
	if err != nil {
		return store.Heads{}, err
	}
	if cur.Version != expected.Version {
		return store.Heads{}, fmt.Errorf("%w: head moved to version %d", store.ErrConcurrentWrite, cur.Version)
	}

	next := store.Heads{Version: expected.Version + 1, IDs: dag.Dedup(ids)}
	val := binary.BigEndian.AppendUint64(nil, next.Version)
	val = append(val, store.EncodeHeads(next.IDs)...)
	blob, _, err := b.writeBlob(val)
	if err != nil {
		return store.Heads{}, fmt.Errorf("write head pointer blob: %w", err)
	}

	err = b.repo.Storer.CheckAndSetReference(plumbing.NewHashReference(HeadsRef, blob), old)
	if errors.Is(err, gitstorage.ErrReferenceHasChanged) {
		return store.Heads{}, fmt.Errorf("%w: head version %d already published", store.ErrConcurrentWrite, next.Version)
	}
	if err != nil {
		return store.Heads{}, fmt.Errorf("set %s: %w", HeadsRef, err)
	}
	return next, nil
}

// Close implements store.Backend.
func (b *Backend) Close() error { return nil }
