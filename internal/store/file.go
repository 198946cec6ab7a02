package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/systemshift/oplog/internal/dag"
)

// keepHeadVersions is how many head pointer versions survive pruning.
const keepHeadVersions = 16

// FileBackend stores records as files named by their id, one directory per
// kind, and the head pointer as a sequence of immutable version files:
//
//	<root>/objects/<kind>/<base32 id>
//	<root>/heads/<version>
//
// A new head version is published with SafeCreate, so of two processes
// racing to publish the same version exactly one wins. No locks are taken.
type FileBackend struct {
	root   string
	logger *slog.Logger

	// beforePublish runs between the stale check and the link; tests only.
	beforePublish func()
}

// OpenFile opens (creating if needed) a file backend rooted at dir.
func OpenFile(dir string, logger *slog.Logger) (*FileBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, k := range Kinds {
		if err := os.MkdirAll(filepath.Join(dir, "objects", string(k)), 0755); err != nil {
			return nil, fmt.Errorf("create objects dir: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "heads"), 0755); err != nil {
		return nil, fmt.Errorf("create heads dir: %w", err)
	}
	return &FileBackend{root: dir, logger: logger}, nil
}

// Name implements Backend.
func (b *FileBackend) Name() string { return "file" }

// Root returns the backend directory.
func (b *FileBackend) Root() string { return b.root }

// Hash implements Backend.
func (b *FileBackend) Hash(kind Kind, data []byte) (dag.ID, error) {
	return ComputeID(kind, data)
}

func (b *FileBackend) objectPath(kind Kind, id dag.ID) string {
	return filepath.Join(b.root, "objects", string(kind), dag.Filename(id))
}

// Put writes data to the object store, returning its id.
// If the object already exists, this is a no-op.
func (b *FileBackend) Put(ctx context.Context, kind Kind, data []byte) (dag.ID, error) {
	if err := ctx.Err(); err != nil {
		return dag.Undef, err
	}
	id, err := ComputeID(kind, data)
	if err != nil {
		return dag.Undef, err
	}
	path := b.objectPath(kind, id)
	if _, err := os.Stat(path); err == nil {
		return id, nil // already exists
	}
	if err := SafeWrite(path, data, 0644); err != nil {
		return dag.Undef, fmt.Errorf("write %s %s: %w", kind, id, err)
	}
	ObserveWrite(b.Name(), kind, len(data))
	return id, nil
}

// Get reads a record by id and verifies it.
func (b *FileBackend) Get(ctx context.Context, kind Kind, id dag.ID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.objectPath(kind, id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", kind, id, err)
	}
	if err := Verify(id, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Has checks if a record exists.
func (b *FileBackend) Has(ctx context.Context, kind Kind, id dag.ID) (bool, error) {
	_, err := os.Stat(b.objectPath(kind, id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s %s: %w", kind, id, err)
}

func (b *FileBackend) headPath(version uint64) string {
	return filepath.Join(b.root, "heads", fmt.Sprintf("%020d", version))
}

// headVersions lists published versions in ascending order.
func (b *FileBackend) headVersions() ([]uint64, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, "heads"))
	if err != nil {
		return nil, fmt.Errorf("list head versions: %w", err)
	}
	var out []uint64
	for _, e := range entries {
		v, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue // temp files
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ReadHeads returns the newest published head version.
func (b *FileBackend) ReadHeads(ctx context.Context) (Heads, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Heads{}, err
		}
		versions, err := b.headVersions()
		if err != nil {
			return Heads{}, err
		}
		if len(versions) == 0 {
			return Heads{}, nil
		}
		v := versions[len(versions)-1]
		data, err := os.ReadFile(b.headPath(v))
		if errors.Is(err, os.ErrNotExist) {
			continue // pruned between listing and reading; list again
		}
		if err != nil {
			return Heads{}, fmt.Errorf("read head version %d: %w", v, err)
		}
		ids, err := DecodeHeads(data)
		if err != nil {
			return Heads{}, fmt.Errorf("head version %d: %w", v, err)
		}
		return Heads{Version: v, IDs: ids}, nil
	}
}

// SwapHeads publishes version expected.Version+1.
func (b *FileBackend) SwapHeads(ctx context.Context, expected Heads, ids []dag.ID) (Heads, error) {
	h, err := b.swapHeads(ctx, expected, ids)
	ObserveSwap(b.Name(), err)
	return h, err
}

func (b *FileBackend) swapHeads(ctx context.Context, expected Heads, ids []dag.ID) (Heads, error) {
	if err := ctx.Err(); err != nil {
		return Heads{}, err
	}
	// A pruned successor would let a stale writer recreate it, so reject
	// stale expectations before racing for the slot.
	versions, err := b.headVersions()
	if err != nil {
		return Heads{}, err
	}
	if n := len(versions); n > 0 && versions[n-1] > expected.Version {
		return Heads{}, fmt.Errorf("%w: head moved to version %d", ErrConcurrentWrite, versions[n-1])
	}

	if b.beforePublish != nil {
		b.beforePublish()
	}
	next := expected.Version + 1
	err = SafeCreate(b.headPath(next), EncodeHeads(ids), 0644)
	if errors.Is(err, os.ErrExist) {
		return Heads{}, fmt.Errorf("%w: head version %d already published", ErrConcurrentWrite, next)
	}
	if err != nil {
		return Heads{}, fmt.Errorf("publish head version %d: %w", next, err)
	}

	// A slot is only pruned once keepHeadVersions newer versions exist, so
	// finding that many above next means next was a pruned slot recreated by
	// a writer that went stale between the check above and the link.
	after, err := b.headVersions()
	if err != nil {
		return Heads{}, err
	}
	if n := len(after); n > 0 && after[n-1] >= next+keepHeadVersions {
		if err := os.Remove(b.headPath(next)); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.logger.Warn("remove stale head version", slog.Uint64("version", next), slog.String("error", err.Error()))
		}
		return Heads{}, fmt.Errorf("%w: head moved to version %d", ErrConcurrentWrite, after[n-1])
	}

	b.prune(append(versions, next))
	return Heads{Version: next, IDs: dag.Dedup(ids)}, nil
}

func (b *FileBackend) prune(versions []uint64) {
	if len(versions) <= keepHeadVersions {
		return
	}
	for _, v := range versions[:len(versions)-keepHeadVersions] {
		if err := os.Remove(b.headPath(v)); err != nil && !errors.Is(err, os.ErrNotExist) {
			b.logger.Warn("prune head version", slog.Uint64("version", v), slog.String("error", err.Error()))
		}
	}
}

// Close implements Backend.
func (b *FileBackend) Close() error { return nil }
