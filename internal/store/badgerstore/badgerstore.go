// Package badgerstore implements store.Backend on BadgerDB.
//
// Badger holds an exclusive directory lock, so this backend suits a single
// long-lived process (a server, or tests in memory). Concurrent writers
// inside that process still race through optimistic transactions exactly
// like separate processes race on the file backend.
package badgerstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"

	"github.com/systemshift/oplog/internal/dag"
	"github.com/systemshift/oplog/internal/store"
)

var headsKey = []byte("heads")

// Config holds configuration for a badger backend.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives badger's internal logging. If nil it is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns durable settings for a repository at path.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns settings for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Backend stores records under "obj/<kind>/<id bytes>" and the head pointer
// under "heads" as an 8-byte version followed by the encoded head set.
type Backend struct {
	db *badger.DB
}

var _ store.Backend = (*Backend)(nil)

// Open opens a badger backend.
func Open(cfg Config) (*Backend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return &Backend{db: db}, nil
}

func objectKey(kind store.Kind, id dag.ID) []byte {
	k := make([]byte, 0, 5+len(kind)+id.ByteLen())
	k = append(k, "obj/"...)
	k = append(k, kind...)
	k = append(k, '/')
	return append(k, id.Bytes()...)
}

// Name implements store.Backend.
func (b *Backend) Name() string { return "badger" }

// Hash implements store.Backend.
func (b *Backend) Hash(kind store.Kind, data []byte) (dag.ID, error) {
	return store.ComputeID(kind, data)
}

// Put implements store.Backend.
func (b *Backend) Put(ctx context.Context, kind store.Kind, data []byte) (dag.ID, error) {
	if err := ctx.Err(); err != nil {
		return dag.Undef, err
	}
	id, err := store.ComputeID(kind, data)
	if err != nil {
		return dag.Undef, err
	}
	key := objectKey(kind, id)
	written := false
	err = b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		written = true
		return txn.Set(key, data)
	})
	if errors.Is(err, badger.ErrConflict) {
		// Someone stored the same content concurrently.
		return id, nil
	}
	if err != nil {
		return dag.Undef, fmt.Errorf("write %s %s: %w", kind, id, err)
	}
	if written {
		store.ObserveWrite(b.Name(), kind, len(data))
	}
	return id, nil
}

// Get implements store.Backend.
func (b *Backend) Get(ctx context.Context, kind store.Kind, id dag.ID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(kind, id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s %s", store.ErrNotFound, kind, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", kind, id, err)
	}
	if err := store.Verify(id, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Has implements store.Backend.
func (b *Backend) Has(ctx context.Context, kind store.Kind, id dag.ID) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(objectKey(kind, id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat %s %s: %w", kind, id, err)
	}
	return true, nil
}

func readHeads(txn *badger.Txn) (store.Heads, error) {
	item, err := txn.Get(headsKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.Heads{}, nil
	}
	if err != nil {
		return store.Heads{}, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return store.Heads{}, err
	}
	if len(raw) < 8 {
		return store.Heads{}, fmt.Errorf("%w: head pointer too short", store.ErrCorrupt)
	}
	ids, err := store.DecodeHeads(raw[8:])
	if err != nil {
		return store.Heads{}, err
	}
	return store.Heads{Version: binary.BigEndian.Uint64(raw[:8]), IDs: ids}, nil
}

// ReadHeads implements store.Backend.
func (b *Backend) ReadHeads(ctx context.Context) (store.Heads, error) {
	if err := ctx.Err(); err != nil {
		return store.Heads{}, err
	}
	var h store.Heads
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		h, err = readHeads(txn)
		return err
	})
	if err != nil {
		return store.Heads{}, fmt.Errorf("read heads: %w", err)
	}
	return h, nil
}

// SwapHeads implements store.Backend. Badger's conflict detection rejects
// the commit if another transaction wrote the key after we read it.
func (b *Backend) SwapHeads(ctx context.Context, expected store.Heads, ids []dag.ID) (store.Heads, error) {
	h, err := b.swapHeads(ctx, expected, ids)
	store.ObserveSwap(b.Name(), err)
	return h, err
}

func (b *Backend) swapHeads(ctx context.Context, expected store.Heads, ids []dag.ID) (store.Heads, error) {
	if err := ctx.Err(); err != nil {
		return store.Heads{}, err
	}
	next := store.Heads{Version: expected.Version + 1, IDs: dag.Dedup(ids)}
	err := b.db.Update(func(txn *badger.Txn) error {
		cur, err := readHeads(txn)
		if err != nil {
			return err
		}
		if cur.Version != expected.Version {
			return fmt.Errorf("%w: head moved to version %d", store.ErrConcurrentWrite, cur.Version)
		}
		val := binary.BigEndian.AppendUint64(nil, next.Version)
		val = append(val, store.EncodeHeads(next.IDs)...)
		return txn.Set(headsKey, val)
	})
	if errors.Is(err, badger.ErrConflict) {
		return store.Heads{}, fmt.Errorf("%w: head version %d already published", store.ErrConcurrentWrite, next.Version)
	}
	if err != nil {
		return store.Heads{}, err
	}
	return next, nil
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}
