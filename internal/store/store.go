// Package store is the content-addressed object boundary. A Backend stores
// immutable records under ids derived from their bytes, plus one mutable
// pointer: the set of current operation heads.
package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/systemshift/oplog/internal/dag"
)

var (
	// ErrNotFound is returned when no record exists under an id.
	ErrNotFound = errors.New("object not found")

	// ErrCorrupt is returned when stored bytes do not hash to their id or
	// cannot be decoded.
	ErrCorrupt = errors.New("corrupt object")

	// ErrConcurrentWrite is returned by SwapHeads when another writer
	// published the head pointer first.
	ErrConcurrentWrite = errors.New("concurrent write detected")
)

// Kind distinguishes the record types that share a backend namespace.
type Kind string

const (
	KindCommit    Kind = "commit"
	KindTree      Kind = "tree"
	KindFile      Kind = "file"
	KindView      Kind = "view"
	KindOperation Kind = "operation"
)

// Kinds lists every record kind.
var Kinds = []Kind{KindCommit, KindTree, KindFile, KindView, KindOperation}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCommit, KindTree, KindFile, KindView, KindOperation:
		return true
	}
	return false
}

// Codec returns the CID codec used for ids of this kind: raw for file
// contents, dag-json for structured records.
func (k Kind) Codec() uint64 {
	if k == KindFile {
		return dag.CodecRaw
	}
	return dag.CodecDagJSON
}

// Heads is a snapshot of the head pointer. Version increases by one with
// every successful swap; version 0 means the pointer was never written.
type Heads struct {
	Version uint64
	IDs     []dag.ID
}

// Backend is a content-addressed record store with an atomic head pointer.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Name identifies the implementation ("file", "badger", "git").
	Name() string

	// Hash returns the id data would be stored under, without writing.
	Hash(kind Kind, data []byte) (dag.ID, error)

	// Put stores data and returns its id. Writing identical bytes twice
	// yields the same id and stores them once.
	Put(ctx context.Context, kind Kind, data []byte) (dag.ID, error)

	// Get returns the bytes stored under id, verified against the id.
	Get(ctx context.Context, kind Kind, id dag.ID) ([]byte, error)

	// Has reports whether id is stored.
	Has(ctx context.Context, kind Kind, id dag.ID) (bool, error)

	// ReadHeads returns the current head pointer.
	ReadHeads(ctx context.Context) (Heads, error)

	// SwapHeads replaces the head pointer with ids if it still equals
	// expected, returning the new pointer. It returns ErrConcurrentWrite
	// when another writer got there first.
	SwapHeads(ctx context.Context, expected Heads, ids []dag.ID) (Heads, error)

	Close() error
}

// ComputeID hashes data the way the file and badger backends do.
func ComputeID(kind Kind, data []byte) (dag.ID, error) {
	if !kind.Valid() {
		return dag.Undef, fmt.Errorf("unknown object kind %q", kind)
	}
	return dag.ComputeID(kind.Codec(), data)
}

// Verify checks that data hashes to id using id's own hash function.
func Verify(id dag.ID, data []byte) error {
	got, err := id.Prefix().Sum(data)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	if !got.Equals(id) {
		return fmt.Errorf("%w: %s: content hashes to %s", ErrCorrupt, id, got)
	}
	return nil
}

// EncodeHeads serializes a head set as newline-separated base32 ids, sorted,
// so equal sets encode identically.
func EncodeHeads(ids []dag.ID) []byte {
	var buf bytes.Buffer
	for _, id := range dag.Dedup(ids) {
		buf.WriteString(dag.Filename(id))
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// DecodeHeads is the inverse of EncodeHeads.
func DecodeHeads(data []byte) ([]dag.ID, error) {
	var ids []dag.ID
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		id, err := dag.ParseFilename(string(line))
		if err != nil {
			return nil, fmt.Errorf("%w: head pointer: %v", ErrCorrupt, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
