package operation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/systemshift/oplog/internal/dag"
	"github.com/systemshift/oplog/internal/store"
)

// Store is the operation log over a backend. Operations and views are
// content-addressed records; the backend head pointer names the current
// operation heads.
type Store struct {
	backend store.Backend
	ops     *dag.Index
	logger  *slog.Logger
}

// NewStore returns an operation store over b.
func NewStore(b store.Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: b, ops: dag.NewIndex(), logger: logger}
}

// Backend returns the underlying backend.
func (s *Store) Backend() store.Backend { return s.backend }

// Index returns the operation DAG index. It holds whatever IndexOps loaded.
func (s *Store) Index() *dag.Index { return s.ops }

// WriteView stores v (normalized) and returns its id.
func (s *Store) WriteView(ctx context.Context, v *View) (dag.ID, error) {
	v.normalize()
	data, err := dag.CanonicalJSON(v)
	if err != nil {
		return dag.Undef, fmt.Errorf("encode view: %w", err)
	}
	return s.backend.Put(ctx, store.KindView, data)
}

// ReadView loads a view.
func (s *Store) ReadView(ctx context.Context, id dag.ID) (*View, error) {
	data, err := s.backend.Get(ctx, store.KindView, id)
	if err != nil {
		return nil, err
	}
	v := NewView()
	if err := dag.DecodeJSON(data, v); err != nil {
		return nil, fmt.Errorf("%w: view %s: %v", store.ErrCorrupt, id, err)
	}
	v.normalize()
	return v, nil
}

func encodeOperation(op *Operation) ([]byte, error) {
	if !op.View.Defined() {
		return nil, errors.New("operation has no view")
	}
	return dag.CanonicalJSON(op)
}

// HashOperation returns the id op would be stored under.
func (s *Store) HashOperation(op *Operation) (dag.ID, error) {
	data, err := encodeOperation(op)
	if err != nil {
		return dag.Undef, err
	}
	return s.backend.Hash(store.KindOperation, data)
}

// PutOperation stores the operation record and indexes it, without touching
// the heads. Every parent must already be stored.
func (s *Store) PutOperation(ctx context.Context, op *Operation) (dag.ID, error) {
	if _, err := s.IndexOps(ctx, op.Parents); err != nil {
		return dag.Undef, err
	}
	data, err := encodeOperation(op)
	if err != nil {
		return dag.Undef, err
	}
	id, err := s.backend.Put(ctx, store.KindOperation, data)
	if err != nil {
		return dag.Undef, fmt.Errorf("write operation: %w", err)
	}
	if err := s.ops.Add(id, op.Parents); err != nil {
		return dag.Undef, err
	}
	return id, nil
}

// ReadOperation loads an operation record.
func (s *Store) ReadOperation(ctx context.Context, id dag.ID) (*Operation, error) {
	data, err := s.backend.Get(ctx, store.KindOperation, id)
	if err != nil {
		return nil, err
	}
	var op Operation
	if err := dag.DecodeJSON(data, &op); err != nil {
		return nil, fmt.Errorf("%w: operation %s: %v", store.ErrCorrupt, id, err)
	}
	return &op, nil
}

// ViewOf loads the view recorded by operation id.
func (s *Store) ViewOf(ctx context.Context, id dag.ID) (*View, error) {
	op, err := s.ReadOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.ReadView(ctx, op.View)
}

// IndexOps loads ids and their ancestors into the operation index.
func (s *Store) IndexOps(ctx context.Context, ids []dag.ID) (int, error) {
	added, err := dag.Build[*Operation](ctx, s.ops, ids, s.ReadOperation)
	if err != nil {
		return len(added), fmt.Errorf("index operations: %w", err)
	}
	return len(added), nil
}

// Reaches reports whether op is one of heads or an ancestor of one.
func (s *Store) Reaches(ctx context.Context, heads []dag.ID, op dag.ID) (bool, error) {
	if _, err := s.IndexOps(ctx, heads); err != nil {
		return false, err
	}
	if !s.ops.Has(op) {
		return false, nil
	}
	for _, h := range heads {
		ok, err := s.ops.IsAncestor(op, h)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Init writes the root operation, with an empty view, if the log is empty.
// It returns the current heads either way.
func (s *Store) Init(ctx context.Context, meta Metadata) (store.Heads, error) {
	h, err := s.backend.ReadHeads(ctx)
	if err != nil {
		return store.Heads{}, err
	}
	if len(h.IDs) > 0 {
		return h, nil
	}
	viewID, err := s.WriteView(ctx, NewView())
	if err != nil {
		return store.Heads{}, fmt.Errorf("write root view: %w", err)
	}
	root, err := s.PutOperation(ctx, &Operation{View: viewID, Metadata: meta})
	if err != nil {
		return store.Heads{}, fmt.Errorf("write root operation: %w", err)
	}
	nh, err := s.backend.SwapHeads(ctx, h, []dag.ID{root})
	if errors.Is(err, store.ErrConcurrentWrite) {
		// Someone else initialized the log first.
		return s.backend.ReadHeads(ctx)
	}
	if err != nil {
		return store.Heads{}, err
	}
	s.logger.Info("initialized operation log", slog.String("op_id", root.String()))
	return nh, nil
}

// ReadHeads returns the current operation heads.
func (s *Store) ReadHeads(ctx context.Context) (store.Heads, error) {
	h, err := s.backend.ReadHeads(ctx)
	if err != nil {
		return store.Heads{}, err
	}
	if len(h.IDs) == 0 {
		return store.Heads{}, errors.New("operation log is not initialized")
	}
	return h, nil
}

// ReadHead returns the single current head, or a *DivergedError matching
// ErrDivergedHeads when concurrent writers left several.
func (s *Store) ReadHead(ctx context.Context) (dag.ID, store.Heads, error) {
	h, err := s.ReadHeads(ctx)
	if err != nil {
		return dag.Undef, h, err
	}
	if len(h.IDs) > 1 {
		return dag.Undef, h, &DivergedError{Heads: h.IDs}
	}
	return h.IDs[0], h, nil
}

// nextHeads returns the heads after adding op on top of current.
func (s *Store) nextHeads(ctx context.Context, current []dag.ID, op dag.ID) ([]dag.ID, error) {
	all := append(append([]dag.ID(nil), current...), op)
	if _, err := s.IndexOps(ctx, all); err != nil {
		return nil, err
	}
	return s.ops.Heads(all)
}

// WriteOperation stores op and makes it a head, provided the heads still
// equal expected. Heads that op descends from stop being heads. If another
// writer moved the heads first it returns store.ErrConcurrentWrite and the
// caller must merge and retry.
func (s *Store) WriteOperation(ctx context.Context, expected store.Heads, op *Operation) (dag.ID, store.Heads, error) {
	id, err := s.PutOperation(ctx, op)
	if err != nil {
		return dag.Undef, store.Heads{}, err
	}
	next, err := s.nextHeads(ctx, expected.IDs, id)
	if err != nil {
		return dag.Undef, store.Heads{}, err
	}
	h, err := s.backend.SwapHeads(ctx, expected, next)
	if err != nil {
		return id, store.Heads{}, err
	}
	s.logger.Debug("wrote operation", slog.String("op_id", id.String()), slog.Int("heads", len(h.IDs)))
	return id, h, nil
}

// Publish stores op and adds it to whatever the heads are, retrying until
// the swap lands. Unlike WriteOperation it never fails on a race, so
// concurrent publishers leave divergent heads for a later merge.
func (s *Store) Publish(ctx context.Context, op *Operation) (dag.ID, store.Heads, error) {
	id, err := s.PutOperation(ctx, op)
	if err != nil {
		return dag.Undef, store.Heads{}, err
	}
	var h store.Heads
	attempt := 0
	publish := func() error {
		attempt++
		cur, err := s.ReadHeads(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		next, err := s.nextHeads(ctx, cur.IDs, id)
		if err != nil {
			return backoff.Permanent(err)
		}
		h, err = s.backend.SwapHeads(ctx, cur, next)
		if errors.Is(err, store.ErrConcurrentWrite) {
			s.logger.Debug("publish raced, retrying", slog.String("op_id", id.String()), slog.Int("attempt", attempt))
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 0
	if err := backoff.Retry(publish, backoff.WithContext(b, ctx)); err != nil {
		return id, store.Heads{}, fmt.Errorf("publish operation %s: %w", id, err)
	}
	return id, h, nil
}

// Entry is one operation in the log.
type Entry struct {
	ID        dag.ID
	Operation *Operation
}

// Log returns up to limit operations reachable from the current heads,
// newest first (reverse topological order). limit <= 0 means all.
func (s *Store) Log(ctx context.Context, limit int) ([]Entry, error) {
	h, err := s.ReadHeads(ctx)
	if err != nil {
		return nil, err
	}
	return s.LogFrom(ctx, h.IDs, limit)
}

// LogFrom is Log starting at the given operations.
func (s *Store) LogFrom(ctx context.Context, heads []dag.ID, limit int) ([]Entry, error) {
	if _, err := s.IndexOps(ctx, heads); err != nil {
		return nil, err
	}
	var q dag.PosQueue
	for _, id := range heads {
		p, ok := s.ops.PosOf(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", dag.ErrUnknownID, id)
		}
		q.Push(p)
	}
	var out []Entry
	for q.Len() > 0 && (limit <= 0 || len(out) < limit) {
		p := q.PopAll()
		id := s.ops.IDAt(p)
		op, err := s.ReadOperation(ctx, id)
		if err != nil {
			return out, err
		}
		out = append(out, Entry{ID: id, Operation: op})
		for _, pp := range s.ops.ParentsAt(p) {
			q.Push(pp)
		}
	}
	return out, nil
}

// Resolve turns a user-supplied operation reference into an id: "@" is the
// single current head, "@-" its first parent, otherwise a full id or a
// unique suffix of one reachable from the heads.
func (s *Store) Resolve(ctx context.Context, ref string) (dag.ID, error) {
	switch ref {
	case "@", "":
		id, _, err := s.ReadHead(ctx)
		return id, err
	case "@-":
		id, _, err := s.ReadHead(ctx)
		if err != nil {
			return dag.Undef, err
		}
		op, err := s.ReadOperation(ctx, id)
		if err != nil {
			return dag.Undef, err
		}
		if len(op.Parents) == 0 {
			return dag.Undef, fmt.Errorf("operation %s has no parent", id)
		}
		return op.Parents[0], nil
	}
	if id, err := dag.Parse(ref); err == nil {
		return id, nil
	}
	entries, err := s.Log(ctx, 0)
	if err != nil {
		return dag.Undef, err
	}
	var match []dag.ID
	for _, e := range entries {
		if strings.HasSuffix(e.ID.String(), ref) {
			match = append(match, e.ID)
		}
	}
	switch len(match) {
	case 0:
		return dag.Undef, fmt.Errorf("%w: no operation matches %q", store.ErrNotFound, ref)
	case 1:
		return match[0], nil
	}
	return dag.Undef, fmt.Errorf("operation reference %q is ambiguous (%d matches)", ref, len(match))
}
