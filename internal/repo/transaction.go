package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/systemshift/oplog/internal/dag"
	"github.com/systemshift/oplog/internal/object"
	"github.com/systemshift/oplog/internal/operation"
	"github.com/systemshift/oplog/internal/store"
)

// writeConcurrency bounds parallel object writes during a commit.
const writeConcurrency = 8

type stagedKey struct {
	kind store.Kind
	id   dag.ID
}

// Transaction stages new objects and view changes on top of a base
// operation. Nothing reaches the backend until Commit.
type Transaction struct {
	repo  *Repo
	id    string
	base  dag.ID
	start time.Time

	mu      sync.Mutex
	view    *operation.View
	objects map[stagedKey][]byte
	commits map[dag.ID]*object.Commit
	order   []dag.ID
	tags    map[string]string
	noMerge bool
	closed  bool
}

// Begin starts a transaction on the current head operation, merging
// divergent heads first.
func (r *Repo) Begin(ctx context.Context) (*Transaction, error) {
	op, v, err := r.CurrentView(ctx)
	if err != nil {
		return nil, err
	}
	return r.newTransaction(op, v), nil
}

// BeginAt starts a transaction on any operation. If op is no longer the
// head when the transaction commits, its changes are merged in.
func (r *Repo) BeginAt(ctx context.Context, op dag.ID) (*Transaction, error) {
	v, err := r.ViewAt(ctx, op)
	if err != nil {
		return nil, err
	}
	return r.newTransaction(op, v), nil
}

func (r *Repo) newTransaction(base dag.ID, v *operation.View) *Transaction {
	return &Transaction{
		repo:    r,
		id:      uuid.NewString(),
		base:    base,
		start:   time.Now().UTC(),
		view:    v.Clone(),
		objects: map[stagedKey][]byte{},
		commits: map[dag.ID]*object.Commit{},
		tags:    map[string]string{},
	}
}

// ID returns the transaction id recorded in the operation metadata.
func (tx *Transaction) ID() string { return tx.id }

// Base returns the operation the transaction started from.
func (tx *Transaction) Base() dag.ID { return tx.base }

// View returns a copy of the staged view.
func (tx *Transaction) View() *operation.View {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.view.Clone()
}

// WithoutMerge makes Commit publish next to whatever heads exist instead of
// merging, leaving divergent heads for a later MergeHeads.
func (tx *Transaction) WithoutMerge() *Transaction {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.noMerge = true
	return tx
}

// Annotate adds a tag to the operation metadata. Tags of a transaction
// that lands through a merge stay on its own operation, the merge's parent.
func (tx *Transaction) Annotate(key, value string) error {
	if key == "" {
		return errors.New("empty operation tag key")
	}
	return tx.do(func() error {
		tx.tags[key] = value
		return nil
	})
}

// do runs fn under the lock unless the transaction is closed.
func (tx *Transaction) do(fn func() error) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return ErrTransactionClosed
	}
	return fn()
}

func (tx *Transaction) stage(kind store.Kind, data []byte) (dag.ID, error) {
	id, err := tx.repo.backend.Hash(kind, data)
	if err != nil {
		return dag.Undef, err
	}
	tx.objects[stagedKey{kind, id}] = data
	return id, nil
}

// WriteFile stages file contents.
func (tx *Transaction) WriteFile(data []byte) (dag.ID, error) {
	var id dag.ID
	err := tx.do(func() (err error) {
		id, err = tx.stage(store.KindFile, append([]byte(nil), data...))
		return err
	})
	return id, err
}

// WriteTree stages a tree.
func (tx *Transaction) WriteTree(t *object.Tree) (dag.ID, error) {
	var id dag.ID
	err := tx.do(func() error {
		data, err := object.EncodeTree(t)
		if err != nil {
			return err
		}
		id, err = tx.stage(store.KindTree, data)
		return err
	})
	return id, err
}

// AddCommit stages c and makes it a head of the staged view.
func (tx *Transaction) AddCommit(c *object.Commit) (dag.ID, error) {
	var id dag.ID
	err := tx.do(func() (err error) {
		id, err = tx.addCommit(c)
		return err
	})
	return id, err
}

func (tx *Transaction) addCommit(c *object.Commit) (dag.ID, error) {
	cc := *c
	cc.Parents = append([]dag.ID(nil), c.Parents...)
	data, err := object.EncodeCommit(&cc)
	if err != nil {
		return dag.Undef, err
	}
	id, err := tx.stage(store.KindCommit, data)
	if err != nil {
		return dag.Undef, err
	}
	if _, ok := tx.commits[id]; !ok {
		tx.commits[id] = &cc
		tx.order = append(tx.order, id)
	}
	tx.view.Heads = append(tx.view.Heads, id)
	return id, nil
}

// NewCommit stages a commit authored by the configured user now.
func (tx *Transaction) NewCommit(parents []dag.ID, tree dag.ID, description string) (dag.ID, error) {
	u := tx.repo.cfg.User
	sig := object.Signature{Name: u.Name, Email: u.Email, When: time.Now().UTC()}
	return tx.AddCommit(&object.Commit{
		Parents:     parents,
		Tree:        tree,
		ChangeID:    object.NewChangeID(),
		Author:      sig,
		Committer:   sig,
		Description: description,
	})
}

func checkName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("empty %s name", kind)
	}
	return nil
}

// SetBranch points branch name at id.
func (tx *Transaction) SetBranch(name string, id dag.ID) error {
	return tx.do(func() error {
		if err := checkName("branch", name); err != nil {
			return err
		}
		tx.view.Branches[name] = operation.Target(id)
		return nil
	})
}

// DeleteBranch removes a branch.
func (tx *Transaction) DeleteBranch(name string) error {
	return tx.do(func() error {
		delete(tx.view.Branches, name)
		return nil
	})
}

// SetTag points tag name at id.
func (tx *Transaction) SetTag(name string, id dag.ID) error {
	return tx.do(func() error {
		if err := checkName("tag", name); err != nil {
			return err
		}
		tx.view.Tags[name] = operation.Target(id)
		return nil
	})
}

// DeleteTag removes a tag.
func (tx *Transaction) DeleteTag(name string) error {
	return tx.do(func() error {
		delete(tx.view.Tags, name)
		return nil
	})
}

// SetWorkingCopy checks out id in working copy name.
func (tx *Transaction) SetWorkingCopy(name string, id dag.ID) error {
	return tx.do(func() error {
		return tx.setWorkingCopy(name, id)
	})
}

func (tx *Transaction) setWorkingCopy(name string, id dag.ID) error {
	if err := checkName("working copy", name); err != nil {
		return err
	}
	tx.view.WorkingCopies[name] = operation.WorkingCopy{
		Commit: id,
		Stamp:  operation.Stamp{Time: time.Now().UTC(), Tx: tx.id},
	}
	return nil
}

// RemoveWorkingCopy forgets working copy name.
func (tx *Transaction) RemoveWorkingCopy(name string) error {
	return tx.do(func() error {
		delete(tx.view.WorkingCopies, name)
		return nil
	})
}

// RecordWorkingCopyCommit is how a working-copy manager reports a new
// snapshot: id must be staged in this transaction or already stored, and
// becomes the commit working copy name has checked out.
func (tx *Transaction) RecordWorkingCopyCommit(ctx context.Context, name string, id dag.ID) error {
	return tx.do(func() error {
		if _, ok := tx.commits[id]; !ok {
			ok, err := tx.repo.backend.Has(ctx, store.KindCommit, id)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("working copy %q: %w: commit %s", name, store.ErrNotFound, id)
			}
		}
		return tx.setWorkingCopy(name, id)
	})
}

// Abandon hides id. Its parents become heads in its place unless something
// still points at it.
func (tx *Transaction) Abandon(id dag.ID) error {
	return tx.do(func() error {
		tx.view.Hidden = append(tx.view.Hidden, id)
		return nil
	})
}

// Discard closes the transaction without writing anything.
func (tx *Transaction) Discard() {
	tx.mu.Lock()
	tx.closed = true
	tx.mu.Unlock()
}

// Commit writes the staged objects and records the staged view as a new
// operation. If another writer moved the heads since the transaction began,
// the staged view is merged with theirs; the race is retried up to the
// configured number of attempts before ErrTransactionConflict. A commit
// consumes the transaction whether or not it succeeds.
func (tx *Transaction) Commit(ctx context.Context, description string) (op dag.ID, err error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return dag.Undef, ErrTransactionClosed
	}
	tx.closed = true
	r := tx.repo

	start := time.Now()
	ctx, span := tracer.Start(ctx, "transaction.commit", trace.WithAttributes(
		attribute.String("tx_id", tx.id),
		attribute.String("base_op", tx.base.String()),
		attribute.Int("commits", len(tx.commits)),
	))
	merged := false
	defer func() {
		outcome := "ok"
		switch {
		case errors.Is(err, ErrTransactionConflict):
			outcome = "conflict"
		case err != nil:
			outcome = "error"
		}
		recordCommit(ctx, outcome, merged, start)
		endSpan(span, err)
	}()

	order, err := tx.checkCommits(ctx)
	if err != nil {
		return dag.Undef, err
	}
	if err := tx.writeObjects(ctx); err != nil {
		return dag.Undef, err
	}
	for _, id := range order {
		if err := r.commits.AddCommit(id, tx.commits[id]); err != nil {
			return dag.Undef, err
		}
	}
	if _, err := r.commits.Index(ctx, tx.view.ReferencedCommits()); err != nil {
		return dag.Undef, missingParent(err)
	}
	if err := tx.view.Enforce(r.commits); err != nil {
		return dag.Undef, err
	}
	viewID, err := r.ops.WriteView(ctx, tx.view)
	if err != nil {
		return dag.Undef, err
	}
	meta := r.metadata(description, tx.start, time.Now().UTC())
	meta.TransactionID = tx.id
	if len(tx.tags) > 0 {
		meta.Tags = tx.tags
	}
	txOp := &operation.Operation{View: viewID, Parents: []dag.ID{tx.base}, Metadata: meta}

	if tx.noMerge {
		op, _, err = r.ops.Publish(ctx, txOp)
		if err != nil {
			return dag.Undef, err
		}
	} else {
		op, merged, err = r.land(ctx, tx.base, txOp)
		if err != nil {
			return dag.Undef, err
		}
	}
	r.saveIndex(op)
	r.logger.Info("committed transaction",
		slog.String("tx_id", tx.id),
		slog.String("op_id", op.String()),
		slog.Bool("merged", merged),
		slog.Int("commits", len(order)))
	return op, nil
}

// checkCommits orders the staged commits parents first and makes sure every
// parent outside the transaction is stored.
func (tx *Transaction) checkCommits(ctx context.Context) ([]dag.ID, error) {
	var order, external []dag.ID
	done := map[dag.ID]bool{}
	var visit func(id dag.ID)
	visit = func(id dag.ID) {
		if done[id] {
			return
		}
		done[id] = true
		for _, p := range tx.commits[id].Parents {
			if _, ok := tx.commits[p]; ok {
				visit(p)
			} else {
				external = append(external, p)
			}
		}
		order = append(order, id)
	}
	for _, id := range tx.order {
		visit(id)
	}
	if _, err := tx.repo.commits.Index(ctx, dag.Dedup(external)); err != nil {
		return nil, missingParent(err)
	}
	return order, nil
}

// missingParent reports an id the backend does not have as a missing
// parent; other errors pass through.
func missingParent(err error) error {
	if errors.Is(err, store.ErrNotFound) && !errors.Is(err, dag.ErrMissingParent) {
		return fmt.Errorf("%w: %w", dag.ErrMissingParent, err)
	}
	return err
}

func (tx *Transaction) writeObjects(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(writeConcurrency)
	for key, data := range tx.objects {
		g.Go(func() error {
			id, err := tx.repo.backend.Put(gctx, key.kind, data)
			if err != nil {
				return fmt.Errorf("write %s %s: %w", key.kind, key.id, err)
			}
			if !id.Equals(key.id) {
				return fmt.Errorf("%w: %s %s stored as %s", store.ErrCorrupt, key.kind, key.id, id)
			}
			return nil
		})
	}
	return g.Wait()
}

// retryPolicy allows MaxAttempts tries with no delay between them: a lost
// race means someone else made progress, so retrying at once is fine.
func (r *Repo) retryPolicy(ctx context.Context) backoff.BackOff {
	n := r.cfg.Transaction.MaxAttempts
	if n < 1 {
		n = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(n-1)), ctx)
}

// lostWrite is an operation whose head swap reported a race.
type lostWrite struct {
	id     dag.ID
	merged bool
}

// land makes txOp (whose only parent is base) the new head. If the heads are
// still {base} it is written directly; otherwise txOp is stored as a sibling
// of the new heads and a merge operation over all of them is written.
func (r *Repo) land(ctx context.Context, base dag.ID, txOp *operation.Operation) (dag.ID, bool, error) {
	var (
		result  dag.ID
		merged  bool
		stored  dag.ID
		written []lostWrite
		attempt int
	)
	try := func() error {
		attempt++
		h, err := r.ops.ReadHeads(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		// A swap reported as lost may still have been built upon by the
		// winner; then the operation is already in the log.
		for _, w := range written {
			ok, err := r.ops.Reaches(ctx, h.IDs, w.id)
			if err != nil {
				return backoff.Permanent(err)
			}
			if ok {
				result, merged = w.id, w.merged
				return nil
			}
		}
		var next *operation.Operation
		if len(h.IDs) == 1 && h.IDs[0].Equals(base) {
			next, merged = txOp, false
		} else {
			if !stored.Defined() {
				if stored, err = r.ops.PutOperation(ctx, txOp); err != nil {
					return backoff.Permanent(err)
				}
			}
			heads := append(append([]dag.ID(nil), h.IDs...), stored)
			if next, err = r.mergeOperation(ctx, heads, "merge concurrent operations"); err != nil {
				return backoff.Permanent(err)
			}
			merged = true
		}
		id, _, err := r.ops.WriteOperation(ctx, h, next)
		if errors.Is(err, store.ErrConcurrentWrite) {
			written = append(written, lostWrite{id, merged})
			recordRetry(ctx)
			r.logger.Debug("lost head race", slog.Int("attempt", attempt), slog.String("base_op", base.String()))
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		result = id
		return nil
	}
	if err := backoff.Retry(try, r.retryPolicy(ctx)); err != nil {
		if errors.Is(err, store.ErrConcurrentWrite) {
			return dag.Undef, false, fmt.Errorf("%w: gave up after %d attempts: %v", ErrTransactionConflict, attempt, err)
		}
		return dag.Undef, false, err
	}
	if merged {
		r.logger.Info("merged concurrent operations", slog.String("op_id", result.String()), slog.Int("attempts", attempt))
	}
	return result, merged, nil
}
