package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/systemshift/oplog/internal/dag"
	"github.com/systemshift/oplog/internal/operation"
	"github.com/systemshift/oplog/internal/store"
)

// mergeOperation builds (but does not publish) an operation joining ops.
// Operations that are ancestors of others are dropped from its parents.
func (r *Repo) mergeOperation(ctx context.Context, ops []dag.ID, description string) (_ *operation.Operation, err error) {
	start := time.Now().UTC()
	ctx, span := tracer.Start(ctx, "operation.merge", trace.WithAttributes(attribute.Int("operations", len(ops))))
	defer func() { endSpan(span, err) }()

	for _, op := range ops {
		if err := r.loadIndex(ctx, op); err != nil {
			return nil, err
		}
	}
	if _, err := r.ops.IndexOps(ctx, ops); err != nil {
		return nil, err
	}
	parents, err := r.ops.Index().Heads(dag.Dedup(ops))
	if err != nil {
		return nil, err
	}
	parents = dag.Dedup(parents)
	v, err := r.merger.MergeOperations(ctx, parents)
	if err != nil {
		return nil, fmt.Errorf("merge operations: %w", err)
	}
	viewID, err := r.ops.WriteView(ctx, v)
	if err != nil {
		return nil, err
	}
	return &operation.Operation{
		View:     viewID,
		Parents:  parents,
		Metadata: r.metadata(description, start, time.Now().UTC()),
	}, nil
}

// MergeHeads joins divergent operation heads into one merge operation and
// returns the single head. With one head already it writes nothing.
func (r *Repo) MergeHeads(ctx context.Context) (dag.ID, error) {
	var result dag.ID
	attempt := 0
	try := func() error {
		attempt++
		h, err := r.ops.ReadHeads(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if len(h.IDs) == 1 {
			result = h.IDs[0]
			return nil
		}
		op, err := r.mergeOperation(ctx, h.IDs, "merge divergent operations")
		if err != nil {
			return backoff.Permanent(err)
		}
		id, _, err := r.ops.WriteOperation(ctx, h, op)
		if errors.Is(err, store.ErrConcurrentWrite) {
			recordRetry(ctx)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		r.logger.Info("merged divergent operations", slog.String("op_id", id.String()), slog.Int("heads", len(h.IDs)))
		r.saveIndex(id)
		result = id
		return nil
	}
	if err := backoff.Retry(try, r.retryPolicy(ctx)); err != nil {
		if errors.Is(err, store.ErrConcurrentWrite) {
			return dag.Undef, fmt.Errorf("%w: merging heads gave up after %d attempts: %v", ErrTransactionConflict, attempt, err)
		}
		return dag.Undef, err
	}
	return result, nil
}

// Undo records a new operation that reverts the changes op made, keeping
// everything done since.
func (r *Repo) Undo(ctx context.Context, op dag.ID) (dag.ID, error) {
	target, err := r.ops.ReadOperation(ctx, op)
	if err != nil {
		return dag.Undef, err
	}
	if len(target.Parents) == 0 {
		return dag.Undef, fmt.Errorf("cannot undo the root operation %s", op)
	}
	tx, err := r.Begin(ctx)
	if err != nil {
		return dag.Undef, err
	}
	undone, err := r.ViewAt(ctx, op)
	if err != nil {
		return dag.Undef, err
	}
	for _, p := range target.Parents {
		if err := r.loadIndex(ctx, p); err != nil {
			return dag.Undef, err
		}
	}
	before, err := r.merger.MergeOperations(ctx, target.Parents)
	if err != nil {
		return dag.Undef, err
	}
	if err := tx.do(func() error {
		v, err := r.merger.Merge3(undone, tx.view, before)
		if err != nil {
			return err
		}
		tx.view = v
		return nil
	}); err != nil {
		return dag.Undef, err
	}
	return tx.Commit(ctx, "undo operation "+dag.Short(op))
}

// Restore records a new operation whose view is the one op recorded.
func (r *Repo) Restore(ctx context.Context, op dag.ID) (dag.ID, error) {
	v, err := r.ViewAt(ctx, op)
	if err != nil {
		return dag.Undef, err
	}
	tx, err := r.Begin(ctx)
	if err != nil {
		return dag.Undef, err
	}
	if err := tx.do(func() error {
		tx.view = v.Clone()
		return nil
	}); err != nil {
		return dag.Undef, err
	}
	return tx.Commit(ctx, "restore to operation "+dag.Short(op))
}
