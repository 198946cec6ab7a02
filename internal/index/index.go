// Package index maintains the commit index: generation numbers and parent
// edges for every known commit, answering ancestry questions without
// reading commits from the backend. The index is a cache. It can always be
// rebuilt from the backend, and on disk it is kept as immutable segments
// linked from the operations they describe.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/systemshift/oplog/internal/dag"
	"github.com/systemshift/oplog/internal/object"
)

// DefaultSquashFactor controls segment squashing when Options leaves it 0.
const DefaultSquashFactor = 2

// Options configures a CommitIndex.
type Options struct {
	// Dir holds segments and operation links. Empty disables persistence.
	Dir string

	// SquashFactor: a new segment is folded into its parent while
	// len(new)*SquashFactor > len(parent).
	SquashFactor int

	Logger *slog.Logger
}

// chainLink is one persisted segment covering positions [start, end).
type chainLink struct {
	name       string
	start, end uint64
}

// CommitIndex indexes the commit DAG.
type CommitIndex struct {
	dag     *dag.Index
	objects *object.Store
	logger  *slog.Logger

	segments *segmentFiles
	links    *links
	squash   int

	mu sync.Mutex
	// chain is the persisted segment stack; it always describes a prefix of
	// the positions in dag.
	chain []chainLink
}

// New returns an empty commit index that loads commits from objects.
func New(objects *object.Store, opts Options) (*CommitIndex, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SquashFactor <= 0 {
		opts.SquashFactor = DefaultSquashFactor
	}
	ci := &CommitIndex{
		dag:     dag.NewIndex(),
		objects: objects,
		logger:  opts.Logger,
		squash:  opts.SquashFactor,
	}
	if opts.Dir != "" {
		var err error
		if ci.segments, err = newSegmentFiles(filepath.Join(opts.Dir, "segments")); err != nil {
			return nil, err
		}
		if ci.links, err = newLinks(filepath.Join(opts.Dir, "operations")); err != nil {
			return nil, err
		}
	}
	return ci, nil
}

// DAG exposes the underlying position index for query evaluation.
func (ci *CommitIndex) DAG() *dag.Index { return ci.dag }

// Len returns the number of indexed commits.
func (ci *CommitIndex) Len() int { return ci.dag.Len() }

// Has reports whether id is indexed.
func (ci *CommitIndex) Has(id dag.ID) bool { return ci.dag.Has(id) }

// AddCommit indexes a commit whose parents are already indexed. It returns
// dag.ErrMissingParent otherwise.
func (ci *CommitIndex) AddCommit(id dag.ID, c *object.Commit) error {
	return ci.dag.Add(id, c.Parents)
}

// Index makes sure ids and all their ancestors are indexed, reading
// unknown commits from the backend. It returns how many were added.
func (ci *CommitIndex) Index(ctx context.Context, ids []dag.ID) (int, error) {
	added, err := dag.Build[*object.Commit](ctx, ci.dag, ids, ci.objects.ReadCommit)
	if err != nil {
		return len(added), fmt.Errorf("index commits: %w", err)
	}
	if len(added) > 0 {
		ci.logger.Debug("indexed commits", slog.Int("count", len(added)), slog.Int("total", ci.dag.Len()))
	}
	return len(added), nil
}

// IsAncestor reports whether a is reachable from b. Both must be indexed.
func (ci *CommitIndex) IsAncestor(a, b dag.ID) (bool, error) {
	return ci.dag.IsAncestor(a, b)
}

// Heads returns the members of ids with no descendant among ids.
func (ci *CommitIndex) Heads(ids []dag.ID) ([]dag.ID, error) {
	return ci.dag.Heads(ids)
}

// CommonAncestors returns the closest common ancestors of a and b.
func (ci *CommitIndex) CommonAncestors(a, b []dag.ID) ([]dag.ID, error) {
	return ci.dag.CommonAncestors(a, b)
}

// Generation returns the generation number of id.
func (ci *CommitIndex) Generation(id dag.ID) (uint32, error) {
	return ci.dag.Generation(id)
}

// Persistent reports whether segments are saved.
func (ci *CommitIndex) Persistent() bool { return ci.segments != nil }

// LoadOperation loads the segment chain linked to op, if any. It reports
// whether a segment was found. Segments that cannot be read are treated as
// missing so the caller rebuilds from the backend.
func (ci *CommitIndex) LoadOperation(ctx context.Context, op dag.ID) (bool, error) {
	if ci.segments == nil {
		return false, nil
	}
	name, ok, err := ci.links.Get(op)
	if err != nil || !ok {
		return false, err
	}

	var stack []*segment
	var names []string
	for n := name; n != ""; {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		s, err := ci.segments.read(n)
		if err != nil {
			ci.logger.Warn("discarding index segment", slog.String("segment", n), slog.String("op_id", op.String()), slog.String("error", err.Error()))
			return false, nil
		}
		stack = append(stack, s)
		names = append(names, n)
		n = s.parent
	}

	ci.mu.Lock()
	defer ci.mu.Unlock()

	// Build the id table oldest segment first. Index and AddCommit may add
	// commits concurrently, so the loaded entries need not land on the
	// positions the segments recorded.
	var table []dag.ID
	var chain []chainLink
	for i := len(stack) - 1; i >= 0; i-- {
		s := stack[i]
		if s.start != uint64(len(table)) {
			ci.logger.Warn("discarding index segment chain", slog.String("segment", names[i]), slog.String("error", "positions do not line up"))
			return false, nil
		}
		for _, e := range s.entries {
			parents := make([]dag.ID, len(e.parents))
			for j, p := range e.parents {
				if p >= uint64(len(table)) {
					ci.logger.Warn("discarding index segment chain", slog.String("segment", names[i]), slog.String("error", "parent position out of range"))
					return false, nil
				}
				parents[j] = table[p]
			}
			if err := ci.dag.Add(e.id, parents); err != nil {
				return false, fmt.Errorf("load segment %s: %w", names[i], err)
			}
			table = append(table, e.id)
		}
		chain = append(chain, chainLink{name: names[i], start: s.start, end: uint64(len(table))})
	}

	// The chain can only be saved upon if it describes the index prefix
	// exactly.
	adopted := false
	if ci.dag.HasPrefix(table) && uint64(len(table)) > ci.persistedEnd() {
		ci.chain = chain
		adopted = true
	}
	ci.logger.Debug("loaded index segments",
		slog.String("op_id", op.String()),
		slog.Int("segments", len(stack)),
		slog.Int("commits", len(table)),
		slog.Bool("adopted", adopted))
	return true, nil
}

// persistedEnd returns the first position not covered by the chain. ci.mu
// must be held.
func (ci *CommitIndex) persistedEnd() uint64 {
	if n := len(ci.chain); n > 0 {
		return ci.chain[n-1].end
	}
	return 0
}

// SaveOperation persists the commits indexed so far and links them to op.
func (ci *CommitIndex) SaveOperation(op dag.ID) error {
	if ci.segments == nil {
		return nil
	}
	ci.mu.Lock()
	defer ci.mu.Unlock()

	total := uint64(ci.dag.Len())
	chain := ci.chain
	start := ci.persistedEnd()
	if start == total && len(chain) > 0 {
		return ci.links.Set(op, chain[len(chain)-1].name)
	}
	if start > total {
		return errors.New("index shrank below its persisted prefix")
	}

	for len(chain) > 0 {
		top := chain[len(chain)-1]
		if (total-start)*uint64(ci.squash) <= top.end-top.start {
			break
		}
		chain = chain[:len(chain)-1]
		start = top.start
	}

	s := &segment{start: start}
	if len(chain) > 0 {
		s.parent = chain[len(chain)-1].name
	}
	d := ci.dag
	for p := start; p < total; p++ {
		pos := dag.Pos(p)
		parents := d.ParentsAt(pos)
		e := segmentEntry{id: d.IDAt(pos), parents: make([]uint64, len(parents))}
		for i, pp := range parents {
			e.parents[i] = uint64(pp)
		}
		s.entries = append(s.entries, e)
	}
	name, err := ci.segments.write(s)
	if err != nil {
		return err
	}
	ci.chain = append(chain, chainLink{name: name, start: start, end: total})
	ci.logger.Debug("saved index segment", slog.String("op_id", op.String()), slog.String("segment", name), slog.Uint64("start", start), slog.Uint64("end", total))
	return ci.links.Set(op, name)
}

// ChainLen returns the number of persisted segments in the current chain.
func (ci *CommitIndex) ChainLen() int {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return len(ci.chain)
}
