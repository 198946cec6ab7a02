// Package repo ties the backend, commit index and operation log together
// into a repository, and runs transactions against it.
package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/systemshift/oplog/internal/config"
	"github.com/systemshift/oplog/internal/dag"
	"github.com/systemshift/oplog/internal/index"
	"github.com/systemshift/oplog/internal/object"
	"github.com/systemshift/oplog/internal/operation"
	"github.com/systemshift/oplog/internal/store"
	"github.com/systemshift/oplog/internal/store/badgerstore"
	"github.com/systemshift/oplog/internal/store/gitstore"
)

// DirName is the repository data directory under the repository root.
const DirName = ".oplog"

var (
	// ErrTransactionConflict is returned when a commit kept losing the head
	// race until its attempt budget ran out.
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrTransactionClosed is returned when a committed or discarded
	// transaction is used again.
	ErrTransactionClosed = errors.New("transaction is closed")

	// ErrNotRepository is returned by Open for a directory without DirName.
	ErrNotRepository = errors.New("not an oplog repository")
)

// Options configures New.
type Options struct {
	Config config.Config

	// IndexDir holds persisted commit index segments. Empty keeps the index
	// in memory only.
	IndexDir string

	Logger *slog.Logger
}

// Repo is an open repository. It is safe for concurrent use; every
// Transaction races on the backend head pointer like a separate process
// would.
type Repo struct {
	root    string
	cfg     config.Config
	backend store.Backend
	objects *object.Store
	commits *index.CommitIndex
	ops     *operation.Store
	merger  *operation.Merger
	logger  *slog.Logger

	mu sync.Mutex
	// loaded records operations whose index segments were already tried.
	loaded  map[dag.ID]bool
	loading singleflight.Group
}

// New opens a repository over b, writing the root operation if the log is
// empty.
func New(ctx context.Context, b store.Backend, opts Options) (*Repo, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if err := initMetrics(); err != nil {
		opts.Logger.Warn("transaction metrics disabled", slog.String("error", err.Error()))
	}
	objects := object.NewStore(b)
	idxDir := ""
	if opts.Config.Index.Persist {
		idxDir = opts.IndexDir
	}
	commits, err := index.New(objects, index.Options{
		Dir:          idxDir,
		SquashFactor: opts.Config.Index.SquashFactor,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open commit index: %w", err)
	}
	ops := operation.NewStore(b, opts.Logger)
	r := &Repo{
		cfg:     opts.Config,
		backend: b,
		objects: objects,
		commits: commits,
		ops:     ops,
		merger:  operation.NewMerger(ops, commits, opts.Logger),
		logger:  opts.Logger,
		loaded:  map[dag.ID]bool{},
	}
	now := time.Now().UTC()
	if _, err := ops.Init(ctx, r.metadata("initialize repository", now, now)); err != nil {
		return nil, fmt.Errorf("initialize operation log: %w", err)
	}
	return r, nil
}

// Init creates a repository under root with cfg and opens it.
func Init(ctx context.Context, root string, cfg config.Config, logger *slog.Logger) (*Repo, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dir := filepath.Join(root, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	if err := cfg.Save(filepath.Join(dir, config.FileName)); err != nil {
		return nil, fmt.Errorf("write config: %w", err)
	}
	return open(ctx, root, cfg, logger)
}

// Open opens the repository under root.
func Open(ctx context.Context, root string, logger *slog.Logger) (*Repo, error) {
	dir := filepath.Join(root, DirName)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, root)
	}
	cfg, err := config.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	return open(ctx, root, cfg, logger)
}

// OpenWithConfig opens the repository under root with a config the caller
// already loaded, so the logger can be built from it first.
func OpenWithConfig(ctx context.Context, root string, cfg config.Config, logger *slog.Logger) (*Repo, error) {
	if _, err := os.Stat(filepath.Join(root, DirName)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRepository, root)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return open(ctx, root, cfg, logger)
}

// Find walks up from dir to the closest repository root.
func Find(dir string) (string, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if fi, err := os.Stat(filepath.Join(dir, DirName)); err == nil && fi.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w (or any parent)", ErrNotRepository)
		}
		dir = parent
	}
}

func open(ctx context.Context, root string, cfg config.Config, logger *slog.Logger) (*Repo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(root, DirName)
	b, err := OpenBackend(dir, cfg, logger)
	if err != nil {
		return nil, err
	}
	r, err := New(ctx, b, Options{Config: cfg, IndexDir: filepath.Join(dir, "index"), Logger: logger})
	if err != nil {
		b.Close()
		return nil, err
	}
	r.root = root
	return r, nil
}

// OpenBackend opens the backend cfg names inside a repository data
// directory, wrapped in a read cache unless the cache is disabled.
func OpenBackend(dir string, cfg config.Config, logger *slog.Logger) (store.Backend, error) {
	var b store.Backend
	var err error
	switch cfg.Backend {
	case config.BackendFile:
		b, err = store.OpenFile(filepath.Join(dir, "store"), logger)
	case config.BackendBadger:
		bc := badgerstore.DefaultConfig(filepath.Join(dir, "badger"))
		bc.Logger = logger
		b, err = badgerstore.Open(bc)
	case config.BackendGit:
		b, err = gitstore.OpenPath(filepath.Join(dir, "git"))
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Cache.Objects == 0 {
		return b, nil
	}
	c, err := store.NewCached(b, cfg.Cache.Objects)
	if err != nil {
		b.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the backend.
func (r *Repo) Close() error { return r.backend.Close() }

// Root returns the working directory the repository lives in, or "" for a
// repository opened with New.
func (r *Repo) Root() string { return r.root }

func (r *Repo) Config() config.Config { return r.cfg }

func (r *Repo) Backend() store.Backend { return r.backend }

// Objects returns the commit, tree and file store.
func (r *Repo) Objects() *object.Store { return r.objects }

// Index returns the commit index.
func (r *Repo) Index() *index.CommitIndex { return r.commits }

// Operations returns the operation log.
func (r *Repo) Operations() *operation.Store { return r.ops }

func (r *Repo) Merger() *operation.Merger { return r.merger }

func (r *Repo) Logger() *slog.Logger { return r.logger }

// metadata fills in who is performing an operation.
func (r *Repo) metadata(description string, start, end time.Time) operation.Metadata {
	host, _ := os.Hostname()
	name := r.cfg.User.Name
	if name == "" {
		if u, err := user.Current(); err == nil {
			name = u.Username
		}
	}
	return operation.Metadata{
		Description: description,
		StartTime:   start,
		EndTime:     end,
		Hostname:    host,
		Username:    name,
	}
}

// loadIndex seeds the commit index from the segments saved for op or its
// closest ancestor that has some. It is a no-op once a load of op has
// finished; concurrent callers for the same op wait for the first one.
func (r *Repo) loadIndex(ctx context.Context, op dag.ID) error {
	if !r.commits.Persistent() {
		return nil
	}
	r.mu.Lock()
	done := r.loaded[op]
	r.mu.Unlock()
	if done {
		return nil
	}
	_, err, _ := r.loading.Do(op.KeyString(), func() (any, error) {
		if err := r.loadSegments(ctx, op); err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.loaded[op] = true
		r.mu.Unlock()
		return nil, nil
	})
	return err
}

func (r *Repo) loadSegments(ctx context.Context, op dag.ID) error {
	entries, err := r.ops.LogFrom(ctx, []dag.ID{op}, 0)
	if err != nil {
		return err
	}
	for _, e := range entries {
		ok, err := r.commits.LoadOperation(ctx, e.ID)
		if err != nil {
			return err
		}
		if ok {
			if !e.ID.Equals(op) {
				r.logger.Debug("loaded index from ancestor operation", slog.String("op_id", op.String()), slog.String("from", e.ID.String()))
			}
			return nil
		}
	}
	return nil
}

// saveIndex persists the index for op. Failures only cost a rebuild later.
func (r *Repo) saveIndex(op dag.ID) {
	if err := r.commits.SaveOperation(op); err != nil {
		r.logger.Warn("saving commit index failed", slog.String("op_id", op.String()), slog.String("error", err.Error()))
	}
}

// ViewAt returns the view recorded by op, with every commit it references
// indexed.
func (r *Repo) ViewAt(ctx context.Context, op dag.ID) (*operation.View, error) {
	if err := r.loadIndex(ctx, op); err != nil {
		return nil, err
	}
	return r.merger.ViewOf(ctx, op)
}

// CurrentView returns the current head operation and its view. Divergent
// heads are merged first, so the caller always sees a single operation.
// This is what a working-copy manager reads to learn what is checked out.
func (r *Repo) CurrentView(ctx context.Context) (dag.ID, *operation.View, error) {
	op, err := r.MergeHeads(ctx)
	if err != nil {
		return dag.Undef, nil, err
	}
	v, err := r.ViewAt(ctx, op)
	if err != nil {
		return dag.Undef, nil, err
	}
	return op, v, nil
}

// PeekView returns the view of the current heads without writing anything:
// divergent heads are merged in memory only.
func (r *Repo) PeekView(ctx context.Context) ([]dag.ID, *operation.View, error) {
	h, err := r.ops.ReadHeads(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, op := range h.IDs {
		if err := r.loadIndex(ctx, op); err != nil {
			return nil, nil, err
		}
	}
	v, err := r.merger.MergeOperations(ctx, h.IDs)
	if err != nil {
		return nil, nil, err
	}
	return h.IDs, v, nil
}
