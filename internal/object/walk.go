package object

import (
	"context"

	"github.com/systemshift/oplog/internal/dag"
)

// WalkFunc is called for each matching non-directory path. Conflicted paths
// are reported with their unresolved value.
type WalkFunc func(path string, v TreeValue) error

// WalkTree visits the entries of the tree id selected by m in path order,
// descending only into directories the matcher asks for.
func (s *Store) WalkTree(ctx context.Context, id dag.ID, m Matcher, fn WalkFunc) error {
	return s.walk(ctx, id, "", m, false, fn)
}

func join(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

func (s *Store) walk(ctx context.Context, id dag.ID, dir string, m Matcher, all bool, fn WalkFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	visit := Visit{All: true}
	if !all {
		visit = m.Visit(dir)
		all = visit.All
	}
	if !all && len(visit.Dirs) == 0 && len(visit.Files) == 0 {
		return nil
	}

	t, err := s.ReadTree(ctx, id)
	if err != nil {
		return err
	}
	for _, name := range t.Names() {
		v := t.Entries[name]
		path := join(dir, name)
		if st, ok := v.Resolve(); ok && st.Kind == KindTree {
			if all || visit.Dirs[name] {
				if err := s.walk(ctx, st.ID, path, m, all, fn); err != nil {
					return err
				}
			}
			continue
		}
		if all || (visit.Files[name] && m.Matches(path)) {
			if err := fn(path, v); err != nil {
				return err
			}
		}
	}
	return nil
}
