package index

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/systemshift/oplog/internal/dag"
	"github.com/systemshift/oplog/internal/store"
)

// links maps operation ids to index segment names as files. Each link is a
// file in the operations/ directory whose content is the segment name.
type links struct {
	dir string
}

func newLinks(dir string) (*links, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create operation links dir: %w", err)
	}
	return &links{dir: dir}, nil
}

// Set records that op's commits are described by segment.
func (l *links) Set(op dag.ID, segment string) error {
	path := filepath.Join(l.dir, dag.Filename(op))
	return store.SafeWrite(path, []byte(segment+"\n"), 0644)
}

// Get returns the segment linked to op.
func (l *links) Get(op dag.ID) (string, bool, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, dag.Filename(op)))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read segment link for %s: %w", op, err)
	}
	return strings.TrimSpace(string(data)), true, nil
}
