package object

import (
	"sort"

	"github.com/systemshift/oplog/internal/dag"
)

// EntryKind is the type of a tree entry.
type EntryKind string

const (
	KindAbsent  EntryKind = ""
	KindFile    EntryKind = "file"
	KindTree    EntryKind = "tree"
	KindSymlink EntryKind = "symlink"
)

// TreeState is one side's view of a path: a file, sub-tree or symlink, or
// absent.
type TreeState struct {
	Kind       EntryKind `json:"kind,omitempty"`
	ID         dag.ID    `json:"id"`
	Executable bool      `json:"executable,omitempty"`
}

// Absent is the state of a path that does not exist.
var Absent = TreeState{}

// IsAbsent reports whether s is the absent state.
func (s TreeState) IsAbsent() bool { return s.Kind == KindAbsent }

// File returns the state of a regular file with the given content id.
func File(id dag.ID, executable bool) TreeState {
	return TreeState{Kind: KindFile, ID: id, Executable: executable}
}

// SubTree returns the state of a directory.
func SubTree(id dag.ID) TreeState {
	return TreeState{Kind: KindTree, ID: id}
}

// Symlink returns the state of a symlink whose target is stored as id.
func Symlink(id dag.ID) TreeState {
	return TreeState{Kind: KindSymlink, ID: id}
}

// TreeValue is the value at a tree path: a resolved state or a conflict.
type TreeValue = Merge[TreeState]

// Tree maps path components to values. Trees are immutable once stored.
type Tree struct {
	Entries map[string]TreeValue `json:"entries"`
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{Entries: map[string]TreeValue{}}
}

// Set stores v at name; an absent resolved value deletes the entry.
func (t *Tree) Set(name string, v TreeValue) {
	if t.Entries == nil {
		t.Entries = map[string]TreeValue{}
	}
	if s, ok := v.Resolve(); ok && s.IsAbsent() {
		delete(t.Entries, name)
		return
	}
	t.Entries[name] = v
}

// Get returns the value at name, or resolved Absent.
func (t *Tree) Get(name string) TreeValue {
	if v, ok := t.Entries[name]; ok {
		return v
	}
	return Resolved(Absent)
}

// Names returns the entry names in sorted order.
func (t *Tree) Names() []string {
	names := make([]string, 0, len(t.Entries))
	for n := range t.Entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HasConflicts reports whether any direct entry is unresolved.
func (t *Tree) HasConflicts() bool {
	for _, v := range t.Entries {
		if !v.IsResolved() {
			return true
		}
	}
	return false
}
