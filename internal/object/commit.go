// Package object defines the version-history records kept in a backend:
// commits, trees and file contents, and the structural merge of trees.
package object

import (
	"time"

	"github.com/google/uuid"

	"github.com/systemshift/oplog/internal/dag"
)

// Signature records who made a commit and when.
type Signature struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	When  time.Time `json:"when"`
}

// Commit is an immutable node in the history DAG.
type Commit struct {
	Parents     []dag.ID  `json:"parents"`
	Tree        dag.ID    `json:"tree"`
	ChangeID    string    `json:"change_id"`
	Author      Signature `json:"author"`
	Committer   Signature `json:"committer"`
	Description string    `json:"description"`
}

// ParentIDs implements dag.Node.
func (c *Commit) ParentIDs() []dag.ID { return c.Parents }

// IsRoot reports whether c has no parents.
func (c *Commit) IsRoot() bool { return len(c.Parents) == 0 }

// NewChangeID returns a fresh change id. A change id stays with a change
// when its commit is rewritten, unlike the commit id.
func NewChangeID() string {
	return uuid.NewString()
}
