// Package operation keeps the operation log: every mutation of repository
// state is an immutable Operation recording the resulting View and the
// operations it follows. Concurrent writers race on the head pointer and the
// loser merges views instead of waiting on a lock.
package operation

import (
	"errors"
	"fmt"
	"time"

	"github.com/systemshift/oplog/internal/dag"
)

// ErrDivergedHeads is returned by callers that need a single head operation
// when several exist. It is a condition to resolve by merging, not a fault.
var ErrDivergedHeads = errors.New("operation heads diverged")

// DivergedError carries the heads found when a single head was required.
type DivergedError struct {
	Heads []dag.ID
}

func (e *DivergedError) Error() string {
	return fmt.Sprintf("%s: %d heads", ErrDivergedHeads, len(e.Heads))
}

func (e *DivergedError) Unwrap() error { return ErrDivergedHeads }

// Metadata describes who performed an operation and why.
type Metadata struct {
	Description   string            `json:"description"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       time.Time         `json:"end_time"`
	Hostname      string            `json:"hostname"`
	Username      string            `json:"username"`
	TransactionID string            `json:"transaction_id,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// Operation is one node of the operation DAG.
type Operation struct {
	View     dag.ID   `json:"view"`
	Parents  []dag.ID `json:"parents"`
	Metadata Metadata `json:"metadata"`
}

// ParentIDs implements dag.Node.
func (o *Operation) ParentIDs() []dag.ID { return o.Parents }

// IsMerge reports whether o joins divergent operations.
func (o *Operation) IsMerge() bool { return len(o.Parents) > 1 }
