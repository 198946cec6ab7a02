package fuse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/systemshift/oplog/internal/dag"
	"github.com/systemshift/oplog/internal/operation"
	"github.com/systemshift/oplog/internal/repo"
)

const maxLogEntries = 64

// Ref directory names under view/.
const (
	kindBranches      = "branches"
	kindTags          = "tags"
	kindWorkingCopies = "working-copies"
)

// source renders repository state as file contents. Nothing it does writes
// to the repository; divergent heads are merged in memory.
type source struct {
	repo *repo.Repo
}

func idLines(ids []dag.ID) []byte {
	var buf bytes.Buffer
	for _, id := range ids {
		buf.WriteString(id.String())
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// headText lists the current operation heads, one per line.
func (s *source) headText(ctx context.Context) ([]byte, error) {
	h, err := s.repo.Operations().ReadHeads(ctx)
	if err != nil {
		return nil, err
	}
	return idLines(h.IDs), nil
}

// logLen returns how many op/<n> entries exist.
func (s *source) logLen(ctx context.Context) (int, error) {
	entries, err := s.repo.Operations().Log(ctx, maxLogEntries)
	return len(entries), err
}

type opJSON struct {
	ID          string    `json:"id"`
	View        string    `json:"view"`
	Parents     []string  `json:"parents"`
	Description string    `json:"description"`
	Username    string    `json:"username"`
	Hostname    string    `json:"hostname"`
	Start       time.Time `json:"start_time"`
	End         time.Time `json:"end_time"`
	Transaction string    `json:"transaction_id,omitempty"`
}

// opText renders the n-th newest operation as JSON.
func (s *source) opText(ctx context.Context, n int) ([]byte, error) {
	if n < 0 || n >= maxLogEntries {
		return nil, os.ErrNotExist
	}
	entries, err := s.repo.Operations().Log(ctx, n+1)
	if err != nil {
		return nil, err
	}
	if n >= len(entries) {
		return nil, os.ErrNotExist
	}
	e := entries[n]
	op := e.Operation
	out := opJSON{
		ID:          e.ID.String(),
		View:        op.View.String(),
		Description: op.Metadata.Description,
		Username:    op.Metadata.Username,
		Hostname:    op.Metadata.Hostname,
		Start:       op.Metadata.StartTime,
		End:         op.Metadata.EndTime,
		Transaction: op.Metadata.TransactionID,
	}
	for _, p := range op.Parents {
		out.Parents = append(out.Parents, p.String())
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (s *source) view(ctx context.Context) (*operation.View, error) {
	_, v, err := s.repo.PeekView(ctx)
	return v, err
}

// headsText lists the visible commit heads.
func (s *source) headsText(ctx context.Context) ([]byte, error) {
	v, err := s.view(ctx)
	if err != nil {
		return nil, err
	}
	return idLines(v.Heads), nil
}

func (s *source) refNames(ctx context.Context, kind string) ([]string, error) {
	v, err := s.view(ctx)
	if err != nil {
		return nil, err
	}
	switch kind {
	case kindBranches:
		return v.BranchNames(), nil
	case kindTags:
		return v.TagNames(), nil
	case kindWorkingCopies:
		return v.WorkingCopyNames(), nil
	}
	return nil, fmt.Errorf("unknown ref kind %q: %w", kind, os.ErrNotExist)
}

// refText lists what a ref points at. A conflicted branch or tag has one
// line per target.
func (s *source) refText(ctx context.Context, kind, name string) ([]byte, error) {
	v, err := s.view(ctx)
	if err != nil {
		return nil, err
	}
	var target operation.RefTarget
	switch kind {
	case kindBranches:
		target = v.Branch(name)
	case kindTags:
		target = v.Tag(name)
	case kindWorkingCopies:
		if wc, ok := v.WorkingCopies[name]; ok {
			target = operation.Target(wc.Commit)
		}
	}
	if target.IsAbsent() {
		return nil, os.ErrNotExist
	}
	return idLines(target.Targets), nil
}
