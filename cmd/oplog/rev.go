package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/systemshift/oplog/internal/dag"
	"github.com/systemshift/oplog/internal/query"
	"github.com/systemshift/oplog/internal/repo"
)

const defaultWorkingCopy = "default"

// parseRev turns a revision argument into an expression:
//
//	@          the default working copy
//	NAME@      the working copy NAME
//	heads()    the visible heads
//	all()      every visible commit
//	<id>       a full commit id
//	NAME       the branch NAME
func parseRev(s string) (query.Expr, error) {
	switch {
	case s == "":
		return nil, fmt.Errorf("empty revision")
	case s == "@":
		return query.WorkingCopy{Name: defaultWorkingCopy}, nil
	case strings.HasSuffix(s, "@"):
		return query.WorkingCopy{Name: strings.TrimSuffix(s, "@")}, nil
	case s == "heads()":
		return query.Heads{}, nil
	case s == "all()":
		return query.All{}, nil
	}
	if id, err := dag.Parse(s); err == nil {
		return query.Commit{ID: id}, nil
	}
	return query.Branch{Name: s}, nil
}

func parseRevs(args []string) (query.Expr, error) {
	var exprs []query.Expr
	for _, a := range args {
		x, err := parseRev(a)
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, x)
	}
	if len(exprs) == 1 {
		return exprs[0], nil
	}
	return query.Union{Exprs: exprs}, nil
}

// evaluator returns an evaluator over the current view without writing to
// the repository.
func evaluator(ctx context.Context, r *repo.Repo) (*query.Evaluator, error) {
	_, v, err := r.PeekView(ctx)
	if err != nil {
		return nil, err
	}
	return query.NewEvaluator(r.Index(), v, r.Logger()), nil
}

// resolveCommit resolves rev to exactly one commit.
func resolveCommit(ctx context.Context, r *repo.Repo, rev string) (dag.ID, error) {
	x, err := parseRev(rev)
	if err != nil {
		return dag.Undef, err
	}
	ev, err := evaluator(ctx, r)
	if err != nil {
		return dag.Undef, err
	}
	ids, err := ev.Collect(ctx, x)
	if err != nil {
		return dag.Undef, err
	}
	if len(ids) != 1 {
		return dag.Undef, fmt.Errorf("revision %q resolves to %d commits, expected one", rev, len(ids))
	}
	return ids[0], nil
}
