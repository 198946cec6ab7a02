package main

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/systemshift/oplog/internal/dag"
	"github.com/systemshift/oplog/internal/query"
	"github.com/systemshift/oplog/internal/repo"
)

type queryFlags struct {
	exclude []string
	topo    bool
	limit   int
	ids     bool
}

// queryCmd builds one subcommand per expression shape. Flags common to all
// of them narrow and order the result.
func queryCmd() *cobra.Command {
	var qf queryFlags
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List commits selected by a revision expression",
		Long: "Revisions are a branch name, a full commit id, @ for the default\n" +
			"working copy, NAME@ for another working copy, heads() or all().",
	}
	cmd.PersistentFlags().StringSliceVarP(&qf.exclude, "exclude", "x", nil, "Leave out these revisions and their ancestors")
	cmd.PersistentFlags().BoolVar(&qf.topo, "topo", false, "Parents before children")
	cmd.PersistentFlags().IntVarP(&qf.limit, "limit", "n", 0, "Maximum commits to show (0 for all)")
	cmd.PersistentFlags().BoolVar(&qf.ids, "ids", false, "Print full commit ids only")

	unary := func(use, short string, build func(query.Expr) query.Expr) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <revision>...",
			Short: short,
			Args:  cobra.MinimumNArgs(1),
			RunE: withRepo(func(cmd *cobra.Command, r *repo.Repo, args []string) error {
				of, err := parseRevs(args)
				if err != nil {
					return err
				}
				return runQuery(cmd, r, build(of), qf)
			}),
		}
	}
	binary := func(use, short string, build func(from, to query.Expr) query.Expr) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <from> <to>",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: withRepo(func(cmd *cobra.Command, r *repo.Repo, args []string) error {
				from, err := parseRev(args[0])
				if err != nil {
					return err
				}
				to, err := parseRev(args[1])
				if err != nil {
					return err
				}
				return runQuery(cmd, r, build(from, to), qf)
			}),
		}
	}

	cmd.AddCommand(
		unary("show", "The revisions themselves", func(x query.Expr) query.Expr { return x }),
		unary("ancestors", "Revisions and everything they descend from", func(x query.Expr) query.Expr { return query.Ancestors{Of: x} }),
		unary("descendants", "Revisions and every visible commit descending from them", func(x query.Expr) query.Expr { return query.Descendants{Of: x} }),
		unary("parents", "Parents of the revisions", func(x query.Expr) query.Expr { return query.Parents{Of: x} }),
		unary("roots", "Members of the revisions with no parent among them", func(x query.Expr) query.Expr { return query.Roots{Of: x} }),
		binary("range", "Ancestors of <to> that are not ancestors of <from>", func(from, to query.Expr) query.Expr { return query.Range{From: from, To: to} }),
		binary("dag-range", "Descendants of <from> that are ancestors of <to>", func(from, to query.Expr) query.Expr { return query.DagRange{From: from, To: to} }),
		binary("common", "Commits in both revisions", func(a, b query.Expr) query.Expr { return query.Intersection{Left: a, Right: b} }),
		&cobra.Command{
			Use:   "log",
			Short: "Every visible commit",
			Args:  cobra.NoArgs,
			RunE: withRepo(func(cmd *cobra.Command, r *repo.Repo, args []string) error {
				return runQuery(cmd, r, query.All{}, qf)
			}),
		},
	)
	return cmd
}

func buildQuery(x query.Expr, qf queryFlags) (query.Expr, error) {
	if len(qf.exclude) > 0 {
		ex, err := parseRevs(qf.exclude)
		if err != nil {
			return nil, err
		}
		x = query.Difference{Left: x, Right: query.Ancestors{Of: ex}}
	}
	if qf.topo {
		x = query.Ordered{Expr: x, Order: query.Topological}
	}
	return x, nil
}

func runQuery(cmd *cobra.Command, r *repo.Repo, x query.Expr, qf queryFlags) error {
	ctx := cmd.Context()
	x, err := buildQuery(x, qf)
	if err != nil {
		return err
	}
	ev, err := evaluator(ctx, r)
	if err != nil {
		return err
	}
	seq, err := ev.Evaluate(ctx, x)
	if err != nil {
		return err
	}
	n := 0
	for id := range seq {
		if qf.limit > 0 && n == qf.limit {
			break
		}
		n++
		if qf.ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
			continue
		}
		if err := printCommit(ctx, cmd.OutOrStdout(), r, id); err != nil {
			return err
		}
	}
	return nil
}

func printCommit(ctx context.Context, w io.Writer, r *repo.Repo, id dag.ID) error {
	c, err := r.Objects().ReadCommit(ctx, id)
	if err != nil {
		return err
	}
	desc := firstLine(c.Description)
	if desc == "" {
		desc = "(no description)"
	}
	author := c.Author.Name
	if c.Author.Email != "" {
		author += " <" + c.Author.Email + ">"
	}
	fmt.Fprintf(w, "%s %s %s %s\n", dag.Short(id), shortChange(c.ChangeID), author, humanize.Time(c.Committer.When))
	fmt.Fprintf(w, "    %s\n", desc)
	return nil
}

func shortChange(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
