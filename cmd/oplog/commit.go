package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systemshift/oplog/internal/dag"
	"github.com/systemshift/oplog/internal/query"
	"github.com/systemshift/oplog/internal/repo"
)

func newCmd() *cobra.Command {
	var (
		message string
		branch  string
		wc      string
		tags    map[string]string
	)
	cmd := &cobra.Command{
		Use:   "new [parent...]",
		Short: "Create a commit and check it out",
		Long: "Create a commit on top of the given parents (the working copy's commit\n" +
			"by default) and move the working copy to it. With several parents the\n" +
			"first two trees are merged.",
		RunE: withRepo(func(cmd *cobra.Command, r *repo.Repo, args []string) error {
			ctx := cmd.Context()
			if len(args) == 0 {
				args = []string{wc + "@"}
			}
			var parents []dag.ID
			for _, a := range args {
				id, err := resolveCommit(ctx, r, a)
				if errors.Is(err, query.ErrNoSuchRef) && len(args) == 1 {
					// A fresh repository has no working copy yet.
					break
				}
				if err != nil {
					return err
				}
				parents = append(parents, id)
			}
			tree, err := parentTree(ctx, r, parents)
			if err != nil {
				return err
			}

			tx, err := r.Begin(ctx)
			if err != nil {
				return err
			}
			c, err := tx.NewCommit(parents, tree, message)
			if err != nil {
				tx.Discard()
				return err
			}
			if err := tx.SetWorkingCopy(wc, c); err != nil {
				tx.Discard()
				return err
			}
			if branch != "" {
				if err := tx.SetBranch(branch, c); err != nil {
					tx.Discard()
					return err
				}
			}
			for k, v := range tags {
				if err := tx.Annotate(k, v); err != nil {
					tx.Discard()
					return err
				}
			}
			op, err := tx.Commit(ctx, "new commit "+dag.Short(c))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Working copy %s now at %s (operation %s)\n", wc, dag.Short(c), dag.Short(op))
			return nil
		}),
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Commit description")
	cmd.Flags().StringVarP(&branch, "branch", "b", "", "Point this branch at the new commit")
	cmd.Flags().StringVar(&wc, "working-copy", defaultWorkingCopy, "Working copy to move")
	cmd.Flags().StringToStringVar(&tags, "tag", nil, "Record key=value on the operation (repeatable)")
	return cmd
}

// parentTree returns the tree a new commit on parents starts from.
func parentTree(ctx context.Context, r *repo.Repo, parents []dag.ID) (dag.ID, error) {
	objects := r.Objects()
	treeOf := func(id dag.ID) (dag.ID, error) {
		c, err := objects.ReadCommit(ctx, id)
		if err != nil {
			return dag.Undef, err
		}
		return c.Tree, nil
	}
	switch len(parents) {
	case 0:
		return objects.EmptyTreeID(ctx)
	case 1:
		return treeOf(parents[0])
	}
	left, err := treeOf(parents[0])
	if err != nil {
		return dag.Undef, err
	}
	right, err := treeOf(parents[1])
	if err != nil {
		return dag.Undef, err
	}
	base, err := objects.EmptyTreeID(ctx)
	if err != nil {
		return dag.Undef, err
	}
	common, err := r.Index().CommonAncestors(parents[:1], parents[1:2])
	if err != nil {
		return dag.Undef, err
	}
	if len(common) > 0 {
		if base, err = treeOf(common[0]); err != nil {
			return dag.Undef, err
		}
	}
	return objects.MergeTrees(ctx, base, left, right)
}

func branchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "Manage branches",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List branches and what they point at",
			Args:  cobra.NoArgs,
			RunE: withRepo(func(cmd *cobra.Command, r *repo.Repo, args []string) error {
				_, v, err := r.PeekView(cmd.Context())
				if err != nil {
					return err
				}
				for _, name := range v.BranchNames() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, v.Branch(name))
				}
				return nil
			}),
		},
		&cobra.Command{
			Use:   "set <name> <revision>",
			Short: "Point a branch at a commit",
			Args:  cobra.ExactArgs(2),
			RunE: withRepo(func(cmd *cobra.Command, r *repo.Repo, args []string) error {
				ctx := cmd.Context()
				id, err := resolveCommit(ctx, r, args[1])
				if err != nil {
					return err
				}
				tx, err := r.Begin(ctx)
				if err != nil {
					return err
				}
				if err := tx.SetBranch(args[0], id); err != nil {
					tx.Discard()
					return err
				}
				_, err = tx.Commit(ctx, fmt.Sprintf("point branch %s to %s", args[0], dag.Short(id)))
				return err
			}),
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Delete a branch",
			Args:  cobra.ExactArgs(1),
			RunE: withRepo(func(cmd *cobra.Command, r *repo.Repo, args []string) error {
				ctx := cmd.Context()
				tx, err := r.Begin(ctx)
				if err != nil {
					return err
				}
				if tx.View().Branch(args[0]).IsAbsent() {
					tx.Discard()
					return fmt.Errorf("%w: branch %q", query.ErrNoSuchRef, args[0])
				}
				if err := tx.DeleteBranch(args[0]); err != nil {
					tx.Discard()
					return err
				}
				_, err = tx.Commit(ctx, "delete branch "+args[0])
				return err
			}),
		},
	)
	return cmd
}

func abandonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abandon <revision>",
		Short: "Hide a commit; its children keep it reachable",
		Args:  cobra.ExactArgs(1),
		RunE: withRepo(func(cmd *cobra.Command, r *repo.Repo, args []string) error {
			ctx := cmd.Context()
			id, err := resolveCommit(ctx, r, args[0])
			if err != nil {
				return err
			}
			tx, err := r.Begin(ctx)
			if err != nil {
				return err
			}
			if err := tx.Abandon(id); err != nil {
				tx.Discard()
				return err
			}
			_, err = tx.Commit(ctx, "abandon commit "+dag.Short(id))
			return err
		}),
	}
}
