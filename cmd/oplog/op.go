package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/systemshift/oplog/internal/dag"
	"github.com/systemshift/oplog/internal/operation"
	"github.com/systemshift/oplog/internal/repo"
)

func opCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "op",
		Short: "Inspect and rewind the operation log",
	}
	cmd.AddCommand(opLogCmd(), opHeadsCmd(), opUndoCmd(), opRestoreCmd(), opMergeCmd())
	return cmd
}

func printOp(w io.Writer, e operation.Entry) {
	m := e.Operation.Metadata
	marker := " "
	if e.Operation.IsMerge() {
		marker = "M"
	}
	fmt.Fprintf(w, "%s %s %s@%s %s\n", marker, dag.Short(e.ID), m.Username, m.Hostname, humanize.Time(m.EndTime))
	fmt.Fprintf(w, "    %s\n", m.Description)
	for _, k := range slices.Sorted(maps.Keys(m.Tags)) {
		fmt.Fprintf(w, "    %s: %s\n", k, m.Tags[k])
	}
}

func opLogCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show operations, newest first",
		Args:  cobra.NoArgs,
		RunE: withRepo(func(cmd *cobra.Command, r *repo.Repo, args []string) error {
			entries, err := r.Operations().Log(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				printOp(cmd.OutOrStdout(), e)
			}
			return nil
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum operations to show (0 for all)")
	return cmd
}

func opHeadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heads",
		Short: "List the current operation heads",
		Args:  cobra.NoArgs,
		RunE: withRepo(func(cmd *cobra.Command, r *repo.Repo, args []string) error {
			h, err := r.Operations().ReadHeads(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range h.IDs {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			if len(h.IDs) > 1 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d divergent heads; the next command that writes will merge them\n", len(h.IDs))
			}
			return nil
		}),
	}
}

func opUndoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "undo [op]",
		Short: "Revert one operation, keeping everything done since",
		Args:  cobra.MaximumNArgs(1),
		RunE: withRepo(func(cmd *cobra.Command, r *repo.Repo, args []string) error {
			ref := "@"
			if len(args) == 1 {
				ref = args[0]
			}
			if _, err := r.MergeHeads(cmd.Context()); err != nil {
				return err
			}
			target, err := r.Operations().Resolve(cmd.Context(), ref)
			if err != nil {
				return err
			}
			op, err := r.Undo(cmd.Context(), target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Undid operation %s (now at %s)\n", dag.Short(target), dag.Short(op))
			return nil
		}),
	}
}

func opRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <op>",
		Short: "Return the repository to the view an operation recorded",
		Args:  cobra.ExactArgs(1),
		RunE: withRepo(func(cmd *cobra.Command, r *repo.Repo, args []string) error {
			if _, err := r.MergeHeads(cmd.Context()); err != nil {
				return err
			}
			target, err := r.Operations().Resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			op, err := r.Restore(cmd.Context(), target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Restored to operation %s (now at %s)\n", dag.Short(target), dag.Short(op))
			return nil
		}),
	}
}

func opMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge",
		Short: "Merge divergent operation heads",
		Args:  cobra.NoArgs,
		RunE: withRepo(func(cmd *cobra.Command, r *repo.Repo, args []string) error {
			op, err := r.MergeHeads(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), op)
			return nil
		}),
	}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
