package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// parseID parses a positive checkpoint or signal id.
func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q: must be a positive integer", s)
	}
	return id, nil
}

func newRollbackCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <checkpoint-id>",
		Short: "Undo every completed checkpoint after the target",
		Long: `Roll back to a checkpoint by undoing the side effects of every completed
checkpoint after it, newest first.

Prints the rollback result and exits non-zero unless it succeeded. Rollbacks
that would restore a detected secret are blocked.

Examples:
  ledgerd rollback 42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				res := a.rollback.RollbackToCheckpoint(ctx, id)
				if err := outputJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
				if !res.OK() {
					return res.Err()
				}
				return nil
			})
		},
	}
}

func newSummaryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "summary <task-id>",
		Short: "Summarize a task's checkpoints",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if _, err := a.store.GetTask(ctx, args[0]); err != nil {
					return err
				}
				sum, err := a.ledger.Summary(ctx, args[0])
				if err != nil {
					return err
				}
				return outputJSON(cmd.OutOrStdout(), sum)
			})
		},
	}
}

func newVerifyChainCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-chain <task-id>",
		Short: "Verify the integrity of a task's checkpoint chain",
		Long: `Verify every checkpoint of a task: stored hashes, parent links, sequence
order and phase transitions.

Exits non-zero when the chain is invalid.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if _, err := a.store.GetTask(ctx, args[0]); err != nil {
					return err
				}
				rep, err := a.ledger.VerifyChain(ctx, args[0])
				if err != nil {
					return err
				}
				if err := outputJSON(cmd.OutOrStdout(), rep); err != nil {
					return err
				}
				if !rep.Valid {
					return fmt.Errorf("chain for task %s is invalid: %d issue(s)", rep.TaskID, len(rep.Issues))
				}
				return nil
			})
		},
	}
}

func newVerifyCheckpointCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-checkpoint <checkpoint-id>",
		Short: "Verify a single checkpoint's stored hashes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				rep, err := a.ledger.VerifyCheckpoint(ctx, id)
				if err != nil {
					return err
				}
				if err := outputJSON(cmd.OutOrStdout(), rep); err != nil {
					return err
				}
				if !rep.Valid {
					return fmt.Errorf("checkpoint %d is invalid", id)
				}
				return nil
			})
		},
	}
}

func newVerifyAllCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-all",
		Short: "Verify the checkpoint chain of every task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				rep, err := a.ledger.VerifyAll(ctx)
				if err != nil {
					return err
				}
				if err := outputJSON(cmd.OutOrStdout(), rep); err != nil {
					return err
				}
				if rep.InvalidTasks > 0 {
					return fmt.Errorf("%d of %d task chain(s) are invalid", rep.InvalidTasks, rep.TotalTasks)
				}
				return nil
			})
		},
	}
}

func newFailedCmd(opts *rootOptions) *cobra.Command {
	var (
		project string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List recent failed checkpoints",
		Long: `List recent failed checkpoints, newest first.

Examples:
  ledgerd failed
  ledgerd failed --project web --limit 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				cps, err := a.ledger.Failed(ctx, project, limit)
				if err != nil {
					return err
				}
				return outputJSON(cmd.OutOrStdout(), cps)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "only this project's checkpoints")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of checkpoints")
	return cmd
}
