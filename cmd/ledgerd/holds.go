package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ledgerd/internal/compliance"
)

func newHoldsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "holds",
		Short: "List and release compliance holds",
	}
	cmd.AddCommand(newHoldsListCmd(opts), newHoldsReleaseCmd(opts))
	return cmd
}

func newHoldsListCmd(opts *rootOptions) *cobra.Command {
	var task string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				holds, err := a.gate.ActiveHolds(ctx, task)
				if err != nil {
					return err
				}
				if holds == nil {
					holds = []compliance.Hold{}
				}
				return outputJSON(cmd.OutOrStdout(), holds)
			})
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "only this task's holds")
	return cmd
}

func newHoldsReleaseCmd(opts *rootOptions) *cobra.Command {
	var holdType, approver string
	cmd := &cobra.Command{
		Use:   "release <task-id>",
		Short: "Release a task's hold",
		Long: `Release active holds on a task. Without --type every active hold is
released. The task is queued again once no hold remains, and the next run
resumes it from its latest checkpoint.

Examples:
  ledgerd holds release 3f1c... --type security --approver alice`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.gate.ReleaseHold(ctx, args[0], holdType, approver); err != nil {
					return fmt.Errorf("failed to release hold: %w", err)
				}
				remaining, err := a.gate.ActiveHolds(ctx, args[0])
				if err != nil {
					return err
				}
				return outputJSON(cmd.OutOrStdout(), map[string]any{
					"task_id":   args[0],
					"hold_type": holdType,
					"approver":  approver,
					"released":  true,
					"remaining": remaining,
				})
			})
		},
	}
	cmd.Flags().StringVar(&holdType, "type", "", "hold type to release (security, secrets, budget, manual, policy); empty releases all")
	cmd.Flags().StringVar(&approver, "approver", "", "who approved the release")
	_ = cmd.MarkFlagRequired("approver")
	return cmd
}

func newRetryCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Inspect and reset task retries",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status <task-id>",
			Short: "Show a task's retry state",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, opts, func(ctx context.Context, a *app) error {
					st, err := a.retry.Status(ctx, args[0])
					if err != nil {
						return err
					}
					return outputJSON(cmd.OutOrStdout(), st)
				})
			},
		},
		&cobra.Command{
			Use:   "reset <task-id>",
			Short: "Clear a task's retry count and history",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd, opts, func(ctx context.Context, a *app) error {
					if err := a.retry.ResetRetries(ctx, args[0]); err != nil {
						return err
					}
					st, err := a.retry.Status(ctx, args[0])
					if err != nil {
						return err
					}
					return outputJSON(cmd.OutOrStdout(), st)
				})
			},
		},
	)
	return cmd
}

func newSignalsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signals <task-id>",
		Short: "List a task's unresolved uncertainty signals",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if _, err := a.store.GetTask(ctx, args[0]); err != nil {
					return err
				}
				sigs, err := a.detector.Unresolved(ctx, args[0])
				if err != nil {
					return err
				}
				return outputJSON(cmd.OutOrStdout(), sigs)
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "resolve <signal-id>",
		Short: "Mark a signal resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.detector.Resolve(ctx, id); err != nil {
					return err
				}
				return outputJSON(cmd.OutOrStdout(), map[string]any{"id": id, "resolved": true})
			})
		},
	})
	return cmd
}
