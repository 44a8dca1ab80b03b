package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ledgerd/internal/orchestrator"
)

// progressLogger logs pipeline progress at info level.
func progressLogger(zl *zap.Logger) orchestrator.ProgressCallback {
	return func(p orchestrator.Progress) {
		zl.Info("progress",
			zap.String("task.id", p.TaskID),
			zap.String("stage", string(p.Stage)),
			zap.Int("percent", p.Percentage),
			zap.String("message", p.Message),
		)
	}
}

func newRunOnceCmd(opts *rootOptions) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Claim and drive one task",
		Long: `Claim the next claimable task and drive it as far as it can go.

Prints the run outcome. A status of "no_tasks" means nothing was claimable.

Examples:
  ledgerd run-once
  ledgerd run-once --project web`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				orch, err := a.orchestrator()
				if err != nil {
					return err
				}
				orch.OnProgress(progressLogger(a.log.Underlying()))
				out, err := orch.RunOnce(ctx, project)
				if err != nil {
					return err
				}
				return outputJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "only claim tasks of this project")
	return cmd
}

func newResumeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <task-id>",
		Short: "Resume a halted, failed or queued task",
		Long: `Resume a task from its latest checkpoint.

Held tasks must be released first (see "ledgerd holds release").`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				orch, err := a.orchestrator()
				if err != nil {
					return err
				}
				orch.OnProgress(progressLogger(a.log.Underlying()))
				out, err := orch.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				return outputJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}
