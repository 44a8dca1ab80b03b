package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/ledgerd/internal/store"
)

func newProjectCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}

	var p store.Project
	add := &cobra.Command{
		Use:   "add <project-id>",
		Short: "Register a project",
		Long: `Register a project. Tasks are claimed per project, drafted against its
working directory and charged against its budget.

Examples:
  ledgerd project add web --name "Web frontend" --work-dir ~/src/web --budget 25`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p.ID = args[0]
			if p.Name == "" {
				p.Name = p.ID
			}
			if p.BudgetLimit < 0 {
				return fmt.Errorf("--budget must not be negative")
			}
			if p.WorkDir != "" {
				abs, err := filepath.Abs(p.WorkDir)
				if err != nil {
					return fmt.Errorf("invalid work dir: %w", err)
				}
				p.WorkDir = abs
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.store.CreateProject(ctx, &p); err != nil {
					return err
				}
				return outputJSON(cmd.OutOrStdout(), &p)
			})
		},
	}
	add.Flags().StringVar(&p.Name, "name", "", "display name (defaults to the id)")
	add.Flags().StringVar(&p.RepoURL, "repo-url", "", "remote repository url")
	add.Flags().StringVar(&p.WorkDir, "work-dir", "", "working directory of the repository")
	add.Flags().Float64Var(&p.BudgetLimit, "budget", 0, "budget limit (0 means unlimited)")

	cmd.AddCommand(add)
	return cmd
}

func newTaskCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}

	var (
		t    store.Task
		deps []string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Queue a task",
		Long: `Queue a pending task. Lower priority values are claimed first.

Examples:
  ledgerd task add --project web --title "Add health endpoint" \
    --description "Expose GET /health returning 200" --type feature`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if t.ProjectID == "" || t.Title == "" {
				return fmt.Errorf("--project and --title are required")
			}
			t.Dependencies = deps
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if _, err := a.store.GetProject(ctx, t.ProjectID); err != nil {
					return err
				}
				if err := a.store.CreateTask(ctx, &t); err != nil {
					return err
				}
				return outputJSON(cmd.OutOrStdout(), &t)
			})
		},
	}
	add.Flags().StringVar(&t.ProjectID, "project", "", "owning project id")
	add.Flags().StringVar(&t.Title, "title", "", "task title")
	add.Flags().StringVar(&t.Description, "description", "", "task description handed to the drafter")
	add.Flags().StringVar(&t.TaskType, "type", "", "task type (feature, bugfix, ...)")
	add.Flags().IntVar(&t.Priority, "priority", 100, "claim priority, lower first")
	add.Flags().StringSliceVar(&deps, "depends-on", nil, "ids of tasks that must complete first")

	cmd.AddCommand(add)
	return cmd
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Long: `Create or upgrade the database schema and print its version.

Every command migrates on open, so this is only needed to prepare a database
ahead of time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				v, err := a.store.SchemaVersion(ctx)
				if err != nil {
					return err
				}
				return outputJSON(cmd.OutOrStdout(), map[string]any{
					"driver":         a.cfg.Store.Driver,
					"schema_version": v,
				})
			})
		},
	}
}
