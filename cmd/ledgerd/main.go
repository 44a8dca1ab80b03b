// Ledgerd drives tasks through drafting, verification, compliance and
// execution, checkpointing every phase so work can be resumed or rolled
// back.
//
// Configuration is loaded from ~/.config/ledgerd/config.yaml (or --config)
// and overridden by environment variables. See internal/config.
//
// Usage:
//
//	# Serve the HTTP API and poll for work
//	ledgerd serve
//
//	# Drive one task of a project
//	ledgerd run-once --project web
//
//	# Inspect and repair
//	ledgerd verify-chain <task-id>
//	ledgerd rollback <checkpoint-id>
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	configPath string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. A fresh tree per call keeps flag
// state out of tests.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "ledgerd",
		Short: "Checkpointed task pipeline with rollback and compliance gating",
		Long: `ledgerd drives tasks through drafting, verification, compliance and execution.

Every phase is recorded in an append-only checkpoint ledger. Halted tasks can be
resumed, side effects can be rolled back checkpoint by checkpoint, and
irreversible actions pass pre-flight validation before they run.

All commands print JSON.`,
		Version:      fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/ledgerd/config.yaml)")

	root.AddCommand(
		newServeCmd(opts),
		newRunOnceCmd(opts),
		newResumeCmd(opts),
		newRollbackCmd(opts),
		newSummaryCmd(opts),
		newVerifyChainCmd(opts),
		newVerifyCheckpointCmd(opts),
		newVerifyAllCmd(opts),
		newFailedCmd(opts),
		newHoldsCmd(opts),
		newRetryCmd(opts),
		newSignalsCmd(opts),
		newProjectCmd(opts),
		newTaskCmd(opts),
		newMigrateCmd(opts),
	)
	return root
}

// outputJSON writes v as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
