// Package orchestrator drives tasks through a checkpointed, gated pipeline.
//
// # Overview
//
// A claimed task runs through these phases:
//
//	drafting → verification → compliance → execution → confirmation
//
// Every phase opens a checkpoint in the ledger before it calls its
// collaborator and closes it (complete or failed) afterwards, so a task can
// be resumed from its last completed phase after a crash, halt or hold.
// The orchestrator checks each move against checkpoint.CanTransition.
//
// # Key Components
//
// ## Orchestrator
//
// The Orchestrator is the entry point. It manages:
//   - Task claiming (RunOnce) and resumption (Resume)
//   - The poll loop used by the server (Run)
//   - Progress reporting via OnProgress
//   - Delegation to the rollback engine and the chain verifier
//
// ## Collaborators
//
// Drafter, Verifier and Executor do the actual work. Each call is bounded
// by the per-phase timeout. internal/collaborator provides subprocess-backed
// implementations.
//
// ## Gates
//
//   - After drafting: the uncertainty detector. Any halt signal halts the
//     task after the drafting checkpoint completes.
//   - Before execution: the compliance gate, then the IMR Pentagon for every
//     planned irreversible action.
//
// # Outcomes
//
// RunOnce and Resume return an Outcome whose Status says where the task
// ended up and whose Code classifies why it stopped:
//
//   - complete: all phases passed
//   - needs_revision: the verifier sent the draft back; the task is queued
//     for drafting with the feedback in last_error
//   - halted: uncertainty, escalation, pentagon failure or revision limit
//   - held: the compliance gate parked the task until a hold is released
//   - failed: collaborator error or rejection
//   - retry_scheduled / permanently_failed: execution failures handed to
//     the retry manager
//
// # Usage Example
//
//	orch, err := orchestrator.New(orchestrator.ConfigFrom(cfg.Orchestrator), orchestrator.Deps{
//	    Store:     st,
//	    Ledger:    ledger,
//	    Audit:     auditLog,
//	    Detector:  detector,
//	    Gate:      gate,
//	    Validator: validator,
//	    Retry:     retries,
//	    Rollback:  engine,
//	    Drafter:   drafter,
//	    Verifier:  verifier,
//	    Executor:  executor,
//	    Logger:    logger,
//	})
//	orch.OnProgress(func(p orchestrator.Progress) { ... })
//	out, err := orch.RunOnce(ctx, "")
package orchestrator
