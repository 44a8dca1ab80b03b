// Package checkpoint is the durable, globally ordered checkpoint ledger.
//
// Every phase of a task opens a checkpoint (status created) and closes it
// exactly once as complete or failed. Complete checkpoints may carry a
// kind-tagged RollbackData payload which the rollback engine replays in
// reverse. Sequence numbers are assigned inside a single write transaction
// so they are strictly increasing across all projects.
//
// Inputs and outputs are fingerprinted with SHA-256 over canonical JSON
// (sorted keys). The chain verifier reports, but never repairs, missing
// fingerprints and illegal phase transitions.
package checkpoint
