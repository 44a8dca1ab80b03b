// Package uncertainty detects when a pipeline role is unsure of its own
// output and should stop rather than guess.
//
// Detection runs in two passes. Pass 1 scans text for hedging and explicit
// uncertainty with word-bounded, case-insensitive patterns. Pass 2 asks a
// SemanticClassifier (an LLM behind langchaingo) only when Pass 1 found
// nothing. Signals carry a severity: halt stops the task, warn is recorded.
//
// Signals are accumulated per pass in a Detection and persisted
// append-only to uncertainty_signals.
package uncertainty
