// Package store is ledgerd's relational persistence layer.
//
// A Store wraps *sql.DB for one of two backends: SQLite through the ncruces
// wasm driver (the default, a single file) or MySQL through
// go-sql-driver/mysql. Both speak the same schema with '?' placeholders;
// the Dialect covers DDL and row locking differences.
//
// Store owns the tasks, projects and approvals tables. The ledger, audit,
// uncertainty and compliance packages own their own tables and run their SQL
// through Exec, Query, QueryRow and WithTx, which retry SQLite BUSY/LOCKED
// and MySQL deadlock errors with exponential backoff.
//
// Timestamps are stored as fixed-width UTC text (see FormatTime) so that
// ordering and comparison work identically on both backends.
package store
