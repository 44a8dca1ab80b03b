package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// schemaVersion is bumped whenever statements below change.
const schemaVersion = 1

const mysqlDuplicateKeyName = 1061

// schema returns the DDL for d. Column sets are fixed; see the package doc
// for table ownership.
func schema(d Dialect) []string {
	k, txt, dbl, id, ts := d.key(), d.text(), d.real(), d.autoID(), "VARCHAR(32)"
	sfx := d.tableSuffix()

	return []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			version INTEGER NOT NULL
		)` + sfx,

		`CREATE TABLE IF NOT EXISTS projects (
			id ` + k + ` PRIMARY KEY,
			name ` + txt + ` NOT NULL,
			repo_url ` + txt + `,
			work_dir ` + txt + `,
			budget_limit ` + dbl + ` NOT NULL DEFAULT 0,
			budget_used ` + dbl + ` NOT NULL DEFAULT 0,
			created_at ` + ts + ` NOT NULL
		)` + sfx,

		`CREATE TABLE IF NOT EXISTS tasks (
			id ` + k + ` PRIMARY KEY,
			project_id ` + k + ` NOT NULL,
			title ` + txt + ` NOT NULL,
			description ` + txt + `,
			task_type VARCHAR(64),
			status VARCHAR(32) NOT NULL,
			priority INTEGER NOT NULL DEFAULT 100,
			current_phase VARCHAR(32),
			dependencies ` + txt + `,
			retry_count INTEGER NOT NULL DEFAULT 0,
			retry_history ` + txt + `,
			next_retry_at ` + ts + `,
			last_error ` + txt + `,
			created_at ` + ts + ` NOT NULL,
			updated_at ` + ts + ` NOT NULL,
			started_at ` + ts + `,
			completed_at ` + ts + `
		)` + sfx,
		`CREATE INDEX idx_tasks_claim ON tasks (status, priority, created_at)`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			id ` + id + `,
			checkpoint_uuid VARCHAR(36) NOT NULL UNIQUE,
			global_sequence BIGINT NOT NULL UNIQUE,
			project_id ` + k + ` NOT NULL,
			task_id ` + k + `,
			phase VARCHAR(32) NOT NULL,
			step_name ` + txt + `,
			state_snapshot ` + txt + `,
			inputs_hash VARCHAR(64),
			outputs_hash VARCHAR(64),
			status VARCHAR(32) NOT NULL,
			error_details ` + txt + `,
			previous_checkpoint_id BIGINT,
			rollback_data ` + txt + `,
			created_at ` + ts + ` NOT NULL,
			completed_at ` + ts + `
		)` + sfx,
		`CREATE INDEX idx_checkpoints_task ON checkpoints (task_id, global_sequence)`,
		`CREATE INDEX idx_checkpoints_project ON checkpoints (project_id, global_sequence)`,

		`CREATE TABLE IF NOT EXISTS uncertainty_signals (
			id ` + id + `,
			task_id ` + k + ` NOT NULL,
			checkpoint_id BIGINT,
			signal_type VARCHAR(128) NOT NULL,
			category VARCHAR(32) NOT NULL,
			severity VARCHAR(16) NOT NULL,
			description ` + txt + `,
			resolved INTEGER NOT NULL DEFAULT 0,
			created_at ` + ts + ` NOT NULL
		)` + sfx,
		`CREATE INDEX idx_signals_task ON uncertainty_signals (task_id, resolved)`,

		`CREATE TABLE IF NOT EXISTS approvals (
			id ` + id + `,
			task_id ` + k + ` NOT NULL,
			checkpoint_id BIGINT,
			decision VARCHAR(32) NOT NULL,
			verifier_confidence ` + dbl + ` NOT NULL DEFAULT 0,
			completed_at ` + ts + `
		)` + sfx,
		`CREATE INDEX idx_approvals_task ON approvals (task_id, id)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			id ` + id + `,
			action VARCHAR(64) NOT NULL,
			task_id ` + k + `,
			project_id ` + k + `,
			correlation_id VARCHAR(64),
			details ` + txt + `,
			created_at ` + ts + ` NOT NULL
		)` + sfx,
		`CREATE INDEX idx_audit_log_task ON audit_log (task_id, id)`,

		`CREATE TABLE IF NOT EXISTS audit_trail (
			id ` + id + `,
			project_id ` + k + `,
			task_id ` + k + `,
			action_type VARCHAR(64) NOT NULL,
			step_name ` + txt + `,
			data ` + txt + `,
			created_at ` + ts + ` NOT NULL
		)` + sfx,

		`CREATE TABLE IF NOT EXISTS compliance_holds (
			id ` + id + `,
			task_id ` + k + ` NOT NULL,
			hold_type VARCHAR(64) NOT NULL,
			reason ` + txt + `,
			created_at ` + ts + ` NOT NULL,
			released_at ` + ts + `,
			released_by ` + txt + `
		)` + sfx,
		`CREATE INDEX idx_holds_task ON compliance_holds (task_id, released_at)`,
	}
}

// Migrate applies the schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema(s.dialect) {
		if strings.HasPrefix(stmt, "CREATE INDEX") {
			if err := s.createIndex(ctx, stmt); err != nil {
				return err
			}
			continue
		}
		if _, err := s.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	var n int
	if err := s.QueryRow(ctx, `SELECT COUNT(*) FROM schema_meta`).Scan(&n); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if n == 0 {
		if _, err := s.Exec(ctx, `INSERT INTO schema_meta (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	}
	return nil
}

// createIndex creates an index, tolerating one that already exists. MySQL
// has no CREATE INDEX IF NOT EXISTS.
func (s *Store) createIndex(ctx context.Context, stmt string) error {
	if s.dialect == DialectSQLite {
		stmt = strings.Replace(stmt, "CREATE INDEX", "CREATE INDEX IF NOT EXISTS", 1)
	}
	_, err := s.Exec(ctx, stmt)
	var merr *mysql.MySQLError
	if errors.As(err, &merr) && merr.Number == mysqlDuplicateKeyName {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	return nil
}

// SchemaVersion returns the recorded schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.QueryRow(ctx, `SELECT version FROM schema_meta LIMIT 1`).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}
