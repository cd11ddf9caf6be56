package postgres

import (
	"context"
	"fmt"
)

// schema holds the two logical tables of the broker: jobs and the append-only
// usage ledger, with the indexes the admission and dispatch query patterns
// rely on.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		tier TEXT NOT NULL,
		spec JSONB NOT NULL,
		state TEXT NOT NULL,
		priority INT NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		submitted_at TIMESTAMPTZ NOT NULL,
		admitted_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		result JSONB,
		error_kind TEXT NOT NULL DEFAULT '',
		error_msg TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_subject_submitted ON jobs (subject, submitted_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_state_priority ON jobs (state, priority DESC, admitted_at ASC)`,
	`CREATE TABLE IF NOT EXISTS usage_records (
		job_id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		tokens_in BIGINT NOT NULL,
		tokens_out BIGINT NOT NULL,
		success BOOLEAN NOT NULL,
		error_kind TEXT NOT NULL DEFAULT '',
		estimated_cost DOUBLE PRECISION NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_subject_ts ON usage_records (subject, ts DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_ts ON usage_records (ts DESC)`,
}

// Migrate applies the schema idempotently.
func Migrate(ctx context.Context, pool PgxPool) error {
	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=postgres.Migrate: %w", err)
		}
	}
	return nil
}
