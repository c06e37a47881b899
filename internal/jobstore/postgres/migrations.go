package postgres

import (
	"context"
	"fmt"
)

// schema is applied idempotently at worker/api startup. The partial indexes
// back the dispatcher's due-job scan and the sweeper's orphan scan.
const schema = `
CREATE TABLE IF NOT EXISTS extraction_jobs (
	id                UUID PRIMARY KEY,
	status            TEXT NOT NULL,
	task_kind         TEXT NOT NULL,
	input_ref         TEXT NOT NULL DEFAULT '',
	input_refs        TEXT[],
	options           JSONB,
	result            JSONB,
	error_message     TEXT,
	error_detail      TEXT,
	retry_count       INT NOT NULL DEFAULT 0,
	max_retries       INT NOT NULL DEFAULT 3,
	next_retry_at     TIMESTAMPTZ,
	claim_token       TEXT,
	progress          INT NOT NULL DEFAULT 0,
	items             JSONB,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at        TIMESTAMPTZ,
	completed_at      TIMESTAMPTZ,
	last_heartbeat_at TIMESTAMPTZ,
	CONSTRAINT retry_count_within_budget CHECK (retry_count >= 0 AND retry_count <= max_retries)
);

CREATE INDEX IF NOT EXISTS idx_extraction_jobs_status_created
	ON extraction_jobs (status, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_extraction_jobs_retryable
	ON extraction_jobs (next_retry_at)
	WHERE status = 'PENDING';

CREATE INDEX IF NOT EXISTS idx_extraction_jobs_heartbeat
	ON extraction_jobs (last_heartbeat_at)
	WHERE status = 'PROCESSING';
`

// Migrate creates the job table and its indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("jobstore/postgres: migrate: %w", err)
	}
	return nil
}
