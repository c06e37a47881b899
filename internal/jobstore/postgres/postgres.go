// Package postgres implements jobstore.Store on PostgreSQL via pgx. Every
// guarded transition is a single UPDATE whose WHERE clause carries the
// expected status (and claim token where applicable), so the database row
// lock is the only concurrency control needed.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"blueprintr/extraction-service/internal/jobstore"
	"blueprintr/extraction-service/internal/model"
)

// Store is a PostgreSQL-backed job store.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store on an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool for databaseURL and pings it.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("jobstore/postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("jobstore/postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

var _ jobstore.Store = (*Store)(nil)

const jobColumns = `
	id, status, task_kind, input_ref, input_refs, options, result,
	error_message, error_detail, retry_count, max_retries, next_retry_at,
	claim_token, progress, items,
	created_at, started_at, completed_at, last_heartbeat_at`

func (s *Store) Create(ctx context.Context, j *model.Job) error {
	items, err := marshalItems(j.Items)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO extraction_jobs (
			id, status, task_kind, input_ref, input_refs, options,
			retry_count, max_retries, progress, items, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		j.ID, string(j.Status), j.TaskKind, j.InputRef, j.InputRefs,
		rawOrNil(j.Options), j.RetryCount, j.MaxRetries, j.Progress, items,
		j.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("jobstore/postgres: create: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM extraction_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, jobstore.ErrNotFound
		}
		return nil, fmt.Errorf("jobstore/postgres: get: %w", err)
	}
	return j, nil
}

func (s *Store) List(ctx context.Context, f model.ListFilter) ([]*model.Job, int, error) {
	f = f.Normalize()

	where := ""
	args := []any{}
	if f.Status != "" {
		where = "WHERE status = $1"
		args = append(args, string(f.Status))
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM extraction_jobs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("jobstore/postgres: count: %w", err)
	}

	limitArgs := append(args, f.PageSize, f.Offset())
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM extraction_jobs %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, len(args)+1, len(args)+2), limitArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("jobstore/postgres: list: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (s *Store) Claim(ctx context.Context, id uuid.UUID, token string, now time.Time) (*model.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE extraction_jobs SET
			status = $2,
			claim_token = $3,
			next_retry_at = NULL,
			started_at = COALESCE(started_at, $4),
			last_heartbeat_at = $4
		WHERE id = $1 AND status = $5
		RETURNING `+jobColumns,
		id, string(model.StatusProcessing), token, now, string(model.StatusPending),
	)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.claimMiss(ctx, id)
		}
		return nil, fmt.Errorf("jobstore/postgres: claim: %w", err)
	}
	return j, nil
}

// claimMiss distinguishes a missing row from a lost claim race.
func (s *Store) claimMiss(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM extraction_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("jobstore/postgres: claim check: %w", err)
	}
	if !exists {
		return jobstore.ErrNotFound
	}
	return jobstore.ErrClaimConflict
}

func (s *Store) Heartbeat(ctx context.Context, id uuid.UUID, token string, progress int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE extraction_jobs SET
			last_heartbeat_at = now(),
			progress = CASE WHEN $3 BETWEEN 0 AND 100 THEN $3 ELSE progress END
		WHERE id = $1 AND status = $4 AND claim_token = $2`,
		id, token, progress, string(model.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("jobstore/postgres: heartbeat: %w", err)
	}
	return s.guardResult(ctx, tag.RowsAffected(), id)
}

func (s *Store) FinalizeCompleted(ctx context.Context, id uuid.UUID, token string, result json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE extraction_jobs SET
			status = $3,
			result = $4,
			progress = 100,
			completed_at = now(),
			claim_token = NULL
		WHERE id = $1 AND status = $5 AND claim_token = $2`,
		id, token, string(model.StatusCompleted), rawOrNil(result),
		string(model.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("jobstore/postgres: finalize completed: %w", err)
	}
	return s.guardResult(ctx, tag.RowsAffected(), id)
}

func (s *Store) FinalizeFailed(ctx context.Context, id uuid.UUID, token string, msg, detail string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE extraction_jobs SET
			status = $3,
			error_message = $4,
			error_detail = $5,
			completed_at = now(),
			claim_token = NULL
		WHERE id = $1 AND status = $6 AND claim_token = $2`,
		id, token, string(model.StatusFailed), msg, detail,
		string(model.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("jobstore/postgres: finalize failed: %w", err)
	}
	return s.guardResult(ctx, tag.RowsAffected(), id)
}

func (s *Store) Requeue(ctx context.Context, id uuid.UUID, token string, nextRetryAt time.Time, msg, detail string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE extraction_jobs SET
			status = $3,
			retry_count = retry_count + 1,
			next_retry_at = $4,
			error_message = $5,
			error_detail = $6,
			claim_token = NULL
		WHERE id = $1 AND status = $7 AND claim_token = $2`,
		id, token, string(model.StatusPending), nextRetryAt, msg, detail,
		string(model.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("jobstore/postgres: requeue: %w", err)
	}
	return s.guardResult(ctx, tag.RowsAffected(), id)
}

func (s *Store) SetItems(ctx context.Context, id uuid.UUID, token string, items []model.BulkItem, progress int) error {
	encoded, err := marshalItems(items)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE extraction_jobs SET
			items = $3,
			progress = CASE WHEN $4 BETWEEN 0 AND 100 THEN $4 ELSE progress END,
			last_heartbeat_at = now()
		WHERE id = $1 AND status = $5 AND claim_token = $2`,
		id, token, encoded, progress, string(model.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("jobstore/postgres: set items: %w", err)
	}
	return s.guardResult(ctx, tag.RowsAffected(), id)
}

func (s *Store) Cancel(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE extraction_jobs SET
			status = $2,
			completed_at = now(),
			next_retry_at = NULL
		WHERE id = $1 AND status = $3
		RETURNING `+jobColumns,
		id, string(model.StatusCancelled), string(model.StatusPending),
	)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.statusMiss(ctx, id, "cancel")
		}
		return nil, fmt.Errorf("jobstore/postgres: cancel: %w", err)
	}
	return j, nil
}

func (s *Store) ResetForRetry(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE extraction_jobs SET
			status = $2,
			retry_count = 0,
			next_retry_at = NULL,
			error_message = NULL,
			error_detail = NULL,
			claim_token = NULL,
			completed_at = NULL
		WHERE id = $1 AND status = $3
		RETURNING `+jobColumns,
		id, string(model.StatusPending), string(model.StatusFailed),
	)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, s.statusMiss(ctx, id, "retry")
		}
		return nil, fmt.Errorf("jobstore/postgres: reset for retry: %w", err)
	}
	return j, nil
}

func (s *Store) ListRetryable(ctx context.Context, now time.Time, limit int) ([]*model.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM extraction_jobs
		WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= $2)
		ORDER BY created_at ASC
		LIMIT $3`,
		string(model.StatusPending), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("jobstore/postgres: list retryable: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Store) ListOrphaned(ctx context.Context, deadline time.Time, limit int) ([]*model.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM extraction_jobs
		WHERE status = $1 AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $2)
		ORDER BY created_at ASC
		LIMIT $3`,
		string(model.StatusProcessing), deadline, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("jobstore/postgres: list orphaned: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Store) RequeueOrphan(ctx context.Context, id uuid.UUID, token string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE extraction_jobs SET
			status = $3,
			claim_token = NULL,
			next_retry_at = NULL
		WHERE id = $1 AND status = $4 AND claim_token = $2`,
		id, token, string(model.StatusPending), string(model.StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("jobstore/postgres: requeue orphan: %w", err)
	}
	return s.guardResult(ctx, tag.RowsAffected(), id)
}

// guardResult maps a zero-row guarded update onto the not-found/stale-claim
// split.
func (s *Store) guardResult(ctx context.Context, affected int64, id uuid.UUID) error {
	if affected > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM extraction_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("jobstore/postgres: guard check: %w", err)
	}
	if !exists {
		return jobstore.ErrNotFound
	}
	return jobstore.ErrStaleClaim
}

// statusMiss maps a zero-row lifecycle update onto not-found or a conflict
// naming the job's current status.
func (s *Store) statusMiss(ctx context.Context, id uuid.UUID, op string) error {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT status FROM extraction_jobs WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return jobstore.ErrNotFound
		}
		return fmt.Errorf("jobstore/postgres: status check: %w", err)
	}
	return &jobstore.StatusConflictError{Op: op, Current: model.JobStatus(status)}
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var (
		j        model.Job
		status   string
		options  []byte
		result   []byte
		items    []byte
	)
	err := row.Scan(
		&j.ID, &status, &j.TaskKind, &j.InputRef, &j.InputRefs, &options,
		&result, &j.ErrorMessage, &j.ErrorDetail, &j.RetryCount,
		&j.MaxRetries, &j.NextRetryAt, &j.ClaimToken, &j.Progress, &items,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.LastHeartbeatAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	j.Options = json.RawMessage(options)
	j.Result = json.RawMessage(result)
	if len(items) > 0 {
		if err := json.Unmarshal(items, &j.Items); err != nil {
			return nil, fmt.Errorf("jobstore/postgres: decode items: %w", err)
		}
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*model.Job, error) {
	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("jobstore/postgres: scan: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobstore/postgres: rows: %w", err)
	}
	return jobs, nil
}

func marshalItems(items []model.BulkItem) ([]byte, error) {
	if items == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("jobstore/postgres: encode items: %w", err)
	}
	return encoded, nil
}

func rawOrNil(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
