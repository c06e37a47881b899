// Package jobstore defines the persistence contract for extraction jobs.
// The store is the single source of truth for job state and the only
// cross-worker coordination point: every mutation is a single-row,
// atomically guarded update keyed on the job's current status and claim
// token.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"blueprintr/extraction-service/internal/model"
)

var (
	// ErrNotFound is returned when no job exists for the given ID.
	ErrNotFound = errors.New("jobstore: job not found")

	// ErrClaimConflict is returned by Claim when the job is no longer
	// pending: another worker (or a duplicate delivery) got there first.
	ErrClaimConflict = errors.New("jobstore: job already claimed")

	// ErrStaleClaim is returned by token-guarded mutations when the stored
	// claim token no longer matches: a newer attempt has superseded this
	// one and the write must be discarded.
	ErrStaleClaim = errors.New("jobstore: stale claim token")
)

// StatusConflictError reports a lifecycle operation attempted against a job
// whose current status does not permit it (e.g. cancelling a running job).
type StatusConflictError struct {
	Op      string
	Current model.JobStatus
}

func (e *StatusConflictError) Error() string {
	return fmt.Sprintf("jobstore: cannot %s job in status %s", e.Op, e.Current)
}

// Store is the persistence contract for jobs.
type Store interface {
	// Create persists a new job. The job must already carry an ID and
	// PENDING status.
	Create(ctx context.Context, j *model.Job) error

	// Get retrieves a job by ID.
	Get(ctx context.Context, id uuid.UUID) (*model.Job, error)

	// List returns a page of jobs matching the filter, newest first, plus
	// the total count of matches.
	List(ctx context.Context, f model.ListFilter) ([]*model.Job, int, error)

	// Claim atomically transitions the job from PENDING to PROCESSING and
	// records token as the owning attempt. It sets StartedAt on the first
	// claim only, clears NextRetryAt and refreshes the heartbeat. Returns
	// ErrClaimConflict if the job is not PENDING.
	Claim(ctx context.Context, id uuid.UUID, token string, now time.Time) (*model.Job, error)

	// Heartbeat refreshes LastHeartbeatAt and the advisory progress value
	// for the attempt holding token. Returns ErrStaleClaim if superseded.
	Heartbeat(ctx context.Context, id uuid.UUID, token string, progress int) error

	// FinalizeCompleted transitions PROCESSING to COMPLETED for the attempt
	// holding token, storing the result.
	FinalizeCompleted(ctx context.Context, id uuid.UUID, token string, result json.RawMessage) error

	// FinalizeFailed transitions PROCESSING to FAILED for the attempt
	// holding token, recording the last attempt's error.
	FinalizeFailed(ctx context.Context, id uuid.UUID, token string, msg, detail string) error

	// Requeue transitions PROCESSING back to PENDING after a retryable
	// failure: increments RetryCount, schedules NextRetryAt and clears the
	// claim token. Guarded by token.
	Requeue(ctx context.Context, id uuid.UUID, token string, nextRetryAt time.Time, msg, detail string) error

	// SetItems replaces the bulk-item sub-list and aggregate progress for
	// the attempt holding token.
	SetItems(ctx context.Context, id uuid.UUID, token string, items []model.BulkItem, progress int) error

	// Cancel transitions PENDING to CANCELLED. Any other current status is
	// a *StatusConflictError.
	Cancel(ctx context.Context, id uuid.UUID) (*model.Job, error)

	// ResetForRetry transitions FAILED back to PENDING for a manual retry:
	// RetryCount to zero, error fields, schedule and claim token cleared.
	// Any other current status is a *StatusConflictError.
	ResetForRetry(ctx context.Context, id uuid.UUID) (*model.Job, error)

	// ListRetryable returns up to limit PENDING jobs whose NextRetryAt is
	// unset or due at now, oldest first.
	ListRetryable(ctx context.Context, now time.Time, limit int) ([]*model.Job, error)

	// ListOrphaned returns up to limit PROCESSING jobs whose last heartbeat
	// is older than deadline, implying the owning worker crashed.
	ListOrphaned(ctx context.Context, deadline time.Time, limit int) ([]*model.Job, error)

	// RequeueOrphan transitions an abandoned PROCESSING job back to PENDING
	// without touching RetryCount: a worker crash is not the task body's
	// fault. Guarded by token so a racing new claim is never clobbered.
	RequeueOrphan(ctx context.Context, id uuid.UUID, token string) error
}
