// Package postgrest implements jobstore.Store against a Supabase/PostgREST
// endpoint. Guarded transitions use PostgREST update filters as the
// compare-and-set: the update only matches rows whose status (and claim
// token) still equal the expected values, and an empty representation means
// the guard lost.
package postgrest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	postgrestgo "github.com/supabase-community/postgrest-go"

	"blueprintr/extraction-service/internal/jobstore"
	"blueprintr/extraction-service/internal/model"
)

const jobsTable = "extraction_jobs"

// Store is a PostgREST-backed job store.
type Store struct {
	client *postgrestgo.Client
}

// New creates a Store for the given Supabase project.
func New(supabaseURL, serviceKey string) (*Store, error) {
	client := postgrestgo.NewClient(supabaseURL+"/rest/v1", "", map[string]string{
		"apikey":        serviceKey,
		"Authorization": fmt.Sprintf("Bearer %s", serviceKey),
	})
	if client.ClientError != nil {
		return nil, fmt.Errorf("jobstore/postgrest: init client: %w", client.ClientError)
	}
	return &Store{client: client}, nil
}

var _ jobstore.Store = (*Store)(nil)

// record mirrors the extraction_jobs row for PostgREST (de)serialization.
type record struct {
	ID              string            `json:"id"`
	Status          string            `json:"status"`
	TaskKind        string            `json:"task_kind"`
	InputRef        string            `json:"input_ref"`
	InputRefs       []string          `json:"input_refs,omitempty"`
	Options         json.RawMessage   `json:"options,omitempty"`
	Result          json.RawMessage   `json:"result,omitempty"`
	ErrorMessage    *string           `json:"error_message,omitempty"`
	ErrorDetail     *string           `json:"error_detail,omitempty"`
	RetryCount      int               `json:"retry_count"`
	MaxRetries      int               `json:"max_retries"`
	NextRetryAt     *time.Time        `json:"next_retry_at,omitempty"`
	ClaimToken      *string           `json:"claim_token,omitempty"`
	Progress        int               `json:"progress"`
	Items           []model.BulkItem  `json:"items,omitempty"`
	CreatedAt       time.Time         `json:"created_at,omitempty"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	LastHeartbeatAt *time.Time        `json:"last_heartbeat_at,omitempty"`
}

func toRecord(j *model.Job) record {
	return record{
		ID:              j.ID.String(),
		Status:          string(j.Status),
		TaskKind:        j.TaskKind,
		InputRef:        j.InputRef,
		InputRefs:       j.InputRefs,
		Options:         j.Options,
		Result:          j.Result,
		ErrorMessage:    j.ErrorMessage,
		ErrorDetail:     j.ErrorDetail,
		RetryCount:      j.RetryCount,
		MaxRetries:      j.MaxRetries,
		NextRetryAt:     j.NextRetryAt,
		ClaimToken:      j.ClaimToken,
		Progress:        j.Progress,
		Items:           j.Items,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		LastHeartbeatAt: j.LastHeartbeatAt,
	}
}

func (r record) toJob() (*model.Job, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("jobstore/postgrest: bad job id %q: %w", r.ID, err)
	}
	return &model.Job{
		ID:              id,
		Status:          model.JobStatus(r.Status),
		TaskKind:        r.TaskKind,
		InputRef:        r.InputRef,
		InputRefs:       r.InputRefs,
		Options:         r.Options,
		Result:          r.Result,
		ErrorMessage:    r.ErrorMessage,
		ErrorDetail:     r.ErrorDetail,
		RetryCount:      r.RetryCount,
		MaxRetries:      r.MaxRetries,
		NextRetryAt:     r.NextRetryAt,
		ClaimToken:      r.ClaimToken,
		Progress:        r.Progress,
		Items:           r.Items,
		CreatedAt:       r.CreatedAt,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		LastHeartbeatAt: r.LastHeartbeatAt,
	}, nil
}

func (s *Store) Create(_ context.Context, j *model.Job) error {
	var results []record
	_, err := s.client.From(jobsTable).
		Insert(toRecord(j), false, "", "representation", "").
		ExecuteTo(&results)
	if err != nil {
		return fmt.Errorf("jobstore/postgrest: create: %w", err)
	}
	if len(results) == 0 {
		return fmt.Errorf("jobstore/postgrest: create: no record returned for %s", j.ID)
	}
	return nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (*model.Job, error) {
	var results []record
	_, err := s.client.From(jobsTable).
		Select("*", "", false).
		Eq("id", id.String()).
		Limit(1, "").
		ExecuteTo(&results)
	if err != nil {
		return nil, fmt.Errorf("jobstore/postgrest: get: %w", err)
	}
	if len(results) == 0 {
		return nil, jobstore.ErrNotFound
	}
	return results[0].toJob()
}

func (s *Store) List(_ context.Context, f model.ListFilter) ([]*model.Job, int, error) {
	f = f.Normalize()

	q := s.client.From(jobsTable).Select("*", "exact", false)
	if f.Status != "" {
		q = q.Eq("status", string(f.Status))
	}
	var results []record
	count, err := q.
		Order("created_at", &postgrestgo.OrderOpts{Ascending: false}).
		Range(f.Offset(), f.Offset()+f.PageSize-1, "").
		ExecuteTo(&results)
	if err != nil {
		return nil, 0, fmt.Errorf("jobstore/postgrest: list: %w", err)
	}

	jobs := make([]*model.Job, 0, len(results))
	for _, r := range results {
		j, err := r.toJob()
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	return jobs, int(count), nil
}

func (s *Store) Claim(ctx context.Context, id uuid.UUID, token string, now time.Time) (*model.Job, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	update := map[string]interface{}{
		"status":            string(model.StatusProcessing),
		"claim_token":       token,
		"next_retry_at":     nil,
		"last_heartbeat_at": now,
	}
	// First-attempt semantics: started_at is written once and survives
	// retry re-claims.
	if current.StartedAt == nil {
		update["started_at"] = now
	}

	results, err := s.guardedUpdate(update,
		"id", id.String(),
		"status", string(model.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("jobstore/postgrest: claim: %w", err)
	}
	if len(results) == 0 {
		return nil, jobstore.ErrClaimConflict
	}
	return results[0].toJob()
}

func (s *Store) Heartbeat(_ context.Context, id uuid.UUID, token string, progress int) error {
	update := map[string]interface{}{
		"last_heartbeat_at": time.Now(),
	}
	if progress >= 0 && progress <= 100 {
		update["progress"] = progress
	}
	return s.tokenGuarded(id, token, update, "heartbeat")
}

func (s *Store) FinalizeCompleted(_ context.Context, id uuid.UUID, token string, result json.RawMessage) error {
	return s.tokenGuarded(id, token, map[string]interface{}{
		"status":       string(model.StatusCompleted),
		"result":       result,
		"progress":     100,
		"completed_at": time.Now(),
		"claim_token":  nil,
	}, "finalize completed")
}

func (s *Store) FinalizeFailed(_ context.Context, id uuid.UUID, token string, msg, detail string) error {
	return s.tokenGuarded(id, token, map[string]interface{}{
		"status":        string(model.StatusFailed),
		"error_message": msg,
		"error_detail":  detail,
		"completed_at":  time.Now(),
		"claim_token":   nil,
	}, "finalize failed")
}

func (s *Store) Requeue(ctx context.Context, id uuid.UUID, token string, nextRetryAt time.Time, msg, detail string) error {
	// PostgREST cannot express retry_count = retry_count + 1; the token
	// guard makes this read-modify-write safe because only the attempt
	// holding the token writes.
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.tokenGuarded(id, token, map[string]interface{}{
		"status":        string(model.StatusPending),
		"retry_count":   current.RetryCount + 1,
		"next_retry_at": nextRetryAt,
		"error_message": msg,
		"error_detail":  detail,
		"claim_token":   nil,
	}, "requeue")
}

func (s *Store) SetItems(_ context.Context, id uuid.UUID, token string, items []model.BulkItem, progress int) error {
	update := map[string]interface{}{
		"items":             items,
		"last_heartbeat_at": time.Now(),
	}
	if progress >= 0 && progress <= 100 {
		update["progress"] = progress
	}
	return s.tokenGuarded(id, token, update, "set items")
}

func (s *Store) Cancel(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	var results []record
	_, err := s.client.From(jobsTable).
		Update(map[string]interface{}{
			"status":        string(model.StatusCancelled),
			"completed_at":  time.Now(),
			"next_retry_at": nil,
		}, "representation", "").
		Eq("id", id.String()).
		Eq("status", string(model.StatusPending)).
		ExecuteTo(&results)
	if err != nil {
		return nil, fmt.Errorf("jobstore/postgrest: cancel: %w", err)
	}
	if len(results) == 0 {
		return nil, s.statusMiss(ctx, id, "cancel")
	}
	return results[0].toJob()
}

func (s *Store) ResetForRetry(ctx context.Context, id uuid.UUID) (*model.Job, error) {
	var results []record
	_, err := s.client.From(jobsTable).
		Update(map[string]interface{}{
			"status":        string(model.StatusPending),
			"retry_count":   0,
			"next_retry_at": nil,
			"error_message": nil,
			"error_detail":  nil,
			"claim_token":   nil,
			"completed_at":  nil,
		}, "representation", "").
		Eq("id", id.String()).
		Eq("status", string(model.StatusFailed)).
		ExecuteTo(&results)
	if err != nil {
		return nil, fmt.Errorf("jobstore/postgrest: reset for retry: %w", err)
	}
	if len(results) == 0 {
		return nil, s.statusMiss(ctx, id, "retry")
	}
	return results[0].toJob()
}

func (s *Store) ListRetryable(_ context.Context, now time.Time, limit int) ([]*model.Job, error) {
	// PostgREST or-filters across null checks are awkward through this
	// client, so fetch the two due populations separately: first attempts
	// (no schedule) and scheduled retries that have come due.
	var unscheduled []record
	_, err := s.client.From(jobsTable).
		Select("*", "", false).
		Eq("status", string(model.StatusPending)).
		Filter("next_retry_at", "is", "null").
		Order("created_at", &postgrestgo.OrderOpts{Ascending: true}).
		Limit(limit, "").
		ExecuteTo(&unscheduled)
	if err != nil {
		return nil, fmt.Errorf("jobstore/postgrest: list retryable (unscheduled): %w", err)
	}

	var due []record
	_, err = s.client.From(jobsTable).
		Select("*", "", false).
		Eq("status", string(model.StatusPending)).
		Lte("next_retry_at", now.UTC().Format(time.RFC3339Nano)).
		Order("created_at", &postgrestgo.OrderOpts{Ascending: true}).
		Limit(limit, "").
		ExecuteTo(&due)
	if err != nil {
		return nil, fmt.Errorf("jobstore/postgrest: list retryable (due): %w", err)
	}

	merged := append(unscheduled, due...)
	if len(merged) > limit {
		merged = merged[:limit]
	}
	jobs := make([]*model.Job, 0, len(merged))
	for _, r := range merged {
		j, err := r.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *Store) ListOrphaned(_ context.Context, deadline time.Time, limit int) ([]*model.Job, error) {
	var results []record
	_, err := s.client.From(jobsTable).
		Select("*", "", false).
		Eq("status", string(model.StatusProcessing)).
		Lt("last_heartbeat_at", deadline.UTC().Format(time.RFC3339Nano)).
		Order("created_at", &postgrestgo.OrderOpts{Ascending: true}).
		Limit(limit, "").
		ExecuteTo(&results)
	if err != nil {
		return nil, fmt.Errorf("jobstore/postgrest: list orphaned: %w", err)
	}

	jobs := make([]*model.Job, 0, len(results))
	for _, r := range results {
		j, err := r.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *Store) RequeueOrphan(_ context.Context, id uuid.UUID, token string) error {
	return s.tokenGuarded(id, token, map[string]interface{}{
		"status":        string(model.StatusPending),
		"claim_token":   nil,
		"next_retry_at": nil,
	}, "requeue orphan")
}

// tokenGuarded applies update only while id is PROCESSING under token.
func (s *Store) tokenGuarded(id uuid.UUID, token string, update map[string]interface{}, op string) error {
	var results []record
	_, err := s.client.From(jobsTable).
		Update(update, "representation", "").
		Eq("id", id.String()).
		Eq("status", string(model.StatusProcessing)).
		Eq("claim_token", token).
		ExecuteTo(&results)
	if err != nil {
		return fmt.Errorf("jobstore/postgrest: %s: %w", op, err)
	}
	if len(results) == 0 {
		return jobstore.ErrStaleClaim
	}
	return nil
}

// guardedUpdate applies update to id while column equals expected.
func (s *Store) guardedUpdate(update map[string]interface{}, guards ...string) ([]record, error) {
	q := s.client.From(jobsTable).Update(update, "representation", "")
	for i := 0; i+1 < len(guards); i += 2 {
		q = q.Eq(guards[i], guards[i+1])
	}
	var results []record
	if _, err := q.ExecuteTo(&results); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *Store) statusMiss(ctx context.Context, id uuid.UUID, op string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return &jobstore.StatusConflictError{Op: op, Current: current.Status}
}
