// Package memory provides an in-process jobstore.Store used by tests and
// single-node development setups. All operations take the store mutex, so
// the claim compare-and-set has the same exclusivity semantics as the
// SQL-backed stores.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"blueprintr/extraction-service/internal/jobstore"
	"blueprintr/extraction-service/internal/model"
)

// Store is an in-memory implementation of jobstore.Store.
type Store struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*model.Job
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{jobs: make(map[uuid.UUID]*model.Job)}
}

var _ jobstore.Store = (*Store)(nil)

func (s *Store) Create(_ context.Context, j *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneJob(j)
	s.jobs[cp.ID] = cp
	return nil
}

func (s *Store) Get(_ context.Context, id uuid.UUID) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, jobstore.ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *Store) List(_ context.Context, f model.ListFilter) ([]*model.Job, int, error) {
	f = f.Normalize()

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*model.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		matched = append(matched, j)
	}
	sort.Slice(matched, func(a, b int) bool {
		return matched[a].CreatedAt.After(matched[b].CreatedAt)
	})

	total := len(matched)
	start := f.Offset()
	if start > total {
		start = total
	}
	end := start + f.PageSize
	if end > total {
		end = total
	}

	page := make([]*model.Job, 0, end-start)
	for _, j := range matched[start:end] {
		page = append(page, cloneJob(j))
	}
	return page, total, nil
}

func (s *Store) Claim(_ context.Context, id uuid.UUID, token string, now time.Time) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, jobstore.ErrNotFound
	}
	if j.Status != model.StatusPending {
		return nil, jobstore.ErrClaimConflict
	}

	j.Status = model.StatusProcessing
	j.ClaimToken = &token
	j.NextRetryAt = nil
	hb := now
	j.LastHeartbeatAt = &hb
	if j.StartedAt == nil {
		st := now
		j.StartedAt = &st
	}
	return cloneJob(j), nil
}

func (s *Store) Heartbeat(_ context.Context, id uuid.UUID, token string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.owned(id, token)
	if err != nil {
		return err
	}
	now := time.Now()
	j.LastHeartbeatAt = &now
	if progress >= 0 && progress <= 100 {
		j.Progress = progress
	}
	return nil
}

func (s *Store) FinalizeCompleted(_ context.Context, id uuid.UUID, token string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.owned(id, token)
	if err != nil {
		return err
	}
	now := time.Now()
	j.Status = model.StatusCompleted
	j.Result = append(json.RawMessage(nil), result...)
	j.Progress = 100
	j.CompletedAt = &now
	j.ClaimToken = nil
	return nil
}

func (s *Store) FinalizeFailed(_ context.Context, id uuid.UUID, token string, msg, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.owned(id, token)
	if err != nil {
		return err
	}
	now := time.Now()
	j.Status = model.StatusFailed
	j.ErrorMessage = &msg
	j.ErrorDetail = &detail
	j.CompletedAt = &now
	j.ClaimToken = nil
	return nil
}

func (s *Store) Requeue(_ context.Context, id uuid.UUID, token string, nextRetryAt time.Time, msg, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.owned(id, token)
	if err != nil {
		return err
	}
	j.Status = model.StatusPending
	j.RetryCount++
	j.NextRetryAt = &nextRetryAt
	j.ErrorMessage = &msg
	j.ErrorDetail = &detail
	j.ClaimToken = nil
	return nil
}

func (s *Store) SetItems(_ context.Context, id uuid.UUID, token string, items []model.BulkItem, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.owned(id, token)
	if err != nil {
		return err
	}
	j.Items = cloneItems(items)
	if progress >= 0 && progress <= 100 {
		j.Progress = progress
	}
	now := time.Now()
	j.LastHeartbeatAt = &now
	return nil
}

func (s *Store) Cancel(_ context.Context, id uuid.UUID) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, jobstore.ErrNotFound
	}
	if j.Status != model.StatusPending {
		return nil, &jobstore.StatusConflictError{Op: "cancel", Current: j.Status}
	}
	now := time.Now()
	j.Status = model.StatusCancelled
	j.CompletedAt = &now
	j.NextRetryAt = nil
	return cloneJob(j), nil
}

func (s *Store) ResetForRetry(_ context.Context, id uuid.UUID) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, jobstore.ErrNotFound
	}
	if j.Status != model.StatusFailed {
		return nil, &jobstore.StatusConflictError{Op: "retry", Current: j.Status}
	}
	j.Status = model.StatusPending
	j.RetryCount = 0
	j.NextRetryAt = nil
	j.ErrorMessage = nil
	j.ErrorDetail = nil
	j.ClaimToken = nil
	j.CompletedAt = nil
	return cloneJob(j), nil
}

func (s *Store) ListRetryable(_ context.Context, now time.Time, limit int) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*model.Job
	for _, j := range s.jobs {
		if j.Status != model.StatusPending {
			continue
		}
		if j.NextRetryAt != nil && j.NextRetryAt.After(now) {
			continue
		}
		due = append(due, j)
	}
	sort.Slice(due, func(a, b int) bool {
		return due[a].CreatedAt.Before(due[b].CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*model.Job, 0, len(due))
	for _, j := range due {
		out = append(out, cloneJob(j))
	}
	return out, nil
}

func (s *Store) ListOrphaned(_ context.Context, deadline time.Time, limit int) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []*model.Job
	for _, j := range s.jobs {
		if j.Status != model.StatusProcessing {
			continue
		}
		if j.LastHeartbeatAt != nil && !j.LastHeartbeatAt.Before(deadline) {
			continue
		}
		stale = append(stale, j)
	}
	sort.Slice(stale, func(a, b int) bool {
		return stale[a].CreatedAt.Before(stale[b].CreatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}

	out := make([]*model.Job, 0, len(stale))
	for _, j := range stale {
		out = append(out, cloneJob(j))
	}
	return out, nil
}

func (s *Store) RequeueOrphan(_ context.Context, id uuid.UUID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.owned(id, token)
	if err != nil {
		return err
	}
	j.Status = model.StatusPending
	j.ClaimToken = nil
	j.NextRetryAt = nil
	return nil
}

// owned returns the job if it is PROCESSING under the given token.
func (s *Store) owned(id uuid.UUID, token string) (*model.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, jobstore.ErrNotFound
	}
	if j.Status != model.StatusProcessing || j.ClaimToken == nil || *j.ClaimToken != token {
		return nil, jobstore.ErrStaleClaim
	}
	return j, nil
}

func cloneJob(j *model.Job) *model.Job {
	cp := *j
	cp.InputRefs = append([]string(nil), j.InputRefs...)
	cp.Options = append(json.RawMessage(nil), j.Options...)
	cp.Result = append(json.RawMessage(nil), j.Result...)
	cp.Items = cloneItems(j.Items)
	cp.ErrorMessage = clonePtr(j.ErrorMessage)
	cp.ErrorDetail = clonePtr(j.ErrorDetail)
	cp.ClaimToken = clonePtr(j.ClaimToken)
	cp.NextRetryAt = clonePtr(j.NextRetryAt)
	cp.StartedAt = clonePtr(j.StartedAt)
	cp.CompletedAt = clonePtr(j.CompletedAt)
	cp.LastHeartbeatAt = clonePtr(j.LastHeartbeatAt)
	return &cp
}

func cloneItems(items []model.BulkItem) []model.BulkItem {
	if items == nil {
		return nil
	}
	out := make([]model.BulkItem, len(items))
	for i, item := range items {
		item.Result = append(json.RawMessage(nil), item.Result...)
		out[i] = item
	}
	return out
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
