package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of an extraction job.
type JobStatus string

const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
	StatusCancelled  JobStatus = "CANCELLED"
)

// Valid reports whether s is one of the known job statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether a job in this status accepts no further writes.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Job is the persisted record for one extraction job. The record is the
// single source of truth for the job's lifecycle; workers and the sweeper
// mutate it only through the token-guarded store operations.
type Job struct {
	ID       uuid.UUID `json:"id"`
	Status   JobStatus `json:"status"`
	TaskKind string    `json:"task_kind"`

	// InputRef is an opaque reference to the input file (storage path or
	// URL), owned by the caller. Bulk jobs carry InputRefs instead.
	InputRef  string   `json:"input_ref,omitempty"`
	InputRefs []string `json:"input_refs,omitempty"`

	// Options is passed through to the task body unmodified.
	Options json.RawMessage `json:"options,omitempty"`

	// Result is populated only when Status is COMPLETED.
	Result json.RawMessage `json:"result,omitempty"`

	ErrorMessage *string `json:"error_message,omitempty"`
	ErrorDetail  *string `json:"error_detail,omitempty"`

	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	// ClaimToken identifies the attempt currently holding the job. A
	// finalize carrying a token that no longer matches is rejected.
	ClaimToken *string `json:"claim_token,omitempty"`

	// Progress is advisory only, 0-100.
	Progress int `json:"progress"`

	// Items tracks per-item outcomes for bulk jobs.
	Items []BulkItem `json:"items,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
}

// DefaultMaxRetries is applied when a job is created without an explicit
// retry ceiling.
const DefaultMaxRetries = 3

// Bulk reports whether the job fans out over a list of input references.
func (j *Job) Bulk() bool {
	return len(j.InputRefs) > 0
}

// BulkItemStatus is the outcome of a single item inside a bulk job.
type BulkItemStatus string

const (
	ItemPending   BulkItemStatus = "PENDING"
	ItemCompleted BulkItemStatus = "COMPLETED"
	ItemFailed    BulkItemStatus = "FAILED"
)

// BulkItem records the per-item result sub-list of a bulk job.
type BulkItem struct {
	InputRef     string          `json:"input_ref"`
	Status       BulkItemStatus  `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// ListFilter narrows and pages job list queries.
type ListFilter struct {
	Status   JobStatus
	Page     int
	PageSize int
}

// Normalize clamps the filter to sane pagination bounds.
func (f ListFilter) Normalize() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}
	return f
}

// Offset returns the row offset implied by the page settings.
func (f ListFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}
