package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"blueprintr/extraction-service/internal/broker"
	"blueprintr/extraction-service/internal/handlers"
	"blueprintr/extraction-service/internal/jobstore/memory"
	"blueprintr/extraction-service/internal/model"
)

type testEnv struct {
	app     *fiber.App
	store   *memory.Store
	broker  *broker.Memory
	handler *handlers.ApplicationHandler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	b := broker.NewMemory(64)
	t.Cleanup(func() { b.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	h := handlers.NewApplicationHandler(store, b, log, []string{"pdf", "dxf", "analysis"})

	app := fiber.New()
	api := app.Group("/api/v1")
	api.Post("/jobs", h.CreateJob)
	api.Get("/jobs", h.ListJobs)
	api.Get("/jobs/:jobId", h.GetJob)
	api.Delete("/jobs/:jobId", h.CancelJob)
	api.Post("/jobs/:jobId/retry", h.RetryJob)
	api.Post("/drawings/upload", h.UploadDrawing)
	api.Post("/drawings/upload/signed", h.CreateSignedUpload)

	return &testEnv{app: app, store: store, broker: b, handler: h}
}

func (e *testEnv) request(t *testing.T, method, target string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	return resp
}

func decodeData(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	var envelope struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
}

func errorMessage(t *testing.T, resp *http.Response) string {
	t.Helper()
	var envelope struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return envelope.Message
}

func TestCreateJob(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"task_kind": "pdf",
		"input_ref": "uploads/plan.pdf",
	})
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var job model.Job
	decodeData(t, resp, &job)
	if job.Status != model.StatusPending {
		t.Errorf("job status = %s, want PENDING", job.Status)
	}
	if job.MaxRetries != model.DefaultMaxRetries {
		t.Errorf("max retries = %d, want %d", job.MaxRetries, model.DefaultMaxRetries)
	}

	// The job must be both durable and published.
	if _, err := env.store.Get(context.Background(), job.ID); err != nil {
		t.Errorf("job not persisted: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := env.broker.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if d.JobID != job.ID {
		t.Errorf("published job = %s, want %s", d.JobID, job.ID)
	}
}

func TestCreateJob_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]any
		want string
	}{
		{"missing task kind", map[string]any{"input_ref": "uploads/a.pdf"}, "TaskKind"},
		{"missing input", map[string]any{"task_kind": "pdf"}, "InputRef"},
		{"unknown kind", map[string]any{"task_kind": "step", "input_ref": "uploads/a.step"}, "Unknown task kind"},
		{"excessive retries", map[string]any{"task_kind": "pdf", "input_ref": "uploads/a.pdf", "max_retries": 99}, "MaxRetries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.request(t, http.MethodPost, "/api/v1/jobs", tt.body)
			if resp.StatusCode != fiber.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			if msg := errorMessage(t, resp); !strings.Contains(msg, tt.want) {
				t.Errorf("message = %q, want mention of %q", msg, tt.want)
			}
		})
	}
}

func TestCreateJob_Bulk(t *testing.T) {
	env := newTestEnv(t)

	resp := env.request(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"task_kind":  "dxf",
		"input_refs": []string{"uploads/a.dxf", "uploads/b.dxf"},
	})
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var job model.Job
	decodeData(t, resp, &job)
	if !job.Bulk() {
		t.Error("job not recognized as bulk")
	}
	if len(job.InputRefs) != 2 {
		t.Errorf("input refs = %d, want 2", len(job.InputRefs))
	}
}

func TestGetJob(t *testing.T) {
	env := newTestEnv(t)

	created := seedJob(t, env, model.StatusPending)

	resp := env.request(t, http.MethodGet, "/api/v1/jobs/"+created.ID.String(), nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var job model.Job
	decodeData(t, resp, &job)
	if job.ID != created.ID {
		t.Errorf("job id = %s, want %s", job.ID, created.ID)
	}

	resp = env.request(t, http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil)
	if resp.StatusCode != fiber.StatusNotFound {
		t.Errorf("missing job status = %d, want 404", resp.StatusCode)
	}

	resp = env.request(t, http.MethodGet, "/api/v1/jobs/not-a-uuid", nil)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", resp.StatusCode)
	}
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		seedJob(t, env, model.StatusPending)
	}
	failed := seedJob(t, env, model.StatusPending)
	failJob(t, env, failed.ID)

	resp := env.request(t, http.MethodGet, "/api/v1/jobs?page=1&page_size=2", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var envelope struct {
		Data       []model.Job `json:"data"`
		Pagination struct {
			Page     int `json:"page"`
			PageSize int `json:"page_size"`
			Total    int `json:"total"`
		} `json:"pagination"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(envelope.Data) != 2 {
		t.Errorf("page size = %d, want 2", len(envelope.Data))
	}
	if envelope.Pagination.Total != 4 {
		t.Errorf("total = %d, want 4", envelope.Pagination.Total)
	}

	resp = env.request(t, http.MethodGet, "/api/v1/jobs?status=failed", nil)
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode filtered: %v", err)
	}
	if len(envelope.Data) != 1 || envelope.Data[0].ID != failed.ID {
		t.Errorf("failed filter returned %d jobs", len(envelope.Data))
	}

	resp = env.request(t, http.MethodGet, "/api/v1/jobs?status=bogus", nil)
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Errorf("bogus status filter = %d, want 400", resp.StatusCode)
	}
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t)

	pending := seedJob(t, env, model.StatusPending)
	resp := env.request(t, http.MethodDelete, "/api/v1/jobs/"+pending.ID.String(), nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var job model.Job
	decodeData(t, resp, &job)
	if job.Status != model.StatusCancelled {
		t.Errorf("job status = %s, want CANCELLED", job.Status)
	}

	// A job already claimed by a worker cannot be cancelled; the conflict
	// names the current status.
	processing := seedJob(t, env, model.StatusPending)
	if _, err := env.store.Claim(context.Background(), processing.ID, uuid.NewString(), time.Now()); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	resp = env.request(t, http.MethodDelete, "/api/v1/jobs/"+processing.ID.String(), nil)
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if msg := errorMessage(t, resp); !strings.Contains(msg, "PROCESSING") {
		t.Errorf("conflict message = %q, want current status named", msg)
	}
}

func TestRetryJob(t *testing.T) {
	env := newTestEnv(t)

	failed := seedJob(t, env, model.StatusPending)
	failJob(t, env, failed.ID)

	resp := env.request(t, http.MethodPost, "/api/v1/jobs/"+failed.ID.String()+"/retry", nil)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var job model.Job
	decodeData(t, resp, &job)
	if job.Status != model.StatusPending {
		t.Errorf("job status = %s, want PENDING", job.Status)
	}
	if job.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", job.RetryCount)
	}

	// A fresh task is published for the resubmitted job.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := env.broker.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if d.JobID != failed.ID {
		t.Errorf("published job = %s, want %s", d.JobID, failed.ID)
	}

	// Only FAILED jobs can be manually retried.
	pending := seedJob(t, env, model.StatusPending)
	resp = env.request(t, http.MethodPost, "/api/v1/jobs/"+pending.ID.String()+"/retry", nil)
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if msg := errorMessage(t, resp); !strings.Contains(msg, "FAILED") {
		t.Errorf("conflict message = %q, want FAILED requirement named", msg)
	}
}

func seedJob(t *testing.T, env *testEnv, status model.JobStatus) *model.Job {
	t.Helper()
	j := &model.Job{
		ID:         uuid.New(),
		Status:     status,
		TaskKind:   "pdf",
		InputRef:   fmt.Sprintf("uploads/%s.pdf", uuid.NewString()),
		MaxRetries: model.DefaultMaxRetries,
		CreatedAt:  time.Now(),
	}
	if err := env.store.Create(context.Background(), j); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return j
}

// failJob drives a job to FAILED through the store's own transitions.
func failJob(t *testing.T, env *testEnv, id uuid.UUID) {
	t.Helper()
	token := uuid.NewString()
	if _, err := env.store.Claim(context.Background(), id, token, time.Now()); err != nil {
		t.Fatalf("claim for fail: %v", err)
	}
	if err := env.store.FinalizeFailed(context.Background(), id, token, "unsupported file format", ""); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}
}
