// Package worker contains the execution side of the queue: the Runner that
// turns broker deliveries into claimed, executed and finalized jobs, the
// Pool that runs concurrent runners, the Dispatcher that publishes due jobs
// and the Sweeper that recovers orphaned ones.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"blueprintr/extraction-service/internal/broker"
	"blueprintr/extraction-service/internal/classify"
	"blueprintr/extraction-service/internal/jobstore"
	"blueprintr/extraction-service/internal/model"
	"blueprintr/extraction-service/internal/retry"
	"blueprintr/extraction-service/internal/taskbody"
)

// RunnerConfig tunes one runner.
type RunnerConfig struct {
	// TaskTimeout returns the execution deadline for a task kind.
	TaskTimeout func(kind string) time.Duration

	// BulkFailureThreshold is the item-failure ratio above which a bulk
	// job's parent fails.
	BulkFailureThreshold float64

	// BulkItemRetries is how many immediate extra attempts a retryable
	// item error gets within one bulk execution.
	BulkItemRetries int
}

// Runner executes a single delivery end to end: claim, run the task body,
// finalize, acknowledge. Task-body errors never escape; they become state
// transitions.
type Runner struct {
	store  jobstore.Store
	broker broker.Broker
	bodies *taskbody.Registry
	policy retry.Policy
	cfg    RunnerConfig
	log    *logrus.Logger
}

// NewRunner wires a runner.
func NewRunner(store jobstore.Store, b broker.Broker, bodies *taskbody.Registry, policy retry.Policy, cfg RunnerConfig, log *logrus.Logger) *Runner {
	if cfg.TaskTimeout == nil {
		cfg.TaskTimeout = func(string) time.Duration { return 2 * time.Minute }
	}
	if cfg.BulkFailureThreshold <= 0 {
		cfg.BulkFailureThreshold = 0.5
	}
	return &Runner{store: store, broker: b, bodies: bodies, policy: policy, cfg: cfg, log: log}
}

// Handle processes one delivery. A non-nil return means the store could not
// be updated; the delivery is left unacknowledged so the broker redelivers
// it.
func (r *Runner) Handle(ctx context.Context, d broker.Delivery) error {
	token := uuid.NewString()

	job, err := r.store.Claim(ctx, d.JobID, token, time.Now())
	if err != nil {
		if errors.Is(err, jobstore.ErrClaimConflict) || errors.Is(err, jobstore.ErrNotFound) {
			// Another worker or a duplicate delivery got here first.
			r.log.WithFields(logrus.Fields{
				"job_id": d.JobID,
				"reason": err.Error(),
			}).Debug("discarding delivery")
			return r.ack(ctx, d)
		}
		return fmt.Errorf("claim %s: %w", d.JobID, err)
	}

	log := r.log.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"task_kind": job.TaskKind,
		"attempt":   job.RetryCount + 1,
	})
	log.Info("job claimed")

	result, execErr := r.execute(ctx, job, token)
	if execErr == nil {
		if err := r.storeGuarded(r.store.FinalizeCompleted(ctx, job.ID, token, result), "finalize"); err != nil {
			return err
		}
		log.Info("job completed")
		return r.ack(ctx, d)
	}

	class := classify.Classify(execErr)
	switch r.policy.Decide(class, job.RetryCount, job.MaxRetries) {
	case retry.DecisionRetry:
		delay := r.policy.Backoff(job.RetryCount)
		nextRetryAt := time.Now().Add(delay)
		if err := r.storeGuarded(
			r.store.Requeue(ctx, job.ID, token, nextRetryAt, execErr.Error(), errorDetail(class, execErr)),
			"requeue"); err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"error":         execErr.Error(),
			"delay_seconds": int(delay.Seconds()),
			"retry_count":   job.RetryCount + 1,
			"max_retries":   job.MaxRetries,
		}).Warn("job failed, retry scheduled")

	case retry.DecisionFail:
		msg := execErr.Error()
		if class == classify.ClassRetryable {
			msg = fmt.Sprintf("retry budget exhausted after %d attempts: %s", job.RetryCount+1, execErr.Error())
		}
		if err := r.storeGuarded(
			r.store.FinalizeFailed(ctx, job.ID, token, msg, errorDetail(class, execErr)),
			"finalize failed"); err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"error": execErr.Error(),
			"class": class.String(),
		}).Error("job failed permanently")
	}

	return r.ack(ctx, d)
}

// execute runs the task body (or the bulk fan-out) under the per-kind
// deadline.
func (r *Runner) execute(ctx context.Context, job *model.Job, token string) (json.RawMessage, error) {
	timeout := r.cfg.TaskTimeout(job.TaskKind)
	if job.Bulk() {
		// A bulk run is bounded by the per-item deadline times the fan-out.
		timeout = timeout * time.Duration(len(job.InputRefs))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := r.bodies.Get(job.TaskKind)
	if err != nil {
		return nil, classify.Permanent(fmt.Errorf("%w: %v", classify.ErrUnsupportedFormat, err))
	}

	if job.Bulk() {
		return r.executeBulk(ctx, job, token, body)
	}

	report := func(progress int) {
		if err := r.store.Heartbeat(ctx, job.ID, token, progress); err != nil && !errors.Is(err, jobstore.ErrStaleClaim) {
			r.log.WithField("job_id", job.ID).WithError(err).Warn("heartbeat failed")
		}
	}

	return body.Execute(ctx, taskbody.Input{Ref: job.InputRef, Options: job.Options}, report)
}

// executeBulk runs the body once per input reference, recording a per-item
// outcome and aggregating progress. Retryable item errors get a bounded
// number of immediate extra attempts; the parent fails only when the item
// failure ratio exceeds the configured threshold.
func (r *Runner) executeBulk(ctx context.Context, job *model.Job, token string, body taskbody.TaskBody) (json.RawMessage, error) {
	items := job.Items
	if len(items) != len(job.InputRefs) {
		items = make([]model.BulkItem, len(job.InputRefs))
		for i, ref := range job.InputRefs {
			items[i] = model.BulkItem{InputRef: ref, Status: model.ItemPending}
		}
	}

	total := len(items)
	processed := 0
	for i := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// Items finished by a previous attempt stay finished.
		if items[i].Status != model.ItemPending {
			processed++
			continue
		}

		result, err := r.runItem(ctx, job, items[i].InputRef)
		if err != nil {
			items[i].Status = model.ItemFailed
			items[i].ErrorMessage = err.Error()
		} else {
			items[i].Status = model.ItemCompleted
			items[i].Result = result
		}
		processed++

		progress := processed * 100 / total
		if err := r.store.SetItems(ctx, job.ID, token, items, progress); err != nil && !errors.Is(err, jobstore.ErrStaleClaim) {
			r.log.WithField("job_id", job.ID).WithError(err).Warn("bulk item update failed")
		}
	}

	failed := 0
	for _, item := range items {
		if item.Status == model.ItemFailed {
			failed++
		}
	}
	if float64(failed)/float64(total) > r.cfg.BulkFailureThreshold {
		return nil, classify.Permanent(fmt.Errorf("%d of %d items failed, above the %.0f%% threshold",
			failed, total, r.cfg.BulkFailureThreshold*100))
	}

	summary := struct {
		Total     int `json:"total"`
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
	}{Total: total, Succeeded: total - failed, Failed: failed}
	encoded, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("encode bulk summary: %w", err)
	}
	return encoded, nil
}

func (r *Runner) runItem(ctx context.Context, job *model.Job, ref string) (json.RawMessage, error) {
	body, err := r.bodies.Get(job.TaskKind)
	if err != nil {
		return nil, classify.Permanent(err)
	}

	attempts := 1 + r.cfg.BulkItemRetries
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := body.Execute(ctx, taskbody.Input{Ref: ref, Options: job.Options}, func(int) {})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if classify.Classify(err) == classify.ClassPermanent {
			break
		}
	}
	return nil, lastErr
}

// storeGuarded treats a stale-claim rejection as success: a newer attempt
// owns the job and this one's outcome must be discarded silently.
func (r *Runner) storeGuarded(err error, op string) error {
	if err == nil || errors.Is(err, jobstore.ErrStaleClaim) {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (r *Runner) ack(ctx context.Context, d broker.Delivery) error {
	if err := r.broker.Ack(ctx, d); err != nil {
		r.log.WithField("job_id", d.JobID).WithError(err).Warn("ack failed")
	}
	return nil
}

func errorDetail(class classify.Class, err error) string {
	return fmt.Sprintf("class=%s: %v", class, err)
}
