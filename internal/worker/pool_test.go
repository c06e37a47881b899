package worker_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"blueprintr/extraction-service/internal/broker"
	"blueprintr/extraction-service/internal/model"
	"blueprintr/extraction-service/internal/taskbody"
	"blueprintr/extraction-service/internal/worker"
)

func TestPoolStopWaitsForInFlightJob(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	f := newFixture(t, map[string]taskbody.TaskBody{
		"pdf": body(func(ctx context.Context, _ taskbody.Input, _ taskbody.ProgressFunc) (json.RawMessage, error) {
			close(started)
			select {
			case <-release:
				return json.RawMessage(`{"pages":1}`), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}),
	})
	j := f.createJob(t, "pdf")
	if err := f.broker.Publish(context.Background(), broker.NewDelivery(j.ID, "pdf")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	pool := worker.NewPool(f.runner, f.broker, 1, quietLogger())
	pool.Start(context.Background())

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	// Let the body finish shortly after Stop begins; a shutdown must not
	// cancel the running body out from under it.
	go func() {
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()
	pool.Stop()

	got, err := f.store.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Fatalf("status after shutdown = %s, want COMPLETED", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0 (shutdown must not spend the retry budget)", got.RetryCount)
	}
}

func TestPoolStopExitsPromptlyWhenIdle(t *testing.T) {
	f := newFixture(t, map[string]taskbody.TaskBody{})

	pool := worker.NewPool(f.runner, f.broker, 2, quietLogger())
	pool.Start(context.Background())

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("idle pool did not stop")
	}
}
