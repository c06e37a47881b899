package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"blueprintr/extraction-service/internal/broker"
	"blueprintr/extraction-service/internal/jobstore"
)

const dispatchBatch = 100

// Dispatcher periodically publishes due pending jobs (first attempts whose
// create-time publish was lost, and scheduled retries whose delay has
// elapsed) to the broker. Publishing a job twice is harmless: the claim
// compare-and-set discards the duplicate delivery.
type Dispatcher struct {
	store    jobstore.Store
	broker   broker.Broker
	interval time.Duration
	log      *logrus.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher ticking at interval.
func NewDispatcher(store jobstore.Store, b broker.Broker, interval time.Duration, log *logrus.Logger) *Dispatcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Dispatcher{store: store, broker: b, interval: interval, log: log}
}

// Start launches the dispatch loop.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.dispatchDue(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) dispatchDue(ctx context.Context) {
	jobs, err := d.store.ListRetryable(ctx, time.Now(), dispatchBatch)
	if err != nil {
		d.log.WithError(err).Error("list retryable jobs failed")
		return
	}

	for _, j := range jobs {
		if err := d.broker.Publish(ctx, broker.NewDelivery(j.ID, j.TaskKind)); err != nil {
			d.log.WithField("job_id", j.ID).WithError(err).Error("publish failed")
			continue
		}
		d.log.WithFields(logrus.Fields{
			"job_id":      j.ID,
			"task_kind":   j.TaskKind,
			"retry_count": j.RetryCount,
		}).Debug("job dispatched")
	}
}
