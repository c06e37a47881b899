package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"blueprintr/extraction-service/internal/broker"
	"blueprintr/extraction-service/internal/jobstore"
)

const sweepBatch = 100

// Sweeper requeues jobs stuck in PROCESSING past the heartbeat deadline.
// A missed heartbeat means the owning worker died mid-execution; the
// requeue does not touch the retry count, because the crash is not the
// task body's fault.
type Sweeper struct {
	store            jobstore.Store
	broker           broker.Broker
	interval         time.Duration
	heartbeatTimeout time.Duration
	log              *logrus.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper scanning every interval for jobs whose last
// heartbeat is older than heartbeatTimeout.
func NewSweeper(store jobstore.Store, b broker.Broker, interval, heartbeatTimeout time.Duration, log *logrus.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 5 * time.Minute
	}
	return &Sweeper{
		store:            store,
		broker:           b,
		interval:         interval,
		heartbeatTimeout: heartbeatTimeout,
		log:              log,
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Sweep runs one scan-and-requeue pass. Exported so tests and operator
// tooling can trigger a pass directly.
func (s *Sweeper) Sweep(ctx context.Context) {
	deadline := time.Now().Add(-s.heartbeatTimeout)
	orphans, err := s.store.ListOrphaned(ctx, deadline, sweepBatch)
	if err != nil {
		s.log.WithError(err).Error("list orphaned jobs failed")
		return
	}

	for _, j := range orphans {
		if j.ClaimToken == nil {
			// A processing job should always carry its claim token; skip
			// rather than guess.
			s.log.WithField("job_id", j.ID).Warn("orphaned job has no claim token")
			continue
		}
		if err := s.store.RequeueOrphan(ctx, j.ID, *j.ClaimToken); err != nil {
			if errors.Is(err, jobstore.ErrStaleClaim) {
				// The job moved on (finished, or re-claimed) between the
				// scan and the requeue.
				continue
			}
			s.log.WithField("job_id", j.ID).WithError(err).Error("requeue orphan failed")
			continue
		}
		if err := s.broker.Publish(ctx, broker.NewDelivery(j.ID, j.TaskKind)); err != nil {
			// The dispatcher's due-job scan will pick it up.
			s.log.WithField("job_id", j.ID).WithError(err).Warn("republish after requeue failed")
		}
		s.log.WithFields(logrus.Fields{
			"job_id":    j.ID,
			"task_kind": j.TaskKind,
		}).Info("requeued orphaned job")
	}
}
