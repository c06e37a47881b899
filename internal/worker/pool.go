package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"blueprintr/extraction-service/internal/broker"
)

// Pool runs a fixed number of runner goroutines, each pulling deliveries
// from the broker independently. The only cross-worker coordination is the
// store's claim compare-and-set.
type Pool struct {
	runner      *Runner
	broker      broker.Broker
	concurrency int
	log         *logrus.Logger

	stopIntake context.CancelFunc
	stopDrain  context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewPool creates a pool of concurrency runners.
func NewPool(runner *Runner, b broker.Broker, concurrency int, log *logrus.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{runner: runner, broker: b, concurrency: concurrency, log: log}
}

// Start launches the runner goroutines and returns immediately.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	// Intake is bound to the caller's context, but in-flight handles run
	// under a separate drain context that outlives a shutdown. A stopped
	// pool must never abort a running task body: a transition produced by
	// process lifecycle would spend the job's retry budget. The per-kind
	// task timeout still bounds each handle.
	intakeCtx, intakeCancel := context.WithCancel(ctx)
	drainCtx, drainCancel := context.WithCancel(context.Background())
	p.stopIntake = intakeCancel
	p.stopDrain = drainCancel
	p.log.WithField("concurrency", p.concurrency).Info("worker pool starting")

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.receiveLoop(intakeCtx, drainCtx, i)
	}
}

// Stop halts intake, waits for in-flight jobs to finish their store writes
// and acks, then releases the drain context.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.stopIntake()
	p.wg.Wait()
	p.stopDrain()
	p.log.Info("worker pool stopped")
}

func (p *Pool) receiveLoop(ctx, drainCtx context.Context, id int) {
	defer p.wg.Done()

	log := p.log.WithField("worker", id)
	for {
		d, err := p.broker.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, broker.ErrClosed) {
				return
			}
			log.WithError(err).Error("receive failed")
			continue
		}

		// An error here means the store update did not land; the delivery
		// stays unacknowledged and the broker will redeliver it.
		if err := p.runner.Handle(drainCtx, d); err != nil {
			log.WithField("job_id", d.JobID).WithError(err).Error("delivery left for redelivery")
		}
	}
}
