// Package broker defines the at-least-once task delivery channel between
// the API/dispatcher and worker processes. A delivery may arrive more than
// once; the store's claim compare-and-set is what keeps duplicate
// deliveries harmless.
package broker

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrClosed is returned once the broker has been shut down.
var ErrClosed = errors.New("broker: closed")

// Delivery is the task reference handed to workers. It deliberately carries
// no job state beyond identity: workers re-read the record from the store
// under the claim.
type Delivery struct {
	JobID    uuid.UUID `json:"job_id"`
	TaskKind string    `json:"task_kind"`

	// ID identifies this particular delivery for acknowledgement.
	ID string `json:"delivery_id"`
}

// Broker is the at-least-once delivery contract.
type Broker interface {
	// Publish enqueues a task reference for delivery to some worker.
	Publish(ctx context.Context, d Delivery) error

	// Receive blocks until a delivery is available or ctx is done. The
	// same delivery is redelivered after a visibility timeout unless
	// acknowledged.
	Receive(ctx context.Context) (Delivery, error)

	// Ack marks the delivery as handled; it will not be redelivered.
	Ack(ctx context.Context, d Delivery) error

	// Close releases broker resources. Blocked Receive calls return
	// ErrClosed.
	Close() error
}

// NewDelivery builds a delivery for a job with a fresh delivery ID.
func NewDelivery(jobID uuid.UUID, taskKind string) Delivery {
	return Delivery{JobID: jobID, TaskKind: taskKind, ID: uuid.NewString()}
}
