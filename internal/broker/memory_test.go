package broker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"blueprintr/extraction-service/internal/broker"
)

func TestMemory_PublishReceiveAck(t *testing.T) {
	b := broker.NewMemory(8)
	defer b.Close()
	ctx := context.Background()

	want := broker.NewDelivery(uuid.New(), "pdf")
	if err := b.Publish(ctx, want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if got.JobID != want.JobID || got.TaskKind != "pdf" {
		t.Errorf("Receive = %+v, want %+v", got, want)
	}
	if err := b.Ack(ctx, got); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	// Acked deliveries must not come back.
	rctx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	if d, err := b.Receive(rctx); err == nil {
		t.Errorf("Receive after ack = %+v, want timeout", d)
	}
}

func TestMemory_UnackedDeliveryIsRedelivered(t *testing.T) {
	b := broker.NewMemory(8, broker.WithVisibilityTimeout(50*time.Millisecond))
	defer b.Close()
	ctx := context.Background()

	want := broker.NewDelivery(uuid.New(), "dxf")
	if err := b.Publish(ctx, want); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	first, err := b.Receive(ctx)
	if err != nil {
		t.Fatalf("first Receive: %v", err)
	}
	// No ack: the delivery must come around again.
	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	second, err := b.Receive(rctx)
	if err != nil {
		t.Fatalf("redelivery Receive: %v", err)
	}
	if second.JobID != first.JobID {
		t.Errorf("redelivered job = %s, want %s", second.JobID, first.JobID)
	}
}

func TestMemory_ReceiveHonorsContext(t *testing.T) {
	b := broker.NewMemory(1)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := b.Receive(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive on empty broker = %v, want deadline exceeded", err)
	}
}

func TestMemory_CloseUnblocksReceive(t *testing.T) {
	b := broker.NewMemory(1)

	done := make(chan error, 1)
	go func() {
		_, err := b.Receive(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, broker.ErrClosed) {
			t.Errorf("Receive after Close = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Receive did not unblock after Close")
	}

	if err := b.Publish(context.Background(), broker.NewDelivery(uuid.New(), "pdf")); !errors.Is(err, broker.ErrClosed) {
		t.Errorf("Publish after Close = %v, want ErrClosed", err)
	}
}
