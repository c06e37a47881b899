package broker

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Broker for tests and single-node deployments.
// Unacknowledged deliveries are redelivered after the visibility timeout,
// giving the same at-least-once behaviour as the Redis broker.
type Memory struct {
	ready      chan Delivery
	visibility time.Duration

	mu       sync.Mutex
	inflight map[string]inflightEntry
	closed   bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type inflightEntry struct {
	delivery Delivery
	deadline time.Time
}

// MemoryOption configures a Memory broker.
type MemoryOption func(*Memory)

// WithVisibilityTimeout sets how long a received delivery may stay
// unacknowledged before redelivery.
func WithVisibilityTimeout(d time.Duration) MemoryOption {
	return func(m *Memory) { m.visibility = d }
}

// NewMemory creates a memory broker with the given buffer size.
func NewMemory(buffer int, opts ...MemoryOption) *Memory {
	if buffer <= 0 {
		buffer = 1024
	}
	m := &Memory{
		ready:      make(chan Delivery, buffer),
		visibility: 30 * time.Second,
		inflight:   make(map[string]inflightEntry),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.wg.Add(1)
	go m.redeliverLoop()
	return m
}

var _ Broker = (*Memory)(nil)

func (m *Memory) Publish(ctx context.Context, d Delivery) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}

	select {
	case m.ready <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopCh:
		return ErrClosed
	}
}

func (m *Memory) Receive(ctx context.Context) (Delivery, error) {
	select {
	case d, ok := <-m.ready:
		if !ok {
			return Delivery{}, ErrClosed
		}
		m.track(d)
		return d, nil
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	case <-m.stopCh:
		return Delivery{}, ErrClosed
	}
}

func (m *Memory) Ack(_ context.Context, d Delivery) error {
	m.mu.Lock()
	delete(m.inflight, d.ID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	return nil
}

func (m *Memory) track(d Delivery) {
	m.mu.Lock()
	m.inflight[d.ID] = inflightEntry{delivery: d, deadline: time.Now().Add(m.visibility)}
	m.mu.Unlock()
}

// redeliverLoop returns expired in-flight deliveries to the ready channel.
func (m *Memory) redeliverLoop() {
	defer m.wg.Done()

	interval := m.visibility / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.redeliverExpired()
		}
	}
}

func (m *Memory) redeliverExpired() {
	now := time.Now()

	m.mu.Lock()
	var expired []Delivery
	for id, entry := range m.inflight {
		if entry.deadline.Before(now) {
			expired = append(expired, entry.delivery)
			delete(m.inflight, id)
		}
	}
	m.mu.Unlock()

	for _, d := range expired {
		select {
		case m.ready <- d:
		case <-m.stopCh:
			return
		}
	}
}
