package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	readyKey    = "extraction:tasks:ready"
	inflightKey = "extraction:tasks:inflight"
)

// Redis is a Broker backed by a Redis list (ready deliveries) and a sorted
// set (in-flight deliveries scored by their redelivery deadline). A reclaim
// loop moves expired in-flight entries back onto the ready list, which is
// what makes delivery at-least-once across worker crashes.
type Redis struct {
	client     *goredis.Client
	visibility time.Duration

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// RedisOption configures a Redis broker.
type RedisOption func(*Redis)

// WithRedisVisibilityTimeout sets how long a received delivery may stay
// unacknowledged before the reclaim loop republishes it.
func WithRedisVisibilityTimeout(d time.Duration) RedisOption {
	return func(r *Redis) { r.visibility = d }
}

// NewRedis creates a Redis broker and verifies connectivity.
func NewRedis(ctx context.Context, addr string, opts ...RedisOption) (*Redis, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("broker/redis: ping %s: %w", addr, err)
	}

	r := &Redis{
		client:     client,
		visibility: 30 * time.Second,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.wg.Add(1)
	go r.reclaimLoop()
	return r, nil
}

var _ Broker = (*Redis)(nil)

func (r *Redis) Publish(ctx context.Context, d Delivery) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("broker/redis: encode delivery: %w", err)
	}
	if err := r.client.LPush(ctx, readyKey, payload).Err(); err != nil {
		return fmt.Errorf("broker/redis: publish: %w", err)
	}
	return nil
}

func (r *Redis) Receive(ctx context.Context) (Delivery, error) {
	for {
		select {
		case <-r.stopCh:
			return Delivery{}, ErrClosed
		default:
		}

		// Short poll timeout so Close and ctx cancellation are observed.
		res, err := r.client.BRPop(ctx, time.Second, readyKey).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return Delivery{}, ctx.Err()
			}
			return Delivery{}, fmt.Errorf("broker/redis: receive: %w", err)
		}
		// BRPop returns [key, value].
		if len(res) != 2 {
			continue
		}

		var d Delivery
		if err := json.Unmarshal([]byte(res[1]), &d); err != nil {
			// A payload we cannot decode would redeliver forever; drop it.
			continue
		}

		deadline := float64(time.Now().Add(r.visibility).UnixMilli())
		if err := r.client.ZAdd(ctx, inflightKey, goredis.Z{Score: deadline, Member: res[1]}).Err(); err != nil {
			return Delivery{}, fmt.Errorf("broker/redis: track inflight: %w", err)
		}
		return d, nil
	}
}

func (r *Redis) Ack(ctx context.Context, d Delivery) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("broker/redis: encode ack: %w", err)
	}
	if err := r.client.ZRem(ctx, inflightKey, payload).Err(); err != nil {
		return fmt.Errorf("broker/redis: ack: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()
		err = r.client.Close()
	})
	return err
}

// reclaimLoop republishes in-flight deliveries whose visibility deadline
// has passed.
func (r *Redis) reclaimLoop() {
	defer r.wg.Done()

	interval := r.visibility / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.reclaimExpired()
		}
	}
}

func (r *Redis) reclaimExpired() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	expired, err := r.client.ZRangeByScore(ctx, inflightKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return
	}

	for _, payload := range expired {
		// Remove-then-push: a delivery that loses this race is simply
		// redelivered once more, which at-least-once already permits.
		removed, err := r.client.ZRem(ctx, inflightKey, payload).Result()
		if err != nil || removed == 0 {
			continue
		}
		r.client.LPush(ctx, readyKey, payload)
	}
}
