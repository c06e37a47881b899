// Package retry decides what happens to a job after a failed attempt and
// how long to wait before the next one. Policies are stateless and safe for
// concurrent use.
package retry

import (
	"math"
	"math/rand"
	"time"

	"blueprintr/extraction-service/internal/classify"
)

// Decision is the outcome of running the policy against a failed attempt.
type Decision int

const (
	// DecisionRetry schedules the job back to pending with a backoff delay.
	DecisionRetry Decision = iota
	// DecisionFail finalizes the job as failed.
	DecisionFail
)

func (d Decision) String() string {
	if d == DecisionFail {
		return "fail"
	}
	return "retry"
}

// Policy computes retry delays and terminal-failure decisions.
//
// The delay for attempt n (0-indexed retry count) is
// BaseDelay * Multiplier^n plus a uniform jitter in [0, JitterFraction*delay).
// Jitter is strictly additive so many jobs failing at the same moment do not
// come back in a synchronized storm.
type Policy struct {
	BaseDelay      time.Duration
	Multiplier     float64
	JitterFraction float64
}

// DefaultPolicy returns the production policy: 30s base, 4x multiplier,
// 25% additive jitter. Nominal delays for retry counts 0/1/2 are
// 30s/120s/480s.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:      30 * time.Second,
		Multiplier:     4,
		JitterFraction: 0.25,
	}
}

// Backoff returns the delay to wait before the attempt after retryCount
// already-made retries.
func (p Policy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retryCount))
	jitter := rand.Float64() * p.JitterFraction * delay
	return time.Duration(delay + jitter)
}

// Decide maps a classified failure onto a retry-or-fail decision.
// Permanent errors fail immediately; retryable errors fail once the retry
// budget is spent.
func (p Policy) Decide(class classify.Class, retryCount, maxRetries int) Decision {
	if class == classify.ClassPermanent {
		return DecisionFail
	}
	if retryCount >= maxRetries {
		return DecisionFail
	}
	return DecisionRetry
}
