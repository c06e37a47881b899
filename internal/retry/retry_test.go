package retry_test

import (
	"testing"
	"time"

	"blueprintr/extraction-service/internal/classify"
	"blueprintr/extraction-service/internal/retry"
)

func TestBackoff_NominalDelays(t *testing.T) {
	p := retry.DefaultPolicy()

	tests := []struct {
		retryCount int
		nominal    time.Duration
	}{
		{0, 30 * time.Second},
		{1, 120 * time.Second},
		{2, 480 * time.Second},
	}

	for _, tt := range tests {
		// Jitter is random, so sample repeatedly and require every sample
		// inside [nominal, 1.25*nominal).
		lo := tt.nominal
		hi := tt.nominal + time.Duration(0.25*float64(tt.nominal))
		for i := 0; i < 200; i++ {
			got := p.Backoff(tt.retryCount)
			if got < lo || got >= hi {
				t.Fatalf("Backoff(%d) = %v, want in [%v, %v)", tt.retryCount, got, lo, hi)
			}
		}
	}
}

func TestBackoff_JitterNeverSubtracts(t *testing.T) {
	p := retry.DefaultPolicy()
	for i := 0; i < 500; i++ {
		if got := p.Backoff(0); got < 30*time.Second {
			t.Fatalf("Backoff(0) = %v, below the 30s nominal delay", got)
		}
	}
}

func TestBackoff_NegativeCountClamped(t *testing.T) {
	p := retry.DefaultPolicy()
	if got := p.Backoff(-3); got < 30*time.Second {
		t.Errorf("Backoff(-3) = %v, want at least the base delay", got)
	}
}

func TestDecide(t *testing.T) {
	p := retry.DefaultPolicy()

	tests := []struct {
		name       string
		class      classify.Class
		retryCount int
		maxRetries int
		want       retry.Decision
	}{
		{"permanent fails immediately", classify.ClassPermanent, 0, 3, retry.DecisionFail},
		{"permanent fails regardless of budget", classify.ClassPermanent, 1, 3, retry.DecisionFail},
		{"retryable with budget retries", classify.ClassRetryable, 0, 3, retry.DecisionRetry},
		{"retryable at last slot retries", classify.ClassRetryable, 2, 3, retry.DecisionRetry},
		{"retryable budget exhausted fails", classify.ClassRetryable, 3, 3, retry.DecisionFail},
		{"retryable beyond budget fails", classify.ClassRetryable, 5, 3, retry.DecisionFail},
		{"zero budget fails on first retryable", classify.ClassRetryable, 0, 0, retry.DecisionFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Decide(tt.class, tt.retryCount, tt.maxRetries); got != tt.want {
				t.Errorf("Decide(%v, %d, %d) = %v, want %v",
					tt.class, tt.retryCount, tt.maxRetries, got, tt.want)
			}
		})
	}
}
