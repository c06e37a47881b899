package classify_test

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"syscall"
	"testing"

	"blueprintr/extraction-service/internal/classify"
)

// timeoutErr implements net.Error with Timeout() == true.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify_Table(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want classify.Class
	}{
		{"unsupported format", classify.ErrUnsupportedFormat, classify.ClassPermanent},
		{"corrupt file", classify.ErrCorruptFile, classify.ClassPermanent},
		{"invalid input", classify.ErrInvalidInput, classify.ClassPermanent},
		{"unauthorized", classify.ErrUnauthorized, classify.ClassPermanent},
		{"input too large", classify.ErrInputTooLarge, classify.ClassPermanent},
		{"wrapped permanent sentinel", fmt.Errorf("page 3: %w", classify.ErrCorruptFile), classify.ClassPermanent},
		{"dependency unavailable", classify.ErrDependencyUnavailable, classify.ClassRetryable},
		{"rate limited", classify.ErrRateLimited, classify.ClassRetryable},
		{"deadline exceeded", context.DeadlineExceeded, classify.ClassRetryable},
		{"connection refused", syscall.ECONNREFUSED, classify.ClassRetryable},
		{"net timeout", timeoutErr{}, classify.ClassRetryable},
		{"file not found defaults to retryable", fs.ErrNotExist, classify.ClassRetryable},
		{"unrecognized defaults to retryable", errors.New("something odd"), classify.ClassRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify.Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify_ExplicitWrapWinsOverSentinel(t *testing.T) {
	// A body may decide a normally-retryable error is permanent for its
	// input; the explicit wrap takes precedence.
	err := classify.Permanent(fmt.Errorf("giving up: %w", classify.ErrDependencyUnavailable))
	if got := classify.Classify(err); got != classify.ClassPermanent {
		t.Errorf("Classify(explicit permanent wrap) = %v, want permanent", got)
	}

	err = classify.Retryable(classify.ErrCorruptFile)
	if got := classify.Classify(err); got != classify.ClassRetryable {
		t.Errorf("Classify(explicit retryable wrap) = %v, want retryable", got)
	}
}

func TestClassify_IsPure(t *testing.T) {
	err := errors.New("flaky dependency")
	first := classify.Classify(err)
	for i := 0; i < 100; i++ {
		if got := classify.Classify(err); got != first {
			t.Fatalf("Classify returned %v on call %d, want stable %v", got, i, first)
		}
	}
}

func TestClassifiedError_Unwrap(t *testing.T) {
	base := classify.ErrCorruptFile
	wrapped := classify.Permanent(fmt.Errorf("header: %w", base))
	if !errors.Is(wrapped, base) {
		t.Errorf("errors.Is(Permanent(wrap), base) = false, want true")
	}

	var ce *classify.Error
	if !errors.As(wrapped, &ce) {
		t.Fatalf("errors.As(*classify.Error) = false, want true")
	}
	if ce.Class != classify.ClassPermanent {
		t.Errorf("wrapped class = %v, want permanent", ce.Class)
	}
}
