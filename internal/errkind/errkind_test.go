package errkind

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Internal},
		{"plain error", errors.New("boom"), Internal},
		{"direct", New(StorageUnavailable, "store down"), StorageUnavailable},
		{"wrapped once", fmt.Errorf("run failed: %w", New(ProviderTimeout, "slow")), ProviderTimeout},
		{"wrapped cause", Wrap(ProviderUnavailable, "dial", errors.New("refused")), ProviderUnavailable},
		{"context canceled", context.Canceled, Cancelled},
		{"context canceled wrapped", fmt.Errorf("collect: %w", context.Canceled), Cancelled},
		{"deadline exceeded", context.DeadlineExceeded, ProviderTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindOf_OutermostKindWins(t *testing.T) {
	inner := New(ProviderTimeout, "query timeout")
	outer := Wrap(Internal, "collection run", inner)
	// errors.As stops at the first *Error in the chain, which is the outer one.
	if got := KindOf(outer); got != Internal {
		t.Errorf("KindOf() = %v, want %v", got, Internal)
	}
}

func TestWrap_NilCause(t *testing.T) {
	if err := Wrap(StorageUnavailable, "append", nil); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(New(ProviderUnavailable, "down")) {
		t.Error("ProviderUnavailable should be retryable")
	}
	if !IsRetryable(New(StorageUnavailable, "down")) {
		t.Error("StorageUnavailable should be retryable")
	}
	if IsRetryable(New(ConfigInvalid, "bad")) {
		t.Error("ConfigInvalid should not be retryable")
	}
	if IsRetryable(New(PolicyDenied, "no")) {
		t.Error("PolicyDenied should not be retryable")
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(ProviderUnavailable, "dial instance", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped error should match its cause via errors.Is")
	}
}
