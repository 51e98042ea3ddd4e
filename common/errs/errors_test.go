package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestExploitErrorHandling(t *testing.T) {
	t.Run("BasicError", func(t *testing.T) {
		err := NewError(ErrorTypeConfig, "Test configuration error")
		if err.Type != ErrorTypeConfig {
			t.Errorf("Expected error type %s, got %s", ErrorTypeConfig, err.Type)
		}
		if err.Message != "Test configuration error" {
			t.Errorf("Expected message 'Test configuration error', got '%s'", err.Message)
		}
	})

	t.Run("ErrorWrapping", func(t *testing.T) {
		originalErr := fmt.Errorf("original error")
		wrappedErr := WrapError(ErrorTypeNetwork, "Network issue", originalErr)

		if wrappedErr.Unwrap() != originalErr {
			t.Error("Unwrap() doesn't return original error")
		}
		if !errors.Is(wrappedErr, originalErr) {
			t.Error("errors.Is should reach the original error")
		}
	})

	t.Run("IsByType", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", NewReplayRejected(ReasonNonceMismatch, nil))
		if !errors.Is(err, NewError(ErrorTypeReplayRejected, "")) {
			t.Error("errors.Is should match on error type")
		}
		if errors.Is(err, NewError(ErrorTypeLayoutGap, "")) {
			t.Error("errors.Is should not match a different type")
		}
		if Reason(err) != ReasonNonceMismatch {
			t.Errorf("Expected reason %s, got %s", ReasonNonceMismatch, Reason(err))
		}
	})

	t.Run("PredictionExhausted", func(t *testing.T) {
		target := common.HexToAddress("0x9b6fb606a9f5789444c17768c6dfcf2f83563801")
		err := NewPredictionExhausted(target, "0", "9999", 10000)
		if Kind(err) != ErrorTypeAddressPredictionExhausted {
			t.Errorf("unexpected kind %s", Kind(err))
		}
		if err.Context["target"] != target.Hex() {
			t.Error("target context not set")
		}
	})

	t.Run("SubmissionTimeoutRecoverable", func(t *testing.T) {
		err := NewSubmissionTimeout(common.Hash{}, time.Second)
		if !err.Recoverable {
			t.Error("submission timeout should be recoverable")
		}
	})
}

func TestErrorRecovery(t *testing.T) {
	t.Run("RetriesSubmissionTimeout", func(t *testing.T) {
		recovery := NewErrorRecovery(2)
		recovery.BaseDelay = time.Millisecond

		attempts := 0
		err := recovery.RetryWithRecovery(context.Background(), func(int) error {
			attempts++
			if attempts < 3 {
				return NewSubmissionTimeout(common.Hash{}, time.Millisecond)
			}
			return nil
		})

		if err != nil {
			t.Errorf("Expected success after retries, got error: %v", err)
		}
		if attempts != 3 {
			t.Errorf("Expected 3 attempts, got %d", attempts)
		}
	})

	t.Run("TerminalErrorNotRetried", func(t *testing.T) {
		recovery := NewErrorRecovery(5)
		recovery.BaseDelay = time.Millisecond

		attempts := 0
		err := recovery.RetryWithRecovery(context.Background(), func(int) error {
			attempts++
			return NewReplayRejected(ReasonDoubleSubmission, nil)
		})

		if !IsKind(err, ErrorTypeReplayRejected) {
			t.Errorf("Expected replay rejection to persist, got %v", err)
		}
		if attempts != 1 {
			t.Errorf("Expected 1 attempt for terminal error, got %d", attempts)
		}
	})

	t.Run("MaxRetriesExceeded", func(t *testing.T) {
		recovery := NewErrorRecovery(2)
		recovery.BaseDelay = time.Millisecond

		attempts := 0
		err := recovery.RetryWithRecovery(context.Background(), func(int) error {
			attempts++
			return NewSubmissionTimeout(common.Hash{}, time.Millisecond)
		})

		if err == nil {
			t.Error("Expected error after max retries exceeded")
		}
		if attempts != 3 {
			t.Errorf("Expected 3 attempts, got %d", attempts)
		}
	})

	t.Run("ExponentialBackoff", func(t *testing.T) {
		recovery := NewErrorRecovery(3)
		recovery.BaseDelay = 10 * time.Millisecond
		recovery.MaxDelay = 100 * time.Millisecond

		if d := recovery.GetRetryDelay(0); d != 10*time.Millisecond {
			t.Errorf("Expected first delay 10ms, got %v", d)
		}
		if d := recovery.GetRetryDelay(2); d != 40*time.Millisecond {
			t.Errorf("Expected third delay 40ms, got %v", d)
		}
		if d := recovery.GetRetryDelay(10); d != recovery.MaxDelay {
			t.Errorf("Expected max delay %v, got %v", recovery.MaxDelay, d)
		}
	})
}

func TestErrorFormatting(t *testing.T) {
	originalErr := fmt.Errorf("original error")
	err := WrapError(ErrorTypeNetwork, "Network failure", originalErr)

	expected := "[network] Network failure: original error"
	if err.Error() != expected {
		t.Errorf("Expected error string '%s', got '%s'", expected, err.Error())
	}

	err2 := NewError(ErrorTypeLayoutGap, "bytes 36..68 uncovered")
	if err2.Error() != "[layout_gap] bytes 36..68 uncovered" {
		t.Errorf("unexpected error string '%s'", err2.Error())
	}
}
