package errs

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// Address derivation
	ErrorTypeAddressPredictionExhausted ErrorType = "address_prediction_exhausted"

	// Replay of captured transactions
	ErrorTypeReplayRejected ErrorType = "replay_rejected"

	// Payload construction self-checks
	ErrorTypeLayoutOverflow ErrorType = "layout_overflow"
	ErrorTypeLayoutGap      ErrorType = "layout_gap"
	ErrorTypeLayoutOverlap  ErrorType = "layout_overlap"

	// Ledger interaction
	ErrorTypeSubmissionTimeout ErrorType = "submission_timeout"
	ErrorTypeSubmissionFailed  ErrorType = "submission_failed"
	ErrorTypeNetwork           ErrorType = "network"

	// Verification
	ErrorTypePostconditionFailed ErrorType = "postcondition_failed"

	// Configuration and input errors
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeDecoding   ErrorType = "decoding"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeState      ErrorType = "state"
)

// Replay rejection reasons
const (
	ReasonNonceMismatch       = "nonce-mismatch"
	ReasonInsufficientBalance = "insufficient-balance"
	ReasonDoubleSubmission    = "double-submission"
	ReasonMissingFiller       = "missing-filler"
	ReasonLedgerRejected      = "ledger-rejected"
)

// ExploitError represents an error with context and recovery information
type ExploitError struct {
	Type        ErrorType
	Message     string
	OriginalErr error
	Context     map[string]interface{}
	Timestamp   time.Time
	Recoverable bool
}

// Error implements the error interface
func (e *ExploitError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *ExploitError) Unwrap() error {
	return e.OriginalErr
}

// Is reports whether target is an ExploitError of the same type
func (e *ExploitError) Is(target error) bool {
	var targetErr *ExploitError
	if errors.As(target, &targetErr) {
		return e.Type == targetErr.Type
	}
	return false
}

// AddContext adds contextual information to the error
func (e *ExploitError) AddContext(key string, value interface{}) *ExploitError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewError creates a new ExploitError
func NewError(errType ErrorType, message string) *ExploitError {
	return &ExploitError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with ExploitError
func WrapError(errType ErrorType, message string, originalErr error) *ExploitError {
	return &ExploitError{
		Type:        errType,
		Message:     message,
		OriginalErr: originalErr,
		Timestamp:   time.Now(),
		Context:     make(map[string]interface{}),
	}
}

// Kind returns the ErrorType carried by err, or "" when err is not an ExploitError.
func Kind(err error) ErrorType {
	var exErr *ExploitError
	if errors.As(err, &exErr) {
		return exErr.Type
	}
	return ""
}

// IsKind reports whether err (or anything it wraps) is an ExploitError of the given type.
func IsKind(err error, errType ErrorType) bool {
	return Kind(err) == errType
}

// Predefined error constructors

// NewPredictionExhausted reports a nonce/salt search that hit its ceiling.
func NewPredictionExhausted(target common.Address, start, last string, ceiling uint64) *ExploitError {
	return NewError(ErrorTypeAddressPredictionExhausted, "no candidate produced the target address").
		AddContext("target", target.Hex()).
		AddContext("start", start).
		AddContext("last_tried", last).
		AddContext("ceiling", ceiling).
		AddContext("suggested_fix", "raise the iteration ceiling or check the deployer")
}

// NewReplayRejected reports a replay refused before or by the ledger.
func NewReplayRejected(reason string, originalErr error) *ExploitError {
	e := WrapError(ErrorTypeReplayRejected, reason, originalErr).
		AddContext("reason", reason)
	return e
}

// Reason returns the replay rejection reason attached to err, if any.
func Reason(err error) string {
	var exErr *ExploitError
	if errors.As(err, &exErr) {
		if reason, ok := exErr.Context["reason"].(string); ok {
			return reason
		}
	}
	return ""
}

// NewSubmissionTimeout reports a submission that was not included in time.
func NewSubmissionTimeout(txHash common.Hash, wait time.Duration) *ExploitError {
	e := NewError(ErrorTypeSubmissionTimeout, "transaction not included before deadline").
		AddContext("tx_hash", txHash.Hex()).
		AddContext("waited", wait.String())
	e.Recoverable = true
	return e
}

// NewPostconditionFailed lists the failing assertions of a verification step.
func NewPostconditionFailed(failed []string) *ExploitError {
	return NewError(ErrorTypePostconditionFailed, fmt.Sprintf("%d postcondition(s) failed", len(failed))).
		AddContext("failed", failed)
}

// NewConfigError creates a configuration-related error
func NewConfigError(message string, field string) *ExploitError {
	return NewError(ErrorTypeConfig, message).
		AddContext("field", field)
}
