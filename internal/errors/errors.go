package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidInput     = errors.New("invalid input")
	ErrQueueFull        = errors.New("queue full")
	ErrDuplicateResult  = errors.New("result already stored")
	ErrDeliveryTimeout  = errors.New("command was not picked up by an executor in time")
	ErrResultTimeout    = errors.New("no result arrived before the deadline")
	ErrPolicyViolation  = errors.New("command denied by executor policy")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInternalError    = errors.New("internal error")
)

// Kind is the category of a broker failure.
type Kind string

const (
	KindAuth             Kind = "auth"
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindQueueFull        Kind = "queue_full"
	KindDuplicate        Kind = "duplicate"
	KindDeliveryTimeout  Kind = "delivery_timeout"
	KindResultTimeout    Kind = "result_timeout"
	KindPolicy           Kind = "policy_violation"
	KindStoreUnavailable Kind = "store_unavailable"
	KindInternal         Kind = "internal"
)

// BrokerError is a structured error carried from the queue, store and dispatch layers up to
// the HTTP boundary.
type BrokerError struct {
	Kind      Kind
	Op        string // Operation that failed (e.g., "push_command", "await_result")
	ClusterID string
	CommandID string
	Err       error
	Timestamp time.Time
	Retryable bool
}

func (e *BrokerError) Error() string {
	switch {
	case e.CommandID != "" && e.ClusterID != "":
		return fmt.Sprintf("%s failed for command %s on cluster %s: %v", e.Op, e.CommandID, e.ClusterID, e.Err)
	case e.CommandID != "":
		return fmt.Sprintf("%s failed for command %s: %v", e.Op, e.CommandID, e.Err)
	case e.ClusterID != "":
		return fmt.Sprintf("%s failed on cluster %s: %v", e.Op, e.ClusterID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *BrokerError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrUnauthorized:
		return e.Kind == KindAuth
	case ErrInvalidInput:
		return e.Kind == KindValidation
	case ErrQueueFull:
		return e.Kind == KindQueueFull
	case ErrDuplicateResult:
		return e.Kind == KindDuplicate
	case ErrDeliveryTimeout:
		return e.Kind == KindDeliveryTimeout
	case ErrResultTimeout:
		return e.Kind == KindResultTimeout
	case ErrPolicyViolation:
		return e.Kind == KindPolicy
	case ErrStoreUnavailable:
		return e.Kind == KindStoreUnavailable
	}

	return errors.Is(e.Err, target)
}

// New creates a new BrokerError
func New(kind Kind, op string, err error) *BrokerError {
	if err == nil {
		err = sentinelFor(kind)
	}
	return &BrokerError{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(kind),
	}
}

// WithCluster adds the cluster id to the error
func (e *BrokerError) WithCluster(clusterID string) *BrokerError {
	e.ClusterID = clusterID
	return e
}

// WithCommand adds the command id to the error
func (e *BrokerError) WithCommand(commandID string) *BrokerError {
	e.CommandID = commandID
	return e
}

func sentinelFor(kind Kind) error {
	switch kind {
	case KindAuth:
		return ErrUnauthorized
	case KindValidation:
		return ErrInvalidInput
	case KindNotFound:
		return ErrNotFound
	case KindQueueFull:
		return ErrQueueFull
	case KindDuplicate:
		return ErrDuplicateResult
	case KindDeliveryTimeout:
		return ErrDeliveryTimeout
	case KindResultTimeout:
		return ErrResultTimeout
	case KindPolicy:
		return ErrPolicyViolation
	case KindStoreUnavailable:
		return ErrStoreUnavailable
	default:
		return ErrInternalError
	}
}

// isRetryable reports whether a caller may safely resubmit after this kind of failure.
// ResultTimeout is not retryable: the command may already have run.
func isRetryable(kind Kind) bool {
	switch kind {
	case KindQueueFull, KindStoreUnavailable, KindDeliveryTimeout:
		return true
	default:
		return false
	}
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var brokerErr *BrokerError
	if errors.As(err, &brokerErr) {
		return brokerErr.Retryable
	}
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrQueueFull)
}

// KindOf returns the Kind of err, falling back to the sentinel it wraps.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var brokerErr *BrokerError
	if errors.As(err, &brokerErr) {
		return brokerErr.Kind
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return KindAuth
	case errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrQueueFull):
		return KindQueueFull
	case errors.Is(err, ErrDuplicateResult):
		return KindDuplicate
	case errors.Is(err, ErrDeliveryTimeout):
		return KindDeliveryTimeout
	case errors.Is(err, ErrResultTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindResultTimeout
	case errors.Is(err, ErrPolicyViolation):
		return KindPolicy
	case errors.Is(err, ErrStoreUnavailable):
		return KindStoreUnavailable
	}
	return KindInternal
}

// HTTPStatus maps an error to the status code the broker API answers with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuth:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindQueueFull:
		return http.StatusTooManyRequests
	case KindDuplicate:
		return http.StatusConflict
	case KindDeliveryTimeout, KindResultTimeout:
		return http.StatusRequestTimeout
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case "":
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}
