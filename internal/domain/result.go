package domain

import (
	"errors"
	"time"
)

// Status is the terminal outcome of a task.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusTimeout is accepted on the wire for requesters that report their own
	// deadline expiry. The dispatcher reports provider timeouts as StatusFailed
	// with an ErrorKindProviderTimeout detail.
	StatusTimeout Status = "timeout"
)

// MetaFallbackRequired is the meta key telling the requester to use a local
// or alternate path instead of retrying the offload.
const MetaFallbackRequired = "fallback_required"

// ErrorKind classifies a failure into the error taxonomy.
type ErrorKind string

const (
	ErrorKindQueueFull         ErrorKind = "queue_full"
	ErrorKindCircuitOpen       ErrorKind = "circuit_open"
	ErrorKindProviderTimeout   ErrorKind = "provider_timeout"
	ErrorKindProviderExecution ErrorKind = "provider_execution"
	ErrorKindValidation        ErrorKind = "validation"
	ErrorKindRateLimited       ErrorKind = "rate_limited"
)

// FallbackRequired reports whether a failure of this kind should make the
// requester fall back to local processing.
func (k ErrorKind) FallbackRequired() bool {
	return k != ErrorKindValidation
}

// ErrorDetail is the structured reason attached to a failed result.
type ErrorDetail struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// TaskResult is the outcome of one envelope.
type TaskResult struct {
	TaskID           string         `json:"task_id"`
	TaskType         TaskType       `json:"task_type"`
	Status           Status         `json:"status"`
	Result           map[string]any `json:"result,omitempty"`
	Error            *ErrorDetail   `json:"error,omitempty"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
	Meta             map[string]any `json:"meta,omitempty"`
}

// FallbackRequired reads meta.fallback_required.
func (r *TaskResult) FallbackRequired() bool {
	v, _ := r.Meta[MetaFallbackRequired].(bool)
	return v
}

// NewCompletedResult builds a successful result for env.
func NewCompletedResult(env *TaskEnvelope, result map[string]any, elapsed time.Duration) *TaskResult {
	return &TaskResult{
		TaskID:           env.TaskID,
		TaskType:         env.TaskType,
		Status:           StatusCompleted,
		Result:           result,
		ProcessingTimeMs: elapsed.Milliseconds(),
		Meta:             map[string]any{MetaFallbackRequired: false},
	}
}

// NewFailedResult builds a failed result for env, classifying err.
func NewFailedResult(env *TaskEnvelope, err error, elapsed time.Duration) *TaskResult {
	detail := Classify(err)
	return &TaskResult{
		TaskID:           env.TaskID,
		TaskType:         env.TaskType,
		Status:           StatusFailed,
		Error:            detail,
		ProcessingTimeMs: elapsed.Milliseconds(),
		Meta:             map[string]any{MetaFallbackRequired: detail.Kind.FallbackRequired()},
	}
}

// Classify maps an error onto the taxonomy. Untyped errors are provider
// execution failures.
func Classify(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	var (
		full    *QueueFullError
		open    *CircuitOpenError
		timeout *ProviderTimeoutError
		invalid *ValidationError
		dup     *DuplicateTaskError
		unknown *InvalidTaskTypeError
		limited *RateLimitExceededError
		kind    ErrorKind
	)
	switch {
	case errors.As(err, &full):
		kind = ErrorKindQueueFull
	case errors.As(err, &open):
		kind = ErrorKindCircuitOpen
	case errors.As(err, &timeout):
		kind = ErrorKindProviderTimeout
	case errors.As(err, &invalid), errors.As(err, &dup), errors.As(err, &unknown):
		kind = ErrorKindValidation
	case errors.As(err, &limited):
		kind = ErrorKindRateLimited
	default:
		kind = ErrorKindProviderExecution
	}
	return &ErrorDetail{Kind: kind, Message: err.Error()}
}
