package domain

import (
	"fmt"
	"time"
)

// QueueFullError is returned when the priority queue is at capacity.
type QueueFullError struct {
	MaxSize int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue full: capacity is %d", e.MaxSize)
}

// CircuitOpenError signals a fast-fail because the domain's breaker is open.
// It is a fallback signal, not a provider failure.
type CircuitOpenError struct {
	Domain string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for domain %q", e.Domain)
}

// ProviderTimeoutError is returned when a provider call exceeds its deadline.
type ProviderTimeoutError struct {
	Provider string
	Timeout  time.Duration
}

func (e *ProviderTimeoutError) Error() string {
	return fmt.Sprintf("provider %q timed out after %s", e.Provider, e.Timeout)
}

// ProviderExecutionError wraps a provider error, a recovered panic, or a
// malformed provider response.
type ProviderExecutionError struct {
	Provider string
	Err      error
}

func (e *ProviderExecutionError) Error() string {
	return fmt.Sprintf("provider %q failed: %v", e.Provider, e.Err)
}

func (e *ProviderExecutionError) Unwrap() error { return e.Err }

// ValidationError is returned for a malformed envelope or payload.
type ValidationError struct {
	TaskType TaskType
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.TaskType != "" {
		return fmt.Sprintf("invalid %s payload: field %q %s", e.TaskType, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid envelope: field %q %s", e.Field, e.Reason)
}

// InvalidTaskTypeError is returned when no provider is registered for a task type.
type InvalidTaskTypeError struct {
	TaskType TaskType
}

func (e *InvalidTaskTypeError) Error() string {
	return fmt.Sprintf("no provider registered for task type %q", e.TaskType)
}

// DuplicateTaskError is returned when a task ID is already in flight.
type DuplicateTaskError struct {
	TaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %s is already in flight", e.TaskID)
}

// RateLimitExceededError is returned when a task type exceeds its admission rate.
type RateLimitExceededError struct {
	TaskType TaskType
	Limit    int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for task type %q: limit is %d", e.TaskType, e.Limit)
}
