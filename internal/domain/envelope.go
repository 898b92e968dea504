package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	PriorityHighest = 1
	PriorityLowest  = 10
	PriorityDefault = 5
)

// TaskType is a dotted domain tag such as "voice.asr" or "text.generate".
type TaskType string

const (
	TaskVoiceASR        TaskType = "voice.asr"
	TaskVoiceTTS        TaskType = "voice.tts"
	TaskVisionDetection TaskType = "vision.detection"
	TaskVisionClassify  TaskType = "vision.classification"
	TaskTextGenerate    TaskType = "text.generate"
)

// Domain returns the provider domain a task type belongs to: the part before
// the first dot. "voice.asr" → "voice".
func (t TaskType) Domain() string {
	s := string(t)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// TaskEnvelope is the unit of dispatchable work. It is not mutated after
// NewEnvelope returns.
type TaskEnvelope struct {
	TaskID    string         `json:"task_id"`
	TaskType  TaskType       `json:"task_type"`
	Payload   map[string]any `json:"payload"`
	Meta      map[string]any `json:"meta,omitempty"`
	Priority  int            `json:"priority"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewEnvelope builds an envelope, generating a task ID when id is empty and
// clamping priority into [PriorityHighest, PriorityLowest].
func NewEnvelope(id string, taskType TaskType, payload, meta map[string]any, priority int) *TaskEnvelope {
	if id == "" {
		id = uuid.NewString()
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if meta == nil {
		meta = map[string]any{}
	}
	return &TaskEnvelope{
		TaskID:    id,
		TaskType:  taskType,
		Payload:   payload,
		Meta:      meta,
		Priority:  ClampPriority(priority),
		CreatedAt: time.Now().UTC(),
	}
}

// ClampPriority maps any integer into the valid priority range.
func ClampPriority(p int) int {
	switch {
	case p < PriorityHighest:
		return PriorityHighest
	case p > PriorityLowest:
		return PriorityLowest
	}
	return p
}

// PriorityOrDefault resolves an optional request priority: absent means
// PriorityDefault, anything else is clamped.
func PriorityOrDefault(p *int) int {
	if p == nil {
		return PriorityDefault
	}
	return ClampPriority(*p)
}

// Validate checks the fields every envelope needs regardless of task type.
// Payload validation per task type belongs to the provider.
func (e *TaskEnvelope) Validate() error {
	if strings.TrimSpace(e.TaskID) == "" {
		return &ValidationError{Field: "task_id", Reason: "is required"}
	}
	if strings.TrimSpace(string(e.TaskType)) == "" {
		return &ValidationError{Field: "task_type", Reason: "is required"}
	}
	if e.Priority < PriorityHighest || e.Priority > PriorityLowest {
		return &ValidationError{Field: "priority", Reason: "must be between 1 and 10"}
	}
	return nil
}
