package publisher

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ramiqadoumi/go-task-offload/internal/domain"
)

// Message is the telemetry wire format for one task result.
type Message struct {
	Topic            string              `json:"topic"`
	TaskID           string              `json:"task_id"`
	TaskType         domain.TaskType     `json:"task_type,omitempty"`
	Status           domain.Status       `json:"status"`
	Result           map[string]any      `json:"result,omitempty"`
	Error            *domain.ErrorDetail `json:"error,omitempty"`
	ProcessingTimeMs int64               `json:"processing_time_ms"`
	Meta             map[string]any      `json:"meta,omitempty"`
	Timestamp        time.Time           `json:"timestamp"`
}

// NewMessage wraps r for publication on topic.
func NewMessage(topic string, r *domain.TaskResult, ts time.Time) Message {
	return Message{
		Topic:            topic,
		TaskID:           r.TaskID,
		TaskType:         r.TaskType,
		Status:           r.Status,
		Result:           r.Result,
		Error:            r.Error,
		ProcessingTimeMs: r.ProcessingTimeMs,
		Meta:             r.Meta,
		Timestamp:        ts.UTC(),
	}
}

// Encode serializes r as a telemetry message.
func Encode(topic string, r *domain.TaskResult, ts time.Time) ([]byte, error) {
	b, err := json.Marshal(NewMessage(topic, r, ts))
	if err != nil {
		return nil, fmt.Errorf("encode telemetry for task %s: %w", r.TaskID, err)
	}
	return b, nil
}

// Decode parses a telemetry message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode telemetry: %w", err)
	}
	if m.TaskID == "" {
		return nil, fmt.Errorf("decode telemetry: missing task_id")
	}
	return &m, nil
}

// TaskResult rebuilds the result carried by m.
func (m *Message) TaskResult() *domain.TaskResult {
	return &domain.TaskResult{
		TaskID:           m.TaskID,
		TaskType:         m.TaskType,
		Status:           m.Status,
		Result:           m.Result,
		Error:            m.Error,
		ProcessingTimeMs: m.ProcessingTimeMs,
		Meta:             m.Meta,
	}
}
