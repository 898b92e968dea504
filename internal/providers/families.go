package providers

import (
	"net/http"

	"github.com/ramiqadoumi/go-task-offload/internal/domain"
)

// Domain keys of the built-in provider families.
const (
	DomainVoice  = "voice"
	DomainVision = "vision"
	DomainText   = "text"
)

const healthPath = "/healthz"

// NewVoiceProvider serves speech recognition and synthesis.
func NewVoiceProvider(endpoint string, client *http.Client) *HTTPProvider {
	return NewHTTPProvider(HTTPConfig{
		Name:     DomainVoice,
		Endpoint: endpoint,
		TaskTypes: map[domain.TaskType][]string{
			domain.TaskVoiceASR: {"audio"},
			domain.TaskVoiceTTS: {"text"},
		},
		HealthPath: healthPath,
		Client:     client,
	})
}

// NewVisionProvider serves object detection and image classification.
func NewVisionProvider(endpoint string, client *http.Client) *HTTPProvider {
	return NewHTTPProvider(HTTPConfig{
		Name:     DomainVision,
		Endpoint: endpoint,
		TaskTypes: map[domain.TaskType][]string{
			domain.TaskVisionDetection: {"image"},
			domain.TaskVisionClassify:  {"image"},
		},
		HealthPath: healthPath,
		Client:     client,
	})
}

// NewTextProvider serves text generation.
func NewTextProvider(endpoint string, client *http.Client) *HTTPProvider {
	return NewHTTPProvider(HTTPConfig{
		Name:     DomainText,
		Endpoint: endpoint,
		TaskTypes: map[domain.TaskType][]string{
			domain.TaskTextGenerate: {"prompt"},
		},
		HealthPath: healthPath,
		Client:     client,
	})
}
