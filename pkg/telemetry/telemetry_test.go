package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/ramiqadoumi/go-task-offload/pkg/telemetry"
)

func TestInitTracer_NoEndpointInstallsPropagator(t *testing.T) {
	shutdown, err := telemetry.InitTracer(context.Background(), "offloader-test", "",
		telemetry.WithServiceVersion("test"),
		telemetry.WithSampleRatio(2),
	)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	shutdown()

	fields := otel.GetTextMapPropagator().Fields()
	assert.Contains(t, fields, "traceparent")
	assert.Contains(t, fields, "baggage")
}
