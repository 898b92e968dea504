package version_test

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ramiqadoumi/go-task-offload/internal/version"
)

func TestString(t *testing.T) {
	orig := version.Version
	t.Cleanup(func() { version.Version = orig })
	version.Version = "v1.2.3"

	s := version.String()
	assert.Contains(t, s, "v1.2.3")
	assert.Contains(t, s, runtime.Version())
	assert.Equal(t, "go-task-offload/v1.2.3", version.UserAgent())
}
