package breaker_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-offload/internal/breaker"
)

func TestRegistry_IndependentDomains(t *testing.T) {
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: 0})

	voice := reg.Get("voice")
	ticket, _ := voice.Allow()
	voice.RecordFailure(ticket)
	assert.Equal(t, breaker.StateOpen, reg.Get("voice").State())
	assert.Equal(t, breaker.StateClosed, reg.Get("vision").State(), "one domain failing must not trip another")
}

func TestRegistry_GetReturnsSameInstance(t *testing.T) {
	reg := breaker.NewRegistry(breaker.DefaultConfig())
	assert.Same(t, reg.Get("text"), reg.Get("text"))
}

func TestRegistry_SnapshotsSorted(t *testing.T) {
	clock := newFakeClock()
	var hooked []string
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: 0},
		breaker.WithClock(clock.Now),
		breaker.WithTransitionHook(func(tr breaker.Transition) { hooked = append(hooked, tr.Domain) }),
	)
	reg.Get("voice")
	text := reg.Get("text")
	ticket, _ := text.Allow()
	text.RecordFailure(ticket)

	snaps := reg.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "text", snaps[0].Domain)
	assert.Equal(t, breaker.StateOpen, snaps[0].State)
	assert.Equal(t, clock.Now(), snaps[0].LastTransitionAt)
	assert.Equal(t, "voice", snaps[1].Domain)
	assert.Equal(t, []string{"text"}, hooked)
}
