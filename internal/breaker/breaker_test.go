package breaker_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-offload/internal/breaker"
)

// fakeClock is advanced manually by tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// admit requires the breaker to let a call through.
func admit(t *testing.T, b *breaker.Breaker) breaker.Ticket {
	t.Helper()
	ticket, ok := b.Allow()
	require.True(t, ok, "call should be admitted")
	return ticket
}

func allowed(b *breaker.Breaker) bool {
	_, ok := b.Allow()
	return ok
}

func fail(t *testing.T, b *breaker.Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		b.RecordFailure(admit(t, b))
	}
}

func scenarioConfig() breaker.Config {
	return breaker.Config{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 60 * time.Second}
}

func TestBreaker_OpensAfterExactlyThreshold(t *testing.T) {
	b := breaker.New("voice", scenarioConfig(), newFakeClock().Now, nil)

	for i := 0; i < 4; i++ {
		b.RecordFailure(admit(t, b))
		assert.Equal(t, breaker.StateClosed, b.State(), "still closed after %d failures", i+1)
	}
	b.RecordFailure(admit(t, b))
	assert.Equal(t, breaker.StateOpen, b.State())
	assert.False(t, allowed(b))
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b := breaker.New("voice", scenarioConfig(), newFakeClock().Now, nil)

	fail(t, b, 4)
	b.RecordSuccess(admit(t, b))
	assert.Equal(t, 0, b.Snapshot().FailureCount)

	fail(t, b, 4)
	assert.Equal(t, breaker.StateClosed, b.State(), "failures must be consecutive")
}

func TestBreaker_ScenarioB(t *testing.T) {
	clock := newFakeClock()
	b := breaker.New("vision", scenarioConfig(), clock.Now, nil)

	fail(t, b, 5)
	require.Equal(t, breaker.StateOpen, b.State())

	// Sixth task fails fast.
	assert.False(t, allowed(b))

	clock.Advance(59 * time.Second)
	assert.False(t, allowed(b), "timeout has not elapsed yet")

	clock.Advance(time.Second)
	probe := admit(t, b)
	assert.Equal(t, breaker.StateHalfOpen, b.State())
	assert.False(t, allowed(b), "only one probe outstanding")

	b.RecordSuccess(probe)
	assert.Equal(t, breaker.StateHalfOpen, b.State())

	b.RecordSuccess(admit(t, b))

	snap := b.Snapshot()
	assert.Equal(t, breaker.StateClosed, snap.State)
	assert.Zero(t, snap.FailureCount)
	assert.Zero(t, snap.SuccessCount)
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := breaker.New("text", scenarioConfig(), clock.Now, nil)
	fail(t, b, 5)

	clock.Advance(time.Minute)
	b.RecordSuccess(admit(t, b))
	b.RecordFailure(admit(t, b))

	snap := b.Snapshot()
	assert.Equal(t, breaker.StateOpen, snap.State)
	assert.Equal(t, 5, snap.FailureCount, "failure count reset to threshold")
	assert.Zero(t, snap.SuccessCount)
	assert.Equal(t, clock.Now(), snap.LastTransitionAt)
	assert.False(t, allowed(b), "new open window starts at the probe failure")

	clock.Advance(time.Minute)
	assert.True(t, allowed(b))
}

func TestBreaker_LateResultsWhileOpenIgnored(t *testing.T) {
	b := breaker.New("voice", breaker.Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour}, newFakeClock().Now, nil)
	x := admit(t, b)
	y := admit(t, b)
	fail(t, b, 2)
	require.Equal(t, breaker.StateOpen, b.State())

	b.RecordSuccess(x)
	b.RecordFailure(y)
	assert.Equal(t, breaker.StateOpen, b.State())
	assert.Equal(t, 2, b.Snapshot().FailureCount)
}

func TestBreaker_StaleResultDoesNotStandInForProbe(t *testing.T) {
	clock := newFakeClock()
	b := breaker.New("text", breaker.Config{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Minute}, clock.Now, nil)

	// slow is admitted while closed and outlives the open window.
	slow := admit(t, b)
	b.RecordFailure(admit(t, b))
	require.Equal(t, breaker.StateOpen, b.State())

	clock.Advance(time.Minute)
	probe := admit(t, b)
	require.Equal(t, breaker.StateHalfOpen, b.State())

	b.RecordSuccess(slow)
	snap := b.Snapshot()
	assert.Zero(t, snap.SuccessCount, "a pre-open call is not a probe success")
	assert.False(t, allowed(b), "the real probe is still outstanding")

	b.RecordFailure(slow)
	assert.Equal(t, breaker.StateHalfOpen, b.State(), "a pre-open failure does not reopen")

	b.RecordSuccess(probe)
	assert.Equal(t, 1, b.Snapshot().SuccessCount)
	assert.True(t, allowed(b), "next probe admitted once the first reported")
}

func TestBreaker_ResultFromPreviousClosedPeriodIgnored(t *testing.T) {
	clock := newFakeClock()
	b := breaker.New("voice", breaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second}, clock.Now, nil)

	old := admit(t, b)
	fail(t, b, 1)
	clock.Advance(time.Second)
	b.RecordSuccess(admit(t, b))
	require.Equal(t, breaker.StateClosed, b.State())

	b.RecordFailure(old)
	assert.Equal(t, breaker.StateClosed, b.State())
	assert.Zero(t, b.Snapshot().FailureCount)
}

func TestBreaker_AbandonFreesProbeWithoutCounting(t *testing.T) {
	clock := newFakeClock()
	b := breaker.New("vision", scenarioConfig(), clock.Now, nil)
	fail(t, b, 5)
	clock.Advance(time.Minute)

	probe := admit(t, b)
	require.False(t, allowed(b))
	b.Abandon(probe)

	snap := b.Snapshot()
	assert.Equal(t, breaker.StateHalfOpen, snap.State)
	assert.Zero(t, snap.SuccessCount)
	assert.True(t, allowed(b), "slot is free for the next probe")
}

func TestBreaker_TransitionHook(t *testing.T) {
	clock := newFakeClock()
	var got []breaker.Transition
	b := breaker.New("voice", breaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second}, clock.Now,
		func(tr breaker.Transition) { got = append(got, tr) })

	fail(t, b, 1)
	clock.Advance(time.Second)
	b.RecordSuccess(admit(t, b))

	require.Len(t, got, 3)
	assert.Equal(t, breaker.StateClosed, got[0].From)
	assert.Equal(t, breaker.StateOpen, got[0].To)
	assert.Equal(t, breaker.StateHalfOpen, got[1].To)
	assert.Equal(t, breaker.StateClosed, got[2].To)
	assert.Equal(t, "voice", got[2].Domain)
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := breaker.New("voice", breaker.Config{FailureThreshold: 1000, SuccessThreshold: 1, Timeout: time.Second}, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ticket, _ := b.Allow()
			b.RecordFailure(ticket)
		}()
		go func() { defer wg.Done(); _ = b.Snapshot() }()
	}
	wg.Wait()
	assert.Equal(t, 100, b.Snapshot().FailureCount)
}

func TestState_Gauge(t *testing.T) {
	assert.Equal(t, 0.0, breaker.StateClosed.Gauge())
	assert.Equal(t, 1.0, breaker.StateHalfOpen.Gauge())
	assert.Equal(t, 2.0, breaker.StateOpen.Gauge())
}
