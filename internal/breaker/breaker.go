// Package breaker isolates failing provider domains.
//
// Each domain owns one Breaker:
//
//	closed    --failure_count >= failure_threshold-->  open
//	open      --timeout elapsed since transition--->  half_open (one probe admitted)
//	half_open --probe failure------------------------> open
//	half_open --success_count >= success_threshold--> closed (counters reset)
//
// While half_open only one probe is outstanding at a time; the next probe is
// admitted once the previous one has reported. Every transition starts a new
// generation, and results carrying a Ticket from an older generation are
// dropped, so a call admitted before the breaker tripped can never stand in
// for a probe.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Gauge returns the numeric encoding used by the circuit_breaker_state metric.
func (s State) Gauge() float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	}
	return 0
}

// Config is fixed for the lifetime of a breaker.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

// DefaultConfig mirrors the thresholds the dispatcher ships with.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, SuccessThreshold: 2, Timeout: 60 * time.Second}
}

func (c Config) normalized() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 1
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	if c.Timeout < 0 {
		c.Timeout = 0
	}
	return c
}

// Snapshot is a copy of the breaker state for reporting.
type Snapshot struct {
	Domain           string    `json:"domain"`
	State            State     `json:"state"`
	FailureCount     int       `json:"failure_count"`
	SuccessCount     int       `json:"success_count"`
	LastTransitionAt time.Time `json:"last_transition_at"`
	FailureThreshold int       `json:"failure_threshold"`
	SuccessThreshold int       `json:"success_threshold"`
	TimeoutSeconds   float64   `json:"timeout_seconds"`
}

// Ticket is handed out by Allow and returned with the call's outcome.
type Ticket struct {
	generation uint64
}

// Transition describes one state change.
type Transition struct {
	Domain string
	From   State
	To     State
	At     time.Time
}

// TransitionFunc is called after a state change, outside the breaker lock.
type TransitionFunc func(Transition)

// Breaker is the per-domain state machine. All methods are safe for
// concurrent use.
type Breaker struct {
	domain   string
	cfg      Config
	now      func() time.Time
	onChange TransitionFunc

	mu             sync.Mutex
	state          State
	failureCount   int
	successCount   int
	lastTransition time.Time
	probing        bool
	generation     uint64
}

// New creates a closed breaker. now and onChange may be nil.
func New(domain string, cfg Config, now func() time.Time, onChange TransitionFunc) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		domain:         domain,
		cfg:            cfg.normalized(),
		now:            now,
		onChange:       onChange,
		state:          StateClosed,
		lastTransition: now(),
	}
}

// Domain returns the provider domain this breaker guards.
func (b *Breaker) Domain() string { return b.domain }

// Allow reports whether a provider call may proceed. An admitted call must be
// followed by exactly one RecordSuccess or RecordFailure with the returned
// Ticket.
func (b *Breaker) Allow() (Ticket, bool) {
	b.mu.Lock()
	var tr *Transition
	allowed := false

	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.now().Sub(b.lastTransition) >= b.cfg.Timeout {
			tr = b.transitionLocked(StateHalfOpen)
			b.probing = true
			allowed = true
		}
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			allowed = true
		}
	}
	ticket := Ticket{generation: b.generation}
	b.mu.Unlock()

	b.notify(tr)
	return ticket, allowed
}

// RecordSuccess reports a successful provider call. Results from an earlier
// generation are ignored.
func (b *Breaker) RecordSuccess(t Ticket) {
	b.mu.Lock()
	var tr *Transition
	if t.generation != b.generation {
		b.mu.Unlock()
		return
	}

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.probing = false
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			tr = b.transitionLocked(StateClosed)
			b.failureCount = 0
			b.successCount = 0
		}
	case StateOpen:
	}
	b.mu.Unlock()

	b.notify(tr)
}

// RecordFailure reports a failed or timed-out provider call. Results from an
// earlier generation are ignored.
func (b *Breaker) RecordFailure(t Ticket) {
	b.mu.Lock()
	var tr *Transition
	if t.generation != b.generation {
		b.mu.Unlock()
		return
	}

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			tr = b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.probing = false
		b.failureCount = b.cfg.FailureThreshold
		b.successCount = 0
		tr = b.transitionLocked(StateOpen)
	case StateOpen:
	}
	b.mu.Unlock()

	b.notify(tr)
}

// Abandon gives back an admitted call's slot without counting an outcome,
// for calls cut short by the caller rather than failed by the provider.
func (b *Breaker) Abandon(t Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t.generation == b.generation && b.state == StateHalfOpen {
		b.probing = false
	}
}

// State returns the current position without advancing the open timer.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the counters and configuration.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Domain:           b.domain,
		State:            b.state,
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		LastTransitionAt: b.lastTransition,
		FailureThreshold: b.cfg.FailureThreshold,
		SuccessThreshold: b.cfg.SuccessThreshold,
		TimeoutSeconds:   b.cfg.Timeout.Seconds(),
	}
}

func (b *Breaker) transitionLocked(to State) *Transition {
	tr := &Transition{Domain: b.domain, From: b.state, To: to, At: b.now()}
	b.state = to
	b.lastTransition = tr.At
	b.generation++
	return tr
}

func (b *Breaker) notify(tr *Transition) {
	if tr != nil && b.onChange != nil {
		b.onChange(*tr)
	}
}
