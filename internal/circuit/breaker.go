// Package circuit guards outbound I3 sends and service fan-out with a
// three-state circuit breaker and pluggable retry backoff.
package circuit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed   State = iota // requests pass through
	StateOpen                  // requests rejected outright
	StateHalfOpen              // limited probes allowed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

var (
	// ErrOpen rejects a request while the breaker is open.
	ErrOpen = errors.New("circuit breaker is open")

	// ErrTooManyProbes rejects a request when the half-open probe
	// budget is spent.
	ErrTooManyProbes = errors.New("too many requests in half-open state")
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config tunes one breaker.
type Config struct {
	Name string

	// MaxProbes bounds concurrent requests in half-open state.
	MaxProbes uint32

	// SuccessThreshold closes the breaker after this many consecutive
	// half-open successes.
	SuccessThreshold uint32

	// Interval is the rolling window in closed state; counts reset
	// when it elapses.
	Interval time.Duration

	// OpenTimeout is how long the breaker stays open before probing.
	OpenTimeout time.Duration

	// ReadyToTrip decides, after each closed-state failure, whether to
	// open the breaker.
	ReadyToTrip func(c Counts) bool

	// OnStateChange observes transitions.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig trips on 5 consecutive failures or a >50% failure rate
// over the 30 s window, stays open 60 s, and closes after 2 good probes.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		MaxProbes:        2,
		SuccessThreshold: 2,
		Interval:         30 * time.Second,
		OpenTimeout:      60 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			if c.ConsecutiveFailures >= 5 {
				return true
			}
			return c.Requests >= 5 && c.FailureRatio() > 0.5
		},
	}
}

// ============================================================================
// COUNTS
// ============================================================================

// Counts tracks request outcomes within the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// FailureRatio returns failures over requests, 0 when idle.
func (c Counts) FailureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) clear() {
	*c = Counts{}
}

// Requests is counted at admission in beforeRequest; the outcome helpers
// only track results.
func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// ============================================================================
// BREAKER
// ============================================================================

// Breaker is a three-state circuit breaker. Results from a previous
// generation (before the last state change or window reset) are ignored,
// so slow responses cannot corrupt fresh counts.
type Breaker struct {
	cfg *Config

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

// NewBreaker builds a breaker; nil config selects DefaultConfig.
func NewBreaker(cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 2
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = 60 * time.Second
	}
	if cfg.ReadyToTrip == nil {
		cfg.ReadyToTrip = DefaultConfig(cfg.Name).ReadyToTrip
	}

	b := &Breaker{cfg: cfg, state: StateClosed}
	b.toNewGeneration(time.Now())
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the current state, advancing open -> half_open when the
// open timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(time.Now())
	return s
}

// Counts returns a copy of the current generation's counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Execute runs fn under the breaker. A rejected call returns ErrOpen or
// ErrTooManyProbes without invoking fn.
func (b *Breaker) Execute(fn func() error) error {
	generation, err := b.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.afterRequest(generation, false)
			panic(r)
		}
	}()

	err = fn()
	b.afterRequest(generation, err == nil)
	return err
}

// Allow reports whether a request would pass right now, reserving one
// slot. Callers that use Allow must report the outcome via Record.
func (b *Breaker) Allow() (uint64, error) {
	return b.beforeRequest()
}

// Record finishes a request admitted by Allow.
func (b *Breaker) Record(generation uint64, success bool) {
	b.afterRequest(generation, success)
}

func (b *Breaker) beforeRequest() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if state == StateOpen {
		return generation, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.cfg.MaxProbes {
		return generation, ErrTooManyProbes
	}

	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) afterRequest(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.currentState(now)
	if generation != current {
		return
	}

	if success {
		b.counts.onSuccess()
		if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.cfg.ReadyToTrip(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.toNewGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.toNewGeneration(now)

	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, prev, state)
	}
}

func (b *Breaker) toNewGeneration(now time.Time) {
	b.generation++
	b.counts.clear()

	switch b.state {
	case StateClosed:
		if b.cfg.Interval > 0 {
			b.expiry = now.Add(b.cfg.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.cfg.OpenTimeout)
	default:
		b.expiry = time.Time{}
	}
}

func (b *Breaker) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return fmt.Sprintf("Breaker[%s: state=%s requests=%d failures=%d]",
		b.cfg.Name, b.state, b.counts.Requests, b.counts.TotalFailures)
}
