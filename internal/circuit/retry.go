package circuit

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Strategy selects how retry delays grow.
type Strategy int

const (
	Exponential Strategy = iota
	Linear
	Fibonacci
	DecorrelatedJitter
)

func (s Strategy) String() string {
	switch s {
	case Exponential:
		return "exponential"
	case Linear:
		return "linear"
	case Fibonacci:
		return "fibonacci"
	case DecorrelatedJitter:
		return "decorrelated_jitter"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseStrategy maps a config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "exponential", "":
		return Exponential, nil
	case "linear":
		return Linear, nil
	case "fibonacci":
		return Fibonacci, nil
	case "decorrelated_jitter":
		return DecorrelatedJitter, nil
	}
	return Exponential, fmt.Errorf("unknown retry strategy %q", s)
}

// Backoff produces a delay sequence for one retry loop. Not safe for
// concurrent use; each loop owns its own Backoff.
type Backoff struct {
	Strategy Strategy
	Base     time.Duration
	Cap      time.Duration

	// FullJitter replaces each computed delay with a uniform random
	// duration in [0, delay].
	FullJitter bool

	attempt int
	prev    time.Duration
	rng     *rand.Rand
}

// NewBackoff builds a backoff with base and cap; zero values select 1 s
// and 60 s.
func NewBackoff(strategy Strategy, base, cap time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 60 * time.Second
	}
	return &Backoff{
		Strategy: strategy,
		Base:     base,
		Cap:      cap,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay before the upcoming attempt and advances the
// sequence.
func (b *Backoff) Next() time.Duration {
	b.attempt++

	var d time.Duration
	switch b.Strategy {
	case Linear:
		d = b.Base * time.Duration(b.attempt)
	case Fibonacci:
		d = b.Base * time.Duration(fib(b.attempt))
	case DecorrelatedJitter:
		// sleep = min(cap, rand(base, prev*3))
		lo := b.Base
		hi := b.prev * 3
		if hi < lo {
			hi = lo
		}
		d = lo
		if hi > lo {
			d = lo + time.Duration(b.rng.Int63n(int64(hi-lo)))
		}
		b.prev = d
	default: // Exponential
		d = b.Base << (b.attempt - 1)
		// Shift overflow folds to the cap.
		if d <= 0 {
			d = b.Cap
		}
	}

	if d > b.Cap {
		d = b.Cap
	}
	if b.FullJitter && d > 0 && b.Strategy != DecorrelatedJitter {
		d = time.Duration(b.rng.Int63n(int64(d) + 1))
	}
	return d
}

// Attempt returns how many delays have been produced.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset restarts the sequence after a success.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.prev = 0
}

func fib(n int) int64 {
	a, c := int64(1), int64(1)
	for i := 2; i < n; i++ {
		a, c = c, a+c
		if c > 1<<20 {
			return c
		}
	}
	if n <= 0 {
		return 1
	}
	return c
}

// Retry runs fn until it succeeds, attempts are spent, or ctx ends.
// Waits b.Next() between tries. attempts <= 0 means unbounded.
func Retry(ctx context.Context, attempts int, b *Backoff, fn func() error) error {
	var lastErr error
	for i := 0; attempts <= 0 || i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(b.Next())
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", attempts, lastErr)
}
