// Package retry computes backoff delays and give-up decisions for queued
// requests. Everything here is a pure function of its inputs except for the
// jitter seed drawn by ComputeNextAttempt.
package retry

import (
	"errors"
	"math/rand/v2"
	"time"
)

// ErrInvalidPolicy is returned when a policy's values are unusable.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// Policy configures exponential backoff with jitter.
type Policy struct {
	// BaseDelay is the delay after the first failure and the jitter bound.
	BaseDelay time.Duration

	// MaxDelay caps the exponential part of the delay.
	MaxDelay time.Duration

	// CeilingAttempts is the attempt count at which retries stop.
	CeilingAttempts int
}

// DefaultPolicy returns a policy whose full retry window is a little over
// two hours.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:       5 * time.Second,
		MaxDelay:        30 * time.Minute,
		CeilingAttempts: 12,
	}
}

// Validate validates the policy.
func (p Policy) Validate() error {
	if p.BaseDelay <= 0 || p.MaxDelay <= 0 || p.CeilingAttempts <= 0 {
		return ErrInvalidPolicy
	}
	if p.MaxDelay < p.BaseDelay {
		return ErrInvalidPolicy
	}
	return nil
}

// Decision is the outcome of consulting the policy.
type Decision struct {
	Delay  time.Duration
	GiveUp bool
}

// State is the transient retry state projected from a request's attempt
// count. It is never persisted.
type State struct {
	Attempt    int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Ceiling    int
	JitterSeed uint64
}

// State projects the retry state for the given attempt count with a fresh
// jitter seed. The top-level math/rand/v2 source is per-goroutine and safe
// for concurrent use, so concurrent projections get independent seeds.
func (p Policy) State(attempts int) State {
	return State{
		Attempt:    attempts,
		BaseDelay:  p.BaseDelay,
		MaxDelay:   p.MaxDelay,
		Ceiling:    p.CeilingAttempts,
		JitterSeed: rand.Uint64(),
	}
}

// ComputeNextAttempt returns the delay before the next attempt and whether
// to give up, given the number of attempts already made.
func (p Policy) ComputeNextAttempt(attempts int) Decision {
	return p.State(attempts).Compute()
}

// Compute evaluates
//
//	delay  = min(MaxDelay, BaseDelay * 2^Attempt) + jitter[0, BaseDelay)
//	giveUp = Attempt >= Ceiling
//
// It is deterministic for a given JitterSeed.
func (s State) Compute() Decision {
	attempt := s.Attempt
	if attempt < 0 {
		attempt = 0
	}

	return Decision{
		Delay:  ExpectedDelay(s.BaseDelay, s.MaxDelay, attempt) + s.jitter(),
		GiveUp: attempt >= s.Ceiling,
	}
}

func (s State) jitter() time.Duration {
	if s.BaseDelay <= 0 {
		return 0
	}
	r := rand.New(rand.NewPCG(s.JitterSeed, uint64(s.Attempt)))
	return time.Duration(r.Int64N(int64(s.BaseDelay)))
}

// ExpectedDelay is the jitter-free part of the delay: base * 2^attempt,
// saturating at max.
func ExpectedDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		if delay >= max || delay > max/2 {
			return max
		}
		delay *= 2
	}
	if delay > max {
		return max
	}
	return delay
}
