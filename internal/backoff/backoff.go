// Package backoff provides retry delay policies for failed bulk requests.
//
// A Policy is asked for the delay before retry number attempt (zero based:
// attempt 0 is the wait after the first failed submission). Policies keep no
// state between calls so one value can be shared by every batch that is
// retrying at the same time.
package backoff

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Policy produces retry delays.
type Policy interface {
	// Next returns the delay before retry number attempt, or false when no
	// more retries are allowed.
	Next(attempt int) (time.Duration, bool)
}

type noBackoff struct{}

// NoBackoff never retries.
func NoBackoff() Policy {
	return noBackoff{}
}

func (noBackoff) Next(int) (time.Duration, bool) {
	return 0, false
}

func (noBackoff) String() string {
	return "none"
}

// ConstantPolicy waits the same delay before every retry.
type ConstantPolicy struct {
	Delay time.Duration
	// MaxAttempts is the total number of submissions including the first
	// one. A negative value retries forever.
	MaxAttempts int
}

// Constant returns a ConstantPolicy. Pass a negative maxAttempts for an
// unbounded schedule.
func Constant(delay time.Duration, maxAttempts int) ConstantPolicy {
	return ConstantPolicy{Delay: delay, MaxAttempts: maxAttempts}
}

func (p ConstantPolicy) Next(attempt int) (time.Duration, bool) {
	if attempt < 0 {
		return 0, false
	}
	if p.MaxAttempts >= 0 && attempt >= p.MaxAttempts-1 {
		return 0, false
	}
	return p.Delay, true
}

func (p ConstantPolicy) String() string {
	if p.MaxAttempts < 0 {
		return fmt.Sprintf("constant(%v, unlimited)", p.Delay)
	}
	return fmt.Sprintf("constant(%v, %d)", p.Delay, p.MaxAttempts)
}

// ExponentialPolicy grows the delay geometrically, capped at MaxDelay.
type ExponentialPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Multiplier defaults to 2 when not greater than 1.
	Multiplier float64
	// MaxAttempts is the total number of submissions including the first
	// one.
	MaxAttempts int
	// Jitter scales each delay by a random factor in [0.5, 1.0) so batches
	// failing together do not come back together.
	Jitter bool
}

const maxDuration = time.Duration(math.MaxInt64)

// Exponential returns an ExponentialPolicy doubling from base.
func Exponential(base, maxDelay time.Duration, maxAttempts int, jitter bool) ExponentialPolicy {
	return ExponentialPolicy{
		BaseDelay:   base,
		MaxDelay:    maxDelay,
		Multiplier:  2,
		MaxAttempts: maxAttempts,
		Jitter:      jitter,
	}
}

func (p ExponentialPolicy) Next(attempt int) (time.Duration, bool) {
	if attempt < 0 || attempt >= p.MaxAttempts-1 {
		return 0, false
	}

	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		delay *= 0.5 + rand.Float64()*0.5
	}
	// An uncapped curve saturates instead of wrapping to a negative duration.
	if delay >= float64(maxDuration) {
		return maxDuration, true
	}
	return time.Duration(delay), true
}

func (p ExponentialPolicy) String() string {
	return fmt.Sprintf("exponential(base=%v, max=%v, attempts=%d, jitter=%t)", p.BaseDelay, p.MaxDelay, p.MaxAttempts, p.Jitter)
}

// FromConfig builds a policy from its configuration name. Recognised names
// are "none", "constant" and "exponential".
func FromConfig(name string, base, maxDelay time.Duration, maxAttempts int, jitter bool) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "none", "":
		return NoBackoff(), nil
	case "constant":
		if maxAttempts == 0 {
			return nil, fmt.Errorf("constant backoff needs max attempts != 0")
		}
		return Constant(base, maxAttempts), nil
	case "exponential":
		if maxAttempts < 1 {
			return nil, fmt.Errorf("exponential backoff needs max attempts >= 1, got %d", maxAttempts)
		}
		if base <= 0 {
			return nil, fmt.Errorf("exponential backoff needs a positive base delay, got %v", base)
		}
		return Exponential(base, maxDelay, maxAttempts, jitter), nil
	default:
		return nil, fmt.Errorf("unknown backoff policy %q", name)
	}
}
