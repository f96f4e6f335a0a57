// Package humanize provides the delay policy applied between browser
// interactions so that the session paces itself like a person.
package humanize

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Range is an inclusive interval a delay is drawn from.
type Range struct {
	Min time.Duration
	Max time.Duration
}

// Ms builds a Range from millisecond bounds.
func Ms(minMs, maxMs int) Range {
	return Range{
		Min: time.Duration(minMs) * time.Millisecond,
		Max: time.Duration(maxMs) * time.Millisecond,
	}
}

// Policy maps a Range to a concrete wait.
type Policy func(r Range) time.Duration

// Uniform draws each delay uniformly from [Min, Max].
func Uniform() Policy {
	return func(r Range) time.Duration {
		if r.Max <= r.Min {
			return r.Min
		}
		return r.Min + rand.N(r.Max-r.Min+1)
	}
}

// None never waits. Control flow is unchanged; only the pauses disappear.
func None() Policy {
	return func(Range) time.Duration { return 0 }
}

// FromConfig returns Uniform when enabled, None otherwise.
func FromConfig(enabled bool) Policy {
	if enabled {
		return Uniform()
	}
	return None()
}

// Pause sleeps for a delay sampled from r, returning early if ctx ends.
func (p Policy) Pause(ctx context.Context, r Range) error {
	if p == nil {
		return nil
	}
	return Sleep(ctx, p(r))
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pause interrupted: %w", ctx.Err())
	}
}
