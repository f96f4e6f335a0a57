// Package system provides the wall clock used to stamp snapshots.
package system

import "time"

// Clock implements booking.Clock. Times are UTC and truncated to the clock's
// precision so that a timestamp survives an RFC 3339 round trip unchanged.
type Clock struct {
	precision time.Duration
}

// New returns a Clock with one-second precision.
func New() *Clock {
	return NewWithPrecision(time.Second)
}

// NewWithPrecision returns a Clock truncating to precision. A non-positive
// precision keeps full precision.
func NewWithPrecision(precision time.Duration) *Clock {
	return &Clock{precision: precision}
}

// Now returns the current UTC time.
func (c *Clock) Now() time.Time {
	now := time.Now().UTC().Round(0)
	if c.precision > 0 {
		now = now.Truncate(c.precision)
	}
	return now
}
