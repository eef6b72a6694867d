// Package system provides the wall clock used for task timestamps.
package system

import "time"

// Clock reports UTC wall time truncated to microseconds, the precision the
// history store keeps, so timestamps read back from Postgres equal the ones
// held in memory.
type Clock struct{}

// New creates a Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
