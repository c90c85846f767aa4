// Package system provides the wall clock used to stamp page writes.
package system

import "time"

// Precision is the resolution every backend can round-trip. Postgres
// timestamptz and the Redis index both keep microseconds.
const Precision = time.Microsecond

// Clock implements page.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to Precision, so a timestamp
// handed to a backend compares equal to the one read back.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(Precision)
}
