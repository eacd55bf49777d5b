// Package system provides the wall-clock implementation used outside tests.
package system

import "time"

// Clock satisfies collector.Clock with the system wall clock.
type Clock struct{}

// New returns the wall-clock Clock.
func New() *Clock {
	return &Clock{}
}

// Now reports the current time in UTC. Run timestamps are compared across
// sources, so everything downstream assumes a single location.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
