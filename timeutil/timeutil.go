// Package timeutil provides the pluggable time abstraction the core's
// daemons depend on instead of calling the wall clock directly, so tests
// can drive time deterministically.
package timeutil

import "time"

// TimeProvider supplies the current time in milliseconds. The system
// implementation wraps the wall clock; tests substitute a Manual provider.
type TimeProvider interface {
	CurrentTimeMillis() int64
}

// System is the default TimeProvider, backed by time.Now.
type System struct{}

// CurrentTimeMillis returns the current wall-clock time in milliseconds
// since the Unix epoch.
func (System) CurrentTimeMillis() int64 {
	return time.Now().UnixMilli()
}

// Manual is a TimeProvider for tests: it reports whatever time was last
// set, and never advances on its own.
type Manual struct {
	millis int64
}

// NewManual constructs a Manual provider starting at the given time.
func NewManual(millis int64) *Manual {
	return &Manual{millis: millis}
}

// CurrentTimeMillis returns the manually set time.
func (m *Manual) CurrentTimeMillis() int64 { return m.millis }

// Set updates the manually tracked time.
func (m *Manual) Set(millis int64) { m.millis = millis }

// Advance moves the manually tracked time forward by d.
func (m *Manual) Advance(d time.Duration) { m.millis += d.Milliseconds() }
