// Package clock exposes the TimeProvider capability that all fire-time
// arithmetic is read through, so tests can inject a virtual clock instead
// of sleeping on the wall clock.
package clock

import "github.com/WatchBeam/clock"

// Provider is the capability every trigger, store, and scheduling-loop
// component reads the current instant through. It is satisfied by
// github.com/WatchBeam/clock.Clock, which gives us both the production
// wall clock and a mock clock for deterministic tests.
type Provider = clock.Clock

// New returns the real wall-clock provider.
func New() Provider { return clock.C }

// NewMock returns a virtual clock pinned at the current wall time. Tests
// advance it explicitly with AddTime/SetTime instead of sleeping.
func NewMock() *clock.MockClock { return clock.NewMockClock() }

// Default is the process-wide wall clock used when no override is supplied.
// Every constructor in this module accepts a Provider override; Default is
// only a convenience for callers that don't care.
var Default Provider = New()
