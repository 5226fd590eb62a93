// Package clock provides the timer capability used by the connection
// manager for heartbeats, connect timeouts and reconnect backoff.
//
// Production code uses Real(); tests inject a Fake and drive time with
// Advance so that backoff and staleness behaviour is deterministic.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer is a scheduled callback that can be cancelled.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the
	// call stopped the timer (false if it already fired or was stopped).
	Stop() bool
}

// Scheduler schedules callbacks against a clock.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type realScheduler struct {
	clock clockwork.Clock
}

// Real returns a Scheduler backed by the wall clock.
func Real() Scheduler {
	return realScheduler{clock: clockwork.NewRealClock()}
}

func (s realScheduler) Now() time.Time {
	return s.clock.Now()
}

func (s realScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return s.clock.AfterFunc(d, fn)
}
