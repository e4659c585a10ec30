package state

import "time"

// Clock supplies wall time to the store and the detection components.
// Tests inject testutil.ManualClock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

// Now returns the current wall time.
func (SystemClock) Now() time.Time { return time.Now() }
