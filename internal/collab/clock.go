package collab

import "time"

// Clock supplies the current time. Everything time-based in this package
// (dwell windows, typing expiry, confirmation grace) reads it, so tests can
// drive time explicitly.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
