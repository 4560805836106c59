package wizard

import "time"

// Timer is a single-shot deferred callback that can be stopped.
type Timer interface {
	Stop() bool
}

// Clock abstracts time for the session timers so tests can drive them
// deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// NewClock returns the wall clock.
func NewClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
