// Package clock abstracts timers so retry schedules can be driven
// deterministically in tests. Production code uses Real(); tests use
// Fake() and move time forward with Advance.
package clock

import "time"

type Clock interface {
	Now() time.Time

	// After delivers the current time on the returned channel once d has
	// elapsed.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f in its own goroutine (real) or synchronously
	// during Advance (fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call. Stop reports whether it prevented
// the call.
type Timer interface {
	Stop() bool
}

func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
