// Package clock abstracts wall-clock time so sync components can be tested
// against a controlled time source.
package clock

import "time"

// Clock reports the current time
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Real returns a Clock backed by time.Now
func Real() Clock {
	return realClock{}
}
