package scheduler

import "time"

// Clock abstracts the time source so deadline and rolling-average behavior is
// testable without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default wall/monotonic clock.
func SystemClock() Clock { return systemClock{} }
