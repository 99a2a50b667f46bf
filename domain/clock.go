package domain

import "time"

// Clock abstracts time for the session store and the expiry sweep so
// tests can inject a fake instead of waiting on wall-clock timers.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock implementation used in production.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
