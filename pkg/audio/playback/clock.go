package playback

import "time"

// Clock is the output clock that playback is scheduled against. Now reports
// the time elapsed since the clock's origin; AfterFunc runs f on its own
// goroutine once d has elapsed.
type Clock interface {
	Now() time.Duration
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from firing. It reports whether the call
	// stopped the timer (false if it had already fired or been stopped).
	Stop() bool
}

// systemClock measures monotonic time since its creation.
type systemClock struct {
	origin time.Time
}

// NewSystemClock returns a [Clock] whose origin is the moment of the call.
func NewSystemClock() Clock {
	return &systemClock{origin: time.Now()}
}

func (c *systemClock) Now() time.Duration { return time.Since(c.origin) }

func (c *systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
