package coordinator

import (
	"time"
)

// Clock abstracts wall time and timer arming so the scheduling rules can
// be tested without a real timer.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the real wall clock
var SystemClock Clock = systemClock{}
