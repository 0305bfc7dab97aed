package conductor

import (
	"time"

	"fleetsim/internal/signal"
)

// StopOperation is one bounded-duration pause during which passengers
// board and alight. It exists from the moment eligible passengers are
// found until the driver resumes.
type StopOperation struct {
	StopID            string
	Position          signal.GPSPosition
	Boarding          []string
	Disembarking      []string
	RequestedDuration time.Duration
	StartTime         time.Time

	departSent bool
	timer      *time.Timer
}

// stopDuration computes the requested pause:
// max(min, boarding*perBoard + alighting*perAlight + buffer), capped at max.
func stopDuration(boarding, alighting int, opts Options) time.Duration {
	d := time.Duration(boarding)*opts.PerPassengerBoarding +
		time.Duration(alighting)*opts.PerPassengerAlighting +
		opts.FixedBuffer
	if d < opts.MinStopDuration {
		d = opts.MinStopDuration
	}
	if d > opts.MaxStopDuration {
		d = opts.MaxStopDuration
	}
	return d
}
