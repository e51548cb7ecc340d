package resilience

import "time"

// Config tunes the per-operation circuit breakers. Calls are never retried;
// a failed call is reported and resubmission is left to the user.
type Config struct {
	Enabled         bool
	MinRequests     uint32
	FailureRatio    float64
	OpenTimeout     time.Duration
	HalfOpenMaxCall uint32
	// Interval resets closed-state counts; zero keeps them until a trip.
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		MinRequests:     5,
		FailureRatio:    0.6,
		OpenTimeout:     15 * time.Second,
		HalfOpenMaxCall: 1,
		Interval:        time.Minute,
	}
}

func (c Config) normalize() Config {
	out := c
	def := DefaultConfig()

	if out.MinRequests == 0 {
		out.MinRequests = def.MinRequests
	}
	if out.FailureRatio <= 0 || out.FailureRatio > 1 {
		out.FailureRatio = def.FailureRatio
	}
	if out.OpenTimeout <= 0 {
		out.OpenTimeout = def.OpenTimeout
	}
	if out.HalfOpenMaxCall == 0 {
		out.HalfOpenMaxCall = def.HalfOpenMaxCall
	}
	if out.Interval < 0 {
		out.Interval = 0
	}
	return out
}
