package mcp

import (
	"math"
	"time"
)

// ReconnectionOptions parametrizes the exponential backoff applied when a
// Streamable HTTP event stream drops. The attempt counter resets whenever an
// event is delivered, so the delays only grow across consecutive failures.
type ReconnectionOptions struct {
	// InitialDelay is the delay before the first reconnection attempt.
	InitialDelay time.Duration
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration
	// GrowthFactor multiplies the delay on each subsequent attempt.
	GrowthFactor float64
	// MaxRetries bounds the number of consecutive attempts before giving up.
	MaxRetries int
}

var defaultReconnectionOptions = ReconnectionOptions{
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	GrowthFactor: 2,
	MaxRetries:   5,
}

func (o ReconnectionOptions) withDefaults() ReconnectionOptions {
	if o.InitialDelay == 0 {
		o.InitialDelay = defaultReconnectionOptions.InitialDelay
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = defaultReconnectionOptions.MaxDelay
	}
	if o.GrowthFactor == 0 {
		o.GrowthFactor = defaultReconnectionOptions.GrowthFactor
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = defaultReconnectionOptions.MaxRetries
	}
	return o
}

// Delay returns the wait before reconnection attempt number attempt, counted
// from zero: min(InitialDelay * GrowthFactor^attempt, MaxDelay). Pure function,
// no side effects.
func (o ReconnectionOptions) Delay(attempt int) time.Duration {
	d := time.Duration(float64(o.InitialDelay) * math.Pow(o.GrowthFactor, float64(attempt)))
	if d > o.MaxDelay || d < 0 {
		return o.MaxDelay
	}
	return d
}
