package scheduler

import "time"

// Config bounds the scheduler's retry, timeout, and parallelism behavior.
// The zero value is unusable; use DefaultConfig and override fields.
type Config struct {
	// MaxAttempts is the dispatch attempt budget per step. Explicit worker
	// failures and timeouts both consume attempts.
	MaxAttempts int

	// BackoffBase is the delay before the second attempt; each further
	// attempt doubles it.
	BackoffBase time.Duration

	// BackoffMax caps the exponential backoff delay.
	BackoffMax time.Duration

	// DispatchTimeout bounds one request/response exchange with a worker.
	DispatchTimeout time.Duration

	// MaxParallel bounds concurrently executing steps across all workflows.
	MaxParallel int

	// DiscoveryMaxWait bounds how long a step may sit pending with no
	// capable agent before the step, and its workflow, fail.
	DiscoveryMaxWait time.Duration

	// TickInterval is the timer fallback between event-driven ticks.
	TickInterval time.Duration
}

// DefaultConfig returns the documented defaults: 3 attempts, exponential
// backoff from 1s capped at 30s, 30s dispatch timeout, 10 parallel steps.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		BackoffBase:      time.Second,
		BackoffMax:       30 * time.Second,
		DispatchTimeout:  30 * time.Second,
		MaxParallel:      10,
		DiscoveryMaxWait: time.Minute,
		TickInterval:     time.Second,
	}
}

// backoff returns the delay before the given attempt (1-based). The first
// attempt has no delay.
func (c Config) backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := c.BackoffBase
	for i := 2; i < attempt; i++ {
		delay *= 2
		if delay >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if delay > c.BackoffMax {
		return c.BackoffMax
	}
	return delay
}
