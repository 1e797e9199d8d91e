// Package reconnect implements the backoff schedule a kvbridge client
// uses when its transport drops unexpectedly.
//
// Adapted from the teacher's internal/connwatch, which probes an
// external service on a two-phase schedule (startup backoff, then
// background polling forever). A client session does not watch an
// external dependency — it owns one transport and either gets it back
// or gives up — so the background-polling phase and the OnReady/OnDown
// probe hooks are dropped here. What survives is the backoff math and
// the config-with-defaults idiom.
package reconnect

import "time"

// Config controls the reconnect delay schedule.
type Config struct {
	// Base is the delay before the first retry (default: 5s).
	Base time.Duration

	// Multiplier scales the delay after each retry (default: 1.5).
	Multiplier float64

	// MaxAttempts caps how many reconnect attempts are made before the
	// client gives up and emits maxReconnectAttemptsReached (default: 10).
	MaxAttempts int
}

// DefaultConfig returns the schedule from spec: delays of 5s, 7.5s,
// 11.25s, ... with 10 attempts before giving up.
func DefaultConfig() Config {
	return Config{
		Base:        5 * time.Second,
		Multiplier:  1.5,
		MaxAttempts: 10,
	}
}

// withDefaults fills zero-value fields with DefaultConfig's values.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Base <= 0 {
		c.Base = d.Base
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}

// Delay returns the wait before reconnect attempt n (1-indexed):
// Base * Multiplier^(n-1).
func (c Config) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(c.Base)
	for i := 1; i < attempt; i++ {
		delay *= c.Multiplier
	}
	return time.Duration(delay)
}

// Exhausted reports whether attempt has used up the configured retry budget.
func (c Config) Exhausted(attempt int) bool {
	c = c.withDefaults()
	return attempt > c.MaxAttempts
}
