// Package backoff computes reconnect delays for the signaling transport and
// the control channel.
package backoff

import (
	"math"
	"sync"
	"time"
)

// Policy maps a reconnect attempt number to a delay. Attempt 0 uses Initial
// so a transient blip reconnects without visible lag.
type Policy struct {
	Initial    time.Duration
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

var (
	// Signaling is used by the telephony transport
	Signaling = Policy{Initial: 100 * time.Millisecond, Base: 2 * time.Second, Multiplier: 2.0, Max: 30 * time.Second}

	// ControlChannel is used by the presence WebSocket
	ControlChannel = Policy{Initial: 100 * time.Millisecond, Base: 2 * time.Second, Multiplier: 1.5, Max: 30 * time.Second}
)

// Next returns the delay before reconnect attempt number attempt
func (p Policy) Next(attempt int) time.Duration {
	if attempt <= 0 {
		return p.Initial
	}
	d := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	if d >= float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// Counter tracks consecutive failed attempts for one transport
type Counter struct {
	policy  Policy
	mu      sync.Mutex
	attempt int
}

// NewCounter creates a counter at attempt 0
func NewCounter(policy Policy) *Counter {
	return &Counter{policy: policy}
}

// Fail returns the delay for the current attempt and advances the counter
func (c *Counter) Fail() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.policy.Next(c.attempt)
	c.attempt++
	return d
}

// Reset sets the counter back to 0 after a successful connect
func (c *Counter) Reset() {
	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()
}

// Attempt returns the number of failures since the last reset
func (c *Counter) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}
