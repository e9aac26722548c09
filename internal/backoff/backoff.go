// Package backoff computes reconnect delays for the push channels.
package backoff

import (
	"math/rand"
	"time"
)

// Config holds the exponential backoff settings.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// JitterPercent spreads each delay by up to ±percent of itself.
	JitterPercent float64
}

// DefaultConfig returns the reconnect policy shared by both push channels.
func DefaultConfig() Config {
	return Config{
		InitialDelay:  1 * time.Second,
		MaxDelay:      30 * time.Second,
		Multiplier:    2.0,
		JitterPercent: 0.25,
	}
}

// Backoff tracks the current delay of one reconnect loop. Not safe for
// concurrent use.
type Backoff struct {
	cfg     Config
	current time.Duration
}

// New creates a backoff starting at cfg.InitialDelay.
func New(cfg Config) *Backoff {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = cfg.InitialDelay
	}
	return &Backoff{cfg: cfg, current: cfg.InitialDelay}
}

// Next returns the delay to wait now, with jitter, and grows the delay for
// the following attempt.
func (b *Backoff) Next() time.Duration {
	base := b.current
	jitter := float64(base) * b.cfg.JitterPercent * (rand.Float64()*2 - 1)
	delay := max(0, base+time.Duration(jitter))

	b.current = time.Duration(float64(b.current) * b.cfg.Multiplier)
	if b.current > b.cfg.MaxDelay {
		b.current = b.cfg.MaxDelay
	}
	return delay
}

// Reset starts over from the initial delay after a successful connection.
func (b *Backoff) Reset() {
	b.current = b.cfg.InitialDelay
}

// SetInitial replaces the initial delay, for servers that announce their
// own retry interval.
func (b *Backoff) SetInitial(d time.Duration) {
	if d <= 0 {
		return
	}
	b.cfg.InitialDelay = d
	if b.cfg.MaxDelay < d {
		b.cfg.MaxDelay = d
	}
	b.current = d
}
