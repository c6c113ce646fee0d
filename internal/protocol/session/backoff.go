package session

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig shapes the delay between host-driven reconnect attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
	// MaxAttempts stops retrying after N consecutive failures; zero retries
	// forever.
	MaxAttempts int
}

// NextBackoffDelay returns the delay before attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	mult := math.Max(cfg.Multiplier, 1.0)
	delay := float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxDelay > 0 {
		delay = math.Min(delay, float64(cfg.MaxDelay))
	}
	if cfg.Jitter {
		spread := 0.5
		if rng != nil {
			spread += rng.Float64()
		}
		delay *= spread
	}
	return time.Duration(delay)
}

// Backoff counts consecutive failures for one reconnect loop.
type Backoff struct {
	cfg     BackoffConfig
	rng     *rand.Rand
	attempt int
}

func NewBackoff(cfg BackoffConfig, rng *rand.Rand) *Backoff {
	return &Backoff{cfg: cfg, rng: rng}
}

// Next records a failure and returns the wait before retrying. ok is false
// once MaxAttempts is exhausted.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	b.attempt++
	if b.cfg.MaxAttempts > 0 && b.attempt > b.cfg.MaxAttempts {
		return 0, false
	}
	return NextBackoffDelay(b.cfg, b.attempt, b.rng), true
}

// Reset clears the failure count after a successful connect.
func (b *Backoff) Reset() {
	b.attempt = 0
}

func (b *Backoff) Attempts() int {
	return b.attempt
}
