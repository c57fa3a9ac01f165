package session

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// Retrier counts consecutive failures of a discovery or connect loop.
type Retrier struct {
	cfg     BackoffConfig
	rng     *rand.Rand
	attempt int
}

func NewRetrier(cfg BackoffConfig, seed int64) *Retrier {
	return &Retrier{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

func (r *Retrier) Attempts() int { return r.attempt }

func (r *Retrier) Reset() { r.attempt = 0 }

// Wait sleeps for the next backoff delay or until ctx is done.
func (r *Retrier) Wait(ctx context.Context) error {
	r.attempt++
	timer := time.NewTimer(NextBackoffDelay(r.cfg, r.attempt, r.rng))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
