package dispatch

import (
	"math/rand"
	"time"
)

// BackoffConfig controls retry spacing for transient send failures
type BackoffConfig struct {
	BaseDelay time.Duration `yaml:"base_delay,omitempty"` // e.g. 30s
	MaxDelay  time.Duration `yaml:"max_delay,omitempty"`  // e.g. 1h
}

func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		BaseDelay: 30 * time.Second,
		MaxDelay:  time.Hour,
	}
}

// NextRetryAt computes the next retry time using exponential backoff with
// full jitter. attempt is 1-based (1 => BaseDelay).
func NextRetryAt(now time.Time, attempt int, cfg BackoffConfig, rng *rand.Rand) time.Time {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 30 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Hour
	}

	// exponential: base * 2^(attempt-1), guarding the shift against overflow
	delay := cfg.MaxDelay
	if attempt < 32 {
		delay = cfg.BaseDelay << (attempt - 1)
		if delay > cfg.MaxDelay || delay <= 0 {
			delay = cfg.MaxDelay
		}
	}

	// full jitter: random in [0, delay]
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	jitter := time.Duration(rng.Int63n(int64(delay) + 1))

	return now.Add(jitter).UTC()
}
