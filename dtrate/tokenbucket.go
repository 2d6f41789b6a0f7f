package dtrate

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
)

// TokenBucketConfig configures a [TokenBucket].
type TokenBucketConfig struct {
	// Capacity is the maximum token balance, i.e. the largest admitted burst.
	Capacity float64

	// Bounds of the refill rate, in tokens per second.
	MinRate, MaxRate float64

	// InitialRate is the refill rate before any health update.
	InitialRate float64

	// Smoothing is the exponential moving average factor applied on each health update,
	// in (0, 1]. Lower values react more slowly.
	Smoothing float64

	// Clock defaults to the wall clock when nil.
	Clock clock.Clock
}

// DefaultTokenBucketConfig returns the bucket configuration used by every node by default.
func DefaultTokenBucketConfig() TokenBucketConfig {
	return TokenBucketConfig{
		Capacity:    15_000,
		MinRate:     2,
		MaxRate:     15_000,
		InitialRate: 5_000,
		Smoothing:   0.05,
	}
}

func (c TokenBucketConfig) validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive (got %v)", c.Capacity)
	}
	if c.MinRate < 0 {
		return fmt.Errorf("minimum rate must be non-negative (got %v)", c.MinRate)
	}
	if c.MaxRate < c.MinRate {
		return fmt.Errorf("maximum rate %v must not be below minimum rate %v", c.MaxRate, c.MinRate)
	}
	if c.InitialRate < c.MinRate || c.InitialRate > c.MaxRate {
		return fmt.Errorf(
			"initial rate %v must be within [%v, %v]", c.InitialRate, c.MinRate, c.MaxRate,
		)
	}
	if c.Smoothing <= 0 || c.Smoothing > 1 {
		return fmt.Errorf("smoothing factor must be in (0, 1] (got %v)", c.Smoothing)
	}
	return nil
}

// TokenBucket is a rate limiter whose balance refills continuously
// at a rate that follows the health signal through an exponential moving average.
//
// The bucket starts full.
// Fractional tokens accumulate between calls; one whole token is consumed per acquisition.
type TokenBucket struct {
	clk clock.Clock

	capacity         float64
	minRate, maxRate float64
	smoothing        float64

	mu         sync.Mutex
	tokens     float64
	rate       float64
	lastRefill int64 // Unix nanoseconds.
}

// NewTokenBucket returns a full TokenBucket.
func NewTokenBucket(cfg TokenBucketConfig) (*TokenBucket, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid token bucket config: %w", err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &TokenBucket{
		clk: clk,

		capacity:  cfg.Capacity,
		minRate:   cfg.MinRate,
		maxRate:   cfg.MaxRate,
		smoothing: cfg.Smoothing,

		tokens:     cfg.Capacity,
		rate:       cfg.InitialRate,
		lastRefill: clk.Now().UnixNano(),
	}, nil
}

// TryAcquire refills the bucket for the time elapsed since the previous refill,
// then consumes one token if a whole token is available.
func (b *TokenBucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clk.Now().UnixNano()
	elapsed := float64(now-b.lastRefill) / 1e9
	b.lastRefill = now

	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
}

// UpdateHealth moves the refill rate toward MinRate + health*(MaxRate-MinRate),
// by the configured smoothing factor.
// It only affects refills that happen after it returns.
func (b *TokenBucket) UpdateHealth(health float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	target := b.minRate + health*(b.maxRate-b.minRate)
	b.rate = b.clampRate(b.rate + b.smoothing*(target-b.rate))
}

// SetRate replaces the refill rate outright, clamped to the configured bounds.
// Tokens accrued so far keep the previous rate.
func (b *TokenBucket) SetRate(rate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	b.rate = b.clampRate(rate)
}

func (b *TokenBucket) clampRate(r float64) float64 {
	return max(b.minRate, min(b.maxRate, r))
}

// Rate returns the current smoothed refill rate, in tokens per second.
func (b *TokenBucket) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

// Tokens refills the bucket and returns the available balance.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	return b.tokens
}
