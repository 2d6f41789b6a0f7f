package dtrate

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Gains holds the coefficients of a [PIDController].
type Gains struct {
	Kp, Ki, Kd float64
}

// PIDConfig configures a [PIDController].
type PIDConfig struct {
	// Initial gains. They are tuned automatically after every full window.
	Gains Gains

	// Bounds of the output rate, in transactions per second.
	MinRate, MaxRate float64

	// InitialRate is the output before the first update.
	InitialRate float64

	// WindowSize is the number of recent (error, rate) pairs kept for tuning.
	WindowSize int

	// GainAdjustRate is the fractional step applied to a gain when it is tuned.
	GainAdjustRate float64

	// OscillationThreshold is the rate variance above which every gain is reduced.
	OscillationThreshold float64

	// Clock defaults to the wall clock when nil.
	Clock clock.Clock
}

// DefaultPIDConfig returns the PID configuration used by every node by default.
func DefaultPIDConfig() PIDConfig {
	return PIDConfig{
		Gains: Gains{
			Kp: 100,
			Ki: 10,
			Kd: 0,
		},

		MinRate:     2,
		MaxRate:     10_000,
		InitialRate: 5_000,

		WindowSize:           5,
		GainAdjustRate:       0.05,
		OscillationThreshold: 0.1,
	}
}

func (c PIDConfig) validate() error {
	if c.MaxRate < c.MinRate {
		return fmt.Errorf("maximum rate %v must not be below minimum rate %v", c.MaxRate, c.MinRate)
	}
	if c.InitialRate < c.MinRate || c.InitialRate > c.MaxRate {
		return fmt.Errorf(
			"initial rate %v must be within [%v, %v]", c.InitialRate, c.MinRate, c.MaxRate,
		)
	}
	if c.WindowSize < 2 {
		return fmt.Errorf("window size must be at least 2 (got %d)", c.WindowSize)
	}
	if c.GainAdjustRate < 0 || c.GainAdjustRate >= 1 {
		return fmt.Errorf("gain adjust rate must be in [0, 1) (got %v)", c.GainAdjustRate)
	}
	return nil
}

const (
	// Error variance above which a persistent error counts as undercorrection.
	undercorrectionVariance = 0.01

	// Minimum magnitude of the latest error for undercorrection.
	undercorrectionError = 0.05

	// Average per-round error change above which the derivative gain grows.
	rapidErrorChange = 0.1
)

// PIDController is a PID-based rate controller whose gains tune themselves
// from the recent history of errors and output rates.
//
// Gains have no floor or ceiling.
// Sustained oscillation drives them toward zero,
// and sustained undercorrection grows them without bound.
//
// PIDController methods are safe to call concurrently.
type PIDController struct {
	clk clock.Clock

	minRate, maxRate float64

	windowSize   int
	adjustRate   float64
	oscThreshold float64

	mu sync.Mutex

	gains Gains

	integral      float64
	previousError float64
	rate          float64
	lastUpdate    time.Time

	// Oldest first; never longer than windowSize.
	recentErrors []float64
	recentRates  []float64
}

// NewPIDController returns a new PIDController.
// The derivative and integral terms of the first update
// use the time elapsed since construction.
func NewPIDController(cfg PIDConfig) (*PIDController, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid PID config: %w", err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &PIDController{
		clk: clk,

		minRate: cfg.MinRate,
		maxRate: cfg.MaxRate,

		windowSize:   cfg.WindowSize,
		adjustRate:   cfg.GainAdjustRate,
		oscThreshold: cfg.OscillationThreshold,

		gains:      cfg.Gains,
		rate:       cfg.InitialRate,
		lastUpdate: clk.Now(),

		recentErrors: make([]float64, 0, cfg.WindowSize),
		recentRates:  make([]float64, 0, cfg.WindowSize),
	}, nil
}

// Update feeds one health observation into the controller and returns the new rate.
//
// The error is currentHealth minus targetHealth,
// so a cluster healthier than the target raises the rate.
func (c *PIDController) Update(targetHealth, currentHealth float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	dt := now.Sub(c.lastUpdate).Seconds()
	c.lastUpdate = now

	e := currentHealth - targetHealth
	c.integral += e * dt

	// Two updates in the same instant have no meaningful slope.
	var derivative float64
	if dt > 0 {
		derivative = (e - c.previousError) / dt
	}
	c.previousError = e

	adjustment := c.gains.Kp*e + c.gains.Ki*c.integral + c.gains.Kd*derivative
	c.rate = max(c.minRate, min(c.maxRate, c.rate+adjustment))

	c.recordLocked(e, c.rate)
	c.autoTuneLocked()

	return c.rate
}

func (c *PIDController) recordLocked(e, rate float64) {
	if len(c.recentErrors) == c.windowSize {
		c.recentErrors = append(c.recentErrors[:0], c.recentErrors[1:]...)
		c.recentRates = append(c.recentRates[:0], c.recentRates[1:]...)
	}
	c.recentErrors = append(c.recentErrors, e)
	c.recentRates = append(c.recentRates, rate)
}

func (c *PIDController) autoTuneLocked() {
	if len(c.recentErrors) < c.windowSize {
		return
	}

	newest := c.recentErrors[len(c.recentErrors)-1]
	oldest := c.recentErrors[0]

	shrink := 1 - c.adjustRate
	grow := 1 + c.adjustRate

	if variance(c.recentRates) > c.oscThreshold {
		// Oscillating.
		c.gains.Kp *= shrink
		c.gains.Ki *= shrink
		c.gains.Kd *= shrink
	} else if variance(c.recentErrors) > undercorrectionVariance && abs(newest) > undercorrectionError {
		// Undercorrecting.
		c.gains.Kp *= grow
		c.gains.Ki *= grow
	}

	if abs(newest-oldest)/float64(c.windowSize) > rapidErrorChange {
		c.gains.Kd *= grow
	}
}

// Rate returns the most recent output rate.
func (c *PIDController) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// Gains returns the current, possibly tuned, gains.
func (c *PIDController) Gains() Gains {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gains
}

func (c *PIDController) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf(
		"[kp=%.2f, ki=%.2f, kd=%.2f, rate=%.2f]",
		c.gains.Kp, c.gains.Ki, c.gains.Kd, c.rate,
	)
}

// variance returns the population variance of vs.
func variance(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}

	var mean float64
	for _, v := range vs {
		mean += v
	}
	mean /= float64(len(vs))

	var sum float64
	for _, v := range vs {
		d := v - mean
		sum += d * d
	}
	return sum / float64(len(vs))
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
