package dtrate_test

import (
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/dynthrottle/dtrate"
	"github.com/stretchr/testify/require"
)

func newPID(t *testing.T, clk clock.Clock, mutate func(*dtrate.PIDConfig)) *dtrate.PIDController {
	t.Helper()

	cfg := dtrate.DefaultPIDConfig()
	cfg.Clock = clk
	if mutate != nil {
		mutate(&cfg)
	}

	c, err := dtrate.NewPIDController(cfg)
	require.NoError(t, err)
	return c
}

func requireGains(t *testing.T, want, got dtrate.Gains) {
	t.Helper()

	require.InDelta(t, want.Kp, got.Kp, 1e-9, "kp")
	require.InDelta(t, want.Ki, got.Ki, 1e-9, "ki")
	require.InDelta(t, want.Kd, got.Kd, 1e-9, "kd")
}

func TestPIDController_update(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	c := newPID(t, clk, nil)
	require.Equal(t, 5000.0, c.Rate())

	// Healthier than the target: error 0.2, integral 0.2.
	clk.Add(time.Second)
	require.InDelta(t, 5022, c.Update(0.8, 1.0), 1e-9)

	// On target: only the integral term contributes.
	clk.Add(time.Second)
	require.InDelta(t, 5024, c.Update(0.8, 0.8), 1e-9)

	// Below target: error -0.5, integral -0.3.
	clk.Add(time.Second)
	require.InDelta(t, 4971, c.Update(0.8, 0.3), 1e-9)
	require.InDelta(t, 4971, c.Rate(), 1e-9)
}

func TestPIDController_clamped(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	c := newPID(t, clk, func(cfg *dtrate.PIDConfig) {
		cfg.Gains.Kp = 1e9
	})

	clk.Add(time.Second)
	require.Equal(t, 10_000.0, c.Update(0.5, 1))

	clk.Add(time.Second)
	require.Equal(t, 2.0, c.Update(0.5, 0))
}

func TestPIDController_sameInstantHasNoDerivative(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	c := newPID(t, clk, func(cfg *dtrate.PIDConfig) {
		cfg.Gains = dtrate.Gains{Kd: 1000}
	})

	// With no elapsed time there is no integral or derivative contribution,
	// and the proportional gain is zero.
	require.Equal(t, 5000.0, c.Update(0.5, 1))
	require.False(t, math.IsNaN(c.Rate()))
}

func TestPIDController_oscillationShrinksGains(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	c := newPID(t, clk, nil)

	for i := range 5 {
		clk.Add(time.Second)
		h := 1.0
		if i%2 == 1 {
			h = 0.6
		}
		c.Update(0.8, h)
	}

	requireGains(t, dtrate.Gains{Kp: 95, Ki: 9.5, Kd: 0}, c.Gains())
}

func TestPIDController_noTuningBeforeWindowIsFull(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	c := newPID(t, clk, nil)

	for i := range 4 {
		clk.Add(time.Second)
		h := 1.0
		if i%2 == 1 {
			h = 0.6
		}
		c.Update(0.8, h)
	}

	requireGains(t, dtrate.Gains{Kp: 100, Ki: 10, Kd: 0}, c.Gains())
}

func TestPIDController_undercorrectionGrowsGains(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()

	// Pinned at the maximum rate, so the rates never vary
	// while the error stays well above zero.
	c := newPID(t, clk, func(cfg *dtrate.PIDConfig) {
		cfg.InitialRate = cfg.MaxRate
	})

	for _, h := range []float64{1, 0.7, 1, 0.7, 1} {
		clk.Add(time.Second)
		c.Update(0.5, h)
	}

	requireGains(t, dtrate.Gains{Kp: 105, Ki: 10.5, Kd: 0}, c.Gains())
}

func TestPIDController_rapidErrorChangeGrowsKd(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	c := newPID(t, clk, func(cfg *dtrate.PIDConfig) {
		cfg.MinRate = 100
		cfg.MaxRate = 100
		cfg.InitialRate = 100
		cfg.Gains.Kd = 2
	})

	for _, h := range []float64{1, 1, 1, 1, 0} {
		clk.Add(time.Second)
		c.Update(0.5, h)
	}

	requireGains(t, dtrate.Gains{Kp: 105, Ki: 10.5, Kd: 2.1}, c.Gains())
}

// Gains are deliberately unbounded.
// These runs document how far they drift over many rounds.
func TestPIDController_longRunStability(t *testing.T) {
	t.Parallel()

	t.Run("oscillating health shrinks gains", func(t *testing.T) {
		t.Parallel()

		clk := clock.NewMock()
		c := newPID(t, clk, nil)

		for i := range 1000 {
			clk.Add(time.Second)
			h := 1.0
			if i%2 == 1 {
				h = 0.6
			}
			r := c.Update(0.8, h)
			require.GreaterOrEqual(t, r, 2.0)
			require.LessOrEqual(t, r, 10_000.0)
		}

		// Shrinking stops once the rate variance falls under the threshold,
		// and the persistent error then grows the gains back,
		// so kp hovers far below its initial value.
		g := c.Gains()
		require.Greater(t, g.Kp, 1.0)
		require.Less(t, g.Kp, 10.0)
		require.InDelta(t, g.Kp/10, g.Ki, 1e-6)
	})

	t.Run("pinned rate grows gains", func(t *testing.T) {
		t.Parallel()

		clk := clock.NewMock()
		c := newPID(t, clk, func(cfg *dtrate.PIDConfig) {
			cfg.InitialRate = cfg.MaxRate
		})

		for i := range 1000 {
			clk.Add(time.Second)
			h := 1.0
			if i%2 == 1 {
				h = 0.7
			}
			r := c.Update(0.5, h)
			require.Equal(t, 10_000.0, r)
		}

		g := c.Gains()
		require.Greater(t, g.Kp, 1e6, "kp should have grown without bound")
		require.False(t, math.IsInf(g.Kp, 0))
		require.False(t, math.IsNaN(g.Ki))
	})
}

func TestNewPIDController_invalidConfig(t *testing.T) {
	t.Parallel()

	for name, mutate := range map[string]func(*dtrate.PIDConfig){
		"max below min":     func(c *dtrate.PIDConfig) { c.MaxRate = c.MinRate - 1 },
		"initial below min": func(c *dtrate.PIDConfig) { c.InitialRate = c.MinRate - 1 },
		"tiny window":       func(c *dtrate.PIDConfig) { c.WindowSize = 1 },
		"adjust rate of 1":  func(c *dtrate.PIDConfig) { c.GainAdjustRate = 1 },
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cfg := dtrate.DefaultPIDConfig()
			mutate(&cfg)
			_, err := dtrate.NewPIDController(cfg)
			require.Error(t, err)
		})
	}
}

func TestPIDThrottle(t *testing.T) {
	t.Parallel()

	clk := clock.NewMock()
	pid := newPID(t, clk, nil)
	bucket := newBucket(t, clk, 10, 50)

	// The bucket's own bounds still apply to the PID output.
	th, err := dtrate.NewPIDThrottle(pid, bucket, 0.8)
	require.NoError(t, err)

	clk.Add(time.Second)
	th.UpdateHealth(1)
	require.InDelta(t, 5022, pid.Rate(), 1e-9)
	require.Equal(t, 100.0, th.Rate())

	require.InDelta(t, 10, th.Tokens(), 1e-9)
	for range 10 {
		require.True(t, th.TryAcquire())
	}
	require.False(t, th.TryAcquire())

	clk.Add(100 * time.Millisecond)
	require.InDelta(t, 10, th.Tokens(), 1e-9)

	_, err = dtrate.NewPIDThrottle(pid, bucket, 1.5)
	require.Error(t, err)
	_, err = dtrate.NewPIDThrottle(nil, bucket, 0.8)
	require.Error(t, err)
}
