// Package dtintake decides whether a node admits new transactions,
// based on the health of the whole cluster as seen through consensus rounds.
package dtintake

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/dynthrottle/dtmodel"
	"github.com/gordian-engine/dynthrottle/dtquorum"
	"github.com/gordian-engine/dynthrottle/dtrate"
)

// Strategy selects the [dtrate.Controller] that makes admission decisions.
type Strategy uint8

const (
	// StrategyTokenBucket admits through a token bucket
	// whose rate follows the quorum health directly.
	StrategyTokenBucket Strategy = iota

	// StrategyPID admits through a token bucket
	// whose rate is set by the PID controller.
	StrategyPID
)

func (s Strategy) String() string {
	switch s {
	case StrategyTokenBucket:
		return "token-bucket"
	case StrategyPID:
		return "pid"
	default:
		return fmt.Sprintf("Strategy(%d)", uint8(s))
	}
}

// ParseStrategy is the inverse of [Strategy.String].
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "token-bucket":
		return StrategyTokenBucket, nil
	case "pid":
		return StrategyPID, nil
	default:
		return 0, fmt.Errorf("unknown strategy %q (want token-bucket or pid)", s)
	}
}

// Config configures a [Controller].
type Config struct {
	Strategy Strategy

	// ShadowPID updates the PID controller on every round
	// even when it does not make decisions, so its output can be observed.
	ShadowPID bool

	// TargetHealth is the quorum health, in [0, 1], the PID controller steers toward.
	TargetHealth float64

	Aggregator  dtquorum.AggregatorConfig
	TokenBucket dtrate.TokenBucketConfig
	PID         dtrate.PIDConfig

	// Clock, if set, overrides the clocks in TokenBucket and PID.
	Clock clock.Clock
}

// DefaultConfig returns the configuration used by every node by default.
func DefaultConfig() Config {
	return Config{
		Strategy:     StrategyTokenBucket,
		TargetHealth: 0.8,

		Aggregator:  dtquorum.DefaultAggregatorConfig(),
		TokenBucket: dtrate.DefaultTokenBucketConfig(),
		PID:         dtrate.DefaultPIDConfig(),
	}
}

// Controller is the intake controller of a single node.
//
// It owns one quorum health aggregator, one PID controller,
// and the [dtrate.Controller] that makes admission decisions.
// The PID controller is always constructed so it can be observed,
// but under [StrategyTokenBucket] it only runs when ShadowPID is set.
type Controller struct {
	log *slog.Logger

	agg      *dtquorum.Aggregator
	pid      *dtrate.PIDController
	bucket   *dtrate.TokenBucket
	decision dtrate.Controller

	strategy     Strategy
	shadowPID    bool
	targetHealth float64

	// Most recent quorum health as an integer percentage.
	healthPercent atomic.Int32
}

// New returns a new Controller.
func New(log *slog.Logger, cfg Config) (*Controller, error) {
	if cfg.TargetHealth < 0 || cfg.TargetHealth > 1 {
		return nil, fmt.Errorf("target health must be in [0, 1] (got %v)", cfg.TargetHealth)
	}

	if cfg.Clock != nil {
		cfg.TokenBucket.Clock = cfg.Clock
		cfg.PID.Clock = cfg.Clock
	}

	agg, err := dtquorum.NewAggregator(log.With("sys", "quorum"), cfg.Aggregator)
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregator: %w", err)
	}

	bucket, err := dtrate.NewTokenBucket(cfg.TokenBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to create token bucket: %w", err)
	}

	pid, err := dtrate.NewPIDController(cfg.PID)
	if err != nil {
		return nil, fmt.Errorf("failed to create PID controller: %w", err)
	}

	c := &Controller{
		log: log,

		agg:    agg,
		pid:    pid,
		bucket: bucket,

		strategy:     cfg.Strategy,
		shadowPID:    cfg.ShadowPID,
		targetHealth: cfg.TargetHealth,
	}

	switch cfg.Strategy {
	case StrategyTokenBucket:
		c.decision = bucket
	case StrategyPID:
		t, err := dtrate.NewPIDThrottle(pid, bucket, cfg.TargetHealth)
		if err != nil {
			return nil, fmt.Errorf("failed to create PID throttle: %w", err)
		}
		c.decision = t
	default:
		return nil, fmt.Errorf("unknown strategy %s", cfg.Strategy)
	}

	c.healthPercent.Store(100)

	return c, nil
}

// UpdateGlobalRate recomputes the quorum health from r
// and feeds it to the decision controller.
func (c *Controller) UpdateGlobalRate(r dtmodel.Round) {
	h := c.agg.ComputeQuorumHealth(r)
	c.healthPercent.Store(int32(h * 100))

	c.decision.UpdateHealth(h)

	if c.shadowPID && c.strategy == StrategyTokenBucket {
		c.pid.Update(c.targetHealth, h)
	}
}

// ShouldAcceptTransaction reports whether one more transaction may be admitted.
// An accepted call consumes admission capacity.
func (c *Controller) ShouldAcceptTransaction() bool {
	return c.decision.TryAcquire()
}

// Strategy reports the active admission strategy.
func (c *Controller) Strategy() Strategy {
	return c.strategy
}

// QuorumHealthPercent returns the most recent quorum health, from 0 to 100.
// It is 100 before the first round.
func (c *Controller) QuorumHealthPercent() int {
	return int(c.healthPercent.Load())
}

// TokenRate returns the refill rate of the admission bucket.
func (c *Controller) TokenRate() float64 {
	return c.decision.Rate()
}

// TokenCount returns the token balance of the admission bucket.
func (c *Controller) TokenCount() float64 {
	return c.decision.Tokens()
}

// PIDGains returns the current gains of the PID controller.
func (c *Controller) PIDGains() dtrate.Gains {
	return c.pid.Gains()
}

// PIDRate returns the most recent output of the PID controller.
func (c *Controller) PIDRate() float64 {
	return c.pid.Rate()
}
