// Package dtquorum turns the health percentages carried by a round's events
// into a single smoothed cluster-health signal.
package dtquorum

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/gordian-engine/dynthrottle/dtmodel"
)

// bftSafeNodes is the smallest number of distinct contributing nodes
// for which the trimming in [RoundHealth] can exclude a faulty node.
const bftSafeNodes = 4

// AggregatorConfig configures an [Aggregator].
type AggregatorConfig struct {
	// WindowSize is the number of recent rounds averaged together.
	// Small enough to react quickly to health changes,
	// large enough to smooth single-round spikes.
	WindowSize int
}

// DefaultAggregatorConfig returns the configuration used by every node by default.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{WindowSize: 2}
}

// Aggregator computes quorum health, one round at a time.
//
// Every slot in the averaging window starts at 1.0,
// so a node that has not yet seen a round considers the cluster healthy.
//
// Aggregator methods are safe to call concurrently.
type Aggregator struct {
	log *slog.Logger

	mu     sync.Mutex
	window []float64
	next   int
	warned bool
}

// NewAggregator returns a new Aggregator.
func NewAggregator(log *slog.Logger, cfg AggregatorConfig) (*Aggregator, error) {
	if cfg.WindowSize < 1 {
		return nil, fmt.Errorf("window size must be at least 1 (got %d)", cfg.WindowSize)
	}

	w := make([]float64, cfg.WindowSize)
	for i := range w {
		w[i] = 1.0
	}

	return &Aggregator{
		log:    log,
		window: w,
	}, nil
}

// ComputeQuorumHealth records the health of r into the averaging window
// and returns the mean of the window, in [0, 1].
func (a *Aggregator) ComputeQuorumHealth(r dtmodel.Round) float64 {
	healths := sortedNodeHealths(r)

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.warned && len(healths) < bftSafeNodes {
		a.log.Warn(
			"Not enough nodes in round to be BFT safe in health aggregation; unhealthy nodes may be trusted",
			"nodes", len(healths),
			"round", r.Number(),
		)
		a.warned = true
	}

	a.window[a.next] = trimmedHealth(healths)
	a.next = (a.next + 1) % len(a.window)

	var sum float64
	for _, h := range a.window {
		sum += h
	}
	return sum / float64(len(a.window))
}

// Window returns a copy of the current averaging window, oldest slot first.
func (a *Aggregator) Window() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]float64, 0, len(a.window))
	out = append(out, a.window[a.next:]...)
	out = append(out, a.window[:a.next]...)
	return out
}

// RoundHealth returns the health of a single round, in [0, 1],
// without any smoothing across rounds.
//
// Each node's health fractions within the round are averaged,
// the per-node values are sorted ascending,
// and the result is the largest value among the lowest floor(2n/3) entries.
// With a single contributing node, that node's value is returned.
func RoundHealth(r dtmodel.Round) float64 {
	return trimmedHealth(sortedNodeHealths(r))
}

func trimmedHealth(sorted []float64) float64 {
	limit := (2 * len(sorted)) / 3
	if limit == 0 {
		// Only reachable with one node; there is nothing to trim.
		return sorted[0]
	}

	// Sorted ascending, so the maximum of the prefix is its last element.
	return sorted[limit-1]
}

func sortedNodeHealths(r dtmodel.Round) []float64 {
	type acc struct {
		sum float64
		n   int
	}

	byNode := make(map[int]*acc)
	for _, re := range r.Events() {
		e := re.Event()
		a := byNode[e.NodeID()]
		if a == nil {
			a = new(acc)
			byNode[e.NodeID()] = a
		}
		a.sum += float64(e.HealthPercent()) / 100
		a.n++
	}

	out := make([]float64, 0, len(byNode))
	for _, a := range byNode {
		out = append(out, a.sum/float64(a.n))
	}
	slices.Sort(out)
	return out
}
