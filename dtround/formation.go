// Package dtround batches the events gossiped by every node into rounds.
//
// Round formation is a stochastic batcher, not a consensus protocol:
// the only safety property it enforces is that enough distinct nodes
// contributed to each round.
package dtround

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/bits-and-blooms/bitset"
	"github.com/gordian-engine/dynthrottle/dtmodel"
)

// QuorumSize returns the number of distinct nodes
// that must contribute events to a round in a cluster of n nodes.
func QuorumSize(n int) int {
	return (2 * n) / 3
}

// Handler is called with every formed round.
type Handler func(dtmodel.Round)

// FormationConfig configures a [Formation].
type FormationConfig struct {
	// NodeCount is the number of nodes in the cluster.
	NodeCount int

	// Every round has between MinEventsPerRound (inclusive)
	// and MaxEventsPerRound (exclusive) events.
	MinEventsPerRound, MaxEventsPerRound int

	// Seed for the round size draws.
	// The draws follow a math/rand/v2 PCG source seeded with (Seed, Seed).
	Seed uint64

	// Clock supplies round timestamps. Defaults to the wall clock when nil.
	Clock clock.Clock

	// Handler is required.
	Handler Handler
}

// DefaultFormationConfig returns the round formation configuration
// for a cluster of nodeCount nodes.
// The caller must still set Handler.
func DefaultFormationConfig(nodeCount int) FormationConfig {
	return FormationConfig{
		NodeCount: nodeCount,

		MinEventsPerRound: 50,
		MaxEventsPerRound: 400,
	}
}

func (c FormationConfig) validate() error {
	if c.NodeCount < 1 {
		return fmt.Errorf("node count must be positive (got %d)", c.NodeCount)
	}
	if c.MinEventsPerRound < 1 {
		return fmt.Errorf("minimum events per round must be positive (got %d)", c.MinEventsPerRound)
	}
	if c.MaxEventsPerRound <= c.MinEventsPerRound {
		return fmt.Errorf(
			"maximum events per round %d must exceed minimum %d",
			c.MaxEventsPerRound, c.MinEventsPerRound,
		)
	}
	if c.Handler == nil {
		return fmt.Errorf("handler is required")
	}
	return nil
}

// Formation is the single round formation service of a cluster.
//
// Every call to [*Formation.AddEvent] runs under one mutex,
// including the handler invocation for a formed round.
// Therefore every observer of the handler sees rounds in the same order,
// and no two rounds are ever formed concurrently.
type Formation struct {
	log *slog.Logger
	clk clock.Clock

	quorum   int
	minSize  int
	sizeSpan int
	handle   Handler

	mu    sync.Mutex
	rng   *rand.Rand
	queue []dtmodel.Event
	seen  *bitset.BitSet

	// Written under mu, read without it.
	queueLen  atomic.Int64
	lastRound atomic.Uint64
}

// NewFormation returns a new Formation.
func NewFormation(log *slog.Logger, cfg FormationConfig) (*Formation, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid round formation config: %w", err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	return &Formation{
		log: log,
		clk: clk,

		quorum:   QuorumSize(cfg.NodeCount),
		minSize:  cfg.MinEventsPerRound,
		sizeSpan: cfg.MaxEventsPerRound - cfg.MinEventsPerRound,
		handle:   cfg.Handler,

		rng:  rand.New(rand.NewPCG(cfg.Seed, cfg.Seed)),
		seen: bitset.New(uint(cfg.NodeCount + 1)),
	}, nil
}

// AddEvent queues e and attempts to form a round,
// reporting whether a round was formed and handled.
//
// The round size is drawn anew on every call.
// If the oldest queued events of that size come from too few distinct nodes,
// they stay at the front of the queue, in order, for a later attempt.
func (f *Formation) AddEvent(e dtmodel.Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.queue = append(f.queue, e)
	f.queueLen.Store(int64(len(f.queue)))

	size := f.minSize + f.rng.IntN(f.sizeSpan)
	if len(f.queue) < size {
		return false
	}

	batch := f.queue[:size]
	if n := f.distinctNodes(batch); n < f.quorum {
		f.log.Debug(
			"Not enough distinct nodes for a round",
			"events", size, "distinct_nodes", n, "quorum", f.quorum,
		)
		return false
	}

	ts := f.clk.Now().UnixMilli()
	events := make([]dtmodel.RoundEvent, size)
	for i, be := range batch {
		re, err := dtmodel.NewRoundEvent(be, ts+int64(i))
		if err != nil {
			panic(fmt.Errorf("BUG: failed to stamp round event: %w", err))
		}
		events[i] = re
	}

	r, err := dtmodel.NewRound(f.lastRound.Load()+1, events, ts)
	if err != nil {
		panic(fmt.Errorf("BUG: failed to build round: %w", err))
	}
	f.lastRound.Store(r.Number())

	// Shift rather than reslice so the backing array does not grow without bound.
	n := copy(f.queue, f.queue[size:])
	clear(f.queue[n:])
	f.queue = f.queue[:n]
	f.queueLen.Store(int64(n))

	f.handle(r)
	return true
}

func (f *Formation) distinctNodes(events []dtmodel.Event) int {
	f.seen.ClearAll()
	for _, e := range events {
		f.seen.Set(uint(e.NodeID()))
	}
	return int(f.seen.Count())
}

// QueueLen returns the number of events waiting for a round.
// It does not wait for an in-progress AddEvent call.
func (f *Formation) QueueLen() int {
	return int(f.queueLen.Load())
}

// LastRound returns the number of the most recently formed round,
// or zero if no round has formed yet.
// It is safe to call from within the round handler.
func (f *Formation) LastRound() uint64 {
	return f.lastRound.Load()
}
