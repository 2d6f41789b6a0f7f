// Package dtnode contains a single simulated transaction-processing node.
//
// A node admits transactions through its intake controller,
// periodically batches them into events that it gossips,
// and executes every round it is handed, one at a time, in order.
package dtnode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/dynthrottle/dtintake"
	"github.com/gordian-engine/dynthrottle/dtmodel"
	"github.com/gordian-engine/dynthrottle/internal/fifo"
)

// Gossip receives every event a node produces.
type Gossip interface {
	AddEvent(dtmodel.Event) bool
}

// Config configures a [Node].
type Config struct {
	ID int

	// EventInterval is the period between produced events.
	EventInterval time.Duration

	// MaxTransactionsPerEvent bounds how many queued transactions go into one event.
	MaxTransactionsPerEvent int

	// UnhealthyRoundQueueSize is the execution queue length
	// at which the node reports zero health.
	UnhealthyRoundQueueSize int

	// IncludeIntakeBacklog also counts intake queue occupancy,
	// against UnhealthyIntakeQueueSize, when computing health.
	// It is off by default: the node then reports only its execution backlog.
	IncludeIntakeBacklog     bool
	UnhealthyIntakeQueueSize int

	Intake dtintake.Config

	// Clock drives event production and simulated execution.
	// It defaults to the wall clock when nil, and is also passed to the intake controller.
	Clock clock.Clock

	// Gossip is required.
	Gossip Gossip
}

// ClusterEventsPerSecond is the total event production rate
// shared between all nodes of a cluster.
const ClusterEventsPerSecond = 500

// DefaultConfig returns the configuration for node id
// in a cluster of nodeCount nodes.
// The caller must still set Gossip.
func DefaultConfig(id, nodeCount int) Config {
	return Config{
		ID: id,

		EventInterval: time.Second * time.Duration(max(nodeCount, 1)) / ClusterEventsPerSecond,

		MaxTransactionsPerEvent: 100,

		UnhealthyRoundQueueSize:  20,
		UnhealthyIntakeQueueSize: 500,

		Intake: dtintake.DefaultConfig(),
	}
}

func (c Config) validate() error {
	var errs []error
	if c.ID < 0 {
		errs = append(errs, fmt.Errorf("node ID must be non-negative (got %d)", c.ID))
	}
	if c.EventInterval <= 0 {
		errs = append(errs, fmt.Errorf("event interval must be positive (got %s)", c.EventInterval))
	}
	if c.MaxTransactionsPerEvent < 0 {
		errs = append(errs, fmt.Errorf(
			"max transactions per event must be non-negative (got %d)", c.MaxTransactionsPerEvent,
		))
	}
	if c.UnhealthyRoundQueueSize < 1 {
		errs = append(errs, fmt.Errorf(
			"unhealthy round queue size must be positive (got %d)", c.UnhealthyRoundQueueSize,
		))
	}
	if c.IncludeIntakeBacklog && c.UnhealthyIntakeQueueSize < 1 {
		errs = append(errs, fmt.Errorf(
			"unhealthy intake queue size must be positive (got %d)", c.UnhealthyIntakeQueueSize,
		))
	}
	if c.Gossip == nil {
		errs = append(errs, errors.New("gossip is required"))
	}
	return errors.Join(errs...)
}

// errHealthOutOfRange marks the one fault the producer loop does not recover from.
var errHealthOutOfRange = errors.New("health out of range")

// Node is a simulated transaction-processing node.
type Node struct {
	log *slog.Logger
	clk clock.Clock

	id            int
	eventInterval time.Duration
	maxTxs        int

	unhealthyRounds  int
	includeBacklog   bool
	unhealthyIntakes int

	gossip Gossip
	intake *dtintake.Controller

	txs    *fifo.Queue[dtmodel.Transaction]
	rounds *fifo.Queue[dtmodel.Round]

	lastHealth   atomic.Int32
	currentRound atomic.Uint64
	ingested     atomic.Uint64

	started atomic.Bool
	wg      sync.WaitGroup
}

// New returns a new, stopped Node.
// Call [*Node.Start] to begin producing events and executing rounds.
func New(log *slog.Logger, cfg Config) (*Node, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid node config: %w", err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	cfg.Intake.Clock = clk

	intake, err := dtintake.New(log.With("sys", "intake"), cfg.Intake)
	if err != nil {
		return nil, fmt.Errorf("failed to create intake controller: %w", err)
	}

	n := &Node{
		log: log,
		clk: clk,

		id:            cfg.ID,
		eventInterval: cfg.EventInterval,
		maxTxs:        cfg.MaxTransactionsPerEvent,

		unhealthyRounds:  cfg.UnhealthyRoundQueueSize,
		includeBacklog:   cfg.IncludeIntakeBacklog,
		unhealthyIntakes: cfg.UnhealthyIntakeQueueSize,

		gossip: cfg.Gossip,
		intake: intake,

		txs:    fifo.New[dtmodel.Transaction](),
		rounds: fifo.New[dtmodel.Round](),
	}
	n.lastHealth.Store(100)

	return n, nil
}

// Start launches the event producer and the round executor.
// Both stop when ctx is canceled; use [*Node.Wait] to wait for them.
// Start panics if called more than once.
func (n *Node) Start(ctx context.Context) {
	if !n.started.CompareAndSwap(false, true) {
		panic(errors.New("BUG: Node.Start called more than once"))
	}

	// Created before returning so that a mock clock advanced
	// immediately after Start still ticks.
	ticker := n.clk.Ticker(n.eventInterval)

	n.wg.Add(2)
	go n.produceLoop(ctx, ticker)
	go n.executeLoop(ctx)
}

// Wait blocks until the goroutines launched by Start have returned.
func (n *Node) Wait() {
	n.wg.Wait()
}

// ID returns the node's ID.
func (n *Node) ID() int {
	return n.id
}

// Intake returns the node's intake controller.
func (n *Node) Intake() *dtintake.Controller {
	return n.intake
}

// AcceptTransaction queues tx for the next event if the intake controller admits it.
// A rejected transaction leaves no trace on the node;
// retrying it is up to the caller.
func (n *Node) AcceptTransaction(tx dtmodel.Transaction) bool {
	if !n.intake.ShouldAcceptTransaction() {
		return false
	}

	n.txs.Push(tx)
	n.ingested.Add(1)
	return true
}

// RoundReachedConsensus queues r for execution
// and then updates the intake controller with it.
//
// It is called once per node per formed round, in round order.
func (n *Node) RoundReachedConsensus(r dtmodel.Round) {
	n.rounds.Push(r)
	n.intake.UpdateGlobalRate(r)
}

// Health computes the node's current health percentage from its queue backlogs,
// where 100 is an idle node and 0 is an overloaded one.
func (n *Node) Health() int {
	roundsFull := min(100*float64(n.rounds.Len())/float64(n.unhealthyRounds), 100)

	var h int
	if n.includeBacklog {
		intakeFull := min(100*float64(n.txs.Len())/float64(n.unhealthyIntakes), 100)
		h = 100 - int(min(intakeFull+roundsFull, 100))
	} else {
		h = 100 - int(roundsFull)
	}

	if h < 0 || h > 100 {
		panic(fmt.Errorf("BUG: %w: %d", errHealthOutOfRange, h))
	}

	n.lastHealth.Store(int32(h))
	return h
}

func (n *Node) produceLoop(ctx context.Context, ticker *clock.Ticker) {
	defer n.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.log.Info("Stopping event production", "cause", context.Cause(ctx))
			return
		case <-ticker.C:
			n.produceEvent()
		}
	}
}

// produceEvent drains queued transactions into a new event and gossips it.
// Every cycle produces an event, even an empty one,
// so the node's health keeps reaching the rest of the cluster.
func (n *Node) produceEvent() {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if err, ok := r.(error); ok && errors.Is(err, errHealthOutOfRange) {
			panic(r)
		}
		n.log.Error("Event production cycle failed", "err", r)
	}()

	txs := n.txs.PopUpTo(n.maxTxs)

	e, err := dtmodel.NewEvent(n.id, n.Health(), txs)
	if err != nil {
		n.log.Error(
			"Failed to create event; dropping its transactions",
			"txs", len(txs), "err", err,
		)
		return
	}

	n.gossip.AddEvent(e)
}

func (n *Node) executeLoop(ctx context.Context) {
	defer n.wg.Done()

	for {
		r, err := n.rounds.Pop(ctx)
		if err != nil {
			n.log.Info("Stopping round execution", "cause", err)
			return
		}

		if !n.executeRound(ctx, r) {
			return
		}
	}
}

// executeRound simulates the work of every transaction in r as a single delay.
// It reports false if ctx was canceled first.
func (n *Node) executeRound(ctx context.Context, r dtmodel.Round) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			n.log.Error("Round execution failed", "round", r.Number(), "err", p)
			ok = true
		}
	}()

	work := r.TotalWork()
	if work <= 0 {
		n.currentRound.Store(r.Number())
		return true
	}

	// Timer first, so that once the round is observable as current,
	// advancing a mock clock by the work completes it.
	timer := n.clk.Timer(work)
	defer timer.Stop()
	n.currentRound.Store(r.Number())

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Snapshot is a point-in-time view of a node, for monitoring.
type Snapshot struct {
	ID int `json:"id"`

	IntakeQueueLen int `json:"intake_queue_len"`
	RoundQueueLen  int `json:"round_queue_len"`

	HealthPercent       int `json:"health_percent"`
	QuorumHealthPercent int `json:"quorum_health_percent"`

	TokenRate float64 `json:"token_rate"`
	Tokens    float64 `json:"tokens"`

	CurrentRound         uint64 `json:"current_round"`
	IngestedTransactions uint64 `json:"ingested_transactions"`

	PIDRate float64 `json:"pid_rate"`
	PIDKp   float64 `json:"pid_kp"`
	PIDKi   float64 `json:"pid_ki"`
	PIDKd   float64 `json:"pid_kd"`
}

// Snapshot returns the node's current observable state.
// HealthPercent is the value reported in the most recent event.
func (n *Node) Snapshot() Snapshot {
	g := n.intake.PIDGains()
	return Snapshot{
		ID: n.id,

		IntakeQueueLen: n.txs.Len(),
		RoundQueueLen:  n.rounds.Len(),

		HealthPercent:       int(n.lastHealth.Load()),
		QuorumHealthPercent: n.intake.QuorumHealthPercent(),

		TokenRate: n.intake.TokenRate(),
		Tokens:    n.intake.TokenCount(),

		CurrentRound:         n.currentRound.Load(),
		IngestedTransactions: n.ingested.Load(),

		PIDRate: n.intake.PIDRate(),
		PIDKp:   g.Kp,
		PIDKi:   g.Ki,
		PIDKd:   g.Kd,
	}
}

// String returns a compact status line, like "3[in=12, exe=0, H=100%]".
func (n *Node) String() string {
	return fmt.Sprintf(
		"%d[in=%d, exe=%d, H=%d%%]",
		n.id, n.txs.Len(), n.rounds.Len(), n.lastHealth.Load(),
	)
}
