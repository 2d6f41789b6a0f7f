// Package dtcluster wires a set of nodes to one shared round formation service.
package dtcluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/dynthrottle/dtmetrics"
	"github.com/gordian-engine/dynthrottle/dtmodel"
	"github.com/gordian-engine/dynthrottle/dtnode"
	"github.com/gordian-engine/dynthrottle/dtround"
)

// Config configures a [Cluster].
type Config struct {
	// NodeCount nodes are created, with IDs 1 through NodeCount.
	NodeCount int

	// Node is the template for every node.
	// Its ID and Gossip fields are overwritten.
	Node dtnode.Config

	// Formation configures the shared round formation service.
	// Its NodeCount and Handler fields are overwritten.
	Formation dtround.FormationConfig

	// Clock is shared by every component. Defaults to the wall clock.
	Clock clock.Clock

	// Metrics, if set, records every formed round.
	Metrics *dtmetrics.Metrics
}

// DefaultConfig returns the configuration for a cluster of nodeCount nodes.
func DefaultConfig(nodeCount int) Config {
	return Config{
		NodeCount: nodeCount,
		Node:      dtnode.DefaultConfig(0, nodeCount),
		Formation: dtround.DefaultFormationConfig(nodeCount),
	}
}

// Stats counts what was included in formed rounds over some period.
type Stats struct {
	Rounds       uint64
	Events       uint64
	Transactions uint64
	Work         time.Duration
}

func (s Stats) String() string {
	return fmt.Sprintf(
		"rounds: %d, events: %d, transactions: %d, transaction work: %.3f seconds",
		s.Rounds, s.Events, s.Transactions, s.Work.Seconds(),
	)
}

// Cluster is a simulated cluster of nodes.
//
// Every formed round is handed to every node in ID order,
// inside the formation service's critical section.
type Cluster struct {
	log *slog.Logger

	formation *dtround.Formation
	nodes     []*dtnode.Node

	metrics *dtmetrics.Metrics

	rounds, events, txs atomic.Uint64
	workNanos           atomic.Int64

	started atomic.Bool
}

// New returns a new, stopped Cluster.
func New(log *slog.Logger, cfg Config) (*Cluster, error) {
	if cfg.NodeCount < 1 {
		return nil, fmt.Errorf("node count must be positive (got %d)", cfg.NodeCount)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	c := &Cluster{
		log:     log,
		nodes:   make([]*dtnode.Node, 0, cfg.NodeCount),
		metrics: cfg.Metrics,
	}

	fCfg := cfg.Formation
	fCfg.NodeCount = cfg.NodeCount
	fCfg.Clock = clk
	fCfg.Handler = c.handleRound

	var err error
	c.formation, err = dtround.NewFormation(log.With("sys", "formation"), fCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create round formation: %w", err)
	}

	for id := 1; id <= cfg.NodeCount; id++ {
		nCfg := cfg.Node
		nCfg.ID = id
		nCfg.Gossip = c.formation
		nCfg.Clock = clk

		n, err := dtnode.New(log.With("sys", "node", "node", id), nCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create node %d: %w", id, err)
		}
		c.nodes = append(c.nodes, n)
	}

	return c, nil
}

func (c *Cluster) handleRound(r dtmodel.Round) {
	c.rounds.Add(1)
	c.events.Add(uint64(r.Len()))
	c.txs.Add(uint64(r.TransactionCount()))
	c.workNanos.Add(int64(r.TotalWork()))

	if c.metrics != nil {
		c.metrics.RecordRound(r)
	}

	for _, n := range c.nodes {
		n.RoundReachedConsensus(r)
	}
}

// Start starts every node.
// Start panics if called more than once.
func (c *Cluster) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		panic(errors.New("BUG: Cluster.Start called more than once"))
	}

	for _, n := range c.nodes {
		n.Start(ctx)
	}
	c.log.Info("Started cluster", "nodes", len(c.nodes))
}

// Wait blocks until every started node has stopped.
func (c *Cluster) Wait() {
	for _, n := range c.nodes {
		n.Wait()
	}
}

// Nodes returns the cluster's nodes in ID order.
// The returned slice may be modified by the caller.
func (c *Cluster) Nodes() []*dtnode.Node {
	out := make([]*dtnode.Node, len(c.nodes))
	copy(out, c.nodes)
	return out
}

// Node returns the node with the given ID.
func (c *Cluster) Node(id int) (*dtnode.Node, bool) {
	if id < 1 || id > len(c.nodes) {
		return nil, false
	}
	return c.nodes[id-1], true
}

// Snapshots returns a snapshot of every node, in ID order.
func (c *Cluster) Snapshots() []dtnode.Snapshot {
	out := make([]dtnode.Snapshot, len(c.nodes))
	for i, n := range c.nodes {
		out[i] = n.Snapshot()
	}
	return out
}

// Formation returns the shared round formation service.
func (c *Cluster) Formation() *dtround.Formation {
	return c.formation
}

// TakeStats returns the counts accumulated since the previous call and resets them.
func (c *Cluster) TakeStats() Stats {
	return Stats{
		Rounds:       c.rounds.Swap(0),
		Events:       c.events.Swap(0),
		Transactions: c.txs.Swap(0),
		Work:         time.Duration(c.workNanos.Swap(0)),
	}
}

// StatusLine returns every node's status line followed by the formation queue length.
func (c *Cluster) StatusLine() string {
	var sb strings.Builder
	for _, n := range c.nodes {
		sb.WriteString(n.String())
		sb.WriteString(", ")
	}
	fmt.Fprintf(&sb, "con queue: %d", c.FormationQueueLen())
	return sb.String()
}

// FormationQueueLen returns the number of gossiped events not yet in a round.
func (c *Cluster) FormationQueueLen() int {
	return c.formation.QueueLen()
}

// LastRound returns the number of the most recently formed round.
func (c *Cluster) LastRound() uint64 {
	return c.formation.LastRound()
}
