package dtnode_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/dynthrottle/dtmodel"
	"github.com/gordian-engine/dynthrottle/dtmodel/dtmodeltest"
	"github.com/gordian-engine/dynthrottle/dtnode"
	"github.com/gordian-engine/dynthrottle/internal/gtest"
	"github.com/stretchr/testify/require"
)

type chanGossip chan dtmodel.Event

func (g chanGossip) AddEvent(e dtmodel.Event) bool {
	g <- e
	return false
}

func newNode(t *testing.T, mutate func(*dtnode.Config)) (*dtnode.Node, *clock.Mock, chanGossip) {
	t.Helper()

	clk := clock.NewMock()
	g := make(chanGossip, 64)

	cfg := dtnode.DefaultConfig(1, 5)
	cfg.Clock = clk
	cfg.Gossip = g
	if mutate != nil {
		mutate(&cfg)
	}

	n, err := dtnode.New(gtest.NewLogger(t), cfg)
	require.NoError(t, err)
	return n, clk, g
}

func startNode(t *testing.T, n *dtnode.Node) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)
	t.Cleanup(func() {
		cancel()
		n.Wait()
	})
}

func TestDefaultConfig_eventInterval(t *testing.T) {
	t.Parallel()

	// 500 events per second across the cluster.
	require.Equal(t, 10*time.Millisecond, dtnode.DefaultConfig(1, 5).EventInterval)
	require.Equal(t, 2*time.Millisecond, dtnode.DefaultConfig(1, 1).EventInterval)
}

func TestNode_acceptTransaction(t *testing.T) {
	t.Parallel()

	n, _, _ := newNode(t, func(cfg *dtnode.Config) {
		cfg.Intake.TokenBucket.Capacity = 2
	})

	require.True(t, n.AcceptTransaction(dtmodeltest.Tx(time.Microsecond)))
	require.True(t, n.AcceptTransaction(dtmodeltest.Tx(time.Microsecond)))
	require.False(t, n.AcceptTransaction(dtmodeltest.Tx(time.Microsecond)))

	s := n.Snapshot()
	require.Equal(t, 2, s.IntakeQueueLen)
	require.Equal(t, uint64(2), s.IngestedTransactions)
}

func TestNode_health(t *testing.T) {
	t.Parallel()

	n, _, _ := newNode(t, nil)
	require.Equal(t, 100, n.Health())

	// Not started, so nothing executes.
	prev := 100
	for i := 1; i <= 30; i++ {
		n.RoundReachedConsensus(dtmodeltest.Round(uint64(i), 0, dtmodeltest.Event(1, 100)))

		h := n.Health()
		require.LessOrEqual(t, h, prev)
		require.GreaterOrEqual(t, h, 0)
		prev = h

		if i == 5 {
			require.Equal(t, 75, h)
		}
	}
	require.Zero(t, prev)
	require.Equal(t, 30, n.Snapshot().RoundQueueLen)
}

func TestNode_health_ignoresIntakeBacklogByDefault(t *testing.T) {
	t.Parallel()

	n, _, _ := newNode(t, func(cfg *dtnode.Config) {
		cfg.UnhealthyIntakeQueueSize = 4
	})

	for range 4 {
		require.True(t, n.AcceptTransaction(dtmodeltest.Tx(time.Microsecond)))
	}
	require.Equal(t, 100, n.Health())
}

func TestNode_health_intakeBacklog(t *testing.T) {
	t.Parallel()

	n, _, _ := newNode(t, func(cfg *dtnode.Config) {
		cfg.IncludeIntakeBacklog = true
		cfg.UnhealthyIntakeQueueSize = 4
	})

	for range 2 {
		require.True(t, n.AcceptTransaction(dtmodeltest.Tx(time.Microsecond)))
	}
	require.Equal(t, 50, n.Health())

	// 50% intake plus 50% rounds.
	for i := range 10 {
		n.RoundReachedConsensus(dtmodeltest.Round(uint64(i+1), 0, dtmodeltest.Event(1, 100)))
	}
	require.Equal(t, 0, n.Health())
}

func TestNode_roundReachedConsensusUpdatesIntake(t *testing.T) {
	t.Parallel()

	n, _, _ := newNode(t, nil)

	n.RoundReachedConsensus(dtmodeltest.HealthRound(1, map[int][]int{
		1: {0}, 2: {0}, 3: {0}, 4: {0},
	}))
	require.Equal(t, 50, n.Intake().QuorumHealthPercent())
	require.Equal(t, 50, n.Snapshot().QuorumHealthPercent)
}

func TestNode_producesEvents(t *testing.T) {
	t.Parallel()

	n, clk, g := newNode(t, nil)
	startNode(t, n)

	// Idle nodes still produce events.
	clk.Add(10 * time.Millisecond)
	e := gtest.ReceiveSoon(t, (<-chan dtmodel.Event)(g))
	require.Equal(t, 1, e.NodeID())
	require.Equal(t, 100, e.HealthPercent())
	require.Zero(t, e.Len())

	for i := range 150 {
		require.True(t, n.AcceptTransaction(dtmodeltest.Tx(time.Duration(i+1)*time.Nanosecond)))
	}

	clk.Add(10 * time.Millisecond)
	e = gtest.ReceiveSoon(t, (<-chan dtmodel.Event)(g))
	require.Equal(t, 100, e.Len())
	for i, tx := range e.Transactions() {
		require.Equal(t, time.Duration(i+1)*time.Nanosecond, tx.Work())
	}

	clk.Add(10 * time.Millisecond)
	e = gtest.ReceiveSoon(t, (<-chan dtmodel.Event)(g))
	require.Equal(t, 50, e.Len())
	require.Equal(t, 101*time.Nanosecond, e.Transactions()[0].Work())

	clk.Add(10 * time.Millisecond)
	e = gtest.ReceiveSoon(t, (<-chan dtmodel.Event)(g))
	require.Zero(t, e.Len())

	require.Equal(t, "1[in=0, exe=0, H=100%]", n.String())
}

func TestNode_executesRoundsInOrder(t *testing.T) {
	t.Parallel()

	n, clk, _ := newNode(t, func(cfg *dtnode.Config) {
		cfg.EventInterval = time.Hour
	})
	startNode(t, n)

	// 6ms of work, then 1ms.
	n.RoundReachedConsensus(dtmodeltest.Round(1, 0,
		dtmodeltest.Event(1, 100, dtmodeltest.Txs(3, time.Millisecond)...),
		dtmodeltest.Event(2, 100, dtmodeltest.Txs(3, time.Millisecond)...),
	))
	n.RoundReachedConsensus(dtmodeltest.Round(2, 0,
		dtmodeltest.Event(1, 100, dtmodeltest.Tx(time.Millisecond)),
	))

	require.Eventually(t, func() bool {
		s := n.Snapshot()
		return s.CurrentRound == 1 && s.RoundQueueLen == 1
	}, gtest.ScaleMs(500), time.Millisecond)

	// Not enough for the first round.
	clk.Add(5 * time.Millisecond)
	require.Never(t, func() bool {
		return n.Snapshot().CurrentRound != 1
	}, gtest.ScaleMs(20), time.Millisecond)

	clk.Add(time.Millisecond)
	require.Eventually(t, func() bool {
		s := n.Snapshot()
		return s.CurrentRound == 2 && s.RoundQueueLen == 0
	}, gtest.ScaleMs(500), time.Millisecond)
}

func TestNode_executesEmptyRoundsImmediately(t *testing.T) {
	t.Parallel()

	n, _, _ := newNode(t, func(cfg *dtnode.Config) {
		cfg.EventInterval = time.Hour
	})
	startNode(t, n)

	for i := 1; i <= 3; i++ {
		n.RoundReachedConsensus(dtmodeltest.Round(uint64(i), 0, dtmodeltest.Event(1, 100)))
	}

	require.Eventually(t, func() bool {
		return n.Snapshot().CurrentRound == 3
	}, gtest.ScaleMs(500), time.Millisecond)
}

func TestNode_stopsOnCancel(t *testing.T) {
	t.Parallel()

	n, _, _ := newNode(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	n.Start(ctx)

	// Blocks the executor on a timer the mock clock never fires.
	n.RoundReachedConsensus(dtmodeltest.Round(1, 0,
		dtmodeltest.Event(1, 100, dtmodeltest.Tx(time.Millisecond)),
	))
	require.Eventually(t, func() bool {
		return n.Snapshot().CurrentRound == 1
	}, gtest.ScaleMs(500), time.Millisecond)

	cancel()

	done := make(chan struct{})
	go func() {
		n.Wait()
		close(done)
	}()
	_ = gtest.ReceiveSoon(t, (<-chan struct{})(done))

	require.Panics(t, func() { n.Start(context.Background()) })
}

func TestNew_invalidConfig(t *testing.T) {
	t.Parallel()

	for name, mutate := range map[string]func(*dtnode.Config){
		"negative ID":         func(c *dtnode.Config) { c.ID = -1 },
		"zero interval":       func(c *dtnode.Config) { c.EventInterval = 0 },
		"zero unhealthy size": func(c *dtnode.Config) { c.UnhealthyRoundQueueSize = 0 },
		"missing gossip":      func(c *dtnode.Config) { c.Gossip = nil },
		"intake":              func(c *dtnode.Config) { c.Intake.TargetHealth = -1 },
		"backlog without size": func(c *dtnode.Config) {
			c.IncludeIntakeBacklog = true
			c.UnhealthyIntakeQueueSize = 0
		},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cfg := dtnode.DefaultConfig(1, 5)
			cfg.Gossip = make(chanGossip)
			mutate(&cfg)
			_, err := dtnode.New(gtest.NewLogger(t), cfg)
			require.Error(t, err)
		})
	}
}
