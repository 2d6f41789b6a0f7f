package dtcluster_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/dynthrottle/dtcluster"
	"github.com/gordian-engine/dynthrottle/dtmetrics"
	"github.com/gordian-engine/dynthrottle/dtmodel/dtmodeltest"
	"github.com/gordian-engine/dynthrottle/internal/gtest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// newCluster returns a three-node cluster whose rounds always have two events.
func newCluster(t *testing.T, m *dtmetrics.Metrics) (*dtcluster.Cluster, *clock.Mock) {
	t.Helper()

	clk := clock.NewMock()
	cfg := dtcluster.DefaultConfig(3)
	cfg.Formation.MinEventsPerRound = 2
	cfg.Formation.MaxEventsPerRound = 3
	cfg.Clock = clk
	cfg.Metrics = m

	c, err := dtcluster.New(gtest.NewLogger(t), cfg)
	require.NoError(t, err)
	return c, clk
}

func TestCluster_nodes(t *testing.T) {
	t.Parallel()

	c, _ := newCluster(t, nil)

	nodes := c.Nodes()
	require.Len(t, nodes, 3)
	for i, n := range nodes {
		require.Equal(t, i+1, n.ID())

		got, ok := c.Node(i + 1)
		require.True(t, ok)
		require.Same(t, n, got)
	}

	_, ok := c.Node(0)
	require.False(t, ok)
	_, ok = c.Node(4)
	require.False(t, ok)
}

func TestCluster_roundFanOut(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := dtmetrics.NewMetrics("test", reg)
	c, _ := newCluster(t, m)

	f := c.Formation()
	require.False(t, f.AddEvent(dtmodeltest.Event(1, 0, dtmodeltest.Tx(time.Millisecond))))
	require.True(t, f.AddEvent(dtmodeltest.Event(2, 0, dtmodeltest.Txs(2, time.Millisecond)...)))

	// Nodes are not started, so every round stays queued.
	for _, s := range c.Snapshots() {
		require.Equal(t, 1, s.RoundQueueLen)

		// Window of 0 and the initial 1.
		require.Equal(t, 50, s.QuorumHealthPercent)
	}

	require.Equal(t, dtcluster.Stats{
		Rounds:       1,
		Events:       2,
		Transactions: 3,
		Work:         3 * time.Millisecond,
	}, c.TakeStats())
	require.Equal(t, dtcluster.Stats{}, c.TakeStats())

	require.Equal(t, 1.0, testutil.ToFloat64(m.RoundsTotal))
	require.Equal(t, 3.0, testutil.ToFloat64(m.TransactionsTotal))

	require.Equal(t,
		"1[in=0, exe=1, H=100%], 2[in=0, exe=1, H=100%], 3[in=0, exe=1, H=100%], con queue: 0",
		c.StatusLine(),
	)
}

func TestCluster_run(t *testing.T) {
	t.Parallel()

	c, clk := newCluster(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	// Each of the three nodes produces one event.
	// Any two of them come from distinct nodes, so exactly one round forms.
	clk.Add(dtcluster.DefaultConfig(3).Node.EventInterval)

	require.Eventually(t, func() bool {
		if c.Formation().LastRound() != 1 || c.Formation().QueueLen() != 1 {
			return false
		}
		for _, s := range c.Snapshots() {
			if s.CurrentRound != 1 {
				return false
			}
		}
		return true
	}, gtest.ScaleMs(500), time.Millisecond)

	s := c.TakeStats()
	require.Equal(t, uint64(1), s.Rounds)
	require.Equal(t, uint64(2), s.Events)

	cancel()
	c.Wait()

	require.Panics(t, func() { c.Start(context.Background()) })
}

func TestNew_invalidConfig(t *testing.T) {
	t.Parallel()

	_, err := dtcluster.New(gtest.NewLogger(t), dtcluster.DefaultConfig(0))
	require.Error(t, err)

	cfg := dtcluster.DefaultConfig(3)
	cfg.Formation.MaxEventsPerRound = cfg.Formation.MinEventsPerRound
	_, err = dtcluster.New(gtest.NewLogger(t), cfg)
	require.Error(t, err)

	cfg = dtcluster.DefaultConfig(3)
	cfg.Node.UnhealthyRoundQueueSize = 0
	_, err = dtcluster.New(gtest.NewLogger(t), cfg)
	require.Error(t, err)
}
