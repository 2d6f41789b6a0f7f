// Package dtmetrics exposes cluster and node state as Prometheus metrics.
package dtmetrics

import (
	"net/http"
	"strconv"

	"github.com/gordian-engine/dynthrottle/dtmodel"
	"github.com/gordian-engine/dynthrottle/dtnode"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the event-driven metrics of a simulated cluster.
// Node state is exported separately, by a [NodeCollector].
type Metrics struct {
	// Round metrics
	RoundsTotal            prometheus.Counter
	EventsTotal            prometheus.Counter
	TransactionsTotal      prometheus.Counter
	TransactionWorkSeconds prometheus.Counter
	RoundSize              prometheus.Histogram

	// Load metrics
	SubmissionsTotal *prometheus.CounterVec
}

// NewMetrics creates metrics under the given namespace and registers them with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RoundsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Total number of rounds formed",
		}),
		EventsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "round_events_total",
			Help:      "Total number of events included in formed rounds",
		}),
		TransactionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "round_transactions_total",
			Help:      "Total number of transactions included in formed rounds",
		}),
		TransactionWorkSeconds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "round_transaction_work_seconds_total",
			Help:      "Total simulated work of transactions included in formed rounds",
		}),
		RoundSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_size_events",
			Help:      "Number of events per round",
			Buckets:   []float64{50, 100, 150, 200, 250, 300, 350, 400},
		}),

		SubmissionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "load_submissions_total",
			Help:      "Transaction submissions by the load source, by result",
		}, []string{"result"}),
	}
}

// RecordRound records a formed round.
func (m *Metrics) RecordRound(r dtmodel.Round) {
	m.RoundsTotal.Inc()
	m.RoundSize.Observe(float64(r.Len()))
	m.EventsTotal.Add(float64(r.Len()))
	m.TransactionsTotal.Add(float64(r.TransactionCount()))
	m.TransactionWorkSeconds.Add(r.TotalWork().Seconds())
}

// RecordSubmission records one submission attempt by the load source.
func (m *Metrics) RecordSubmission(accepted bool) {
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	m.SubmissionsTotal.WithLabelValues(result).Inc()
}

// SnapshotSource supplies node snapshots on demand.
type SnapshotSource interface {
	Snapshots() []dtnode.Snapshot
}

// NodeCollector is a [prometheus.Collector]
// that reads every node's state at scrape time.
type NodeCollector struct {
	src SnapshotSource

	intakeQueue  *prometheus.Desc
	roundQueue   *prometheus.Desc
	health       *prometheus.Desc
	quorumHealth *prometheus.Desc
	tokenRate    *prometheus.Desc
	tokens       *prometheus.Desc
	currentRound *prometheus.Desc
	ingested     *prometheus.Desc
	pidRate      *prometheus.Desc
	pidGain      *prometheus.Desc
}

// NewNodeCollector returns a collector reading from src.
// Register it on the same registry as the [Metrics].
func NewNodeCollector(namespace string, src SnapshotSource) *NodeCollector {
	desc := func(name, help string, extra ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "node", name),
			help,
			append([]string{"node"}, extra...),
			nil,
		)
	}

	return &NodeCollector{
		src: src,

		intakeQueue:  desc("intake_queue_length", "Admitted transactions waiting for an event"),
		roundQueue:   desc("round_queue_length", "Rounds waiting for execution"),
		health:       desc("health_percent", "Health last reported by the node"),
		quorumHealth: desc("quorum_health_percent", "Cluster health as computed by the node"),
		tokenRate:    desc("token_rate", "Admission token refill rate per second"),
		tokens:       desc("tokens", "Available admission tokens"),
		currentRound: desc("current_round", "Round most recently started by the executor"),
		ingested:     desc("ingested_transactions_total", "Transactions admitted by the node"),
		pidRate:      desc("pid_rate", "Most recent output of the PID controller"),
		pidGain:      desc("pid_gain", "Current PID controller gain", "term"),
	}
}

// Describe implements [prometheus.Collector].
func (c *NodeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.intakeQueue
	ch <- c.roundQueue
	ch <- c.health
	ch <- c.quorumHealth
	ch <- c.tokenRate
	ch <- c.tokens
	ch <- c.currentRound
	ch <- c.ingested
	ch <- c.pidRate
	ch <- c.pidGain
}

// Collect implements [prometheus.Collector].
func (c *NodeCollector) Collect(ch chan<- prometheus.Metric) {
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	for _, s := range c.src.Snapshots() {
		id := strconv.Itoa(s.ID)

		gauge(c.intakeQueue, float64(s.IntakeQueueLen), id)
		gauge(c.roundQueue, float64(s.RoundQueueLen), id)
		gauge(c.health, float64(s.HealthPercent), id)
		gauge(c.quorumHealth, float64(s.QuorumHealthPercent), id)
		gauge(c.tokenRate, s.TokenRate, id)
		gauge(c.tokens, s.Tokens, id)
		gauge(c.currentRound, float64(s.CurrentRound), id)
		ch <- prometheus.MustNewConstMetric(
			c.ingested, prometheus.CounterValue, float64(s.IngestedTransactions), id,
		)
		gauge(c.pidRate, s.PIDRate, id)
		gauge(c.pidGain, s.PIDKp, id, "p")
		gauge(c.pidGain, s.PIDKi, id, "i")
		gauge(c.pidGain, s.PIDKd, id, "d")
	}
}

// Handler returns an HTTP handler serving the metrics gathered from g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
