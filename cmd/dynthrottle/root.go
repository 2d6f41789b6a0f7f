package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/gordian-engine/dynthrottle/dtcluster"
	"github.com/gordian-engine/dynthrottle/dthttp"
	"github.com/gordian-engine/dynthrottle/dtintake"
	"github.com/gordian-engine/dynthrottle/dtload"
	"github.com/gordian-engine/dynthrottle/dtmetrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const metricsNamespace = "dynthrottle"

type runFlags struct {
	nodes                int
	seed                 uint64
	strategy             string
	shadowPID            bool
	includeIntakeBacklog bool

	largePercent int
	warmUp       time.Duration
	retryBackoff time.Duration

	httpAddr       string
	statusInterval time.Duration
	duration       time.Duration
	logLevel       string
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dynthrottle",
		Short: "Simulate health-driven transaction throttling in a small cluster",

		SilenceUsage: true,
	}

	cmd.AddCommand(newRunCmd())
	return cmd
}

func newRunCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the simulation until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulation(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), f)
		},
	}

	fs := cmd.Flags()
	fs.IntVar(&f.nodes, "nodes", 5, "number of nodes in the cluster")
	fs.Uint64Var(&f.seed, "seed", 1, "seed for round sizes")
	fs.StringVar(&f.strategy, "strategy", dtintake.StrategyTokenBucket.String(), "admission strategy (token-bucket or pid)")
	fs.BoolVar(&f.shadowPID, "shadow-pid", false, "update the PID controller every round even when it does not decide admission")
	fs.BoolVar(&f.includeIntakeBacklog, "include-intake-backlog", false, "count the intake queue when computing node health")

	fs.IntVar(&f.largePercent, "large-tx-percent", 0, "share of random extra work per transaction, from 0 to 100")
	fs.DurationVar(&f.warmUp, "warm-up", 5*time.Second, "delay before the load source starts")
	fs.DurationVar(&f.retryBackoff, "retry-backoff", time.Second, "wait after a rejected transaction")

	fs.StringVar(&f.httpAddr, "http-addr", "127.0.0.1:8080", "address for the monitoring HTTP server; empty to disable")
	fs.DurationVar(&f.statusInterval, "status-interval", time.Second, "period between status lines")
	fs.DurationVar(&f.duration, "duration", 0, "stop after this long; zero runs until interrupted")
	fs.StringVar(&f.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	return cmd
}

func runSimulation(ctx context.Context, stdout, stderr io.Writer, f runFlags) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(f.logLevel)); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})).
		With("run", petname.Generate(2, "-"))

	strategy, err := dtintake.ParseStrategy(f.strategy)
	if err != nil {
		return err
	}

	if f.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.duration)
		defer cancel()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	metrics := dtmetrics.NewMetrics(metricsNamespace, reg)

	cCfg := dtcluster.DefaultConfig(f.nodes)
	cCfg.Formation.Seed = f.seed
	cCfg.Node.IncludeIntakeBacklog = f.includeIntakeBacklog
	cCfg.Node.Intake.Strategy = strategy
	cCfg.Node.Intake.ShadowPID = f.shadowPID
	cCfg.Metrics = metrics

	cluster, err := dtcluster.New(log, cCfg)
	if err != nil {
		return fmt.Errorf("failed to create cluster: %w", err)
	}
	reg.MustRegister(dtmetrics.NewNodeCollector(metricsNamespace, cluster))

	nodes := cluster.Nodes()
	targets := make([]dtload.Acceptor, len(nodes))
	for i, n := range nodes {
		targets[i] = n
	}

	lCfg := dtload.DefaultSourceConfig()
	lCfg.WarmUp = f.warmUp
	lCfg.RetryBackoff = f.retryBackoff
	lCfg.LargeTransactionPercent = f.largePercent
	lCfg.Metrics = metrics

	src, err := dtload.NewSource(log.With("sys", "load"), lCfg, targets)
	if err != nil {
		return fmt.Errorf("failed to create load source: %w", err)
	}

	var h *dthttp.HTTPServer
	if f.httpAddr != "" {
		ln, err := net.Listen("tcp", f.httpAddr)
		if err != nil {
			return fmt.Errorf("failed to listen for HTTP: %w", err)
		}
		log.Info("Serving HTTP", "addr", ln.Addr().String())

		h = dthttp.NewHTTPServer(ctx, log.With("sys", "http"), dthttp.HTTPServerConfig{
			Listener: ln,
			Cluster:  cluster,
			Load:     src,
			Gatherer: reg,
		})
	}

	cluster.Start(ctx)
	src.Start(ctx)

	printStatus(ctx, stdout, f.statusInterval, cluster, src)

	src.Wait()
	cluster.Wait()
	if h != nil {
		h.Wait()
	}

	log.Info("Simulation stopped", "cause", context.Cause(ctx))
	return nil
}

// printStatus writes one status line per interval until ctx is canceled.
func printStatus(
	ctx context.Context, w io.Writer, interval time.Duration,
	cluster *dtcluster.Cluster, src *dtload.Source,
) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			counts := src.TakeCounts()
			fmt.Fprintf(
				w, "%s, accepted: %.1f%%, %s\n",
				cluster.StatusLine(), counts.AcceptedRatio()*100, cluster.TakeStats(),
			)
		}
	}
}
