// Package dtload generates synthetic transactions and submits them to nodes.
//
// The source never gives up on a transaction:
// after a rejection it backs off, picks a random node, and tries again.
package dtload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gordian-engine/dynthrottle/dtmetrics"
	"github.com/gordian-engine/dynthrottle/dtmodel"
)

// Acceptor is a node that may admit a transaction.
type Acceptor interface {
	AcceptTransaction(dtmodel.Transaction) bool
}

// SourceConfig configures a [Source].
type SourceConfig struct {
	// WarmUp delays the first submission.
	WarmUp time.Duration

	// RetryBackoff is the wait after every rejection.
	RetryBackoff time.Duration

	// LargeTransactionPercent, from 0 to 100, scales how much random extra work
	// is added to the minimum transaction work.
	// It can be changed later with [*Source.SetLargeTransactionPercent].
	LargeTransactionPercent int

	// Seed for work amounts and node selection.
	Seed uint64

	// Clock defaults to the wall clock when nil.
	Clock clock.Clock

	// Metrics, if set, records every submission attempt.
	Metrics *dtmetrics.Metrics
}

// DefaultSourceConfig returns the load source configuration used by default.
func DefaultSourceConfig() SourceConfig {
	return SourceConfig{
		WarmUp:       5 * time.Second,
		RetryBackoff: time.Second,
		Seed:         3518465419866731650,
	}
}

// Counts are the submission counters of a [Source].
type Counts struct {
	// Generated transactions, each counted once however many attempts it took.
	Generated uint64

	// Attempts, by outcome.
	Accepted, Rejected uint64
}

// AcceptedRatio returns the fraction of attempts that were accepted,
// or zero if there were none.
func (c Counts) AcceptedRatio() float64 {
	total := c.Accepted + c.Rejected
	if total == 0 {
		return 0
	}
	return float64(c.Accepted) / float64(total)
}

// Source submits transactions to a set of nodes as fast as they admit them.
type Source struct {
	log *slog.Logger
	clk clock.Clock

	targets []Acceptor

	warmUp  time.Duration
	backoff time.Duration
	metrics *dtmetrics.Metrics

	largePercent atomic.Int32

	// Only used from the run goroutine.
	rng *rand.Rand

	generated, accepted, rejected atomic.Uint64

	started atomic.Bool
	wg      sync.WaitGroup
}

// NewSource returns a new, stopped Source submitting to targets.
func NewSource(log *slog.Logger, cfg SourceConfig, targets []Acceptor) (*Source, error) {
	if len(targets) == 0 {
		return nil, errors.New("at least one target is required")
	}
	if cfg.WarmUp < 0 || cfg.RetryBackoff < 0 {
		return nil, fmt.Errorf(
			"durations must be non-negative (warm-up %s, retry backoff %s)",
			cfg.WarmUp, cfg.RetryBackoff,
		)
	}
	if err := validatePercent(cfg.LargeTransactionPercent); err != nil {
		return nil, err
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	s := &Source{
		log: log,
		clk: clk,

		targets: append([]Acceptor(nil), targets...),

		warmUp:  cfg.WarmUp,
		backoff: cfg.RetryBackoff,
		metrics: cfg.Metrics,

		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed)),
	}
	s.largePercent.Store(int32(cfg.LargeTransactionPercent))
	return s, nil
}

func validatePercent(p int) error {
	if p < 0 || p > 100 {
		return fmt.Errorf("large transaction percent must be in [0, 100] (got %d)", p)
	}
	return nil
}

// Start launches the submission goroutine, which stops when ctx is canceled.
// Start panics if called more than once.
func (s *Source) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		panic(errors.New("BUG: Source.Start called more than once"))
	}

	// Created before returning so that a mock clock advanced
	// immediately after Start ends the warm-up.
	warmUp := s.clk.Timer(s.warmUp)

	s.wg.Add(1)
	go s.run(ctx, warmUp)
}

// Wait blocks until the submission goroutine has returned.
func (s *Source) Wait() {
	s.wg.Wait()
}

func (s *Source) run(ctx context.Context, warmUp *clock.Timer) {
	defer s.wg.Done()
	defer warmUp.Stop()

	select {
	case <-ctx.Done():
		return
	case <-warmUp.C:
	}
	s.log.Info("Starting load")

	for {
		if err := s.submit(ctx); err != nil {
			s.log.Info("Stopping load", "cause", err)
			return
		}
	}
}

// submit generates one transaction and retries it until it is accepted
// or ctx is canceled.
func (s *Source) submit(ctx context.Context) error {
	if err := context.Cause(ctx); err != nil {
		return err
	}

	tx := s.newTransaction()
	s.generated.Add(1)

	for {
		t := s.targets[s.rng.IntN(len(s.targets))]
		ok := t.AcceptTransaction(tx)
		if s.metrics != nil {
			s.metrics.RecordSubmission(ok)
		}
		if ok {
			s.accepted.Add(1)
			return nil
		}
		s.rejected.Add(1)

		if err := s.sleep(ctx, s.backoff); err != nil {
			return err
		}
	}
}

func (s *Source) sleep(ctx context.Context, d time.Duration) error {
	t := s.clk.Timer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

func (s *Source) newTransaction() dtmodel.Transaction {
	extra := s.rng.Int64N(int64(dtmodel.MaxWork - dtmodel.MinWork15kTPS))
	work := dtmodel.MinWork15kTPS + time.Duration(extra*int64(s.largePercent.Load())/100)

	tx, err := dtmodel.NewTransaction(work)
	if err != nil {
		panic(fmt.Errorf("BUG: generated invalid transaction: %w", err))
	}
	return tx
}

// SetLargeTransactionPercent changes the share of random extra work
// in subsequently generated transactions.
func (s *Source) SetLargeTransactionPercent(p int) error {
	if err := validatePercent(p); err != nil {
		return err
	}
	s.largePercent.Store(int32(p))
	return nil
}

// LargeTransactionPercent returns the current large transaction percentage.
func (s *Source) LargeTransactionPercent() int {
	return int(s.largePercent.Load())
}

// TakeCounts returns the counters accumulated since the previous call and resets them.
func (s *Source) TakeCounts() Counts {
	return Counts{
		Generated: s.generated.Swap(0),
		Accepted:  s.accepted.Swap(0),
		Rejected:  s.rejected.Swap(0),
	}
}
