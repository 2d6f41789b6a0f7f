// Package dtmodeltest contains helpers for constructing model values in tests,
// panicking on the validation errors that a test never expects.
package dtmodeltest

import (
	"fmt"
	"time"

	"github.com/gordian-engine/dynthrottle/dtmodel"
)

// Tx returns a transaction with the given work, panicking if it is invalid.
func Tx(work time.Duration) dtmodel.Transaction {
	tx, err := dtmodel.NewTransaction(work)
	if err != nil {
		panic(fmt.Errorf("BUG: invalid test transaction: %w", err))
	}
	return tx
}

// Txs returns n transactions each carrying work.
func Txs(n int, work time.Duration) []dtmodel.Transaction {
	out := make([]dtmodel.Transaction, n)
	for i := range out {
		out[i] = Tx(work)
	}
	return out
}

// Event returns an event, panicking if any argument is invalid.
func Event(nodeID, healthPercent int, txs ...dtmodel.Transaction) dtmodel.Event {
	e, err := dtmodel.NewEvent(nodeID, healthPercent, txs)
	if err != nil {
		panic(fmt.Errorf("BUG: invalid test event: %w", err))
	}
	return e
}

// Round returns a round numbered number containing events,
// with event timestamps incrementing from timestampMs.
func Round(number uint64, timestampMs int64, events ...dtmodel.Event) dtmodel.Round {
	res := make([]dtmodel.RoundEvent, len(events))
	for i, e := range events {
		re, err := dtmodel.NewRoundEvent(e, timestampMs+int64(i))
		if err != nil {
			panic(fmt.Errorf("BUG: invalid test round event: %w", err))
		}
		res[i] = re
	}

	r, err := dtmodel.NewRound(number, res, timestampMs)
	if err != nil {
		panic(fmt.Errorf("BUG: invalid test round: %w", err))
	}
	return r
}

// HealthRound returns a round with one empty event per entry in healths,
// where the node ID of each event is its key.
// Iteration order of the map does not matter to any consumer of health.
func HealthRound(number uint64, healths map[int][]int) dtmodel.Round {
	var events []dtmodel.Event
	for id, hs := range healths {
		for _, h := range hs {
			events = append(events, Event(id, h))
		}
	}
	return Round(number, 0, events...)
}
