package dtmodel

import (
	"fmt"
	"slices"
	"time"
)

// Event is a batch of transactions created by a single node.
// It is the unit that is gossiped and that consensus is reached on.
//
// Every event also carries the health percentage its creator reported
// at creation time, which is how health information reaches the rest of the cluster.
type Event struct {
	nodeID        int
	healthPercent int
	txs           []Transaction
}

// NewEvent returns an Event created by nodeID.
// The node ID must be non-negative and healthPercent must be in [0, 100].
// A nil or empty txs is allowed; idle nodes still emit events
// so that their health keeps flowing.
//
// The txs slice is copied, so the caller may reuse it.
func NewEvent(nodeID, healthPercent int, txs []Transaction) (Event, error) {
	if nodeID < 0 {
		return Event{}, fmt.Errorf("%w: node ID %d must be non-negative", ErrInvalidArgument, nodeID)
	}
	if healthPercent < 0 || healthPercent > 100 {
		return Event{}, fmt.Errorf(
			"%w: health percentage %d must be in [0, 100]", ErrInvalidArgument, healthPercent,
		)
	}

	return Event{
		nodeID:        nodeID,
		healthPercent: healthPercent,
		txs:           slices.Clone(txs),
	}, nil
}

// NodeID returns the ID of the node that created the event.
func (e Event) NodeID() int {
	return e.nodeID
}

// HealthPercent returns the creator's health at creation time, in [0, 100].
func (e Event) HealthPercent() int {
	return e.healthPercent
}

// Len returns the number of transactions in the event.
func (e Event) Len() int {
	return len(e.txs)
}

// Transactions returns a copy of the event's transactions, in order.
func (e Event) Transactions() []Transaction {
	return slices.Clone(e.txs)
}

// TotalWork returns the sum of the work of every transaction in the event.
func (e Event) TotalWork() time.Duration {
	var total time.Duration
	for _, tx := range e.txs {
		total += tx.work
	}
	return total
}
