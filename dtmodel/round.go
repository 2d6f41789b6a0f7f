package dtmodel

import (
	"fmt"
	"slices"
	"time"
)

// RoundEvent is an [Event] as delivered inside a [Round],
// stamped with the time it reached consensus.
type RoundEvent struct {
	event     Event
	timestamp int64
}

// NewRoundEvent wraps e with a consensus timestamp in Unix milliseconds.
// The timestamp must be non-negative.
func NewRoundEvent(e Event, timestampMs int64) (RoundEvent, error) {
	if timestampMs < 0 {
		return RoundEvent{}, fmt.Errorf(
			"%w: event timestamp %d must be non-negative", ErrInvalidArgument, timestampMs,
		)
	}
	return RoundEvent{event: e, timestamp: timestampMs}, nil
}

// Event returns the wrapped event.
func (re RoundEvent) Event() Event {
	return re.event
}

// Timestamp returns the consensus timestamp of the event in Unix milliseconds.
func (re RoundEvent) Timestamp() int64 {
	return re.timestamp
}

// Round is a batch of events that reached consensus together
// and that every node executes together.
type Round struct {
	number    uint64
	events    []RoundEvent
	timestamp int64
}

// NewRound returns a Round numbered number (starting at 1),
// holding the non-empty events, with a consensus timestamp in Unix milliseconds.
//
// The events slice is copied.
func NewRound(number uint64, events []RoundEvent, timestampMs int64) (Round, error) {
	if number == 0 {
		return Round{}, fmt.Errorf("%w: round number must be at least 1", ErrInvalidArgument)
	}
	if len(events) == 0 {
		return Round{}, fmt.Errorf("%w: round %d has no events", ErrInvalidArgument, number)
	}
	if timestampMs < 0 {
		return Round{}, fmt.Errorf(
			"%w: round timestamp %d must be non-negative", ErrInvalidArgument, timestampMs,
		)
	}

	return Round{
		number:    number,
		events:    slices.Clone(events),
		timestamp: timestampMs,
	}, nil
}

// Number returns the round number.
func (r Round) Number() uint64 {
	return r.number
}

// Timestamp returns the consensus timestamp of the round in Unix milliseconds.
func (r Round) Timestamp() int64 {
	return r.timestamp
}

// Len returns the number of events in the round.
func (r Round) Len() int {
	return len(r.events)
}

// Events returns a copy of the round's events, in consensus order.
func (r Round) Events() []RoundEvent {
	return slices.Clone(r.events)
}

// TotalWork returns the work of every transaction in every event of the round.
func (r Round) TotalWork() time.Duration {
	var total time.Duration
	for _, re := range r.events {
		total += re.event.TotalWork()
	}
	return total
}

// TransactionCount returns the number of transactions across all events in the round.
func (r Round) TransactionCount() int {
	n := 0
	for _, re := range r.events {
		n += re.event.Len()
	}
	return n
}
