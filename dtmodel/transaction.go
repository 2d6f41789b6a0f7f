package dtmodel

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidArgument is wrapped by every constructor error in this package.
var ErrInvalidArgument = errors.New("invalid argument")

const (
	// MaxWork is the largest amount of simulated work a single transaction may carry.
	MaxWork = time.Millisecond

	// MinWork15kTPS is the per-transaction work that saturates one executor
	// at fifteen thousand transactions per second.
	MinWork15kTPS = time.Second / 15_000
)

// Transaction is a pretend transaction whose only attribute
// is the amount of time its execution takes.
type Transaction struct {
	work time.Duration
}

// NewTransaction returns a Transaction carrying the given work.
// The work must be in (0, MaxWork].
func NewTransaction(work time.Duration) (Transaction, error) {
	if work <= 0 || work > MaxWork {
		return Transaction{}, fmt.Errorf(
			"%w: transaction work %s must be in (0, %s]", ErrInvalidArgument, work, MaxWork,
		)
	}
	return Transaction{work: work}, nil
}

// Work returns the simulated execution time of the transaction.
func (tx Transaction) Work() time.Duration {
	return tx.work
}
