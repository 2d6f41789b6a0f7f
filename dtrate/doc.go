// Package dtrate contains the admission-rate strategies a node can use
// to turn a cluster health signal into accept/reject decisions.
//
// [*TokenBucket] smooths the health signal into a refill rate directly
// and is the strategy nodes use by default.
// [*PIDThrottle] instead runs the health signal through a self-tuning
// [*PIDController] and applies the resulting rate to a bucket.
// Both satisfy [Controller], so callers need not know which one is active.
package dtrate

// Controller is the contract shared by all admission strategies.
//
// UpdateHealth is called once per consensus round with a health value in [0, 1].
// TryAcquire is called once per incoming transaction.
// Implementations must be safe for concurrent use,
// and every method must apply atomically with respect to the others.
type Controller interface {
	UpdateHealth(health float64)
	TryAcquire() bool

	// Rate returns the current refill rate in tokens per second.
	Rate() float64

	// Tokens returns the currently available token balance.
	Tokens() float64
}

var (
	_ Controller = (*TokenBucket)(nil)
	_ Controller = (*PIDThrottle)(nil)
)
