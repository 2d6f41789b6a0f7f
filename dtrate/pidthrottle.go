package dtrate

import "fmt"

// PIDThrottle is a [Controller] that runs each health observation
// through a [PIDController] and applies the resulting rate to a token bucket.
type PIDThrottle struct {
	pid    *PIDController
	bucket *TokenBucket
	target float64
}

// NewPIDThrottle returns a PIDThrottle steering toward targetHealth, in [0, 1].
// The bucket's own smoothing is bypassed; its rate is set directly.
func NewPIDThrottle(pid *PIDController, bucket *TokenBucket, targetHealth float64) (*PIDThrottle, error) {
	if pid == nil || bucket == nil {
		return nil, fmt.Errorf("PID controller and token bucket are both required")
	}
	if targetHealth < 0 || targetHealth > 1 {
		return nil, fmt.Errorf("target health must be in [0, 1] (got %v)", targetHealth)
	}

	return &PIDThrottle{
		pid:    pid,
		bucket: bucket,
		target: targetHealth,
	}, nil
}

// UpdateHealth updates the PID controller and sets the bucket to its output rate.
func (t *PIDThrottle) UpdateHealth(health float64) {
	t.bucket.SetRate(t.pid.Update(t.target, health))
}

// TryAcquire consumes a token from the bucket.
func (t *PIDThrottle) TryAcquire() bool {
	return t.bucket.TryAcquire()
}

// Rate returns the bucket's current refill rate.
func (t *PIDThrottle) Rate() float64 {
	return t.bucket.Rate()
}

// Tokens returns the bucket's current balance.
func (t *PIDThrottle) Tokens() float64 {
	return t.bucket.Tokens()
}
