package queue

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// backoff computes jittered exponential redelivery delays.
type backoff struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff(base, maxDelay time.Duration) *backoff {
	return &backoff{baseDelay: base, maxDelay: maxDelay}
}

// Delay returns the wait duration before the next delivery attempt.
func (b *backoff) Delay(attempt int) time.Duration {
	delay := float64(b.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(b.maxDelay) {
		delay = float64(b.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
