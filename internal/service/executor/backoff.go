package executor

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryDelay computes the backoff before attempt n+1 given n completed
// attempts: baseDelay doubled per attempt, capped at maxDelay. The schedule
// is deterministic; the jitter the library normally adds would break the
// dispatch-order guarantees of the retry queue.
func retryDelay(baseDelay, maxDelay time.Duration, attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}
