package sqlexec

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// doublingBackOff waits base before the first retry and doubles the wait
// after each one, up to maxDelay.
type doublingBackOff struct {
	base time.Duration
	n    int
}

var _ backoff.BackOff = (*doublingBackOff)(nil)

func (b *doublingBackOff) NextBackOff() time.Duration {
	d := b.base
	for i := 0; i < b.n && d < maxDelay; i++ {
		d *= 2
	}
	b.n++
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

func (b *doublingBackOff) Reset() {
	b.n = 0
}

// retryPolicy limits the doubling schedule to maxRetries retries and stops
// waiting when ctx is done.
func retryPolicy(ctx context.Context, s settings) backoff.BackOffContext {
	b := backoff.WithMaxRetries(&doublingBackOff{base: s.baseDelay}, uint64(s.maxRetries))
	return backoff.WithContext(b, ctx)
}
