package executor

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"twicorder/internal/twitter"
)

// backoffDelayWithHint computes the delay before a retry, honoring an
// explicit retry-after hint when the error carries one (bounded by
// RetryMaxDelay) and falling back to jittered exponential backoff otherwise.
func backoffDelayWithHint(opt Options, retry int, err error, rng *rand.Rand) time.Duration {
	var ra twitter.RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		maxD := opt.RetryMaxDelay
		if maxD <= 0 {
			maxD = 15 * time.Minute
		}
		if d > maxD {
			d = maxD
		}
		// Jitter on top of the hint to avoid thundering herds.
		j := opt.RetryJitter
		if j <= 0 {
			j = 0.2
		}
		if j > 0 && d > 0 && rng != nil {
			r := (rng.Float64()*2 - 1) * j
			d = time.Duration(float64(d) * (1 + r))
			if d < 0 {
				d = 0
			}
		}
		if d > maxD {
			d = maxD
		}
		return d
	}
	return backoffDelay(opt, retry, rng)
}

func backoffDelay(opt Options, retry int, rng *rand.Rand) time.Duration {
	base := opt.RetryBase
	if base <= 0 {
		base = time.Second
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Minute
	}
	j := opt.RetryJitter
	if j <= 0 {
		j = 0.2
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if j > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}

// sleep waits for d or until the context is canceled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
