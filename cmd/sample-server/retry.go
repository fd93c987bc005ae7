package main

import (
	"context"
	"time"
)

// retryPolicy spaces out startup attempts. Delays double from initial and
// stop growing at max.
type retryPolicy struct {
	initial  time.Duration
	max      time.Duration
	attempts int

	used  int
	delay time.Duration
}

func newRetryPolicy(initial, max time.Duration, attempts int) *retryPolicy {
	return &retryPolicy{
		initial:  initial,
		max:      max,
		attempts: attempts,
		delay:    initial,
	}
}

func (p *retryPolicy) nextDelay() time.Duration {
	d := min(p.delay, p.max)
	p.delay = min(p.delay*2, p.max)
	return d
}

// wait sleeps before the next attempt. It reports false when the attempts
// are used up or ctx ends first.
func (p *retryPolicy) wait(ctx context.Context) bool {
	p.used++
	if p.used >= p.attempts {
		return false
	}
	t := time.NewTimer(p.nextDelay())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// retry calls fn until it succeeds or the policy gives up, returning the last
// error.
func retry(ctx context.Context, p *retryPolicy, fn func(context.Context) error, onFailure func(attempt int, err error)) error {
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if onFailure != nil {
			onFailure(p.used+1, err)
		}
		if !p.wait(ctx) {
			return err
		}
	}
}
