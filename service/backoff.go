package service

import (
	"context"
	"math/rand"
	"time"
)

// Policy drives the retry of transient failures: up to MaxAttempts calls with
// exponential backoff starting at BaseDelay. It is injected wherever network
// calls are made so that tests can substitute a zero-delay policy.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      bool
}

// DefaultPolicy returns the stock retry policy
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 4, BaseDelay: time.Second, Jitter: true}
}

// Do calls fn until it succeeds, returns a non-temporary error or MaxAttempts is reached
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if e := sleepCtx(ctx, p.delay(i)); e != nil {
				return MergeErrors(true, err, e)
			}
		}
		if err = fn(); err == nil || !Temporary(err) {
			return err
		}
	}
	return err
}

// delay returns the backoff before the i-th retry (exponential, starting at 0)
func (p Policy) delay(i int) time.Duration {
	d := time.Duration((1<<i)-1) * p.BaseDelay
	if p.Jitter && d > 0 {
		d += time.Duration(rand.Int63n(int64(d)/2 + 1))
	}
	return d
}

// Retriable calls fn up to nbAttempts times with exponential backoff, whatever the error
func Retriable(ctx context.Context, fn func() error, baseDelay time.Duration, nbAttempts int) error {
	var err error
	for i := 0; i < nbAttempts; i++ {
		if e := sleepCtx(ctx, time.Duration((1<<i)-1)*baseDelay); e != nil {
			return MergeErrors(true, err, e)
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
