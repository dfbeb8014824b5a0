package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how callers retry appends that hit ErrStorageUnavailable.
type RetryPolicy struct {
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval"`
	Multiplier      float64       `yaml:"multiplier" json:"multiplier"`
	// MaxAttempts counts the first try. Zero or one disables retries.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
}

// DefaultRetryPolicy is what config writes when nothing is set.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Multiplier:      2,
		MaxAttempts:     5,
	}
}

// Normalized fills zero fields from DefaultRetryPolicy.
func (p RetryPolicy) Normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p
}

// Do runs fn until it succeeds, returns a non-storage error, the attempts are
// exhausted, or ctx is done. notify, when set, is called before each retry.
func (p RetryPolicy) Do(ctx context.Context, fn func() error, notify func(err error, wait time.Duration)) error {
	p = p.Normalized()
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialInterval
	exp.MaxInterval = p.MaxInterval
	exp.Multiplier = p.Multiplier
	exp.RandomizationFactor = 0.2
	exp.MaxElapsedTime = 0
	exp.Reset()

	var policy backoff.BackOff = backoff.WithMaxRetries(exp, uint64(p.MaxAttempts-1))
	policy = backoff.WithContext(policy, ctx)

	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrStorageUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, wait time.Duration) { notify(err, wait) }
	}
	return backoff.RetryNotify(op, policy, onRetry)
}
