package base

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/ajitpratap0/vdf/pkg/config"
	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/ajitpratap0/vdf/pkg/logger"
	"github.com/ajitpratap0/vdf/pkg/metrics"
	"go.uber.org/zap"
)

const maxRetryDelay = 30 * time.Second

// RetryPolicy retries one backend call with capped exponential backoff.
// Only errors the taxonomy marks retryable are retried; size adaptation
// belongs to ShrinkPolicy.
type RetryPolicy struct {
	// Retries is the number of attempts after the first
	Retries  int
	Delay    time.Duration
	MaxDelay time.Duration
	// Jitter spreads every wait by up to this fraction either way
	Jitter float64

	backend string
	logger  *zap.Logger
}

// NewRetryPolicy creates a policy doubling delay after every attempt
func NewRetryPolicy(retries int, delay time.Duration) *RetryPolicy {
	return &RetryPolicy{
		Retries:  retries,
		Delay:    delay,
		MaxDelay: maxRetryDelay,
		Jitter:   0.25,
		logger:   zap.NewNop(),
	}
}

// RetryPolicyFor builds the call retry policy of backend slug from its
// reliability settings. Retries are logged and counted per backend.
func RetryPolicyFor(slug string, r config.ReliabilityConfig) *RetryPolicy {
	rp := NewRetryPolicy(r.RetryAttempts, r.RetryDelay)
	rp.backend = slug
	rp.logger = logger.With(zap.String("component", "retry"), zap.String("backend", slug))
	return rp
}

// Execute runs fn until it succeeds, fails with a non-retryable error or
// the retries are used up. The last error is returned.
func (rp *RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || attempt >= rp.Retries || !errors.IsRetryable(err) {
			return err
		}

		wait := rp.Backoff(attempt)
		metrics.CallRetries.WithLabelValues(rp.backend, string(errors.TypeOf(err))).Inc()
		rp.logger.Warn("call failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Backoff returns the wait after the zero-based attempt
func (rp *RetryPolicy) Backoff(attempt int) time.Duration {
	d := float64(rp.Delay) * math.Pow(2, float64(attempt))
	if rp.MaxDelay > 0 {
		d = math.Min(d, float64(rp.MaxDelay))
	}
	if rp.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * d * rp.Jitter
	}
	return time.Duration(d)
}
