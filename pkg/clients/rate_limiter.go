// Package clients provides the call throttling shared by backend adapters
package clients

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/vdf/pkg/config"
	"golang.org/x/time/rate"
)

// RateLimiter defines the interface for rate limiting implementations.
// Adapters call Wait before every remote call.
type RateLimiter interface {
	// Allow checks if a request is allowed now
	Allow() bool

	// Wait blocks until a request is allowed or ctx is done
	Wait(ctx context.Context) error

	// GetStats returns rate limiter statistics
	GetStats() RateLimiterStats
}

// RateLimiterStats provides statistics about rate limiter usage
type RateLimiterStats struct {
	Rate            float64       `json:"rate"`
	Burst           int           `json:"burst"`
	AllowedRequests int64         `json:"allowed_requests"`
	BlockedRequests int64         `json:"blocked_requests"`
	TotalWaitTime   time.Duration `json:"total_wait_time"`
}

// NewRateLimiter creates a fixed-rate limiter allowing rps requests per
// second with the given burst. A non-positive rps disables limiting.
func NewRateLimiter(rps float64, burst int) RateLimiter {
	if rps <= 0 {
		return unlimited{}
	}
	if burst < 1 {
		burst = 1
	}
	return &tokenBucket{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// RateLimiterFor builds the limiter described by a backend's reliability
// settings
func RateLimiterFor(r config.ReliabilityConfig) RateLimiter {
	if !r.IsRateLimited() {
		return unlimited{}
	}
	return NewRateLimiter(r.RateLimitPerSec, r.RateLimitBurst)
}

type tokenBucket struct {
	limiter *rate.Limiter

	allowedRequests int64
	blockedRequests int64
	totalWaitTime   int64
}

func (tb *tokenBucket) Allow() bool {
	if tb.limiter.Allow() {
		atomic.AddInt64(&tb.allowedRequests, 1)
		return true
	}
	atomic.AddInt64(&tb.blockedRequests, 1)
	return false
}

func (tb *tokenBucket) Wait(ctx context.Context) error {
	start := time.Now()
	if err := tb.limiter.Wait(ctx); err != nil {
		atomic.AddInt64(&tb.blockedRequests, 1)
		return err
	}
	atomic.AddInt64(&tb.allowedRequests, 1)
	atomic.AddInt64(&tb.totalWaitTime, int64(time.Since(start)))
	return nil
}

func (tb *tokenBucket) GetStats() RateLimiterStats {
	return RateLimiterStats{
		Rate:            float64(tb.limiter.Limit()),
		Burst:           tb.limiter.Burst(),
		AllowedRequests: atomic.LoadInt64(&tb.allowedRequests),
		BlockedRequests: atomic.LoadInt64(&tb.blockedRequests),
		TotalWaitTime:   time.Duration(atomic.LoadInt64(&tb.totalWaitTime)),
	}
}

// unlimited never blocks
type unlimited struct{}

func (unlimited) Allow() bool { return true }

func (unlimited) Wait(ctx context.Context) error { return ctx.Err() }

func (unlimited) GetStats() RateLimiterStats {
	return RateLimiterStats{Rate: float64(rate.Inf)}
}
