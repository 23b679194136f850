package base

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/ajitpratap0/vdf/pkg/errors"
)

// FloorFraction is the share of the initial size below which a shrink
// policy gives up
const FloorFraction = 0.01

const (
	fetchShrinkRatio     = 0.75
	rateLimitShrinkRatio = 0.9
	upsertShrinkRatio    = 0.67
)

// ShrinkPolicy adapts a page or batch size to backend failures. Each failure
// multiplies the current size by a ratio chosen from the error, and the
// reduced size is kept for the remaining calls. Once the size would drop
// below FloorFraction of the initial size the policy is exhausted.
//
// A ShrinkPolicy is safe for concurrent use.
type ShrinkPolicy struct {
	initial int
	current int
	floor   float64
	delay   time.Duration
	ratio   func(err error) float64
	// exhausted is the error type reported when the floor is crossed
	exhausted errors.ErrorType
	shrinks   int
	onShrink  func(from, to int, err error)
	mu        sync.Mutex
}

// NewFetchShrinkPolicy returns the export page-size policy: every failure
// shrinks the page by 0.75 and exhaustion is a FetchExhausted error.
func NewFetchShrinkPolicy(pageSize int, delay time.Duration) *ShrinkPolicy {
	return newShrinkPolicy(pageSize, delay, errors.ErrorTypeFetchExhausted, func(error) float64 {
		return fetchShrinkRatio
	})
}

// NewUpsertShrinkPolicy returns the import batch-size policy: rate limit
// rejections shrink by 0.9, every other failure by 0.67, and exhaustion is
// an UpsertExhausted error.
func NewUpsertShrinkPolicy(batchSize int, delay time.Duration) *ShrinkPolicy {
	return newShrinkPolicy(batchSize, delay, errors.ErrorTypeUpsertExhausted, UpsertShrinkRatio)
}

// UpsertShrinkRatio returns the ratio applied to the batch size after err
func UpsertShrinkRatio(err error) float64 {
	if errors.IsType(err, errors.ErrorTypeRateLimit) {
		return rateLimitShrinkRatio
	}
	return upsertShrinkRatio
}

func newShrinkPolicy(initial int, delay time.Duration, exhausted errors.ErrorType, ratio func(error) float64) *ShrinkPolicy {
	if initial < 1 {
		initial = 1
	}
	return &ShrinkPolicy{
		initial:   initial,
		current:   initial,
		floor:     float64(initial) * FloorFraction,
		delay:     delay,
		ratio:     ratio,
		exhausted: exhausted,
	}
}

// OnShrink registers a callback run after every successful shrink
func (p *ShrinkPolicy) OnShrink(fn func(from, to int, err error)) *ShrinkPolicy {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onShrink = fn
	return p
}

// Initial returns the size the policy started from
func (p *ShrinkPolicy) Initial() int {
	return p.initial
}

// Size returns the current size
func (p *ShrinkPolicy) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Shrinks returns how many times the size was reduced
func (p *ShrinkPolicy) Shrinks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shrinks
}

// Shrink reduces the size after err. observed is the size the failing call
// used; when another caller already shrank below it, the current size is
// returned unchanged. The returned error is the exhaustion error, wrapping
// err, once the floor is crossed.
func (p *ShrinkPolicy) Shrink(observed int, err error) (int, error) {
	p.mu.Lock()
	if observed > p.current {
		size := p.current
		p.mu.Unlock()
		return size, nil
	}

	from := p.current
	next := int(math.Floor(float64(from) * p.ratio(err)))
	if next >= from {
		next = from - 1
	}
	if next < 1 || float64(next) < p.floor {
		p.mu.Unlock()
		return 0, errors.Wrap(err, p.exhausted, "size fell below its floor").
			WithDetail("initial", p.initial).
			WithDetail("last_size", from)
	}

	p.current = next
	p.shrinks++
	cb := p.onShrink
	p.mu.Unlock()

	if cb != nil {
		cb(from, next, err)
	}
	return next, nil
}

// Wait pauses for the configured delay or until ctx is done
func (p *ShrinkPolicy) Wait(ctx context.Context) error {
	if p.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Execute calls fn with the current size until it succeeds, shrinking after
// every failure that ShouldShrink accepts. Failures it rejects are returned
// as they are.
func (p *ShrinkPolicy) Execute(ctx context.Context, fn func(size int) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		size := p.Size()
		err := fn(size)
		if err == nil {
			return nil
		}
		if !ShouldShrink(err) {
			return err
		}
		if _, err := p.Shrink(size, err); err != nil {
			return err
		}
		if err := p.Wait(ctx); err != nil {
			return err
		}
	}
}

// ShouldShrink reports whether a smaller request could cure err. Caller
// mistakes, unreachable backends and cancellation never are.
func ShouldShrink(err error) bool {
	if err == nil {
		return false
	}
	if errors.IsType(err, errors.ErrorTypeTimeout) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch {
	case errors.IsType(err, errors.ErrorTypeConfig),
		errors.IsType(err, errors.ErrorTypeConnection),
		errors.IsType(err, errors.ErrorTypeSchemaMismatch),
		errors.IsType(err, errors.ErrorTypeUnknownMetric),
		errors.IsType(err, errors.ErrorTypeCapability),
		errors.IsType(err, errors.ErrorTypeNotFound):
		return false
	}
	return true
}
