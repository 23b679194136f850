package base

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ajitpratap0/vdf/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFetchShrinkSequence(t *testing.T) {
	p := NewFetchShrinkPolicy(1000, 0)
	fail := errors.New(errors.ErrorTypeTransientFetch, "page failed")

	var sizes []int
	for {
		next, err := p.Shrink(p.Size(), fail)
		if err != nil {
			assert.True(t, errors.IsType(err, errors.ErrorTypeFetchExhausted))
			assert.True(t, errors.IsType(err, errors.ErrorTypeTransientFetch))
			break
		}
		sizes = append(sizes, next)
	}

	require.NotEmpty(t, sizes)
	assert.Equal(t, 750, sizes[0])
	assert.Equal(t, 562, sizes[1])
	for _, s := range sizes {
		assert.GreaterOrEqual(t, s, 10)
	}
	assert.Equal(t, len(sizes), p.Shrinks())
}

func TestUpsertShrinkRatios(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"rate limit", errors.New(errors.ErrorTypeRateLimit, "429"), 900},
		{"payload too large", errors.New(errors.ErrorTypePayloadTooLarge, "413"), 670},
		{"other", errors.New(errors.ErrorTypeInternal, "500"), 670},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewUpsertShrinkPolicy(1000, 0)
			next, err := p.Shrink(1000, tt.err)
			require.NoError(t, err)
			assert.Equal(t, tt.want, next)
			assert.Equal(t, tt.want, p.Size())
		})
	}
}

// A target that always fails drives the batch size to its floor in a
// bounded number of attempts.
func TestUpsertExhaustsWithinBound(t *testing.T) {
	p := NewUpsertShrinkPolicy(1000, 0)
	attempts := 0
	err := p.Execute(context.Background(), func(size int) error {
		attempts++
		assert.GreaterOrEqual(t, float64(size), 1000*FloorFraction)
		return errors.New(errors.ErrorTypeInternal, "always fails")
	})

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUpsertExhausted))
	assert.True(t, errors.IsRunFatal(err))
	// ceil(log(0.01)/log(0.67)) + 1
	assert.LessOrEqual(t, attempts, 13)
}

func TestExecuteRecovers(t *testing.T) {
	var shrunk [][2]int
	p := NewUpsertShrinkPolicy(100, time.Millisecond).OnShrink(func(from, to int, err error) {
		shrunk = append(shrunk, [2]int{from, to})
	})

	var seen []int
	err := p.Execute(context.Background(), func(size int) error {
		seen = append(seen, size)
		if size > 50 {
			return errors.New(errors.ErrorTypePayloadTooLarge, "too big")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []int{100, 67, 44}, seen)
	assert.Equal(t, [][2]int{{100, 67}, {67, 44}}, shrunk)
	// the reduced size persists
	assert.Equal(t, 44, p.Size())
}

func TestExecuteDoesNotShrinkOnCallerErrors(t *testing.T) {
	p := NewUpsertShrinkPolicy(100, 0)
	calls := 0
	err := p.Execute(context.Background(), func(int) error {
		calls++
		return errors.New(errors.ErrorTypeSchemaMismatch, "dimension 3 != 4")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 100, p.Size())
}

func TestExecuteStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewUpsertShrinkPolicy(100, time.Hour)
	err := p.Execute(ctx, func(int) error {
		cancel()
		return errors.New(errors.ErrorTypeInternal, "x")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentShrinkUsesObservedSize(t *testing.T) {
	p := NewUpsertShrinkPolicy(1000, 0)
	fail := errors.New(errors.ErrorTypeInternal, "x")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.Shrink(1000, fail)
		}()
	}
	wg.Wait()

	// every worker observed the same failure; only one reduction applies
	assert.Equal(t, 670, p.Size())
	assert.Equal(t, 1, p.Shrinks())
}

func TestSmallInitialSizeStillShrinks(t *testing.T) {
	p := NewFetchShrinkPolicy(3, 0)
	fail := errors.New(errors.ErrorTypeTransientFetch, "x")

	next, err := p.Shrink(3, fail)
	require.NoError(t, err)
	assert.Equal(t, 2, next)
	next, err = p.Shrink(2, fail)
	require.NoError(t, err)
	assert.Equal(t, 1, next)
	_, err = p.Shrink(1, fail)
	assert.True(t, errors.IsType(err, errors.ErrorTypeFetchExhausted))
}

func TestShouldShrink(t *testing.T) {
	assert.True(t, ShouldShrink(errors.New(errors.ErrorTypeRateLimit, "x")))
	assert.True(t, ShouldShrink(errors.Wrap(context.DeadlineExceeded, errors.ErrorTypeTimeout, "x")))
	assert.False(t, ShouldShrink(context.Canceled))
	assert.False(t, ShouldShrink(errors.New(errors.ErrorTypeConfig, "x")))
	assert.False(t, ShouldShrink(errors.New(errors.ErrorTypeConnection, "refused")))
	assert.False(t, ShouldShrink(nil))
}

func TestExecuteDoesNotShrinkOnConnectionLoss(t *testing.T) {
	p := NewFetchShrinkPolicy(100, 0)
	calls := 0
	err := p.Execute(context.Background(), func(size int) error {
		calls++
		return errors.New(errors.ErrorTypeConnection, "refused")
	})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
	assert.False(t, errors.IsType(err, errors.ErrorTypeFetchExhausted))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 100, p.Size())
	assert.Zero(t, p.Shrinks())
}

func TestRetryPolicy(t *testing.T) {
	rp := NewRetryPolicy(2, time.Millisecond)
	rp.Jitter = 0

	calls := 0
	err := rp.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New(errors.ErrorTypeConnection, "refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = rp.Execute(context.Background(), func(context.Context) error {
		calls++
		return errors.New(errors.ErrorTypeTimeout, "slow")
	})
	assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))
	assert.Equal(t, 3, calls)

	calls = 0
	err = rp.Execute(context.Background(), func(context.Context) error {
		calls++
		return errors.New(errors.ErrorTypeValidation, "bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicyStopsOnCancel(t *testing.T) {
	rp := NewRetryPolicy(5, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	err := rp.Execute(ctx, func(context.Context) error {
		cancel()
		return errors.New(errors.ErrorTypeConnection, "refused")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff(t *testing.T) {
	rp := NewRetryPolicy(3, time.Millisecond)
	rp.Jitter = 0
	assert.Equal(t, time.Millisecond, rp.Backoff(0))
	assert.Equal(t, 4*time.Millisecond, rp.Backoff(2))

	rp.MaxDelay = 3 * time.Millisecond
	assert.Equal(t, 3*time.Millisecond, rp.Backoff(2))

	rp.Jitter = 0.25
	for i := 0; i < 20; i++ {
		d := rp.Backoff(1)
		assert.GreaterOrEqual(t, d, 1500*time.Microsecond)
		assert.LessOrEqual(t, d, 2500*time.Microsecond)
	}
}

func TestProgressReporter(t *testing.T) {
	pr := NewProgressReporter(zap.NewNop(), 100, time.Millisecond)
	_, ok := pr.ETA()
	assert.False(t, ok)

	pr.Start()
	pr.Add(40)
	pr.Add(10)
	time.Sleep(5 * time.Millisecond)
	pr.Stop()
	pr.Stop()

	done, total := pr.Progress()
	assert.Equal(t, int64(50), done)
	assert.Equal(t, int64(100), total)
	assert.Greater(t, pr.Rate(), 0.0)
	eta, ok := pr.ETA()
	assert.True(t, ok)
	assert.Greater(t, eta, time.Duration(0))

	unknown := NewProgressReporter(zap.NewNop(), -1, 0)
	unknown.Add(5)
	_, ok = unknown.ETA()
	assert.False(t, ok)
}
