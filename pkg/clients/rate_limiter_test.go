package clients

import (
	"context"
	"testing"
	"time"

	"github.com/ajitpratap0/vdf/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnlimited(t *testing.T) {
	rl := RateLimiterFor(config.ReliabilityConfig{})
	for i := 0; i < 1000; i++ {
		assert.True(t, rl.Allow())
	}
	require.NoError(t, rl.Wait(context.Background()))
}

func TestTokenBucketBurst(t *testing.T) {
	rl := NewRateLimiter(1, 3)
	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())

	stats := rl.GetStats()
	assert.Equal(t, int64(3), stats.AllowedRequests)
	assert.Equal(t, int64(1), stats.BlockedRequests)
	assert.Equal(t, 3, stats.Burst)
}

func TestWaitHonoursContext(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	require.True(t, rl.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(ctx))
}

func TestWaitPaces(t *testing.T) {
	rl := NewRateLimiter(100, 1)
	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, rl.Wait(context.Background()))
	}
	// four waits of ~10ms after the initial token
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
