package common

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter(0)
	assert.True(t, rl.Unlimited())

	for i := 0; i < 1000; i++ {
		require.NoError(t, rl.Wait(context.Background()))
	}
}

func TestRateLimiterPaces(t *testing.T) {
	rl := NewRateLimiter(20)
	assert.False(t, rl.Unlimited())

	start := time.Now()
	for i := 0; i < 30; i++ {
		require.NoError(t, rl.Wait(context.Background()))
	}
	// 20 come from the burst, the other 10 need about half a second.
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestRateLimiterHonoursContext(t *testing.T) {
	rl := NewRateLimiter(0.001)
	require.NoError(t, rl.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(ctx))
}
