package chat

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterBurstWindow(t *testing.T) {
	rl := NewRateLimiter(map[Tier]TierLimits{
		TierFree: {PerMinute: 3, PerDay: 100},
	})

	for i := 0; i < 3; i++ {
		d := rl.CheckAndReserve(1, TierFree)
		require.True(t, d.Allowed, "request %d should pass the burst window", i)
	}

	d := rl.CheckAndReserve(1, TierFree)
	assert.False(t, d.Allowed)
	assert.False(t, d.ResetAt.IsZero())
	// Daily budget is not the limiting factor here.
	assert.Positive(t, d.Remaining)
}

func TestRateLimiterDailyLimit(t *testing.T) {
	rl := NewRateLimiter(map[Tier]TierLimits{
		TierFree: {PerMinute: 1000, PerDay: 5},
	})

	for i := 0; i < 5; i++ {
		d := rl.CheckAndReserve(1, TierFree)
		require.True(t, d.Allowed)
		assert.Equal(t, 5-i-1, d.Remaining)
	}

	d := rl.CheckAndReserve(1, TierFree)
	assert.False(t, d.Allowed)
	assert.Zero(t, d.Remaining)
	assert.Equal(t, 5, d.Limit)
	assert.False(t, d.ResetAt.IsZero())
}

func TestRateLimiterPerUserIsolation(t *testing.T) {
	rl := NewRateLimiter(map[Tier]TierLimits{
		TierFree: {PerMinute: 1000, PerDay: 1},
	})

	require.True(t, rl.CheckAndReserve(1, TierFree).Allowed)
	assert.False(t, rl.CheckAndReserve(1, TierFree).Allowed)
	// Another user's quota is untouched.
	assert.True(t, rl.CheckAndReserve(2, TierFree).Allowed)
}

func TestRateLimiterTiers(t *testing.T) {
	limits := DefaultTierLimits(5, 50)
	assert.Equal(t, 5, limits[TierFree].PerMinute)
	assert.Equal(t, 50, limits[TierFree].PerDay)
	assert.True(t, limits[TierPro].Unlimited)
	assert.True(t, limits[TierEnterprise].Unlimited)
}

func TestRateLimiterUnlimitedTier(t *testing.T) {
	rl := NewRateLimiter(DefaultTierLimits(1, 1))

	// Paid tiers never hit a ceiling.
	for i := 0; i < 100; i++ {
		d := rl.CheckAndReserve(1, TierPro)
		require.True(t, d.Allowed)
		assert.Equal(t, -1, d.Remaining)
		assert.Equal(t, -1, d.Limit)
	}

	// The free tier with the same limiter is still metered.
	require.True(t, rl.CheckAndReserve(2, TierFree).Allowed)
	assert.False(t, rl.CheckAndReserve(2, TierFree).Allowed)
}

func TestRateLimiterUnknownTierFallsBackToFree(t *testing.T) {
	rl := NewRateLimiter(map[Tier]TierLimits{
		TierFree: {PerMinute: 1000, PerDay: 1},
	})
	require.True(t, rl.CheckAndReserve(1, Tier("TRIAL")).Allowed)
	assert.False(t, rl.CheckAndReserve(1, Tier("TRIAL")).Allowed)
}

func TestTierCanStream(t *testing.T) {
	assert.False(t, TierFree.CanStream())
	assert.True(t, TierPro.CanStream())
	assert.True(t, TierEnterprise.CanStream())
	assert.False(t, Tier("TRIAL").CanStream())
}

// Concurrent callers racing for the last slots must never over-admit: the
// check and the reservation are one atomic step.
func TestRateLimiterCheckAndReserveAtomic(t *testing.T) {
	const quota = 10
	const callers = 100

	rl := NewRateLimiter(map[Tier]TierLimits{
		TierFree: {PerMinute: 10000, PerDay: quota},
	})

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if rl.CheckAndReserve(1, TierFree).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(quota), allowed.Load())
	assert.Equal(t, quota, rl.Usage(1))
}

func TestRateLimiterUsage(t *testing.T) {
	rl := NewRateLimiter(map[Tier]TierLimits{
		TierFree: {PerMinute: 1000, PerDay: 50},
	})

	assert.Zero(t, rl.Usage(1))
	rl.CheckAndReserve(1, TierFree)
	rl.CheckAndReserve(1, TierFree)
	assert.Equal(t, 2, rl.Usage(1))
}
