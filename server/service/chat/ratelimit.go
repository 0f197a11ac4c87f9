// Package chat implements the conversational message pipeline: quota,
// screening, dedup, context building, generation and persistence.
package chat

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Tier is a subscription level with its own message quota.
type Tier string

const (
	TierFree       Tier = "FREE"
	TierPro        Tier = "PRO"
	TierEnterprise Tier = "ENTERPRISE"
)

// CanStream reports whether the tier qualifies for streamed delivery.
// Free-tier requests for streaming are served in batch mode instead.
func (t Tier) CanStream() bool {
	return t == TierPro || t == TierEnterprise
}

// TierLimits defines the quota shape for a tier.
type TierLimits struct {
	// PerMinute is the short-window burst allowance.
	PerMinute int
	// PerDay is the rolling daily allowance.
	PerDay int
	// Unlimited tiers always pass the quota check; the counters above are
	// ignored.
	Unlimited bool
}

// Decision is the outcome of a quota check. Remaining and Limit are -1 for
// unlimited tiers.
type Decision struct {
	Allowed   bool
	Remaining int
	Limit     int
	// ResetAt is when the exhausted window rolls over. Zero when allowed.
	ResetAt time.Time
}

type userQuota struct {
	burst    *rate.Limiter
	dayCount int
	dayStart time.Time
}

// RateLimiter enforces per-user, per-tier message quotas. The daily counter
// and the burst limiter are checked and consumed under one lock so that
// concurrent requests can never both pass on the last remaining slot.
type RateLimiter struct {
	mu     sync.Mutex
	users  map[int32]*userQuota
	limits map[Tier]TierLimits
}

// DefaultTierLimits returns the built-in quota table. Paid tiers are
// unlimited; only the free tier is metered.
func DefaultTierLimits(freeBurst, freeDaily int) map[Tier]TierLimits {
	if freeBurst <= 0 {
		freeBurst = 5
	}
	if freeDaily <= 0 {
		freeDaily = 50
	}
	return map[Tier]TierLimits{
		TierFree:       {PerMinute: freeBurst, PerDay: freeDaily},
		TierPro:        {Unlimited: true},
		TierEnterprise: {Unlimited: true},
	}
}

// NewRateLimiter creates a rate limiter with the given per-tier limits.
func NewRateLimiter(limits map[Tier]TierLimits) *RateLimiter {
	if limits == nil {
		limits = DefaultTierLimits(0, 0)
	}
	return &RateLimiter{
		users:  make(map[int32]*userQuota),
		limits: limits,
	}
}

// CheckAndReserve atomically checks the user's quota and, when allowed,
// consumes one slot from both the burst and daily windows. There is no
// separate check step: a true Decision means the slot is already spent.
func (rl *RateLimiter) CheckAndReserve(userID int32, tier Tier) Decision {
	limits, ok := rl.limits[tier]
	if !ok {
		limits = rl.limits[TierFree]
	}
	if limits.Unlimited {
		return Decision{Allowed: true, Remaining: -1, Limit: -1}
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	q := rl.users[userID]
	if q == nil {
		q = &userQuota{
			burst:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(limits.PerMinute)), limits.PerMinute),
			dayStart: now,
		}
		rl.users[userID] = q
	}

	// Roll the daily window.
	if now.Sub(q.dayStart) >= 24*time.Hour {
		q.dayCount = 0
		q.dayStart = now
	}

	if q.dayCount >= limits.PerDay {
		return Decision{
			Allowed:   false,
			Remaining: 0,
			Limit:     limits.PerDay,
			ResetAt:   q.dayStart.Add(24 * time.Hour),
		}
	}

	if !q.burst.Allow() {
		return Decision{
			Allowed:   false,
			Remaining: limits.PerDay - q.dayCount,
			Limit:     limits.PerDay,
			ResetAt:   now.Add(time.Minute / time.Duration(limits.PerMinute)),
		}
	}

	q.dayCount++
	return Decision{
		Allowed:   true,
		Remaining: limits.PerDay - q.dayCount,
		Limit:     limits.PerDay,
	}
}

// Usage returns the user's consumed daily count, for status endpoints.
func (rl *RateLimiter) Usage(userID int32) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	q := rl.users[userID]
	if q == nil {
		return 0
	}
	if time.Since(q.dayStart) >= 24*time.Hour {
		return 0
	}
	return q.dayCount
}
