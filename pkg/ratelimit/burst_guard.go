package ratelimit

import (
	"golang.org/x/time/rate"
)

// BurstGuard is an aggregate limiter across all governed operations,
// layered in front of the per-operation windows. It catches pathological
// callers that stay under every individual limit but hammer the kernel
// as a whole.
type BurstGuard struct {
	limiter *rate.Limiter
}

// NewBurstGuard allows rps sustained calls per second with the given
// burst headroom.
func NewBurstGuard(rps float64, burst int) *BurstGuard {
	return &BurstGuard{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Allow reports whether one more call fits the aggregate budget.
func (b *BurstGuard) Allow() bool {
	return b.limiter.Allow()
}
