// Package ratelimit throttles concurrent writeback/read dispatch against
// the Filer, so the flush coordinator's periodic sweep cannot flood the
// object-storage pool with unbounded concurrent I/O.
package ratelimit

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/time/rate"
)

// Throttle bounds how many units of work (bytes, or simply 1 per request)
// may proceed per unit time.
type Throttle interface {
	// WaitN blocks until n units of work may proceed, or ctx is done.
	WaitN(ctx context.Context, n int) error
}

// tokenBucketThrottle adapts golang.org/x/time/rate to the Throttle
// contract.
type tokenBucketThrottle struct {
	limiter *rate.Limiter
}

// NewThrottle returns a Throttle admitting rateHz units per second, with
// burst capacity burst.
func NewThrottle(rateHz float64, burst int) Throttle {
	return &tokenBucketThrottle{limiter: rate.NewLimiter(rate.Limit(rateHz), burst)}
}

func (t *tokenBucketThrottle) WaitN(ctx context.Context, n int) error {
	return t.limiter.WaitN(ctx, n)
}

// ChooseLimiterCapacity picks a token-bucket burst size for a limiter
// running at rateHz, sized so that a full window (in seconds) worth of
// work can be admitted in one burst without exceeding int64 range. It
// rejects non-positive and infinite rates as configuration errors.
func ChooseLimiterCapacity(rateHz float64, window int) (int64, error) {
	if rateHz <= 0 || math.IsNaN(rateHz) {
		return 0, fmt.Errorf("ratelimit: illegal rate: %f", rateHz)
	}
	if math.IsInf(rateHz, 1) {
		return 0, fmt.Errorf("ratelimit: illegal rate: %f", rateHz)
	}

	capacity := rateHz * float64(window)
	if capacity > math.MaxInt64 {
		return 0, fmt.Errorf("ratelimit: capacity overflow for rate %f over %ds window", rateHz, window)
	}
	return int64(capacity), nil
}
