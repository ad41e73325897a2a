// Package ratelimit throttles deliveries to one action target.
//
// A Limiter combines a per-second and a per-minute token bucket with a
// cap on concurrent deliveries. Zero values disable a dimension.
//
//	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: 60, MaxConcurrent: 4})
//	res := limiter.Acquire()
//	if !res.Allowed {
//		// retry after res.RetryAfter
//	}
//	defer limiter.Release()
package ratelimit
