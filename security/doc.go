// Package security collects the cross-cutting security concerns of the
// authorization server: audit logging with PII hashing, AES-256-GCM
// encryption for claims at rest, per-identifier rate limiting, client IP
// extraction behind proxies, request ID propagation, security response
// headers, and clock-skew tolerant expiry checks.
//
// The two rate limiters (RateLimiter for request throttling,
// ClientRegistrationRateLimiter for registration flood control) bound their
// memory with LRU eviction, so tracking state cannot grow without limit
// under a distributed attack. Both run a background cleanup goroutine and
// must be stopped with Stop when no longer needed:
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//		// answer 429
//	}
//
// GetStats exposes entry counts, eviction totals, and memory pressure for
// monitoring. Sustained pressure above 80% of MaxEntries usually means the
// limit needs raising, or an attack is in progress.
package security
