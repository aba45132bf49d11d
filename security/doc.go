// Package security provides security-related functionality for the auth
// server, including credential-attempt rate limiting, token generation,
// encryption at rest, IP extraction, and audit logging.
//
// # Rate Limiting
//
// The RateLimiter provides per-identifier rate limiting using a token bucket
// algorithm with automatic memory management through LRU eviction. It is used
// to throttle login and OTP validation attempts per user and per client IP,
// since one-time codes are low-entropy and must not be brute-forceable.
//
//	limiter := security.NewRateLimiter(rate.Every(10*time.Second), 5, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(userID) {
//	    // Attempt limit exceeded
//	    return http.StatusTooManyRequests
//	}
//
// # Token Generation
//
// GenerateSessionID produces opaque session identifiers with 192 bits of
// crypto/rand entropy. GenerateNumericCode produces fixed-length numeric
// one-time codes from crypto/rand, never from a general-purpose PRNG.
//
// # Encryption
//
// The Encryptor provides optional AES-256-GCM encryption for durable stores
// that persist session material to disk.
package security
