// Package security provides the bridge's security primitives.
//
// # Encryption at rest
//
// Encryptor seals provider tokens with AES-256-GCM. The key is never the deployment secret
// itself: every value gets a random 16 byte salt and a key derived with argon2id, so equal
// plaintexts never share a key or a ciphertext. Decryption failures (wrong secret, truncated or
// tampered input) are all reported as ErrDecryptionFailed.
//
// # Rate limiting
//
// RateLimiter is a fixed-window counter keyed by "client IP:route". The counter lives in a
// storage.RateLimitStore so every replica shares it, and the store performs the
// read-compare-increment atomically. When the store is unavailable the limiter allows the request
// and logs the fault.
//
//	limiter := security.NewRateLimiter(store, logger)
//	mux.With(limiter.Middleware("token", security.RatePolicy{MaxRequests: 30, Window: time.Minute})).
//		Post("/token", handler.ServeToken)
//
// # Audit
//
// Auditor writes structured "security_audit" log records. User identifiers are hashed.
package security
