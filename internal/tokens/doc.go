// Package tokens provides the Redis-backed store for single-use,
// time-bounded security tokens (email verification, password reset).
//
// # Design
//
// A token value is base64url(id || secret); only SHA-256(secret) is
// persisted, in a versioned binary record with issue, expiry, and
// consumption timestamps. Validate is read-only. Consume runs a
// WATCH/MULTI optimistic transaction with retry on contention: exactly
// one concurrent caller marks the record consumed, all others receive
// ErrAlreadyConsumed. Records are retained past expiry so "expired" and
// "already used" stay observable instead of collapsing into "not found".
//
// At most one unconsumed, unexpired token exists per (user, purpose):
// Issue deletes the superseded record through a pointer key.
//
// # What this package must NOT do
//
//   - Enforce rate limits or make orchestration decisions.
//   - Log or expose plaintext secrets.
//   - Use non-constant-time comparisons for secret matching.
package tokens
