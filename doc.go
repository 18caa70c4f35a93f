// Package marketauth provides a security-hardened authentication engine with
// Argon2id password hashing, Redis-backed rate limiting and account lockout,
// single-use email tokens, and an append-only security event trail.
//
// The package is designed for concurrent server workloads: Engine methods are safe
// to call from multiple goroutines after initialization through [Builder.Build].
//
// # Architecture boundaries
//
// marketauth is the public surface. It exposes [Engine], [Builder], [Config], the
// error taxonomy, and value types (LoginResult, SecurityEvent, MetricsSnapshot,
// etc.). All internal coordination — rate window accounting, token records,
// lockout state — lives under internal/ and is never exported. Account
// persistence and mail delivery are caller-provided collaborators behind
// [UserStore] and [Mailer].
//
// # What this package must NOT do
//
//   - Expose Redis clients, internal stores, or token record encodings in its
//     public API.
//   - Reveal account existence through error shapes on operations reachable
//     without authentication (see [EnumerationConfig]).
//   - Perform I/O outside of Engine methods (construction via Builder is
//     allocation-only until Build).
//
// # Security contract
//
// Every operation checks its rate limit before touching credentials, and
// credential-sensitive limiters fail closed when their backing store is down.
// An unknown email and a wrong password cost the same hashing work and return
// the same error. Single-use tokens admit exactly one concurrent winner.
package marketauth
