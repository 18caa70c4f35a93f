// Package rate implements the fixed-window admission counter keyed by
// (purpose, identity key) for security-sensitive authentication flows.
//
// # Window semantics
//
// One atomic Store.Incr per check: the window starts on the first hit and
// every attempt within it increments the counter, admitted while
// count <= MaxRequests. Key prefix: arl:<purpose>:<key>.
//
// # Stores
//
//   - [RedisStore] — INCR + conditional EXPIRE on first hit; shared across
//     instances, windows expire natively.
//   - [MemoryStore] — mutex-guarded map with lazy window reset and a
//     Cleanup sweep; single instance and tests.
//
// # What this package must NOT do
//
//   - Decide consequences of rejection — callers map Result to errors.
//   - Be imported outside this module.
package rate
