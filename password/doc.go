// Package password implements password hashing and verification with
// Argon2id defaults.
//
// # Output format
//
// Hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Verification uses the parameters embedded in the stored hash, so cost
// upgrades never invalidate existing credentials.
//
// # Architecture boundaries
//
// This package owns hashing and verification only. Password policy beyond
// the byte-length floor (reuse rejection, rate limiting) is enforced by
// the Engine.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords — callers supply plaintext and receive hashes.
//   - Log plaintext passwords or hash parameters at runtime.
package password
