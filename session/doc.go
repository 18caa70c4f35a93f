// Package session mints and verifies the HS256 session tokens issued on
// successful login.
//
// Tokens are stateless JWTs: no server-side session record exists, so
// revocation before expiry is out of scope. The per-login session ID in
// the claims ties each token to its SESSION_CREATED audit event.
//
// # What this package must NOT do
//
//   - Accept any signing algorithm other than the configured one.
//   - Perform authorization — it identifies the caller, nothing more.
package session
