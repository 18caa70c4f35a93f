package marketauth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEngineNotReady is returned when an Engine method is called before
	// Build completed or on a nil receiver.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrInvalidInput is returned for malformed requests before any
	// rate-limit quota is consumed.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidCredentials is deliberately identical whether the email is
	// unknown or the password is wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRateLimitExceeded is the match target for *RateLimitError.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrAccountLocked is the match target for *LockedError.
	ErrAccountLocked = errors.New("account locked")
	// ErrAccountExists is returned by Signup for a duplicate email.
	ErrAccountExists = errors.New("account already exists")
	// ErrUserNotFound is never surfaced to unauthenticated callers on
	// operations where enumeration matters; those return a success-shaped
	// result instead and log internally.
	ErrUserNotFound = errors.New("user not found")
	// ErrTokenExpired suggests the user request a fresh link.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalidOrUsed covers unknown, superseded, and consumed
	// tokens; they are indistinguishable to the caller.
	ErrTokenInvalidOrUsed = errors.New("token invalid or already used")
	// ErrAlreadyVerified is returned when verification is meaningless.
	ErrAlreadyVerified = errors.New("email already verified")
	// ErrPasswordPolicy rejects passwords under the policy floor.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrPasswordReuse rejects a new password equal to the current one.
	ErrPasswordReuse = errors.New("new password must be different from current password")
	// ErrEmailSendFailed is returned when the mail collaborator fails on a
	// path whose whole point is the email.
	ErrEmailSendFailed = errors.New("failed to send email")
	// ErrDependencyFailure is the generic internal error surfaced for
	// store or collaborator outages; detail goes to the audit log only.
	ErrDependencyFailure = errors.New("internal dependency failure")
)

// RateLimitError carries the quota snapshot of a rejected attempt.
// Matches ErrRateLimitExceeded under errors.Is.
type RateLimitError struct {
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: retry after %ds", e.RetryAfterSeconds())
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimitExceeded }

// RetryAfterSeconds rounds the retry delay up to whole seconds.
func (e *RateLimitError) RetryAfterSeconds() int {
	if e.RetryAfter <= 0 {
		return 0
	}
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// LockedError carries the remaining lockout time. Matches
// ErrAccountLocked under errors.Is.
type LockedError struct {
	Remaining time.Duration
	Until     time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked: try again in %s", e.Remaining.Round(time.Second))
}

func (e *LockedError) Is(target error) bool { return target == ErrAccountLocked }
