package marketauth

import (
	"context"
	"time"

	"github.com/MrGr33n98/marketauth/internal/rate"
	"github.com/MrGr33n98/marketauth/mail"
)

// Purpose is the closed set of rate-limited request categories.
type Purpose = rate.Purpose

const (
	// PurposeLogin throttles credential checks per source IP.
	PurposeLogin = rate.PurposeLogin
	// PurposeSignup throttles account creation per source IP.
	PurposeSignup = rate.PurposeSignup
	// PurposePasswordReset throttles reset requests per IP and per email.
	PurposePasswordReset = rate.PurposePasswordReset
	// PurposeEmailVerification throttles resend requests per IP and per email.
	PurposeEmailVerification = rate.PurposeEmailVerification
	// PurposePasswordChange throttles authenticated password changes.
	PurposePasswordChange = rate.PurposePasswordChange
	// PurposeGenericAPI is the catch-all bucket for callers embedding the
	// limiter outside the credential flows.
	PurposeGenericAPI = rate.PurposeGenericAPI
)

// RatePolicy is the fixed {MaxRequests, Window, FailOpen} record for one
// purpose.
type RatePolicy = rate.Policy

// RateLimitResult is the admission snapshot callers map onto 429 headers.
type RateLimitResult = rate.Result

// Mailer is the email-sending collaborator contract.
type Mailer = mail.Mailer

// UserRecord is the account row the engine reads from the user store.
// PasswordHash never leaves the engine; callers receive a UserProfile.
type UserRecord struct {
	ID            string
	Email         string
	DisplayName   string
	PasswordHash  string
	EmailVerified bool
	CreatedAt     time.Time
}

// CreateUserInput is the input for UserStore.Create. The engine hashes
// the password before calling the store.
type CreateUserInput struct {
	Email        string
	DisplayName  string
	PasswordHash string
}

// UserStore is the persistence boundary the caller implements. The
// engine treats it as an external collaborator: exact technology is
// irrelevant here.
//
// FindByEmail and FindByID return ErrUserNotFound for unknown accounts;
// Create returns ErrAccountExists for a duplicate email. The lockout
// mirror methods (IncrementFailedAttempts, ResetFailedAttempts,
// SetLockout) keep the account row in sync for admin tooling; the
// tracker's own state remains authoritative for gate decisions, so these
// are called best-effort.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (UserRecord, error)
	FindByID(ctx context.Context, id string) (UserRecord, error)
	Create(ctx context.Context, input CreateUserInput) (UserRecord, error)
	UpdatePasswordHash(ctx context.Context, id, newHash string) error
	MarkEmailVerified(ctx context.Context, id string) error
	IncrementFailedAttempts(ctx context.Context, id string) error
	ResetFailedAttempts(ctx context.Context, id string) error
	SetLockout(ctx context.Context, id string, until time.Time) error
}

// UserProfile is the projection returned to callers. It never carries
// the password hash.
type UserProfile struct {
	ID            string
	Email         string
	DisplayName   string
	EmailVerified bool
}

func profileOf(u UserRecord) UserProfile {
	return UserProfile{
		ID:            u.ID,
		Email:         u.Email,
		DisplayName:   u.DisplayName,
		EmailVerified: u.EmailVerified,
	}
}

// LoginResult is returned by Engine.Login on success. SessionToken is
// empty when session issuance is disabled.
type LoginResult struct {
	User         UserProfile
	SessionToken string
	SessionID    string
	ExpiresAt    time.Time
}

// SignupResult is returned by Engine.Signup. VerificationSent is false
// when the account was created but the verification mail could not be
// delivered; the caller should offer a resend.
type SignupResult struct {
	User             UserProfile
	VerificationSent bool
}

// ResendResult is returned by Engine.ResendEmailVerification. Its shape
// is identical for unknown and known-unverified emails so the operation
// cannot be used to enumerate accounts.
type ResendResult struct {
	Sent      bool
	ExpiresAt time.Time
}

// VerifyEmailResult is returned by Engine.VerifyEmail on success.
type VerifyEmailResult struct {
	User UserProfile
}

// VerificationStatus is the read-only answer of
// Engine.EmailVerificationStatus. An unknown user degrades to the
// "unverified" shape rather than a distinct not-found.
type VerificationStatus struct {
	Verified             bool
	RequiresVerification bool
}

// TokenStatus is the read-only answer of
// Engine.EmailVerificationTokenStatus. An unknown user degrades to the
// "no token" shape.
type TokenStatus struct {
	HasToken  bool
	Expired   bool
	ExpiresAt time.Time
}

// ResetRequestResult is returned by Engine.RequestPasswordReset with an
// enumeration-safe constant shape.
type ResetRequestResult struct {
	Sent bool
}
