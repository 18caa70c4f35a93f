package marketauth

import (
	"errors"
	"time"

	"github.com/MrGr33n98/marketauth/internal/rate"
	"github.com/MrGr33n98/marketauth/password"
)

// Config is the complete engine configuration. Zero value is not
// usable; start from DefaultConfig and override.
type Config struct {
	RateLimit   RateLimitConfig
	Lockout     LockoutConfig
	Tokens      TokenConfig
	Password    PasswordConfig
	Session     SessionConfig
	Enumeration EnumerationConfig
	Audit       AuditConfig
	Metrics     MetricsConfig
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitConfig maps each purpose to its fixed policy record. Purposes
// are a closed enumeration; call sites never carry ad-hoc limits.
type RateLimitConfig struct {
	Policies map[Purpose]RatePolicy
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig drives the per-account failed-login state machine.
type LockoutConfig struct {
	Enabled   bool
	Threshold int
	Duration  time.Duration
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig holds per-purpose token TTLs. Retention is how long a
// consumed or expired record stays readable so validation can report
// "used"/"expired" instead of "not found".
type TokenConfig struct {
	VerificationTTL time.Duration
	ResetTTL        time.Duration
	Retention       time.Duration
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig mirrors password.Config.
type PasswordConfig struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls the session token minted on successful login.
// Disabled engines return LoginResult without a token.
type SessionConfig struct {
	Enabled bool
	Secret  []byte
	TTL     time.Duration
	Issuer  string
}

/*
====================================
ENUMERATION CONFIG
====================================
*/

// EnumerationConfig names, per operation, whether account existence may
// be revealed to the caller. When false the operation returns a
// success-shaped result for unknown emails and logs the truth
// internally. Signup reveals by default: a duplicate-email error is
// unavoidable UX there.
type EnumerationConfig struct {
	RevealOnSignup               bool
	RevealOnResendVerification   bool
	RevealOnPasswordResetRequest bool
}

/*
====================================
AUDIT CONFIG
====================================
*/

// AuditConfig controls the async security event dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull trades completeness for latency: when the buffer is
	// full, events are counted as dropped instead of blocking the
	// authentication path.
	DropIfFull bool
}

// MetricsConfig enables the in-process counters.
type MetricsConfig struct {
	Enabled bool
}

// DefaultConfig returns the recommended production configuration.
// FailOpen stays false on every credential-sensitive purpose: a limiter
// store outage must not become a brute-force window.
func DefaultConfig() Config {
	return Config{
		RateLimit: RateLimitConfig{
			Policies: map[Purpose]RatePolicy{
				PurposeLogin:             {MaxRequests: 5, Window: 15 * time.Minute},
				PurposeSignup:            {MaxRequests: 3, Window: time.Hour},
				PurposePasswordReset:     {MaxRequests: 3, Window: time.Hour},
				PurposeEmailVerification: {MaxRequests: 5, Window: time.Hour},
				PurposePasswordChange:    {MaxRequests: 5, Window: 15 * time.Minute},
				PurposeGenericAPI:        {MaxRequests: 100, Window: time.Minute, FailOpen: true},
			},
		},
		Lockout: LockoutConfig{
			Enabled:   true,
			Threshold: 5,
			Duration:  30 * time.Minute,
		},
		Tokens: TokenConfig{
			VerificationTTL: 24 * time.Hour,
			ResetTTL:        time.Hour,
			Retention:       24 * time.Hour,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Session: SessionConfig{
			Enabled: true,
			TTL:     time.Hour,
			Issuer:  "marketauth",
		},
		Enumeration: EnumerationConfig{
			RevealOnSignup: true,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Validate rejects configurations the engine cannot honor. Called by
// Builder.Build before any component is constructed.
func (c Config) Validate() error {
	for p, policy := range c.RateLimit.Policies {
		if p >= rate.PurposeCount {
			return errors.New("rate limit policy for unknown purpose")
		}
		if policy.MaxRequests > 0 && policy.Window <= 0 {
			return errors.New("rate limit policy requires a positive window")
		}
	}

	if c.Lockout.Enabled {
		if c.Lockout.Threshold < 1 {
			return errors.New("lockout threshold must be at least 1")
		}
		if c.Lockout.Duration <= 0 {
			return errors.New("lockout duration must be positive")
		}
	}

	if c.Tokens.VerificationTTL <= 0 || c.Tokens.ResetTTL <= 0 {
		return errors.New("token TTLs must be positive")
	}

	if _, err := password.NewArgon2(c.passwordConfig()); err != nil {
		return err
	}

	if c.Session.Enabled {
		if len(c.Session.Secret) < 32 {
			return errors.New("session secret must be at least 32 bytes")
		}
		if c.Session.TTL <= 0 {
			return errors.New("session TTL must be positive")
		}
	}

	if c.Audit.Enabled && c.Audit.BufferSize < 0 {
		return errors.New("audit buffer size must not be negative")
	}

	return nil
}

func (c Config) passwordConfig() password.Config {
	return password.Config{
		Memory:      c.Password.Memory,
		Time:        c.Password.Time,
		Parallelism: c.Password.Parallelism,
		SaltLength:  c.Password.SaltLength,
		KeyLength:   c.Password.KeyLength,
	}
}
