package marketauth

import (
	"context"
	"errors"
	"time"

	"github.com/MrGr33n98/marketauth/internal/tokens"
	"github.com/MrGr33n98/marketauth/mail"
	"github.com/MrGr33n98/marketauth/password"
)

// Signup creates an account and kicks off email verification. The
// account is created unverified; a verification token is issued and
// mailed. Mail delivery failure does not roll the account back,
// VerificationSent=false tells the caller to offer a resend instead.
func (e *Engine) Signup(ctx context.Context, email, passwd, displayName string) (*SignupResult, error) {
	if e == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}

	email = normalizeEmail(email)
	if email == "" || passwd == "" {
		return nil, ErrInvalidInput
	}

	if _, err := e.checkLimit(ctx, PurposeSignup, ipKey(clientIPFromContext(ctx))); err != nil {
		if errors.Is(err, ErrRateLimitExceeded) {
			e.metricInc(MetricSignupRateLimited)
			e.emitAudit(ctx, EventRegistration, false, "", email, err, map[string]string{
				"reason": "rate_limited",
			})
		}
		return nil, err
	}

	hash, err := e.hasher.Hash(passwd)
	if err != nil {
		if errors.Is(err, password.ErrPasswordTooShort) {
			e.emitAudit(ctx, EventRegistration, false, "", email, err, map[string]string{
				"reason": "password_policy",
			})
			return nil, ErrPasswordPolicy
		}
		e.metricInc(MetricDependencyFailure)
		return nil, ErrDependencyFailure
	}

	user, err := e.users.Create(ctx, CreateUserInput{
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: hash,
	})
	if err != nil {
		if errors.Is(err, ErrAccountExists) {
			e.metricInc(MetricSignupDuplicate)
			e.emitAudit(ctx, EventRegistration, false, "", email, ErrAccountExists, map[string]string{
				"reason": "duplicate_email",
			})
			if e.config.Enumeration.RevealOnSignup {
				return nil, ErrAccountExists
			}
			// Enumeration-hardened mode: the duplicate is indistinguishable
			// from a fresh signup. The existing account is untouched.
			return &SignupResult{
				User:             UserProfile{Email: email, DisplayName: displayName},
				VerificationSent: true,
			}, nil
		}
		e.metricInc(MetricDependencyFailure)
		e.emitAudit(ctx, EventRegistration, false, "", email, err, map[string]string{
			"reason": "user_store_error",
		})
		return nil, ErrDependencyFailure
	}

	result := &SignupResult{User: profileOf(user)}
	if _, err := e.issueVerification(ctx, user); err == nil {
		result.VerificationSent = true
	}

	e.metricInc(MetricSignupSuccess)
	e.emitAudit(ctx, EventRegistration, true, user.ID, user.Email, nil, map[string]string{
		"verification_sent": boolString(result.VerificationSent),
	})
	return result, nil
}

// issueVerification mints a fresh email-verification token for user and
// mails it. Used by both Signup and ResendEmailVerification; any prior
// unconsumed token is superseded.
func (e *Engine) issueVerification(ctx context.Context, user UserRecord) (tokens.Token, error) {
	token, err := e.tokens.Issue(ctx, user.ID, tokens.PurposeEmailVerification, e.config.Tokens.VerificationTTL)
	if err != nil {
		e.metricInc(MetricDependencyFailure)
		e.emitAudit(ctx, EventTokenGenerated, false, user.ID, user.Email, err, map[string]string{
			"token_purpose": tokens.PurposeEmailVerification.String(),
		})
		return tokens.Token{}, ErrDependencyFailure
	}

	e.metricInc(MetricTokenIssued)
	e.emitAudit(ctx, EventTokenGenerated, true, user.ID, user.Email, nil, map[string]string{
		"token_purpose": tokens.PurposeEmailVerification.String(),
		"token_id":      token.ID,
		"expires_at":    token.ExpiresAt.UTC().Format(time.RFC3339),
	})

	if e.mailer == nil {
		return token, ErrEmailSendFailed
	}
	err = e.mailer.Send(ctx, user.Email, mail.TemplateVerifyEmail, map[string]string{
		"display_name": user.DisplayName,
		"token":        token.Value,
		"expires_at":   token.ExpiresAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		e.metricInc(MetricMailSendFailure)
		e.emitAudit(ctx, EventSuspiciousActivity, false, user.ID, user.Email, err, map[string]string{
			"reason":   "verification_mail_failed",
			"template": string(mail.TemplateVerifyEmail),
		})
		return token, ErrEmailSendFailed
	}

	return token, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
