package marketauth

import (
	"context"
	"errors"
	"time"

	"github.com/MrGr33n98/marketauth/internal/tokens"
	"github.com/MrGr33n98/marketauth/mail"
	"github.com/MrGr33n98/marketauth/password"
)

// RequestPasswordReset issues a reset token for email and mails it. The
// result shape is constant: unknown emails and mail delivery failures
// both report Sent=true to the caller, with the real outcome recorded
// internally, so the operation cannot confirm account existence.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) (*ResetRequestResult, error) {
	if e == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}

	email = normalizeEmail(email)
	if email == "" {
		return nil, ErrInvalidInput
	}

	for _, key := range []string{ipKey(clientIPFromContext(ctx)), emailKey(email)} {
		if _, err := e.checkLimit(ctx, PurposePasswordReset, key); err != nil {
			if errors.Is(err, ErrRateLimitExceeded) {
				e.metricInc(MetricResetRateLimited)
				e.emitAudit(ctx, EventPasswordResetRequest, false, "", email, err, map[string]string{
					"reason": "rate_limited",
				})
			}
			return nil, err
		}
	}

	user, err := e.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.emitAudit(ctx, EventPasswordResetRequest, false, "", email, ErrUserNotFound, map[string]string{
				"reason": "user_not_found",
			})
			if e.config.Enumeration.RevealOnPasswordResetRequest {
				return nil, ErrUserNotFound
			}
			return &ResetRequestResult{Sent: true}, nil
		}
		e.metricInc(MetricDependencyFailure)
		return nil, ErrDependencyFailure
	}

	token, err := e.tokens.Issue(ctx, user.ID, tokens.PurposePasswordReset, e.config.Tokens.ResetTTL)
	if err != nil {
		e.metricInc(MetricDependencyFailure)
		e.emitAudit(ctx, EventTokenGenerated, false, user.ID, user.Email, err, map[string]string{
			"token_purpose": tokens.PurposePasswordReset.String(),
		})
		return nil, ErrDependencyFailure
	}

	e.metricInc(MetricTokenIssued)
	e.emitAudit(ctx, EventTokenGenerated, true, user.ID, user.Email, nil, map[string]string{
		"token_purpose": tokens.PurposePasswordReset.String(),
		"token_id":      token.ID,
		"expires_at":    token.ExpiresAt.UTC().Format(time.RFC3339),
	})

	sent := true
	if e.mailer == nil {
		sent = false
	} else if err := e.mailer.Send(ctx, user.Email, mail.TemplatePasswordReset, map[string]string{
		"display_name": user.DisplayName,
		"token":        token.Value,
		"expires_at":   token.ExpiresAt.UTC().Format(time.RFC3339),
	}); err != nil {
		sent = false
		e.metricInc(MetricMailSendFailure)
		e.emitAudit(ctx, EventSuspiciousActivity, false, user.ID, user.Email, err, map[string]string{
			"reason":   "reset_mail_failed",
			"template": string(mail.TemplatePasswordReset),
		})
	}

	e.metricInc(MetricResetRequest)
	e.emitAudit(ctx, EventPasswordResetRequest, true, user.ID, user.Email, nil, map[string]string{
		"mail_sent": boolString(sent),
	})

	// Sent stays true even on delivery failure; the failure is visible
	// only in the audit trail and metrics.
	return &ResetRequestResult{Sent: true}, nil
}

// CompletePasswordReset consumes a reset token and replaces the
// account's password. The new password must satisfy the policy and
// differ from the current one. On success the account's lockout state is
// cleared: the mailbox owner has proven control, keeping them locked out
// only helps the attacker who caused the lock.
func (e *Engine) CompletePasswordReset(ctx context.Context, tokenValue, newPassword string) error {
	if e == nil || e.users == nil {
		return ErrEngineNotReady
	}
	if tokenValue == "" || newPassword == "" {
		return ErrInvalidInput
	}

	// Separate window from the request side, so an attacker cannot use
	// their own request quota to brute-force someone else's token.
	key := "confirm-" + ipKey(clientIPFromContext(ctx))
	if _, err := e.checkLimit(ctx, PurposePasswordReset, key); err != nil {
		if errors.Is(err, ErrRateLimitExceeded) {
			e.metricInc(MetricResetRateLimited)
			e.emitAudit(ctx, EventPasswordResetComplete, false, "", "", err, map[string]string{
				"reason": "rate_limited",
			})
		}
		return err
	}

	v, err := e.tokens.Validate(ctx, tokenValue)
	if err != nil {
		e.metricInc(MetricDependencyFailure)
		return ErrDependencyFailure
	}

	switch {
	case v.Used:
		e.metricInc(MetricResetCompleteFailure)
		e.emitAudit(ctx, EventPasswordResetComplete, false, v.UserID, "", ErrTokenInvalidOrUsed, map[string]string{
			"reason": "token_used",
		})
		return ErrTokenInvalidOrUsed
	case v.Expired:
		e.metricInc(MetricResetCompleteFailure)
		e.emitAudit(ctx, EventPasswordResetComplete, false, v.UserID, "", ErrTokenExpired, map[string]string{
			"reason": "token_expired",
		})
		return ErrTokenExpired
	case !v.Valid || v.Purpose != tokens.PurposePasswordReset:
		e.metricInc(MetricResetCompleteFailure)
		e.emitAudit(ctx, EventPasswordResetComplete, false, "", "", ErrTokenInvalidOrUsed, map[string]string{
			"reason": "token_invalid",
		})
		return ErrTokenInvalidOrUsed
	}

	user, err := e.users.FindByID(ctx, v.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.metricInc(MetricResetCompleteFailure)
			e.emitAudit(ctx, EventPasswordResetComplete, false, v.UserID, "", ErrTokenInvalidOrUsed, map[string]string{
				"reason": "user_missing",
			})
			return ErrTokenInvalidOrUsed
		}
		e.metricInc(MetricDependencyFailure)
		return ErrDependencyFailure
	}

	same, err := e.hasher.Verify(newPassword, user.PasswordHash)
	if err == nil && same {
		e.metricInc(MetricResetCompleteFailure)
		e.emitAudit(ctx, EventPasswordResetComplete, false, user.ID, user.Email, ErrPasswordReuse, map[string]string{
			"reason": "password_reuse",
		})
		return ErrPasswordReuse
	}

	newHash, err := e.hasher.Hash(newPassword)
	if err != nil {
		if errors.Is(err, password.ErrPasswordTooShort) {
			e.metricInc(MetricResetCompleteFailure)
			e.emitAudit(ctx, EventPasswordResetComplete, false, user.ID, user.Email, err, map[string]string{
				"reason": "password_policy",
			})
			return ErrPasswordPolicy
		}
		e.metricInc(MetricDependencyFailure)
		return ErrDependencyFailure
	}

	// Consume last: every earlier rejection leaves the token intact so
	// the user can retry with a better password on the same link.
	consumed, err := e.tokens.Consume(ctx, tokenValue)
	if err != nil {
		switch {
		case errors.Is(err, tokens.ErrExpired):
			e.metricInc(MetricResetCompleteFailure)
			e.emitAudit(ctx, EventPasswordResetComplete, false, user.ID, user.Email, ErrTokenExpired, map[string]string{
				"reason": "token_expired",
			})
			return ErrTokenExpired
		case errors.Is(err, tokens.ErrAlreadyConsumed), errors.Is(err, tokens.ErrNotFound):
			e.metricInc(MetricResetCompleteFailure)
			e.emitAudit(ctx, EventPasswordResetComplete, false, user.ID, user.Email, ErrTokenInvalidOrUsed, map[string]string{
				"reason": "token_race_lost",
			})
			return ErrTokenInvalidOrUsed
		default:
			e.metricInc(MetricDependencyFailure)
			return ErrDependencyFailure
		}
	}

	e.metricInc(MetricTokenConsumed)
	e.emitAudit(ctx, EventTokenUsed, true, consumed.UserID, user.Email, nil, map[string]string{
		"token_purpose": tokens.PurposePasswordReset.String(),
	})

	if err := e.users.UpdatePasswordHash(ctx, user.ID, newHash); err != nil {
		e.metricInc(MetricDependencyFailure)
		e.emitAudit(ctx, EventPasswordResetComplete, false, user.ID, user.Email, err, map[string]string{
			"reason": "user_store_error",
		})
		return ErrDependencyFailure
	}

	if wasLocked, err := e.lockout.Reset(ctx, user.ID); err == nil {
		_ = e.users.ResetFailedAttempts(ctx, user.ID)
		if wasLocked {
			e.metricInc(MetricAccountUnlocks)
			e.emitAudit(ctx, EventAccountUnlock, true, user.ID, user.Email, nil, map[string]string{
				"reason": "password_reset",
			})
		}
	}

	e.metricInc(MetricResetCompleteSuccess)
	e.emitAudit(ctx, EventPasswordResetComplete, true, user.ID, user.Email, nil, nil)

	e.notify(ctx, user, mail.TemplatePasswordChanged, map[string]string{
		"display_name": user.DisplayName,
		"ip":           clientIPFromContext(ctx),
	})
	return nil
}
