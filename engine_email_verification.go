package marketauth

import (
	"context"
	"errors"
	"time"

	"github.com/MrGr33n98/marketauth/internal/tokens"
)

// ResendEmailVerification re-issues the verification token for email and
// mails it, superseding any earlier unconsumed token. For unknown emails
// the result is indistinguishable from a real send unless the
// enumeration config says otherwise; the truth goes to the audit log.
//
// An already-verified account gets ErrAlreadyVerified: the caller is the
// account holder mid-flow, and telling them beats a pointless mail.
func (e *Engine) ResendEmailVerification(ctx context.Context, email string) (*ResendResult, error) {
	if e == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}

	email = normalizeEmail(email)
	if email == "" {
		return nil, ErrInvalidInput
	}

	// Both keys must pass: one window per source IP, one per target
	// mailbox. Either alone can be worked around.
	for _, key := range []string{ipKey(clientIPFromContext(ctx)), emailKey(email)} {
		if _, err := e.checkLimit(ctx, PurposeEmailVerification, key); err != nil {
			if errors.Is(err, ErrRateLimitExceeded) {
				e.metricInc(MetricVerificationRateLimited)
				e.emitAudit(ctx, EventEmailVerification, false, "", email, err, map[string]string{
					"reason": "rate_limited",
					"action": "resend",
				})
			}
			return nil, err
		}
	}

	expiresAt := time.Now().Add(e.config.Tokens.VerificationTTL)

	user, err := e.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.emitAudit(ctx, EventEmailVerification, false, "", email, ErrUserNotFound, map[string]string{
				"reason": "user_not_found",
				"action": "resend",
			})
			if e.config.Enumeration.RevealOnResendVerification {
				return nil, ErrUserNotFound
			}
			return &ResendResult{Sent: true, ExpiresAt: expiresAt}, nil
		}
		e.metricInc(MetricDependencyFailure)
		return nil, ErrDependencyFailure
	}

	if user.EmailVerified {
		e.emitAudit(ctx, EventEmailVerification, false, user.ID, user.Email, ErrAlreadyVerified, map[string]string{
			"reason": "already_verified",
			"action": "resend",
		})
		return nil, ErrAlreadyVerified
	}

	token, err := e.issueVerification(ctx, user)
	if err != nil {
		if errors.Is(err, ErrEmailSendFailed) {
			return nil, ErrEmailSendFailed
		}
		return nil, err
	}

	e.metricInc(MetricVerificationRequest)
	e.emitAudit(ctx, EventEmailVerification, true, user.ID, user.Email, nil, map[string]string{
		"action": "resend",
	})
	return &ResendResult{Sent: true, ExpiresAt: token.ExpiresAt}, nil
}

// VerifyEmail consumes a verification token and marks the account's
// email verified. Exactly one concurrent call with the same token wins;
// the rest see ErrTokenInvalidOrUsed. A token fed to the wrong flow (a
// password-reset token here) is rejected without being consumed.
func (e *Engine) VerifyEmail(ctx context.Context, tokenValue string) (*VerifyEmailResult, error) {
	if e == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}
	if tokenValue == "" {
		return nil, ErrInvalidInput
	}

	v, err := e.tokens.Validate(ctx, tokenValue)
	if err != nil {
		e.metricInc(MetricDependencyFailure)
		return nil, ErrDependencyFailure
	}

	switch {
	case v.Used:
		e.metricInc(MetricVerificationFailure)
		e.emitAudit(ctx, EventEmailVerification, false, v.UserID, "", ErrTokenInvalidOrUsed, map[string]string{
			"reason": "token_used",
		})
		return nil, ErrTokenInvalidOrUsed
	case v.Expired:
		e.metricInc(MetricVerificationFailure)
		e.emitAudit(ctx, EventEmailVerification, false, v.UserID, "", ErrTokenExpired, map[string]string{
			"reason": "token_expired",
		})
		return nil, ErrTokenExpired
	case !v.Valid || v.Purpose != tokens.PurposeEmailVerification:
		e.metricInc(MetricVerificationFailure)
		e.emitAudit(ctx, EventEmailVerification, false, "", "", ErrTokenInvalidOrUsed, map[string]string{
			"reason": "token_invalid",
		})
		return nil, ErrTokenInvalidOrUsed
	}

	user, err := e.users.FindByID(ctx, v.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Account deleted after issuance. The token stays unconsumed;
			// it is dead weight either way.
			e.metricInc(MetricVerificationFailure)
			e.emitAudit(ctx, EventEmailVerification, false, v.UserID, "", ErrTokenInvalidOrUsed, map[string]string{
				"reason": "user_missing",
			})
			return nil, ErrTokenInvalidOrUsed
		}
		e.metricInc(MetricDependencyFailure)
		return nil, ErrDependencyFailure
	}

	if user.EmailVerified {
		// Leave the token unconsumed. The state the token exists to reach
		// already holds, so there is nothing to spend it on.
		e.emitAudit(ctx, EventEmailVerification, false, user.ID, user.Email, ErrAlreadyVerified, map[string]string{
			"reason": "already_verified",
		})
		return nil, ErrAlreadyVerified
	}

	consumed, err := e.tokens.Consume(ctx, tokenValue)
	if err != nil {
		switch {
		case errors.Is(err, tokens.ErrExpired):
			e.metricInc(MetricVerificationFailure)
			e.emitAudit(ctx, EventEmailVerification, false, user.ID, user.Email, ErrTokenExpired, map[string]string{
				"reason": "token_expired",
			})
			return nil, ErrTokenExpired
		case errors.Is(err, tokens.ErrAlreadyConsumed), errors.Is(err, tokens.ErrNotFound):
			e.metricInc(MetricVerificationFailure)
			e.emitAudit(ctx, EventEmailVerification, false, user.ID, user.Email, ErrTokenInvalidOrUsed, map[string]string{
				"reason": "token_race_lost",
			})
			return nil, ErrTokenInvalidOrUsed
		default:
			e.metricInc(MetricDependencyFailure)
			return nil, ErrDependencyFailure
		}
	}

	e.metricInc(MetricTokenConsumed)
	e.emitAudit(ctx, EventTokenUsed, true, consumed.UserID, user.Email, nil, map[string]string{
		"token_purpose": tokens.PurposeEmailVerification.String(),
	})

	if err := e.users.MarkEmailVerified(ctx, user.ID); err != nil {
		// Token spent but state not written. Surface the failure; the
		// user can request a fresh link.
		e.metricInc(MetricDependencyFailure)
		e.emitAudit(ctx, EventEmailVerification, false, user.ID, user.Email, err, map[string]string{
			"reason": "user_store_error",
		})
		return nil, ErrDependencyFailure
	}
	user.EmailVerified = true

	e.metricInc(MetricVerificationSuccess)
	e.emitAudit(ctx, EventEmailVerification, true, user.ID, user.Email, nil, nil)
	return &VerifyEmailResult{User: profileOf(user)}, nil
}

// EmailVerificationStatus reports whether email belongs to a verified
// account. Unknown emails read as unverified, never as absent.
func (e *Engine) EmailVerificationStatus(ctx context.Context, email string) (*VerificationStatus, error) {
	if e == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}

	email = normalizeEmail(email)
	if email == "" {
		return nil, ErrInvalidInput
	}

	user, err := e.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return &VerificationStatus{RequiresVerification: true}, nil
		}
		e.metricInc(MetricDependencyFailure)
		return nil, ErrDependencyFailure
	}

	return &VerificationStatus{
		Verified:             user.EmailVerified,
		RequiresVerification: !user.EmailVerified,
	}, nil
}

// EmailVerificationTokenStatus reports whether email has a pending
// verification token and whether it has expired. The token value itself
// is never returned. Unknown emails read as "no token".
func (e *Engine) EmailVerificationTokenStatus(ctx context.Context, email string) (*TokenStatus, error) {
	if e == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}

	email = normalizeEmail(email)
	if email == "" {
		return nil, ErrInvalidInput
	}

	user, err := e.users.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return &TokenStatus{}, nil
		}
		e.metricInc(MetricDependencyFailure)
		return nil, ErrDependencyFailure
	}

	status, err := e.tokens.StatusForUser(ctx, user.ID, tokens.PurposeEmailVerification)
	if err != nil {
		e.metricInc(MetricDependencyFailure)
		return nil, ErrDependencyFailure
	}

	return &TokenStatus{
		HasToken:  status.HasToken,
		Expired:   status.Expired,
		ExpiresAt: status.ExpiresAt,
	}, nil
}
