package marketauth

import (
	"context"
	"errors"

	"github.com/MrGr33n98/marketauth/mail"
	"github.com/MrGr33n98/marketauth/password"
)

// ChangePassword replaces the password of an authenticated account after
// re-verifying the current one. The window is keyed per account: the
// caller already holds a session, so throttling by IP would let one
// compromised session probe from many addresses.
func (e *Engine) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if e == nil || e.users == nil {
		return ErrEngineNotReady
	}
	if userID == "" || currentPassword == "" || newPassword == "" {
		return ErrInvalidInput
	}

	if _, err := e.checkLimit(ctx, PurposePasswordChange, userKey(userID)); err != nil {
		if errors.Is(err, ErrRateLimitExceeded) {
			e.metricInc(MetricPasswordChangeRateLimited)
			e.emitAudit(ctx, EventPasswordChange, false, userID, "", err, map[string]string{
				"reason": "rate_limited",
			})
		}
		return err
	}

	user, err := e.users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.metricInc(MetricPasswordChangeFailure)
			e.emitAudit(ctx, EventPasswordChange, false, userID, "", ErrUserNotFound, map[string]string{
				"reason": "user_not_found",
			})
			return ErrUserNotFound
		}
		e.metricInc(MetricDependencyFailure)
		return ErrDependencyFailure
	}

	ok, err := e.hasher.Verify(currentPassword, user.PasswordHash)
	if err != nil {
		e.metricInc(MetricDependencyFailure)
		return ErrDependencyFailure
	}
	if !ok {
		// Wrong current password on an authenticated path. It does not
		// feed the login lockout counter, but a burst of these is a
		// session-compromise signal, hence the extra event.
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, EventPasswordChange, false, user.ID, user.Email, ErrInvalidCredentials, map[string]string{
			"reason": "invalid_current_password",
		})
		e.emitAudit(ctx, EventSuspiciousActivity, false, user.ID, user.Email, ErrInvalidCredentials, map[string]string{
			"reason": "password_change_wrong_current",
		})
		return ErrInvalidCredentials
	}

	if currentPassword == newPassword {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, EventPasswordChange, false, user.ID, user.Email, ErrPasswordReuse, map[string]string{
			"reason": "password_reuse",
		})
		return ErrPasswordReuse
	}

	newHash, err := e.hasher.Hash(newPassword)
	if err != nil {
		if errors.Is(err, password.ErrPasswordTooShort) {
			e.metricInc(MetricPasswordChangeFailure)
			e.emitAudit(ctx, EventPasswordChange, false, user.ID, user.Email, err, map[string]string{
				"reason": "password_policy",
			})
			return ErrPasswordPolicy
		}
		e.metricInc(MetricDependencyFailure)
		return ErrDependencyFailure
	}

	if err := e.users.UpdatePasswordHash(ctx, user.ID, newHash); err != nil {
		e.metricInc(MetricDependencyFailure)
		e.emitAudit(ctx, EventPasswordChange, false, user.ID, user.Email, err, map[string]string{
			"reason": "user_store_error",
		})
		return ErrDependencyFailure
	}

	e.metricInc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, EventPasswordChange, true, user.ID, user.Email, nil, nil)

	e.notify(ctx, user, mail.TemplatePasswordChanged, map[string]string{
		"display_name": user.DisplayName,
		"ip":           clientIPFromContext(ctx),
	})
	return nil
}
