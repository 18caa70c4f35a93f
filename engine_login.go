package marketauth

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/MrGr33n98/marketauth/mail"
)

// Login authenticates an email/password pair. The flow is rate-limit
// check, lockout gate, credential verification, lockout update, session
// issuance, audit — in that order. A rate-limited request never touches
// lockout state; a locked account never burns an attempt slot.
//
// The error for an unknown email and a wrong password is the same
// ErrInvalidCredentials, and both paths cost one argon2 verification.
func (e *Engine) Login(ctx context.Context, email, passwd string) (*LoginResult, error) {
	if e == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}

	email = normalizeEmail(email)
	if email == "" || passwd == "" {
		// Rejected before any rate-limit quota is consumed.
		return nil, ErrInvalidInput
	}

	if _, err := e.checkLimit(ctx, PurposeLogin, ipKey(clientIPFromContext(ctx))); err != nil {
		if errors.Is(err, ErrRateLimitExceeded) {
			e.metricInc(MetricLoginRateLimited)
			e.emitAudit(ctx, EventLoginAttempt, false, "", email, err, map[string]string{
				"reason": "rate_limited",
			})
		}
		return nil, err
	}

	user, err := e.users.FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			e.metricInc(MetricDependencyFailure)
			e.emitAudit(ctx, EventLoginAttempt, false, "", email, err, map[string]string{
				"reason": "user_store_error",
			})
			return nil, ErrDependencyFailure
		}
		// Burn the same hashing work as the known-email path.
		_, _ = e.hasher.Verify(passwd, e.fallbackHash)
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, EventLoginAttempt, false, "", email, ErrInvalidCredentials, map[string]string{
			"reason": "user_not_found",
		})
		return nil, ErrInvalidCredentials
	}

	status, err := e.lockout.Status(ctx, user.ID)
	if err != nil {
		// Fail closed: an unreadable lockout state must not unlock anyone.
		e.metricInc(MetricDependencyFailure)
		e.emitAudit(ctx, EventLoginAttempt, false, user.ID, email, err, map[string]string{
			"reason": "lockout_unavailable",
		})
		return nil, ErrDependencyFailure
	}
	if status.Locked {
		e.metricInc(MetricLoginLocked)
		e.emitAudit(ctx, EventLoginAttempt, false, user.ID, email, ErrAccountLocked, map[string]string{
			"reason":            "account_locked",
			"remaining_seconds": strconv.Itoa(int(status.Remaining.Seconds())),
		})
		return nil, &LockedError{Remaining: status.Remaining, Until: time.Now().Add(status.Remaining)}
	}

	ok, err := e.hasher.Verify(passwd, user.PasswordHash)
	if err != nil {
		e.metricInc(MetricDependencyFailure)
		e.emitAudit(ctx, EventLoginAttempt, false, user.ID, email, err, map[string]string{
			"reason": "hash_verify_error",
		})
		return nil, ErrDependencyFailure
	}
	if !ok {
		return nil, e.recordLoginFailure(ctx, user)
	}

	return e.finishLogin(ctx, user)
}

func (e *Engine) recordLoginFailure(ctx context.Context, user UserRecord) error {
	locked, attempts, until, err := e.lockout.RecordFailure(ctx, user.ID)
	if err != nil {
		e.metricInc(MetricDependencyFailure)
		e.emitAudit(ctx, EventLoginAttempt, false, user.ID, user.Email, err, map[string]string{
			"reason": "lockout_unavailable",
		})
		return ErrDependencyFailure
	}

	// Mirror into the account row for admin tooling; the tracker stays
	// authoritative, so a mirror failure is not a login failure.
	_ = e.users.IncrementFailedAttempts(ctx, user.ID)

	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, EventLoginAttempt, false, user.ID, user.Email, ErrInvalidCredentials, map[string]string{
		"reason":          "invalid_credentials",
		"failed_attempts": strconv.Itoa(attempts),
	})

	if locked {
		_ = e.users.SetLockout(ctx, user.ID, until)
		e.metricInc(MetricAccountLockouts)
		e.emitAudit(ctx, EventAccountLockout, true, user.ID, user.Email, nil, map[string]string{
			"failed_attempts": strconv.Itoa(attempts),
			"locked_until":    until.UTC().Format(time.RFC3339),
		})
		e.notify(ctx, user, mail.TemplateAccountLocked, map[string]string{
			"display_name": user.DisplayName,
			"ip":           clientIPFromContext(ctx),
			"locked_until": until.UTC().Format(time.RFC3339),
		})
	}

	return ErrInvalidCredentials
}

func (e *Engine) finishLogin(ctx context.Context, user UserRecord) (*LoginResult, error) {
	wasLocked, err := e.lockout.Reset(ctx, user.ID)
	if err != nil {
		e.metricInc(MetricDependencyFailure)
		e.emitAudit(ctx, EventLoginAttempt, false, user.ID, user.Email, err, map[string]string{
			"reason": "lockout_unavailable",
		})
		return nil, ErrDependencyFailure
	}
	_ = e.users.ResetFailedAttempts(ctx, user.ID)

	if wasLocked {
		e.metricInc(MetricAccountUnlocks)
		e.emitAudit(ctx, EventAccountUnlock, true, user.ID, user.Email, nil, nil)
	}

	result := &LoginResult{User: profileOf(user)}
	if e.sessions != nil {
		token, sid, expiresAt, err := e.sessions.Issue(user.ID, user.Email)
		if err != nil {
			e.metricInc(MetricDependencyFailure)
			e.emitAudit(ctx, EventLoginAttempt, false, user.ID, user.Email, err, map[string]string{
				"reason": "session_issue_failed",
			})
			return nil, ErrDependencyFailure
		}
		result.SessionToken = token
		result.SessionID = sid
		result.ExpiresAt = expiresAt

		e.metricInc(MetricSessionCreated)
		e.emitAudit(ctx, EventSessionCreated, true, user.ID, user.Email, nil, map[string]string{
			"session_id": sid,
			"expires_at": expiresAt.UTC().Format(time.RFC3339),
		})
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, EventLoginAttempt, true, user.ID, user.Email, nil, nil)
	return result, nil
}

// notify delivers a security notification, best-effort. Notification
// mail failures never change the outcome of the operation that
// triggered them; they are only counted and logged.
func (e *Engine) notify(ctx context.Context, user UserRecord, kind mail.Template, vars map[string]string) {
	if e.mailer == nil {
		return
	}
	if err := e.mailer.Send(ctx, user.Email, kind, vars); err != nil {
		e.metricInc(MetricMailSendFailure)
		e.emitAudit(ctx, EventSuspiciousActivity, false, user.ID, user.Email, err, map[string]string{
			"reason":   "notification_send_failed",
			"template": string(kind),
		})
	}
}
