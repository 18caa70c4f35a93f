package marketauth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MrGr33n98/marketauth/internal/lockout"
	"github.com/MrGr33n98/marketauth/internal/rate"
	"github.com/MrGr33n98/marketauth/internal/tokens"
	"github.com/MrGr33n98/marketauth/password"
	"github.com/MrGr33n98/marketauth/session"
	"github.com/google/uuid"
)

// Engine is the authentication orchestrator. It composes the rate
// limiter, token store, lockout tracker, and audit dispatcher behind the
// operations web handlers call. Engine methods are safe for concurrent
// use after Build.
type Engine struct {
	config   Config
	limiter  *rate.Limiter
	lockout  *lockout.Tracker
	tokens   *tokens.Store
	hasher   *password.Argon2
	sessions *session.Manager
	users    UserStore
	mailer   Mailer
	audit    *auditDispatcher
	metrics  *Metrics

	// fallbackHash is verified against when the email is unknown so the
	// unknown-email and wrong-password paths cost the same.
	fallbackHash string
}

// Close drains and stops the audit dispatcher. Events already enqueued
// are delivered before Close returns.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many events the dispatcher discarded because
// its buffer was full. A steadily growing value deserves an alert; it
// never fails an authentication operation.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of all counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{}
	}
	return e.metrics.Snapshot()
}

// ClearRateLimit drops the rate window for (purpose, key).
// Administrative and test reset.
func (e *Engine) ClearRateLimit(ctx context.Context, purpose Purpose, key string) error {
	if e == nil || e.limiter == nil {
		return ErrEngineNotReady
	}
	return e.limiter.Clear(ctx, purpose, key)
}

// CleanupExpired sweeps elapsed rate windows from the backing store.
// Needed only for the in-memory store; Redis windows expire natively.
func (e *Engine) CleanupExpired(ctx context.Context) error {
	if e == nil || e.limiter == nil {
		return ErrEngineNotReady
	}
	return e.limiter.CleanupExpired(ctx)
}

// ParseSessionToken verifies a session token minted by Login and returns
// its claims. ErrEngineNotReady when session issuance is disabled.
func (e *Engine) ParseSessionToken(token string) (*session.Claims, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}
	return e.sessions.Parse(token)
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// emitAudit builds and enqueues one SecurityEvent. Best-effort: it never
// returns an error and never blocks the caller path when DropIfFull is
// set.
func (e *Engine) emitAudit(ctx context.Context, typ EventType, success bool, userID, email string, failure error, details map[string]string) {
	if e == nil || e.audit == nil {
		return
	}

	event := SecurityEvent{
		ID:        uuid.NewString(),
		Type:      typ,
		UserID:    userID,
		Email:     email,
		Success:   success,
		IPAddress: clientIPFromContext(ctx),
		UserAgent: userAgentFromContext(ctx),
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
	if failure != nil {
		event.Error = failure.Error()
	}

	e.audit.Emit(ctx, event)
}

// checkLimit runs one rate-limit probe and translates the outcome into
// the public error taxonomy. A store outage on a fail-closed purpose
// surfaces as ErrDependencyFailure; on a fail-open purpose the attempt
// proceeds and the degradation is recorded as suspicious activity.
func (e *Engine) checkLimit(ctx context.Context, purpose Purpose, key string) (RateLimitResult, error) {
	result, err := e.limiter.Check(ctx, purpose, key)
	if err == nil {
		return result, nil
	}

	switch {
	case errorIsRateLimited(err):
		return result, &RateLimitError{
			Limit:      result.Limit,
			Remaining:  result.Remaining,
			ResetAt:    result.ResetAt,
			RetryAfter: result.RetryAfter,
		}
	case result.Allowed:
		// Fail-open purpose with the store down: admit, but leave a trace.
		e.metricInc(MetricDependencyFailure)
		e.emitAudit(ctx, EventSuspiciousActivity, false, "", "", err, map[string]string{
			"reason":  "rate_limiter_degraded",
			"purpose": purpose.String(),
		})
		return result, nil
	default:
		e.metricInc(MetricDependencyFailure)
		e.emitAudit(ctx, EventSuspiciousActivity, false, "", "", err, map[string]string{
			"reason":  "rate_limiter_unavailable",
			"purpose": purpose.String(),
		})
		return result, ErrDependencyFailure
	}
}

func errorIsRateLimited(err error) bool {
	return errors.Is(err, rate.ErrRateLimited)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func ipKey(ip string) string       { return "ip:" + ip }
func emailKey(email string) string { return "email:" + email }
func userKey(id string) string     { return "user:" + id }
