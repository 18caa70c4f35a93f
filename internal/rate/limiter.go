package rate

import (
	"context"
	"time"
)

// Purpose is the closed set of throttled request categories. Every
// purpose maps to exactly one Policy, fixed at construction; call
// sites never carry ad-hoc limits.
type Purpose uint8

const (
	PurposeLogin Purpose = iota
	PurposeSignup
	PurposePasswordReset
	PurposeEmailVerification
	PurposePasswordChange
	PurposeGenericAPI

	PurposeCount // sentinel, keep last
)

var purposeSlugs = [PurposeCount]string{
	"login",
	"signup",
	"password_reset",
	"email_verification",
	"password_change",
	"generic_api",
}

func (p Purpose) String() string {
	if p >= PurposeCount {
		return "unknown"
	}
	return purposeSlugs[p]
}

// Policy is the fixed configuration record for one purpose.
// FailOpen decides admission when the backing store is unreachable:
// credential-sensitive purposes default to fail-closed so an outage
// cannot be used to brute-force.
type Policy struct {
	MaxRequests int
	Window      time.Duration
	FailOpen    bool
}

// Result reports the admission decision together with the quota
// snapshot callers surface as 429 headers.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds the retry delay up to whole seconds, the
// granularity of the Retry-After header. Zero when admission succeeded.
func (r Result) RetryAfterSeconds() int {
	if r.RetryAfter <= 0 {
		return 0
	}
	secs := int((r.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter is a fixed-window counter keyed by (purpose, identity key).
// The check-then-increment is a single atomic Store.Incr, so two
// concurrent requests can never both be admitted past the budget.
type Limiter struct {
	store    Store
	policies [PurposeCount]Policy
}

// New creates a Limiter with the given per-purpose policies. Purposes
// absent from the map are unrestricted (MaxRequests <= 0 admits all).
func New(store Store, policies map[Purpose]Policy) *Limiter {
	l := &Limiter{store: store}
	for p, policy := range policies {
		if p < PurposeCount {
			l.policies[p] = policy
		}
	}
	return l
}

// Policy returns the configured policy for a purpose.
func (l *Limiter) Policy(purpose Purpose) Policy {
	if purpose >= PurposeCount {
		return Policy{}
	}
	return l.policies[purpose]
}

// Check admits or rejects one attempt for (purpose, key). On a store
// outage the returned error wraps ErrStoreUnavailable and Allowed
// follows the purpose's FailOpen policy; the caller decides how loudly
// to degrade. A rejected attempt returns ErrRateLimited alongside the
// populated Result.
func (l *Limiter) Check(ctx context.Context, purpose Purpose, key string) (Result, error) {
	policy := l.Policy(purpose)
	if policy.MaxRequests <= 0 || key == "" {
		return Result{Allowed: true, Limit: policy.MaxRequests}, nil
	}

	count, resetAt, err := l.store.Incr(ctx, windowKey(purpose, key), policy.Window)
	if err != nil {
		return Result{
			Allowed: policy.FailOpen,
			Limit:   policy.MaxRequests,
		}, err
	}

	remaining := int64(policy.MaxRequests) - count
	if remaining < 0 {
		remaining = 0
	}

	result := Result{
		Allowed:   count <= int64(policy.MaxRequests),
		Limit:     policy.MaxRequests,
		Remaining: int(remaining),
		ResetAt:   resetAt,
	}
	if !result.Allowed {
		result.RetryAfter = time.Until(resetAt)
		if result.RetryAfter < 0 {
			result.RetryAfter = 0
		}
		return result, ErrRateLimited
	}

	return result, nil
}

// Clear drops the window for (purpose, key). Administrative reset.
func (l *Limiter) Clear(ctx context.Context, purpose Purpose, key string) error {
	return l.store.Delete(ctx, windowKey(purpose, key))
}

// CleanupExpired sweeps elapsed windows from the backing store to
// bound memory growth. Safe to call periodically from a ticker.
func (l *Limiter) CleanupExpired(ctx context.Context) error {
	return l.store.Cleanup(ctx)
}

func windowKey(purpose Purpose, key string) string {
	return "arl:" + purpose.String() + ":" + key
}
