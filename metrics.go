package marketauth

import "sync/atomic"

// MetricID identifies one counter in the in-process metrics set.
type MetricID uint8

const (
	MetricLoginSuccess MetricID = iota
	MetricLoginFailure
	MetricLoginRateLimited
	MetricLoginLocked
	MetricSignupSuccess
	MetricSignupDuplicate
	MetricSignupRateLimited
	MetricVerificationRequest
	MetricVerificationSuccess
	MetricVerificationFailure
	MetricVerificationRateLimited
	MetricResetRequest
	MetricResetCompleteSuccess
	MetricResetCompleteFailure
	MetricResetRateLimited
	MetricPasswordChangeSuccess
	MetricPasswordChangeFailure
	MetricPasswordChangeRateLimited
	MetricTokenIssued
	MetricTokenConsumed
	MetricAccountLockouts
	MetricAccountUnlocks
	MetricSessionCreated
	MetricMailSendFailure
	MetricDependencyFailure

	metricIDCount
)

var metricNames = [metricIDCount]string{
	"login_success",
	"login_failure",
	"login_rate_limited",
	"login_locked",
	"signup_success",
	"signup_duplicate",
	"signup_rate_limited",
	"verification_request",
	"verification_success",
	"verification_failure",
	"verification_rate_limited",
	"reset_request",
	"reset_complete_success",
	"reset_complete_failure",
	"reset_rate_limited",
	"password_change_success",
	"password_change_failure",
	"password_change_rate_limited",
	"token_issued",
	"token_consumed",
	"account_lockouts",
	"account_unlocks",
	"session_created",
	"mail_send_failure",
	"dependency_failure",
}

// Name returns the stable snake_case identifier for a metric.
func (id MetricID) Name() string {
	if id >= metricIDCount {
		return "unknown"
	}
	return metricNames[id]
}

// Metrics is a fixed array of atomic counters. When disabled every
// operation is a no-op; the engine never branches on metric cost.
type Metrics struct {
	enabled  bool
	counters [metricIDCount]atomic.Uint64
}

// NewMetrics creates a Metrics instance per the given config.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{enabled: cfg.Enabled}
}

// Inc increments one counter.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	m.counters[id].Add(1)
}

// MetricsSnapshot is a point-in-time copy of all counters keyed by name.
type MetricsSnapshot map[string]uint64

// Snapshot copies every counter. Cheap enough to serve from a debug
// endpoint on each request.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := make(MetricsSnapshot, metricIDCount)
	if m == nil || !m.enabled {
		return snap
	}
	for id := MetricID(0); id < metricIDCount; id++ {
		snap[id.Name()] = m.counters[id].Load()
	}
	return snap
}
