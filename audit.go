package marketauth

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// EventType enumerates the security-relevant outcomes the engine records.
type EventType string

const (
	EventLoginAttempt          EventType = "LOGIN_ATTEMPT"
	EventRegistration          EventType = "REGISTRATION"
	EventPasswordChange        EventType = "PASSWORD_CHANGE"
	EventPasswordResetRequest  EventType = "PASSWORD_RESET_REQUEST"
	EventPasswordResetComplete EventType = "PASSWORD_RESET_COMPLETE"
	EventEmailVerification     EventType = "EMAIL_VERIFICATION"
	EventAccountLockout        EventType = "ACCOUNT_LOCKOUT"
	EventAccountUnlock         EventType = "ACCOUNT_UNLOCK"
	EventSuspiciousActivity    EventType = "SUSPICIOUS_ACTIVITY"
	EventSessionCreated        EventType = "SESSION_CREATED"
	EventSessionExpired        EventType = "SESSION_EXPIRED"
	EventTokenGenerated        EventType = "TOKEN_GENERATED"
	EventTokenUsed             EventType = "TOKEN_USED"
)

// SecurityEvent is the immutable audit record. The engine appends, never
// mutates or deletes; retention is an external concern.
type SecurityEvent struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"event_type"`
	UserID    string            `json:"user_id,omitempty"`
	Email     string            `json:"email,omitempty"`
	Success   bool              `json:"success"`
	IPAddress string            `json:"ip_address,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Error     string            `json:"error,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// AuditSink receives SecurityEvent values from the engine's dispatcher.
// Emit must not panic; a failing sink loses events, it never fails the
// authentication operation that produced them.
type AuditSink interface {
	Emit(ctx context.Context, event SecurityEvent)
}

// NoOpSink silently discards all events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, SecurityEvent) {}

// ChannelSink is a buffered channel-based AuditSink for tests and
// embedders that consume events in their own goroutine.
type ChannelSink struct {
	events chan SecurityEvent
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan SecurityEvent, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event SecurityEvent) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan SecurityEvent {
	return s.events
}

// JSONWriterSink writes JSON-encoded events to an io.Writer, one per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(_ context.Context, event SecurityEvent) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}
