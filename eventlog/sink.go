package eventlog

import (
	"context"
	"log/slog"

	"github.com/MrGr33n98/marketauth"
)

// Sink adapts Store to the engine's audit sink contract. Emit runs on
// the dispatcher goroutine, so one slow insert delays later events but
// never an authentication call.
type Sink struct {
	store  *Store
	logger *slog.Logger
}

// NewSink wraps store. logger receives insert failures; nil means
// slog.Default.
func NewSink(store *Store, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{store: store, logger: logger}
}

func (s *Sink) Emit(ctx context.Context, event marketauth.SecurityEvent) {
	if s == nil || s.store == nil {
		return
	}
	if err := s.store.Append(ctx, event); err != nil {
		// An audit write failure must not propagate. Log and move on.
		s.logger.ErrorContext(ctx, "security event insert failed",
			"event_id", event.ID,
			"event_type", string(event.Type),
			"error", err)
	}
}
