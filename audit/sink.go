package audit

import (
	"context"
	"log/slog"
	"sync"
)

// LogSink writes events as structured log records.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Append(ctx context.Context, event Event) error {
	level := slog.LevelInfo
	if event.Action == ActionVerificationError {
		level = slog.LevelWarn
	}
	s.logger.LogAttrs(ctx, level, string(event.Action),
		slog.String("event_id", event.ID),
		slog.Time("timestamp", event.Timestamp),
		slog.String("actor", event.Actor),
		slog.String("target", event.Target),
		slog.String("holder_id", event.HolderID),
		slog.String("outcome", event.Outcome),
		slog.String("method", event.Method),
		slog.String("code", event.Code),
		slog.String("reason", event.Reason),
		slog.String("audit_id", event.AuditID),
	)
	return nil
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Append(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of every appended event in order.
func (s *MemorySink) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Event(nil), s.events...)
}

// ByAction filters Events by action.
func (s *MemorySink) ByAction(action Action) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Event
	for _, e := range s.events {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
