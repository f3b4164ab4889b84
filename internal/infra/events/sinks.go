package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"sealog/internal/domain"
	"sealog/internal/usecase"
)

// LogSink writes events to the structured log. It is always part of the stream.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "events")}
}

func (s *LogSink) Publish(ctx context.Context, event domain.Event) error {
	attrs := []any{
		"kind", event.Kind,
		"severity", event.Severity,
		"tenant", event.TenantID,
		"subject", event.Subject,
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, k, v)
	}
	s.logger.Log(ctx, levelFor(event.Severity), event.Message, attrs...)
	return nil
}

func levelFor(severity domain.Severity) slog.Level {
	switch severity {
	case domain.SeverityCritical, domain.SeverityHigh:
		return slog.LevelError
	case domain.SeverityMedium:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Fanout delivers each event to every sink and joins their errors.
type Fanout struct {
	sinks []usecase.EventSink
}

func NewFanout(sinks ...usecase.EventSink) *Fanout {
	out := make([]usecase.EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Fanout{sinks: out}
}

func (f *Fanout) Publish(ctx context.Context, event domain.Event) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps published events in order.
type Memory struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *Memory) Publish(_ context.Context, event domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *Memory) Events() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Event(nil), m.events...)
}

func (m *Memory) OfKind(kind domain.EventKind) []domain.Event {
	var out []domain.Event
	for _, e := range m.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
