package usecase

import (
	"context"
	"log/slog"
	"time"

	"sealog/internal/domain"
	"sealog/internal/infra/metrics"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("sealog/usecase")

// Env carries the collaborators every service shares. The zero value is usable: metrics and
// events are dropped, logs go to slog.Default and the clock is time.Now.
type Env struct {
	Metrics *metrics.Metrics
	Events  EventSink
	Logger  *slog.Logger
	Clock   func() time.Time
}

func (e Env) withDefaults() Env {
	if e.Logger == nil {
		e.Logger = slog.Default()
	}
	if e.Clock == nil {
		e.Clock = time.Now
	}
	return e
}

func (e Env) now() time.Time {
	return e.Clock().UTC()
}

func (e Env) publish(ctx context.Context, event domain.Event) {
	if e.Events == nil {
		return
	}
	if event.At.IsZero() {
		event.At = e.now()
	}
	if err := e.Events.Publish(ctx, event); err != nil {
		e.Logger.Warn("publish event failed", "kind", event.Kind, "tenant", event.TenantID, "error", err)
	}
}
