package tsa

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"sealog/internal/domain"
	"sealog/internal/infra/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultCoolDown    = 300 * time.Second
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 30 * time.Second
)

var probeDigest = sha256.Sum256([]byte("sealog-tsa-probe"))

// Selector narrows the candidate backends for a tenant.
type Selector interface {
	Allowed(ctx context.Context, tenant domain.Tenant, backends []domain.TSABackend) ([]string, error)
}

type Publisher interface {
	Publish(ctx context.Context, event domain.Event) error
}

type ClientOptions struct {
	CoolDown    time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration

	Selector Selector
	Events   Publisher
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Clock    func() time.Time
	Sleep    func(ctx context.Context, d time.Duration) error
}

type health struct {
	healthy     bool
	lastProbeAt *time.Time
	lastError   string
}

// Client selects a backend per request, retries within each backend's budget and
// fails over by priority. Backend health is process-local.
type Client struct {
	backends []Backend
	index    map[string]Backend
	opts     ClientOptions
	tracer   trace.Tracer

	mu     sync.Mutex
	health map[string]*health
}

func NewClient(backends []Backend, opts ClientOptions) (*Client, error) {
	if len(backends) == 0 {
		return nil, errors.New("at least one tsa backend is required")
	}
	index := make(map[string]Backend, len(backends))
	states := make(map[string]*health, len(backends))
	for _, b := range backends {
		if b == nil {
			return nil, errors.New("tsa backend is nil")
		}
		id := b.Descriptor().ID
		if _, exists := index[id]; exists {
			return nil, errors.New("duplicate tsa backend id: " + id)
		}
		index[id] = b
		states[id] = &health{healthy: true}
	}
	ordered := append([]Backend(nil), backends...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Descriptor().Priority < ordered[j].Descriptor().Priority
	})
	if opts.CoolDown <= 0 {
		opts.CoolDown = DefaultCoolDown
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultBackoffMax
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Client{
		backends: ordered,
		index:    index,
		opts:     opts,
		tracer:   otel.Tracer("sealog/tsa"),
		health:   states,
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Backends returns the configured backends with their current health.
func (c *Client) Backends() []domain.TSABackend {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.TSABackend, 0, len(c.backends))
	for _, b := range c.backends {
		out = append(out, c.describeLocked(b))
	}
	return out
}

func (c *Client) describeLocked(b Backend) domain.TSABackend {
	desc := b.Descriptor()
	state := c.health[desc.ID]
	desc.Healthy = state.healthy
	desc.LastError = state.lastError
	if state.lastProbeAt != nil {
		at := *state.lastProbeAt
		desc.LastProbeAt = &at
	}
	return desc
}

func (c *Client) candidates(ctx context.Context, tenant domain.Tenant) ([]Backend, error) {
	now := c.opts.Clock()
	c.mu.Lock()
	var eligible []Backend
	var described []domain.TSABackend
	for _, b := range c.backends {
		desc := c.describeLocked(b)
		if !desc.Enabled {
			continue
		}
		if !desc.Healthy && desc.LastProbeAt != nil && now.Sub(*desc.LastProbeAt) < c.opts.CoolDown {
			continue
		}
		eligible = append(eligible, b)
		described = append(described, desc)
	}
	c.mu.Unlock()

	if c.opts.Selector == nil || tenant.TSAPolicy == "" || len(eligible) == 0 {
		return eligible, nil
	}
	allowed, err := c.opts.Selector.Allowed(ctx, tenant, described)
	if err != nil {
		return nil, fmt.Errorf("tsa selection policy: %w", err)
	}
	permitted := make(map[string]struct{}, len(allowed))
	for _, id := range allowed {
		permitted[id] = struct{}{}
	}
	filtered := eligible[:0]
	for _, b := range eligible {
		if _, ok := permitted[b.Descriptor().ID]; ok {
			filtered = append(filtered, b)
		}
	}
	return filtered, nil
}

// Timestamp obtains a verified token over digest from the first backend that
// succeeds.
func (c *Client) Timestamp(ctx context.Context, tenant domain.Tenant, digest []byte) (domain.Token, error) {
	ctx, span := c.tracer.Start(ctx, "tsa.Timestamp", trace.WithAttributes(attribute.String("tenant.id", tenant.ID)))
	defer span.End()

	candidates, err := c.candidates(ctx, tenant)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Token{}, err
	}
	if len(candidates) == 0 {
		err := domain.NewTSAError(domain.ErrTSAUnavailable, "", 0, errors.New("no eligible tsa backend"))
		span.SetStatus(codes.Error, err.Error())
		return domain.Token{}, err
	}

	var firstPermanent error
	var unavailable error
	for _, backend := range candidates {
		token, err := c.tryBackend(ctx, backend, digest)
		if err == nil {
			span.SetAttributes(attribute.String("tsa.backend", token.BackendID), attribute.String("tsa.serial", token.Serial))
			return token, nil
		}
		if ctx.Err() != nil {
			return domain.Token{}, domain.NewTSAError(domain.ErrTSAUnavailable, backend.Descriptor().ID, 0, ctx.Err())
		}
		if errors.Is(err, domain.ErrTSAUnavailable) {
			if unavailable == nil {
				unavailable = err
			}
		} else if firstPermanent == nil {
			firstPermanent = err
		}
	}
	final := unavailable
	if final == nil {
		final = firstPermanent
	}
	span.RecordError(final)
	span.SetStatus(codes.Error, final.Error())
	return domain.Token{}, final
}

func (c *Client) tryBackend(ctx context.Context, backend Backend, digest []byte) (domain.Token, error) {
	id := backend.Descriptor().ID
	budget := backend.RetryBudget()
	if budget <= 0 {
		budget = 1
	}
	var lastErr error
	for attempt := 1; attempt <= budget; attempt++ {
		started := c.opts.Clock()
		token, err := backend.Request(ctx, digest)
		outcome := outcomeLabel(err)
		c.opts.Metrics.TSARequest(id, outcome, c.opts.Clock().Sub(started))
		if err == nil {
			c.markHealthy(ctx, id)
			return token, nil
		}
		lastErr = err
		c.opts.Logger.Warn("tsa request failed", "backend", id, "attempt", attempt, "outcome", outcome, "error", err)
		if !errors.Is(err, domain.ErrTSAUnavailable) {
			break
		}
		if attempt < budget {
			if err := c.opts.Sleep(ctx, c.backoff(attempt)); err != nil {
				return domain.Token{}, err
			}
		}
	}
	switch {
	case errors.Is(lastErr, domain.ErrTSAUnavailable), errors.Is(lastErr, domain.ErrTSABadResponse):
		c.markUnhealthy(ctx, id, lastErr)
	}
	return domain.Token{}, lastErr
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.opts.BackoffBase << (attempt - 1)
	if d > c.opts.BackoffMax || d <= 0 {
		d = c.opts.BackoffMax
	}
	jitter := time.Duration(rand.Int64N(int64(d)/2 + 1))
	return d/2 + jitter
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrTSAUnavailable):
		return "unavailable"
	case errors.Is(err, domain.ErrTSARejected):
		return "rejected"
	case errors.Is(err, domain.ErrTSAClockSkew):
		return "clock_skew"
	default:
		return "bad_response"
	}
}

func (c *Client) markUnhealthy(ctx context.Context, id string, cause error) {
	now := c.opts.Clock()
	c.mu.Lock()
	state := c.health[id]
	wasHealthy := state.healthy
	state.healthy = false
	state.lastProbeAt = &now
	state.lastError = cause.Error()
	c.mu.Unlock()

	c.opts.Metrics.TSAHealth(id, false)
	if !wasHealthy {
		return
	}
	c.opts.Logger.Error("tsa backend degraded", "backend", id, "error", cause)
	c.publish(ctx, domain.Event{
		Kind:       domain.EventBackendDegraded,
		Severity:   domain.SeverityHigh,
		Subject:    id,
		Message:    fmt.Sprintf("tsa backend %s marked unhealthy: %v", id, cause),
		Attributes: map[string]string{"backend": id},
		At:         now,
	})
}

func (c *Client) markHealthy(ctx context.Context, id string) {
	now := c.opts.Clock()
	c.mu.Lock()
	state := c.health[id]
	wasHealthy := state.healthy
	state.healthy = true
	state.lastError = ""
	c.mu.Unlock()

	c.opts.Metrics.TSAHealth(id, true)
	if wasHealthy {
		return
	}
	c.opts.Logger.Info("tsa backend restored", "backend", id)
	c.publish(ctx, domain.Event{
		Kind:       domain.EventBackendRestored,
		Severity:   domain.SeverityLow,
		Subject:    id,
		Message:    fmt.Sprintf("tsa backend %s is healthy again", id),
		Attributes: map[string]string{"backend": id},
		At:         now,
	})
}

func (c *Client) publish(ctx context.Context, event domain.Event) {
	if c.opts.Events == nil {
		return
	}
	if err := c.opts.Events.Publish(ctx, event); err != nil {
		c.opts.Logger.Warn("publish event failed", "kind", event.Kind, "error", err)
	}
}

// Probe re-checks every unhealthy enabled backend whose cool-down has elapsed.
func (c *Client) Probe(ctx context.Context) {
	now := c.opts.Clock()
	var due []Backend
	c.mu.Lock()
	for _, b := range c.backends {
		desc := c.describeLocked(b)
		if !desc.Enabled || desc.Healthy {
			continue
		}
		if desc.LastProbeAt != nil && now.Sub(*desc.LastProbeAt) < c.opts.CoolDown {
			continue
		}
		due = append(due, b)
	}
	c.mu.Unlock()

	for _, b := range due {
		id := b.Descriptor().ID
		ctx, span := c.tracer.Start(ctx, "tsa.Probe", trace.WithAttributes(attribute.String("tsa.backend", id)))
		_, err := b.Request(ctx, probeDigest[:])
		c.opts.Metrics.TSARequest(id, "probe_"+outcomeLabel(err), 0)
		if err != nil {
			span.RecordError(err)
			c.mu.Lock()
			probed := c.opts.Clock()
			c.health[id].lastProbeAt = &probed
			c.health[id].lastError = err.Error()
			c.mu.Unlock()
			c.opts.Logger.Warn("tsa probe failed", "backend", id, "error", err)
		} else {
			c.mu.Lock()
			probed := c.opts.Clock()
			c.health[id].lastProbeAt = &probed
			c.mu.Unlock()
			c.markHealthy(ctx, id)
		}
		span.End()
	}
}

// RunProber calls Probe every interval until ctx is done.
func (c *Client) RunProber(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultCoolDown
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Probe(ctx)
		}
	}
}

// VerifyToken validates a stored token against the pinned roots of the backend
// that issued it.
func (c *Client) VerifyToken(ctx context.Context, backendID string, token, digest []byte) (domain.Token, error) {
	_, span := c.tracer.Start(ctx, "tsa.VerifyToken", trace.WithAttributes(attribute.String("tsa.backend", backendID)))
	defer span.End()
	backend, ok := c.index[backendID]
	if !ok {
		err := fmt.Errorf("%w: tsa backend %q", domain.ErrNotFound, backendID)
		span.RecordError(err)
		return domain.Token{}, err
	}
	out, err := backend.Verify(token, digest)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}
