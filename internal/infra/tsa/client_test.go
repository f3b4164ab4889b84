package tsa

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"sealog/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Kinds() []domain.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventKind, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestClient(t *testing.T, clock *fakeClock, events *recordingPublisher, backends ...Backend) *Client {
	t.Helper()
	opts := ClientOptions{
		CoolDown: 300 * time.Second,
		Clock:    clock.Now,
		Sleep:    noSleep,
	}
	if events != nil {
		opts.Events = events
	}
	client, err := NewClient(backends, opts)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func healthOf(c *Client, id string) domain.TSABackend {
	for _, b := range c.Backends() {
		if b.ID == id {
			return b
		}
	}
	return domain.TSABackend{}
}

func TestClientFailsOverAndProberRestores(t *testing.T) {
	ca := newTestCA(t)
	primary := &responder{ca: ca, failures: 3, failStatus: http.StatusServiceUnavailable}
	secondary := &responder{ca: ca}
	primarySrv := startResponder(t, primary)
	secondarySrv := startResponder(t, secondary)

	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	events := &recordingPublisher{}
	client := newTestClient(t, clock, events,
		newTestBackend(t, "tsa-secondary", 2, secondarySrv.URL, ca.roots),
		newTestBackend(t, "tsa-primary", 1, primarySrv.URL, ca.roots),
	)

	digest := digestOf("batch")
	token, err := client.Timestamp(context.Background(), domain.Tenant{ID: "t1"}, digest)
	if err != nil {
		t.Fatalf("timestamp: %v", err)
	}
	if token.BackendID != "tsa-secondary" {
		t.Fatalf("expected secondary to sign, got %s", token.BackendID)
	}
	if primary.Calls() != 3 {
		t.Fatalf("expected retry budget of 3 on primary, got %d calls", primary.Calls())
	}
	if healthOf(client, "tsa-primary").Healthy {
		t.Fatalf("expected primary to be unhealthy")
	}
	if _, err := client.VerifyToken(context.Background(), token.BackendID, token.Bytes, digest); err != nil {
		t.Fatalf("verify token: %v", err)
	}

	// Within the cool-down the primary is neither used nor probed.
	if _, err := client.Timestamp(context.Background(), domain.Tenant{ID: "t1"}, digest); err != nil {
		t.Fatalf("second timestamp: %v", err)
	}
	client.Probe(context.Background())
	if primary.Calls() != 3 {
		t.Fatalf("expected primary to be skipped during cool-down, got %d calls", primary.Calls())
	}

	clock.Advance(301 * time.Second)
	client.Probe(context.Background())
	if !healthOf(client, "tsa-primary").Healthy {
		t.Fatalf("expected prober to restore primary")
	}
	kinds := events.Kinds()
	if len(kinds) != 2 || kinds[0] != domain.EventBackendDegraded || kinds[1] != domain.EventBackendRestored {
		t.Fatalf("unexpected events %v", kinds)
	}

	token, err = client.Timestamp(context.Background(), domain.Tenant{ID: "t1"}, digest)
	if err != nil {
		t.Fatalf("timestamp after recovery: %v", err)
	}
	if token.BackendID != "tsa-primary" {
		t.Fatalf("expected primary after recovery, got %s", token.BackendID)
	}
}

func TestClientAllUnavailable(t *testing.T) {
	ca := newTestCA(t)
	a := startResponder(t, &responder{ca: ca, failures: 100, failStatus: http.StatusBadGateway})
	b := startResponder(t, &responder{ca: ca, failures: 100, failStatus: http.StatusServiceUnavailable})
	clock := &fakeClock{now: time.Now()}
	client := newTestClient(t, clock, &recordingPublisher{},
		newTestBackend(t, "a", 1, a.URL, ca.roots),
		newTestBackend(t, "b", 2, b.URL, ca.roots),
	)

	_, err := client.Timestamp(context.Background(), domain.Tenant{ID: "t1"}, digestOf("x"))
	if !errors.Is(err, domain.ErrTSAUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}

	// Both backends are cooling down, so nothing is eligible.
	_, err = client.Timestamp(context.Background(), domain.Tenant{ID: "t1"}, digestOf("x"))
	if !errors.Is(err, domain.ErrTSAUnavailable) {
		t.Fatalf("expected unavailable with no eligible backend, got %v", err)
	}
}

func TestClientClockSkewDoesNotDegrade(t *testing.T) {
	ca := newTestCA(t)
	skewed := &responder{ca: ca, skew: 3 * time.Hour}
	good := &responder{ca: ca}
	skewedSrv := startResponder(t, skewed)
	goodSrv := startResponder(t, good)
	clock := &fakeClock{now: time.Now()}
	client := newTestClient(t, clock, &recordingPublisher{},
		newTestBackend(t, "skewed", 1, skewedSrv.URL, ca.roots),
		newTestBackend(t, "good", 2, goodSrv.URL, ca.roots),
	)

	token, err := client.Timestamp(context.Background(), domain.Tenant{ID: "t1"}, digestOf("x"))
	if err != nil {
		t.Fatalf("timestamp: %v", err)
	}
	if token.BackendID != "good" {
		t.Fatalf("expected fallback backend, got %s", token.BackendID)
	}
	if skewed.Calls() != 1 {
		t.Fatalf("clock skew must not be retried, got %d calls", skewed.Calls())
	}
	if !healthOf(client, "skewed").Healthy {
		t.Fatalf("clock skew must not degrade the backend")
	}
}

func TestClientRejectedIsPermanent(t *testing.T) {
	ca := newTestCA(t)
	srv := startResponder(t, &responder{ca: ca, failures: 100, failStatus: http.StatusForbidden})
	clock := &fakeClock{now: time.Now()}
	client := newTestClient(t, clock, &recordingPublisher{}, newTestBackend(t, "only", 1, srv.URL, ca.roots))

	_, err := client.Timestamp(context.Background(), domain.Tenant{ID: "t1"}, digestOf("x"))
	if !errors.Is(err, domain.ErrTSARejected) {
		t.Fatalf("expected rejected, got %v", err)
	}
	if domain.IsRetryable(err) {
		t.Fatalf("rejection must not be retryable")
	}
	if !healthOf(client, "only").Healthy {
		t.Fatalf("rejection must not degrade the backend")
	}
}

func TestClientPKIRejectionDoesNotDegrade(t *testing.T) {
	ca := newTestCA(t)
	srv := startResponder(t, &responder{ca: ca, pkiStatus: pkiRejection})
	clock := &fakeClock{now: time.Now()}
	client := newTestClient(t, clock, &recordingPublisher{}, newTestBackend(t, "only", 1, srv.URL, ca.roots))

	_, err := client.Timestamp(context.Background(), domain.Tenant{ID: "t1"}, digestOf("x"))
	if !errors.Is(err, domain.ErrTSARejected) {
		t.Fatalf("expected rejected, got %v", err)
	}
	if !healthOf(client, "only").Healthy {
		t.Fatalf("a refused request must not degrade the backend")
	}
}

type staticSelector struct {
	allowed []string
}

func (s staticSelector) Allowed(context.Context, domain.Tenant, []domain.TSABackend) ([]string, error) {
	return s.allowed, nil
}

func TestClientSelectionPolicy(t *testing.T) {
	ca := newTestCA(t)
	first := &responder{ca: ca}
	second := &responder{ca: ca}
	firstSrv := startResponder(t, first)
	secondSrv := startResponder(t, second)

	client, err := NewClient([]Backend{
		newTestBackend(t, "first", 1, firstSrv.URL, ca.roots),
		newTestBackend(t, "second", 2, secondSrv.URL, ca.roots),
	}, ClientOptions{Selector: staticSelector{allowed: []string{"second"}}, Sleep: noSleep})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	token, err := client.Timestamp(context.Background(), domain.Tenant{ID: "t1", TSAPolicy: "restricted"}, digestOf("x"))
	if err != nil {
		t.Fatalf("timestamp: %v", err)
	}
	if token.BackendID != "second" || first.Calls() != 0 {
		t.Fatalf("expected policy to restrict selection to second")
	}

	token, err = client.Timestamp(context.Background(), domain.Tenant{ID: "t2"}, digestOf("x"))
	if err != nil {
		t.Fatalf("timestamp: %v", err)
	}
	if token.BackendID != "first" {
		t.Fatalf("tenants without a policy use priority order, got %s", token.BackendID)
	}
}

func TestClientVerifyUnknownBackend(t *testing.T) {
	ca := newTestCA(t)
	srv := startResponder(t, &responder{ca: ca})
	client := newTestClient(t, &fakeClock{now: time.Now()}, nil, newTestBackend(t, "only", 1, srv.URL, ca.roots))
	if _, err := client.VerifyToken(context.Background(), "gone", []byte{1}, digestOf("x")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
