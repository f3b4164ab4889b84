package tsa

import (
	"context"
	"crypto/sha256"
	"errors"
	"net/http"
	"testing"
	"time"

	"sealog/internal/domain"
)

func kindForPriority(priority int) domain.BackendKind {
	switch priority {
	case 1:
		return domain.BackendPrimary
	case 2:
		return domain.BackendSecondary
	default:
		return domain.BackendLocalFallback
	}
}

func digestOf(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

func TestHTTPBackendIssuesVerifiableToken(t *testing.T) {
	ca := newTestCA(t)
	srv := startResponder(t, &responder{ca: ca})
	backend := newTestBackend(t, "tsa-primary", 1, srv.URL, ca.roots)

	digest := digestOf("batch-1")
	token, err := backend.Request(context.Background(), digest)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if token.BackendID != "tsa-primary" {
		t.Fatalf("expected backend id, got %q", token.BackendID)
	}
	if token.Serial != "1" {
		t.Fatalf("expected serial 1, got %q", token.Serial)
	}
	if len(token.Bytes) == 0 || len(token.Signature) == 0 || len(token.Certificates) == 0 {
		t.Fatalf("expected token bytes, signature and certificates")
	}
	if d := time.Since(token.Time); d > time.Minute || d < -time.Minute {
		t.Fatalf("unexpected tsa time %s", token.Time)
	}

	again, err := backend.Verify(token.Bytes, digest)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if again.Serial != token.Serial || !again.Time.Equal(token.Time) {
		t.Fatalf("verify returned a different token")
	}

	if _, err := backend.Verify(token.Bytes, digestOf("batch-2")); !errors.Is(err, domain.ErrTSABadResponse) {
		t.Fatalf("expected imprint mismatch, got %v", err)
	}

	otherCA := newTestCA(t)
	if _, err := VerifyToken(token.Bytes, digest, otherCA.roots); err == nil {
		t.Fatalf("expected chain validation to fail against a foreign root")
	}
}

func TestHTTPBackendStatusMapping(t *testing.T) {
	ca := newTestCA(t)
	tests := []struct {
		status int
		want   error
	}{
		{status: http.StatusServiceUnavailable, want: domain.ErrTSAUnavailable},
		{status: http.StatusInternalServerError, want: domain.ErrTSAUnavailable},
		{status: http.StatusTooManyRequests, want: domain.ErrTSAUnavailable},
		{status: http.StatusRequestTimeout, want: domain.ErrTSAUnavailable},
		{status: http.StatusBadRequest, want: domain.ErrTSARejected},
		{status: http.StatusUnauthorized, want: domain.ErrTSARejected},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := startResponder(t, &responder{ca: ca, failures: 1, failStatus: tt.status})
			backend := newTestBackend(t, "tsa", 1, srv.URL, ca.roots)
			_, err := backend.Request(context.Background(), digestOf("x"))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var tsaErr *domain.TSAError
			if !errors.As(err, &tsaErr) || tsaErr.StatusCode != tt.status {
				t.Fatalf("expected status %d on error, got %v", tt.status, err)
			}
		})
	}
}

func TestHTTPBackendUnreachableIsRetryable(t *testing.T) {
	ca := newTestCA(t)
	srv := startResponder(t, &responder{ca: ca})
	url := srv.URL
	srv.Close()

	backend := newTestBackend(t, "tsa", 1, url, ca.roots)
	_, err := backend.Request(context.Background(), digestOf("x"))
	if !errors.Is(err, domain.ErrTSAUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if !domain.IsRetryable(err) {
		t.Fatalf("expected retryable error")
	}
}

func TestHTTPBackendClockSkew(t *testing.T) {
	ca := newTestCA(t)
	srv := startResponder(t, &responder{ca: ca, skew: 2 * time.Hour})
	backend := newTestBackend(t, "tsa", 1, srv.URL, ca.roots)

	_, err := backend.Request(context.Background(), digestOf("x"))
	if !errors.Is(err, domain.ErrTSAClockSkew) {
		t.Fatalf("expected clock skew, got %v", err)
	}
}

func TestHTTPBackendRejectsForeignImprint(t *testing.T) {
	ca := newTestCA(t)
	srv := startResponder(t, &responder{ca: ca, wrongDigest: true})
	backend := newTestBackend(t, "tsa", 1, srv.URL, ca.roots)

	_, err := backend.Request(context.Background(), digestOf("x"))
	if !errors.Is(err, domain.ErrTSABadResponse) {
		t.Fatalf("expected bad response, got %v", err)
	}
}

func TestHTTPBackendRequiresEchoedNonce(t *testing.T) {
	ca := newTestCA(t)
	srv := startResponder(t, &responder{ca: ca, dropNonce: true})
	backend := newTestBackend(t, "tsa", 1, srv.URL, ca.roots)

	_, err := backend.Request(context.Background(), digestOf("x"))
	if !errors.Is(err, domain.ErrTSABadResponse) {
		t.Fatalf("expected bad response for a reply without nonce, got %v", err)
	}
}

func TestHTTPBackendPKIStatusMapping(t *testing.T) {
	ca := newTestCA(t)
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "rejection", status: pkiRejection, want: domain.ErrTSARejected},
		{name: "waiting", status: pkiWaiting, want: domain.ErrTSAUnavailable},
		{name: "revoked", status: pkiRevocationNotified, want: domain.ErrTSABadResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := startResponder(t, &responder{ca: ca, pkiStatus: tt.status})
			backend := newTestBackend(t, "tsa", 1, srv.URL, ca.roots)
			_, err := backend.Request(context.Background(), digestOf("x"))
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var tsaErr *domain.TSAError
			if !errors.As(err, &tsaErr) || tsaErr.StatusCode != http.StatusOK {
				t.Fatalf("expected status 200 on error, got %v", err)
			}
		})
	}
}

func TestHTTPBackendAuthHeaders(t *testing.T) {
	ca := newTestCA(t)
	r := &responder{ca: ca}
	srv := startResponder(t, r)

	bearer, err := NewHTTPBackend(HTTPBackendConfig{
		ID: "bearer", Endpoint: srv.URL, Roots: ca.roots, Enabled: true,
		Auth: domain.AuthBearer, Token: "s3cret",
	}, nil)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if _, err := bearer.Request(context.Background(), digestOf("x")); err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := r.LastAuth(); got != "Bearer s3cret" {
		t.Fatalf("unexpected authorization header %q", got)
	}

	basic, err := NewHTTPBackend(HTTPBackendConfig{
		ID: "basic", Endpoint: srv.URL, Roots: ca.roots, Enabled: true,
		Auth: domain.AuthBasic, Username: "user", Password: "pass",
	}, nil)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	if _, err := basic.Request(context.Background(), digestOf("x")); err != nil {
		t.Fatalf("request: %v", err)
	}
	if got := r.LastAuth(); got != "Basic dXNlcjpwYXNz" {
		t.Fatalf("unexpected authorization header %q", got)
	}
}

func TestNewHTTPBackendValidation(t *testing.T) {
	ca := newTestCA(t)
	tests := []struct {
		name string
		cfg  HTTPBackendConfig
	}{
		{name: "missing id", cfg: HTTPBackendConfig{Endpoint: "http://tsa", Roots: ca.roots}},
		{name: "missing endpoint", cfg: HTTPBackendConfig{ID: "a", Roots: ca.roots}},
		{name: "missing roots", cfg: HTTPBackendConfig{ID: "a", Endpoint: "http://tsa"}},
		{name: "bearer without token", cfg: HTTPBackendConfig{ID: "a", Endpoint: "http://tsa", Roots: ca.roots, Auth: domain.AuthBearer}},
		{name: "unknown auth", cfg: HTTPBackendConfig{ID: "a", Endpoint: "http://tsa", Roots: ca.roots, Auth: "digest"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewHTTPBackend(tt.cfg, nil); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
