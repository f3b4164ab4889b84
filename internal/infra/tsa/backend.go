package tsa

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"sealog/internal/domain"

	"github.com/digitorus/timestamp"
)

const (
	contentTypeQuery = "application/timestamp-query"
	contentTypeReply = "application/timestamp-reply"

	maxResponseBytes = 1 << 20

	DefaultTimeout     = 30 * time.Second
	DefaultRetryBudget = 3
	DefaultTolerance   = time.Hour
)

// Backend issues timestamp tokens over a digest.
type Backend interface {
	Descriptor() domain.TSABackend
	RetryBudget() int
	Request(ctx context.Context, digest []byte) (domain.Token, error)
	Verify(token, digest []byte) (domain.Token, error)
}

type HTTPBackendConfig struct {
	ID       string
	Kind     domain.BackendKind
	Endpoint string
	Auth     domain.AuthStyle

	// Token is the bearer token; Username and Password are used for basic auth.
	Token    string
	Username string
	Password string

	Roots       *x509.CertPool
	Timeout     time.Duration
	RetryBudget int
	Priority    int
	Enabled     bool
	Tolerance   time.Duration
}

// HTTPBackend speaks RFC 3161 over HTTP(S).
type HTTPBackend struct {
	cfg    HTTPBackendConfig
	httpDo func(*http.Request) (*http.Response, error)
	clock  func() time.Time
	nonce  func() (*big.Int, error)
}

func NewHTTPBackend(cfg HTTPBackendConfig, httpClient *http.Client) (*HTTPBackend, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, errors.New("tsa backend id is required")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("tsa backend %s: endpoint is required", cfg.ID)
	}
	if cfg.Roots == nil {
		return nil, fmt.Errorf("tsa backend %s: pinned root is required", cfg.ID)
	}
	switch cfg.Auth {
	case "", domain.AuthNone:
		cfg.Auth = domain.AuthNone
	case domain.AuthBearer:
		if cfg.Token == "" {
			return nil, fmt.Errorf("tsa backend %s: bearer token is required", cfg.ID)
		}
	case domain.AuthBasic:
		if cfg.Username == "" {
			return nil, fmt.Errorf("tsa backend %s: basic auth username is required", cfg.ID)
		}
	default:
		return nil, fmt.Errorf("tsa backend %s: unknown auth style %q", cfg.ID, cfg.Auth)
	}
	if cfg.Kind == "" {
		cfg.Kind = domain.BackendPrimary
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = DefaultRetryBudget
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	doer := http.DefaultClient.Do
	if httpClient != nil {
		doer = httpClient.Do
	}
	return &HTTPBackend{
		cfg:    cfg,
		httpDo: doer,
		clock:  time.Now,
		nonce:  randomNonce,
	}, nil
}

func (b *HTTPBackend) Descriptor() domain.TSABackend {
	return domain.TSABackend{
		ID:       b.cfg.ID,
		Kind:     b.cfg.Kind,
		Endpoint: b.cfg.Endpoint,
		Auth:     b.cfg.Auth,
		Enabled:  b.cfg.Enabled,
		Priority: b.cfg.Priority,
		Healthy:  true,
	}
}

func (b *HTTPBackend) RetryBudget() int {
	return b.cfg.RetryBudget
}

func randomNonce() (*big.Int, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(buf[:]), nil
}

func (b *HTTPBackend) Request(ctx context.Context, digest []byte) (domain.Token, error) {
	if len(digest) != domain.DigestSize {
		return domain.Token{}, fmt.Errorf("%w: digest must be %d bytes", domain.ErrInvalidArgument, domain.DigestSize)
	}
	nonce, err := b.nonce()
	if err != nil {
		return domain.Token{}, err
	}
	query := timestamp.Request{
		HashAlgorithm: crypto.SHA256,
		HashedMessage: digest,
		Nonce:         nonce,
		Certificates:  true,
	}
	payload, err := query.Marshal()
	if err != nil {
		return domain.Token{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, b.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return domain.Token{}, domain.NewTSAError(domain.ErrTSARejected, b.cfg.ID, 0, err)
	}
	req.Header.Set("Content-Type", contentTypeQuery)
	req.Header.Set("Accept", contentTypeReply)
	switch b.cfg.Auth {
	case domain.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+b.cfg.Token)
	case domain.AuthBasic:
		req.SetBasicAuth(b.cfg.Username, b.cfg.Password)
	}

	submittedAt := b.clock()
	resp, err := b.httpDo(req)
	if err != nil {
		return domain.Token{}, domain.NewTSAError(domain.ErrTSAUnavailable, b.cfg.ID, 0, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return domain.Token{}, domain.NewTSAError(domain.ErrTSAUnavailable, b.cfg.ID, resp.StatusCode, err)
	}
	if kind := statusToErrorKind(resp.StatusCode); kind != nil {
		return domain.Token{}, domain.NewTSAError(kind, b.cfg.ID, resp.StatusCode, nil)
	}
	if len(body) > maxResponseBytes {
		return domain.Token{}, domain.NewTSAError(domain.ErrTSABadResponse, b.cfg.ID, resp.StatusCode, errors.New("response too large"))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, contentTypeReply) {
		return domain.Token{}, domain.NewTSAError(domain.ErrTSABadResponse, b.cfg.ID, resp.StatusCode, fmt.Errorf("unexpected content type %q", ct))
	}

	if kind, err := replyStatusKind(body); kind != nil {
		return domain.Token{}, domain.NewTSAError(kind, b.cfg.ID, resp.StatusCode, err)
	}
	ts, err := timestamp.ParseResponse(body)
	if err != nil {
		return domain.Token{}, domain.NewTSAError(domain.ErrTSABadResponse, b.cfg.ID, resp.StatusCode, err)
	}
	if ts.Nonce == nil {
		return domain.Token{}, domain.NewTSAError(domain.ErrTSABadResponse, b.cfg.ID, resp.StatusCode, errors.New("nonce not echoed"))
	}
	if ts.Nonce.Cmp(nonce) != 0 {
		return domain.Token{}, domain.NewTSAError(domain.ErrTSABadResponse, b.cfg.ID, resp.StatusCode, errors.New("nonce mismatch"))
	}
	token, err := VerifyToken(ts.RawToken, digest, b.cfg.Roots)
	if err != nil {
		return domain.Token{}, domain.NewTSAError(domain.ErrTSABadResponse, b.cfg.ID, resp.StatusCode, err)
	}
	if skew := token.Time.Sub(submittedAt); skew > b.cfg.Tolerance || skew < -b.cfg.Tolerance {
		return domain.Token{}, domain.NewTSAError(domain.ErrTSAClockSkew, b.cfg.ID, resp.StatusCode, fmt.Errorf("tsa time %s differs from local time by %s", token.Time.Format(time.RFC3339), skew))
	}
	token.BackendID = b.cfg.ID
	return token, nil
}

// Verify re-binds a stored token to digest and validates it against the pinned root.
func (b *HTTPBackend) Verify(raw, digest []byte) (domain.Token, error) {
	token, err := VerifyToken(raw, digest, b.cfg.Roots)
	if err != nil {
		return domain.Token{}, domain.NewTSAError(domain.ErrTSABadResponse, b.cfg.ID, 0, err)
	}
	token.BackendID = b.cfg.ID
	return token, nil
}

// PKIStatus values of a TimeStampResp.
const (
	pkiGranted            = 0
	pkiGrantedWithMods    = 1
	pkiRejection          = 2
	pkiWaiting            = 3
	pkiRevocationWarning  = 4
	pkiRevocationNotified = 5
)

type pkiStatusInfo struct {
	Status int
}

// timeStampReply decodes only the status of a TimeStampResp; the token that may follow is
// left to the timestamp parser.
type timeStampReply struct {
	Status pkiStatusInfo
}

// replyStatusKind maps the PKIStatus of a reply: rejection is permanent, waiting is
// retryable. It returns a nil kind when a token was granted.
func replyStatusKind(body []byte) (kind, cause error) {
	var reply timeStampReply
	if _, err := asn1.Unmarshal(body, &reply); err != nil {
		return domain.ErrTSABadResponse, fmt.Errorf("decode reply status: %w", err)
	}
	switch reply.Status.Status {
	case pkiGranted, pkiGrantedWithMods, pkiRevocationWarning:
		return nil, nil
	case pkiRejection:
		return domain.ErrTSARejected, errors.New("tsa rejected the request")
	case pkiWaiting:
		return domain.ErrTSAUnavailable, errors.New("tsa asked to retry later")
	case pkiRevocationNotified:
		return domain.ErrTSABadResponse, errors.New("tsa certificate revoked")
	default:
		return domain.ErrTSABadResponse, fmt.Errorf("unknown pki status %d", reply.Status.Status)
	}
}

// statusToErrorKind maps HTTP status codes: 5xx, 408 and 429 are retryable, other 4xx are
// permanent rejections.
func statusToErrorKind(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return domain.ErrTSAUnavailable
	case status >= 500:
		return domain.ErrTSAUnavailable
	case status >= 400:
		return domain.ErrTSARejected
	default:
		return domain.ErrTSABadResponse
	}
}
