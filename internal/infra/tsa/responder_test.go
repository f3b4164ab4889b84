package tsa

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/digitorus/timestamp"
)

type testCA struct {
	roots *x509.CertPool
	leaf  *x509.Certificate
	key   *ecdsa.PrivateKey
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("root key: %v", err)
	}
	now := time.Now()
	rootTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "sealog test root"},
		NotBefore:             now.Add(-48 * time.Hour),
		NotAfter:              now.Add(48 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTemplate, rootTemplate, &rootKey.PublicKey, rootKey)
	if err != nil {
		t.Fatalf("root cert: %v", err)
	}
	root, err := x509.ParseCertificate(rootDER)
	if err != nil {
		t.Fatalf("parse root: %v", err)
	}

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("leaf key: %v", err)
	}
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "sealog test tsa"},
		NotBefore:    now.Add(-24 * time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTemplate, root, &leafKey.PublicKey, rootKey)
	if err != nil {
		t.Fatalf("leaf cert: %v", err)
	}
	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		t.Fatalf("parse leaf: %v", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(root)
	return &testCA{roots: pool, leaf: leaf, key: leafKey}
}

// responder is an RFC 3161 endpoint. It answers failStatus for the first
// failures calls, then issues tokens.
type responder struct {
	ca *testCA

	mu          sync.Mutex
	calls       int
	failures    int
	failStatus  int
	skew        time.Duration
	wrongDigest bool
	dropNonce   bool
	pkiStatus   int
	lastAuth    string
	serial      int64
}

func (r *responder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.calls++
	r.lastAuth = req.Header.Get("Authorization")
	if r.calls <= r.failures {
		status := r.failStatus
		r.mu.Unlock()
		w.WriteHeader(status)
		return
	}
	r.serial++
	serial := r.serial
	skew := r.skew
	wrongDigest := r.wrongDigest
	dropNonce := r.dropNonce
	pkiStatus := r.pkiStatus
	r.mu.Unlock()

	if pkiStatus != pkiGranted {
		reply, err := asn1.Marshal(timeStampReply{Status: pkiStatusInfo{Status: pkiStatus}})
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentTypeReply)
		_, _ = w.Write(reply)
		return
	}

	body, err := io.ReadAll(req.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	query, err := timestamp.ParseRequest(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	hashed := query.HashedMessage
	if wrongDigest {
		hashed = make([]byte, len(hashed))
	}
	nonce := query.Nonce
	if dropNonce {
		nonce = nil
	}
	ts := timestamp.Timestamp{
		HashAlgorithm:     crypto.SHA256,
		HashedMessage:     hashed,
		Time:              time.Now().Add(skew).UTC().Truncate(time.Second),
		Accuracy:          time.Second,
		SerialNumber:      big.NewInt(serial),
		Policy:            asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 99999, 1},
		Nonce:             nonce,
		AddTSACertificate: true,
	}
	resp, err := ts.CreateResponse(r.ca.leaf, r.ca.key)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeReply)
	_, _ = w.Write(resp)
}

func (r *responder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func (r *responder) LastAuth() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAuth
}

func (r *responder) SetFailures(n int, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = 0
	r.failures = n
	r.failStatus = status
}

func startResponder(t *testing.T, r *responder) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func newTestBackend(t *testing.T, id string, priority int, url string, roots *x509.CertPool) *HTTPBackend {
	t.Helper()
	b, err := NewHTTPBackend(HTTPBackendConfig{
		ID:          id,
		Kind:        kindForPriority(priority),
		Endpoint:    url,
		Roots:       roots,
		Priority:    priority,
		Enabled:     true,
		RetryBudget: 3,
		Timeout:     5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	return b
}
