package tsa

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"sealog/internal/domain"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
)

var (
	errImprintMismatch = errors.New("message imprint does not match digest")
	errNoSigner        = errors.New("token carries no signer certificate")
)

// VerifyToken parses a DER timestamp token, checks that its message imprint is
// digest and that the signer chains to roots at the stamped time.
func VerifyToken(raw, digest []byte, roots *x509.CertPool) (domain.Token, error) {
	if len(raw) == 0 {
		return domain.Token{}, errors.New("empty token")
	}
	if roots == nil {
		return domain.Token{}, errors.New("no pinned root")
	}
	ts, err := timestamp.Parse(raw)
	if err != nil {
		return domain.Token{}, fmt.Errorf("parse token: %w", err)
	}
	if ts.HashAlgorithm != crypto.SHA256 || !bytes.Equal(ts.HashedMessage, digest) {
		return domain.Token{}, errImprintMismatch
	}

	p7, err := pkcs7.Parse(raw)
	if err != nil {
		return domain.Token{}, fmt.Errorf("parse signed data: %w", err)
	}
	signer := p7.GetOnlySigner()
	if signer == nil || len(p7.Signers) == 0 {
		return domain.Token{}, errNoSigner
	}
	intermediates := x509.NewCertPool()
	for _, cert := range p7.Certificates {
		if cert.Equal(signer) {
			continue
		}
		intermediates.AddCert(cert)
	}
	if _, err := signer.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   ts.Time,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
	}); err != nil {
		return domain.Token{}, fmt.Errorf("signer chain: %w", err)
	}

	token := domain.Token{
		Bytes:     append([]byte(nil), raw...),
		Signature: append([]byte(nil), p7.Signers[0].EncryptedDigest...),
		Time:      ts.Time.UTC(),
		Digest:    append([]byte(nil), digest...),
	}
	if ts.SerialNumber != nil {
		token.Serial = ts.SerialNumber.String()
	}
	for _, cert := range p7.Certificates {
		token.Certificates = append(token.Certificates, cert.Raw)
	}
	return token, nil
}

// LoadRoots reads PEM certificates from path into a pool.
func LoadRoots(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
