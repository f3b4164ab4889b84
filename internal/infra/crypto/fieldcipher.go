package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const (
	keySize       = 32
	cipherVersion = 0x01
)

var ErrCiphertext = errors.New("ciphertext invalid")

// FieldCipher encrypts record columns with tenant-scoped AES-256-GCM keys. Keys are derived
// from a master key with HKDF-SHA256 unless an explicit key is configured for the tenant.
// The tenant id and column name are bound as additional data.
type FieldCipher struct {
	master    []byte
	overrides map[string][]byte

	mu    sync.Mutex
	aeads map[string]cipher.AEAD
}

func NewFieldCipher(master []byte, overrides map[string][]byte) (*FieldCipher, error) {
	if len(master) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keySize, len(master))
	}
	keys := make(map[string][]byte, len(overrides))
	for tenantID, key := range overrides {
		if len(key) != keySize {
			return nil, fmt.Errorf("key for tenant %s must be %d bytes", tenantID, keySize)
		}
		keys[tenantID] = append([]byte(nil), key...)
	}
	return &FieldCipher{
		master:    append([]byte(nil), master...),
		overrides: keys,
		aeads:     make(map[string]cipher.AEAD),
	}, nil
}

func (c *FieldCipher) aead(tenantID string) (cipher.AEAD, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.aeads[tenantID]; ok {
		return a, nil
	}
	key, ok := c.overrides[tenantID]
	if !ok {
		key = make([]byte, keySize)
		r := hkdf.New(sha256.New, c.master, nil, []byte("sealog/tenant-key/"+tenantID))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, err
		}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	a, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	c.aeads[tenantID] = a
	return a, nil
}

func (c *FieldCipher) Encrypt(tenantID, column string, plaintext []byte) ([]byte, error) {
	a, err := c.aead(tenantID)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, a.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+a.Overhead())
	out = append(out, cipherVersion)
	out = append(out, nonce...)
	return a.Seal(out, nonce, plaintext, additionalData(tenantID, column)), nil
}

func (c *FieldCipher) Decrypt(tenantID, column string, ciphertext []byte) ([]byte, error) {
	a, err := c.aead(tenantID)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < 1+a.NonceSize()+a.Overhead() || ciphertext[0] != cipherVersion {
		return nil, ErrCiphertext
	}
	nonce := ciphertext[1 : 1+a.NonceSize()]
	plaintext, err := a.Open(nil, nonce, ciphertext[1+a.NonceSize():], additionalData(tenantID, column))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	return plaintext, nil
}

func (c *FieldCipher) EncryptString(tenantID, column, plaintext string) ([]byte, error) {
	return c.Encrypt(tenantID, column, []byte(plaintext))
}

func (c *FieldCipher) DecryptString(tenantID, column string, ciphertext []byte) (string, error) {
	plaintext, err := c.Decrypt(tenantID, column, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func additionalData(tenantID, column string) []byte {
	return []byte(tenantID + "\x00" + column)
}
