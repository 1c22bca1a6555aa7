// Package keys manages signing key material for the token-issuance engine.
// It defines the Provider interface the token service depends on, and a
// default in-memory RSA KeyManager supporting rotation and JWKS publication.
package keys

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// ErrNoSigningKey is returned when no active signing credential is
// available. Token issuance treats this as a server error; the engine never
// falls back to an unsigned token.
var ErrNoSigningKey = errors.New("no active signing key")

// SigningCredentials is an opaque handle to key material plus its algorithm
// identifier. The raw private key never leaves the keys package except
// through the Signer handle consumed by the JWT library.
type SigningCredentials struct {
	KeyID     string
	Algorithm string
	Signer    crypto.Signer
}

// Provider supplies the current signing credential. Implemented by
// KeyManager; production deployments may back it with an HSM or KMS.
type Provider interface {
	SigningCredentials(ctx context.Context) (*SigningCredentials, error)
}

// keyPair is a single signing key and its metadata
type keyPair struct {
	keyID     string
	private   *rsa.PrivateKey
	createdAt time.Time
	expiresAt time.Time // zero until rotated away
}

// KeyManager is an in-memory RSA key store with rotation. Multiple keys can
// be active at once (current + previous within its grace period) so tokens
// signed just before a rotation still verify against the published JWKS.
type KeyManager struct {
	mu         sync.RWMutex
	keys       map[string]*keyPair
	currentKID string
}

// NewKeyManager creates a key manager with a freshly generated 2048-bit RSA key
func NewKeyManager() (*KeyManager, error) {
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return newKeyManagerWith(private), nil
}

// NewKeyManagerFromPEM creates a key manager from a PEM-encoded RSA private
// key (PKCS#1 or PKCS#8).
func NewKeyManagerFromPEM(privateKeyPEM string) (*KeyManager, error) {
	private, err := parseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return newKeyManagerWith(private), nil
}

func newKeyManagerWith(private *rsa.PrivateKey) *KeyManager {
	kid := uuid.New().String()
	return &KeyManager{
		keys: map[string]*keyPair{
			kid: {
				keyID:     kid,
				private:   private,
				createdAt: time.Now(),
			},
		},
		currentKID: kid,
	}
}

// SigningCredentials returns the current signing credential
func (km *KeyManager) SigningCredentials(ctx context.Context) (*SigningCredentials, error) {
	km.mu.RLock()
	defer km.mu.RUnlock()

	kp, ok := km.keys[km.currentKID]
	if !ok {
		return nil, ErrNoSigningKey
	}
	if !kp.expiresAt.IsZero() && kp.expiresAt.Before(time.Now()) {
		return nil, ErrNoSigningKey
	}

	return &SigningCredentials{
		KeyID:     kp.keyID,
		Algorithm: "RS256",
		Signer:    kp.private,
	}, nil
}

// Rotate generates a new key pair and marks the previous current key to
// expire after gracePeriod, during which it remains in the JWKS for
// verification of already-issued tokens.
func (km *KeyManager) Rotate(gracePeriod time.Duration) error {
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("failed to generate RSA key: %w", err)
	}

	km.mu.Lock()
	defer km.mu.Unlock()

	if current, ok := km.keys[km.currentKID]; ok {
		current.expiresAt = time.Now().Add(gracePeriod)
	}

	kid := uuid.New().String()
	km.keys[kid] = &keyPair{
		keyID:     kid,
		private:   private,
		createdAt: time.Now(),
	}
	km.currentKID = kid
	return nil
}

// JWKS returns the JWK set of all verification keys that have not expired
func (km *KeyManager) JWKS() jwk.Set {
	km.mu.RLock()
	defer km.mu.RUnlock()

	set := jwk.NewSet()
	now := time.Now()

	for _, kp := range km.keys {
		if !kp.expiresAt.IsZero() && kp.expiresAt.Before(now) {
			continue
		}
		key, err := jwk.FromRaw(kp.private.Public())
		if err != nil {
			continue
		}
		_ = key.Set(jwk.KeyIDKey, kp.keyID)
		_ = key.Set(jwk.AlgorithmKey, "RS256")
		_ = key.Set(jwk.KeyUsageKey, "sig")
		_ = set.AddKey(key)
	}

	return set
}

// CleanupExpiredKeys removes keys past their expiry
func (km *KeyManager) CleanupExpiredKeys() {
	km.mu.Lock()
	defer km.mu.Unlock()

	now := time.Now()
	for kid, kp := range km.keys {
		if !kp.expiresAt.IsZero() && kp.expiresAt.Before(now) {
			delete(km.keys, kid)
		}
	}
}

// parseRSAPrivateKey parses a PEM-encoded RSA private key
func parseRSAPrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("key is not an RSA private key")
	}
	return rsaKey, nil
}
