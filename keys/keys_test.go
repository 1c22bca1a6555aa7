package keys

import (
	"context"
	"testing"
	"time"
)

func TestSigningCredentials(t *testing.T) {
	km, err := NewKeyManager()
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}

	creds, err := km.SigningCredentials(context.Background())
	if err != nil {
		t.Fatalf("SigningCredentials: %v", err)
	}
	if creds.KeyID == "" {
		t.Error("expected non-empty key ID")
	}
	if creds.Algorithm != "RS256" {
		t.Errorf("Algorithm = %q, want RS256", creds.Algorithm)
	}
	if creds.Signer == nil {
		t.Error("expected a signer handle")
	}
}

func TestRotateKeepsOldKeyInJWKS(t *testing.T) {
	km, err := NewKeyManager()
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	first, _ := km.SigningCredentials(context.Background())

	if err := km.Rotate(time.Hour); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	second, err := km.SigningCredentials(context.Background())
	if err != nil {
		t.Fatalf("SigningCredentials after rotation: %v", err)
	}
	if second.KeyID == first.KeyID {
		t.Error("rotation should change the current key ID")
	}

	// Old key still published for verification within the grace period
	if km.JWKS().Len() != 2 {
		t.Errorf("expected 2 keys in JWKS, got %d", km.JWKS().Len())
	}

	// After the grace period, cleanup removes the old key
	if err := km.Rotate(-time.Second); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	km.CleanupExpiredKeys()
	set := km.JWKS()
	for i := 0; i < set.Len(); i++ {
		key, _ := set.Key(i)
		if key.KeyID() == second.KeyID {
			t.Error("expired key should be removed from JWKS")
		}
	}
}

func TestJWKSContainsCurrentKey(t *testing.T) {
	km, err := NewKeyManager()
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}
	creds, _ := km.SigningCredentials(context.Background())

	set := km.JWKS()
	if set.Len() != 1 {
		t.Fatalf("expected 1 key, got %d", set.Len())
	}
	key, ok := set.Key(0)
	if !ok {
		t.Fatal("missing key at index 0")
	}
	if key.KeyID() != creds.KeyID {
		t.Errorf("JWKS kid = %q, want %q", key.KeyID(), creds.KeyID)
	}
	if key.Algorithm().String() != "RS256" {
		t.Errorf("JWKS alg = %q, want RS256", key.Algorithm())
	}
}
