package engine

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// ReplayNonceHeader carries a fresh proof-of-possession nonce back to the
// client when its proof was absent or stale. The client echoes the nonce in
// its retried request; this is a recoverable error class, not a fatal one.
const ReplayNonceHeader = "Replay-Nonce"

// NonceGuard issues and redeems single-use proof-of-possession nonces. Each
// nonce is bound to the client it was issued to and expires after a TTL.
// Redemption is single-use: replaying a consumed nonce fails and earns a
// fresh one.
type NonceGuard struct {
	mu     sync.Mutex
	nonces map[string]nonceEntry
	ttl    time.Duration
}

type nonceEntry struct {
	clientID  string
	expiresAt time.Time
}

// NewNonceGuard creates a nonce guard with the given nonce TTL
func NewNonceGuard(ttl time.Duration) *NonceGuard {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &NonceGuard{
		nonces: make(map[string]nonceEntry),
		ttl:    ttl,
	}
}

// Issue mints a nonce bound to clientID
func (g *NonceGuard) Issue(clientID string) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	nonce := base64.RawURLEncoding.EncodeToString(b)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(time.Now())
	g.nonces[nonce] = nonceEntry{
		clientID:  clientID,
		expiresAt: time.Now().Add(g.ttl),
	}
	return nonce
}

// Redeem consumes a nonce for clientID. It returns false for an unknown,
// expired, already-consumed, or foreign nonce.
func (g *NonceGuard) Redeem(clientID, nonce string) bool {
	if nonce == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	entry, ok := g.nonces[nonce]
	if !ok {
		return false
	}
	delete(g.nonces, nonce)

	if entry.clientID != clientID {
		return false
	}
	return time.Now().Before(entry.expiresAt)
}

// pruneLocked drops expired nonces. Caller holds the mutex.
func (g *NonceGuard) pruneLocked(now time.Time) {
	for nonce, entry := range g.nonces {
		if now.After(entry.expiresAt) {
			delete(g.nonces, nonce)
		}
	}
}
