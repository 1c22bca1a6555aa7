package logout

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/authspan/issuer/keys"
)

// logoutEventURI identifies the back-channel logout event in the token's
// events claim (OIDC Back-Channel Logout 1.0).
const logoutEventURI = "http://schemas.openid.net/event/backchannel-logout"

// logoutTokenLifetime bounds how long a logout token stays acceptable.
// Recipients are expected to act on it immediately.
const logoutTokenLifetime = 5 * time.Minute

// TokenGenerator mints signed logout tokens addressed to one client
type TokenGenerator struct {
	issuer string
	keys   keys.Provider
}

// NewTokenGenerator creates a logout token generator for the given issuer
func NewTokenGenerator(issuer string, provider keys.Provider) *TokenGenerator {
	return &TokenGenerator{issuer: issuer, keys: provider}
}

// Generate mints a logout token for clientID about subjectID. sessionID is
// included as sid when non-empty; clients registered as session-required
// cannot act on a token without it.
func (g *TokenGenerator) Generate(ctx context.Context, clientID, subjectID, sessionID string) (string, error) {
	creds, err := g.keys.SigningCredentials(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to obtain signing credentials: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": g.issuer,
		"sub": subjectID,
		"aud": clientID,
		"iat": now.Unix(),
		"exp": now.Add(logoutTokenLifetime).Unix(),
		"jti": uuid.NewString(),
		"events": map[string]any{
			logoutEventURI: map[string]any{},
		},
	}
	if sessionID != "" {
		claims["sid"] = sessionID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = creds.KeyID
	signed, err := token.SignedString(creds.Signer)
	if err != nil {
		return "", fmt.Errorf("failed to sign logout token: %w", err)
	}
	return signed, nil
}
