package engine

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/authspan/issuer/keys"
	"github.com/authspan/issuer/security"
	"github.com/authspan/issuer/storage"
)

// TokenService mints the signed artifacts of a successful grant: the JWT
// access token, an ID token when the grant includes openid, and a persisted
// refresh token when the client qualifies for one. Tokens are always signed;
// a missing signing key fails the request instead of degrading.
type TokenService struct {
	keys    keys.Provider
	grants  storage.GrantStore
	config  *Config
	auditor *security.Auditor
	logger  *slog.Logger
}

// NewTokenService creates a token service backed by a signing key provider
func NewTokenService(provider keys.Provider, grants storage.GrantStore, config *Config, auditor *security.Auditor, logger *slog.Logger) *TokenService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenService{
		keys:    provider,
		grants:  grants,
		config:  config,
		auditor: auditor,
		logger:  logger,
	}
}

// IssueTokens converts a successful grant result into a token response.
// Refresh tokens are only minted for authorization_code and device_code
// grants of clients registered for offline access, and only when the grant
// carries the offline_access scope. Refresh redemptions reuse the rotated
// token from the handler instead of minting here.
func (s *TokenService) IssueTokens(ctx context.Context, request *TokenRequest, result *GrantResult) (*TokenResponse, error) {
	creds, err := s.keys.SigningCredentials(ctx)
	if err != nil {
		if errors.Is(err, keys.ErrNoSigningKey) {
			s.logger.Error("No signing key available", "request_id", request.RequestID)
		}
		return nil, fmt.Errorf("failed to obtain signing credentials: %w", err)
	}

	now := time.Now()
	ttl := s.config.AccessTokenTTL
	if request.Client.AccessTokenTTL > 0 {
		ttl = request.Client.AccessTokenTTL
	}

	accessToken, err := s.signAccessToken(creds, result, now, ttl)
	if err != nil {
		return nil, err
	}

	response := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl.Seconds()),
		Scope:       JoinScopes(result.Scopes),
	}

	if containsScope(result.Scopes, ScopeOpenID) && result.SubjectID != "" {
		idToken, err := s.signIDToken(creds, result, accessToken, now, ttl)
		if err != nil {
			return nil, err
		}
		response.IDToken = idToken
	}

	switch {
	case result.RotatedRefreshToken != "":
		response.RefreshToken = result.RotatedRefreshToken
	case s.shouldIssueRefreshToken(request, result):
		refreshToken, err := s.mintRefreshToken(ctx, result, now)
		if err != nil {
			return nil, err
		}
		response.RefreshToken = refreshToken
	}

	s.auditor.LogTokenIssued(result.SubjectID, result.ClientID, request.GrantType, response.Scope)
	return response, nil
}

func (s *TokenService) signAccessToken(creds *keys.SigningCredentials, result *GrantResult, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"iss":       s.config.Issuer,
		"sub":       result.SubjectID,
		"aud":       s.config.Issuer,
		"client_id": result.ClientID,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
		"jti":       uuid.NewString(),
		"scope":     JoinScopes(result.Scopes),
	}
	if result.SubjectID == "" {
		// Machine tokens carry the client as subject.
		claims["sub"] = result.ClientID
	}
	if result.SessionID != "" {
		claims["sid"] = result.SessionID
	}
	for name, value := range result.Claims {
		if _, reserved := claims[name]; !reserved {
			claims[name] = value
		}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = creds.KeyID
	signed, err := token.SignedString(creds.Signer)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

func (s *TokenService) signIDToken(creds *keys.SigningCredentials, result *GrantResult, accessToken string, now time.Time, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"iss":     s.config.Issuer,
		"sub":     result.SubjectID,
		"aud":     result.ClientID,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
		"at_hash": accessTokenHash(accessToken),
	}
	if result.SessionID != "" {
		claims["sid"] = result.SessionID
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = creds.KeyID
	signed, err := token.SignedString(creds.Signer)
	if err != nil {
		return "", fmt.Errorf("failed to sign id token: %w", err)
	}
	return signed, nil
}

func (s *TokenService) shouldIssueRefreshToken(request *TokenRequest, result *GrantResult) bool {
	if request.GrantType != GrantTypeAuthorizationCode && request.GrantType != GrantTypeDeviceCode {
		return false
	}
	if !request.Client.AllowOfflineAccess {
		return false
	}
	return containsScope(result.Scopes, ScopeOfflineAccess)
}

func (s *TokenService) mintRefreshToken(ctx context.Context, result *GrantResult, now time.Time) (string, error) {
	raw := uuid.NewString() + uuid.NewString()
	grant := &storage.PersistedGrant{
		Key:       storage.GrantKey(raw),
		Kind:      storage.GrantKindRefreshToken,
		ClientID:  result.ClientID,
		SubjectID: result.SubjectID,
		SessionID: result.SessionID,
		Scopes:    result.Scopes,
		Claims:    result.Claims,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.RefreshTokenTTL),
	}
	if err := s.grants.SaveGrant(ctx, grant); err != nil {
		return "", fmt.Errorf("failed to persist refresh token: %w", err)
	}
	return raw, nil
}

// accessTokenHash computes the OIDC at_hash claim: the left half of the
// SHA-256 digest of the access token, base64url encoded without padding.
func accessTokenHash(accessToken string) string {
	digest := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(digest[:16])
}
