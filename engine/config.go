package engine

import (
	"log/slog"
	"time"

	"github.com/authspan/issuer/storage"
)

// Scope policies for client_credentials requests that ask for scopes outside
// the client's allow-list.
const (
	// ScopePolicyStrict rejects the request with invalid_scope.
	ScopePolicyStrict = "strict"

	// ScopePolicyNarrow silently narrows the grant to the allowed subset.
	ScopePolicyNarrow = "narrow"
)

// Config holds engine configuration
type Config struct {
	// Issuer is the issuer identifier (base URL) stamped into every token's
	// iss claim and accepted as client-assertion audience.
	Issuer string

	// AccessTokenTTL is how long access tokens are valid.
	// Default: 1 hour. Clients may carry a per-client override.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is how long refresh tokens are valid.
	// Default: 30 days.
	RefreshTokenTTL time.Duration

	// DeviceCodeTTL is how long device codes remain redeemable.
	// Default: 10 minutes.
	DeviceCodeTTL time.Duration

	// DevicePollInterval is the minimum wait between device polls; polling
	// faster returns slow_down. Default: 5 seconds.
	DevicePollInterval time.Duration

	// DisableRefreshTokenRotation turns off refresh token rotation. By
	// default each redemption invalidates the presented token and issues a
	// replacement; with rotation disabled a refresh token may be reused
	// until expiry. A deployment runs exactly one of the two policies.
	DisableRefreshTokenRotation bool

	// ScopePolicy selects how client_credentials handles scope requests
	// outside the client's allow-list: ScopePolicyStrict (default) rejects
	// with invalid_scope, ScopePolicyNarrow narrows silently. Either way the
	// granted scopes never exceed the allow-list.
	ScopePolicy string

	// AuthMethodOrder is the order in which client authentication
	// strategies are attempted; first match wins.
	// Default: secret basic, secret post, private_key_jwt, none.
	AuthMethodOrder []string

	// RequireProof enables the proof-of-possession replay check. A failed
	// check is recoverable: the response carries a fresh nonce header the
	// client echoes on retry.
	RequireProof bool

	// ProofNonceTTL bounds how long an issued replay nonce stays
	// redeemable. Default: 5 minutes.
	ProofNonceTTL time.Duration
}

// applyDefaults fills zero-valued fields with secure defaults
func (c *Config) applyDefaults(logger *slog.Logger) {
	if c.Issuer == "" {
		logger.Warn("No issuer configured; tokens will carry an empty iss claim")
	}
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = time.Hour
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.DeviceCodeTTL == 0 {
		c.DeviceCodeTTL = 10 * time.Minute
	}
	if c.DevicePollInterval == 0 {
		c.DevicePollInterval = 5 * time.Second
	}
	if c.ScopePolicy == "" {
		c.ScopePolicy = ScopePolicyStrict
	}
	if len(c.AuthMethodOrder) == 0 {
		c.AuthMethodOrder = []string{
			storage.AuthMethodSecretBasic,
			storage.AuthMethodSecretPost,
			storage.AuthMethodPrivateKeyJWT,
			storage.AuthMethodNone,
		}
	}
	if c.ProofNonceTTL == 0 {
		c.ProofNonceTTL = 5 * time.Minute
	}
}
