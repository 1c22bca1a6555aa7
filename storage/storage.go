package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by stores. Callers match with errors.Is and map
// them to generic protocol errors; the detailed reason stays in logs.
var (
	ErrClientNotFound  = errors.New("client not found")
	ErrGrantNotFound   = errors.New("grant not found")
	ErrGrantExpired    = errors.New("grant expired")
	ErrGrantConsumed   = errors.New("grant already consumed")
	ErrInvalidSecret   = errors.New("invalid client secret")
	ErrDuplicateGrant  = errors.New("grant key already exists")
	ErrGrantNotPending = errors.New("device grant not pending")
)

// Grant kinds persisted by the engine.
const (
	GrantKindAuthorizationCode = "authorization_code"
	GrantKindRefreshToken      = "refresh_token"
	GrantKindDeviceCode        = "device_code"
)

// Device-flow approval states stored on a device-code grant.
const (
	DeviceStatusPending  = "pending"
	DeviceStatusApproved = "approved"
	DeviceStatusDenied   = "denied"
)

// Token endpoint client authentication methods (RFC 7591 metadata values).
const (
	AuthMethodSecretBasic   = "client_secret_basic"
	AuthMethodSecretPost    = "client_secret_post"
	AuthMethodPrivateKeyJWT = "private_key_jwt"
	AuthMethodNone          = "none"
)

// Client represents a registered relying party. Immutable per request;
// looked up by ID.
type Client struct {
	ID string

	// SecretHash is the bcrypt hash of the shared secret. Empty for public
	// clients authenticating with "none".
	SecretHash string

	// AssertionKeyPEM is the PEM-encoded RSA public key used to verify
	// private_key_jwt client assertions. Empty if the method is not allowed.
	AssertionKeyPEM string

	// TokenEndpointAuthMethods lists the allowed authentication methods in
	// no particular order; the validator tries its configured strategy order.
	TokenEndpointAuthMethods []string

	GrantTypes   []string
	Scopes       []string
	RedirectURIs []string

	// RequirePKCE makes code_challenge mandatory at authorization time and
	// code_verifier mandatory at redemption.
	RequirePKCE bool

	// AllowPlainPKCE permits the deprecated "plain" challenge method.
	AllowPlainPKCE bool

	// AllowOfflineAccess permits refresh token issuance for this client.
	AllowOfflineAccess bool

	// AccessTokenTTL overrides the engine default when non-zero.
	AccessTokenTTL time.Duration

	// BackchannelLogoutURI is the endpoint notified when a session for this
	// client's subject ends. Empty means the client does not receive logout
	// notifications.
	BackchannelLogoutURI string

	// BackchannelLogoutSessionRequired forces a sid claim in logout tokens.
	BackchannelLogoutSessionRequired bool

	// TenantID scopes this client; treated as an opaque filter value.
	TenantID string

	CreatedAt time.Time
}

// AllowsGrantType reports whether the client may use the given grant type.
func (c *Client) AllowsGrantType(grantType string) bool {
	for _, gt := range c.GrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

// AllowsScope reports whether a single scope is in the client's allow-list.
func (c *Client) AllowsScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AllowsAuthMethod reports whether the client permits a token endpoint
// authentication method.
func (c *Client) AllowsAuthMethod(method string) bool {
	for _, m := range c.TokenEndpointAuthMethods {
		if m == method {
			return true
		}
	}
	return false
}

// PersistedGrant is the server-side record backing an authorization code,
// refresh token, or device code. Key is a hash of the raw value (see
// GrantKey); the raw value is never stored.
type PersistedGrant struct {
	Key       string
	Kind      string
	ClientID  string
	SubjectID string
	SessionID string
	TenantID  string

	Scopes      []string
	RedirectURI string

	// PKCE binding, set at creation and never mutated.
	CodeChallenge       string
	CodeChallengeMethod string

	// Claims carries arbitrary extra claims captured at authorization time.
	Claims map[string]any

	CreatedAt time.Time
	ExpiresAt time.Time

	// Consumed is set exactly once on successful redemption of single-use
	// grant kinds.
	Consumed bool

	// Device-flow fields, meaningful only for GrantKindDeviceCode.
	DeviceStatus string
	UserCode     string
	// PollInterval is the minimum wait between polls (RFC 8628 interval).
	PollInterval time.Duration
	LastPolledAt time.Time
}

// IsExpired reports whether the grant's expiry has passed at the given time.
func (g *PersistedGrant) IsExpired(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && now.After(g.ExpiresAt)
}

// ClientStore defines the interface for looking up registered clients.
// All methods accept context.Context for tracing and cancellation; the
// tenant filter travels inside the context as an opaque value.
type ClientStore interface {
	// GetClient retrieves a client by ID. Returns ErrClientNotFound if the
	// client is unknown.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret verifies a client's shared secret against its
	// stored hash. Returns ErrInvalidSecret on mismatch.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error
}

// GrantStore defines the interface for persisted-grant CRUD. The Consume and
// Rotate operations MUST be atomic: under concurrent redemption of the same
// key, exactly one caller succeeds and the rest observe ErrGrantConsumed or
// ErrGrantNotFound.
type GrantStore interface {
	// SaveGrant persists a new grant. Returns ErrDuplicateGrant if the key
	// already exists.
	SaveGrant(ctx context.Context, grant *PersistedGrant) error

	// GetGrant retrieves a grant by key without mutating it. Returns
	// ErrGrantNotFound or ErrGrantExpired as appropriate.
	GetGrant(ctx context.Context, key string) (*PersistedGrant, error)

	// ConsumeGrant atomically checks that the grant exists, is unexpired and
	// unconsumed, and marks it consumed. Only ONE concurrent caller succeeds;
	// losers receive ErrGrantConsumed. The consumed grant is returned to the
	// winner for token issuance.
	ConsumeGrant(ctx context.Context, key string) (*PersistedGrant, error)

	// RotateGrant atomically removes the grant at oldKey and persists
	// replacement in its place. Used for refresh token rotation; after
	// rotation the old key is unusable. Returns ErrGrantNotFound if oldKey
	// was already rotated away or never existed.
	RotateGrant(ctx context.Context, oldKey string, replacement *PersistedGrant) error

	// DeleteGrant removes a grant. Deleting an absent key is not an error.
	DeleteGrant(ctx context.Context, key string) error

	// UpdateDevicePoll records a poll attempt on a device-code grant,
	// returning the grant as it was before the update so interval checks
	// are computed against the previous poll. Returns ErrGrantNotFound for
	// an absent key and ErrGrantExpired for a grant past its expiry.
	UpdateDevicePoll(ctx context.Context, key string, polledAt time.Time) (*PersistedGrant, error)

	// ApproveDeviceGrant transitions a pending device-code grant to approved
	// (or denied when approve is false), binding the subject and session.
	// Returns ErrGrantNotPending if the grant already left the pending state.
	ApproveDeviceGrant(ctx context.Context, key string, approve bool, subjectID, sessionID string) error

	// GetGrantByUserCode resolves a pending device-code grant from its
	// user-facing code.
	GetGrantByUserCode(ctx context.Context, userCode string) (*PersistedGrant, error)

	// ClientIDsForSubject returns the distinct client IDs holding non-expired
	// grants for the subject, optionally filtered by session. Used by
	// backchannel logout fan-out.
	ClientIDsForSubject(ctx context.Context, subjectID, sessionID string) ([]string, error)

	// DeleteExpiredGrants purges grants past their expiry. Invoked by a
	// background sweep owned by the host.
	DeleteExpiredGrants(ctx context.Context, now time.Time) (int, error)
}
