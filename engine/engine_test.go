package engine

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/authspan/issuer/keys"
	"github.com/authspan/issuer/pkce"
	"github.com/authspan/issuer/storage"
	"github.com/authspan/issuer/storage/memory"
)

// testFixture bundles the collaborators most engine tests need
type testFixture struct {
	store  *memory.Store
	keys   *keys.KeyManager
	engine *Engine
}

func newTestFixture(t *testing.T, mutate func(*Config)) *testFixture {
	t.Helper()

	store := memory.New()
	km, err := keys.NewKeyManager()
	if err != nil {
		t.Fatalf("failed to create key manager: %v", err)
	}

	config := Config{
		Issuer:          "https://issuer.test",
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 24 * time.Hour,
		DeviceCodeTTL:   10 * time.Minute,
	}
	if mutate != nil {
		mutate(&config)
	}

	eng, err := New(Options{
		Config:  config,
		Clients: store,
		Grants:  store,
		Keys:    km,
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	return &testFixture{store: store, keys: km, engine: eng}
}

func (f *testFixture) addClient(t *testing.T, client *storage.Client, secret string) {
	t.Helper()
	if secret != "" {
		hash, err := memory.HashSecret(secret)
		if err != nil {
			t.Fatalf("failed to hash secret: %v", err)
		}
		client.SecretHash = hash
	}
	if err := f.store.SaveClient(context.Background(), client); err != nil {
		t.Fatalf("failed to save client: %v", err)
	}
}

// seedAuthCode persists an authorization-code grant and returns the raw code
func (f *testFixture) seedAuthCode(t *testing.T, clientID, subjectID, redirectURI, verifier string, scopes []string) string {
	t.Helper()
	rawCode := "code-" + subjectID + "-" + clientID
	grant := &storage.PersistedGrant{
		Key:         storage.GrantKey(rawCode),
		Kind:        storage.GrantKindAuthorizationCode,
		ClientID:    clientID,
		SubjectID:   subjectID,
		SessionID:   "sess-" + subjectID,
		Scopes:      scopes,
		RedirectURI: redirectURI,
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(5 * time.Minute),
	}
	if verifier != "" {
		grant.CodeChallenge = pkce.GenerateCodeChallenge(verifier)
		grant.CodeChallengeMethod = pkce.MethodS256
	}
	if err := f.store.SaveGrant(context.Background(), grant); err != nil {
		t.Fatalf("failed to seed authorization code: %v", err)
	}
	return rawCode
}

func confidentialClient(id string) *storage.Client {
	return &storage.Client{
		ID:                       id,
		TokenEndpointAuthMethods: []string{storage.AuthMethodSecretBasic, storage.AuthMethodSecretPost},
		GrantTypes:               []string{GrantTypeAuthorizationCode, GrantTypeClientCredentials, GrantTypeRefreshToken},
		Scopes:                   []string{"openid", "profile", "api:read", "offline_access"},
		RedirectURIs:             []string{"https://app.test/callback"},
		AllowOfflineAccess:       true,
	}
}

func publicClient(id string) *storage.Client {
	return &storage.Client{
		ID:                       id,
		TokenEndpointAuthMethods: []string{storage.AuthMethodNone},
		GrantTypes:               []string{GrantTypeAuthorizationCode, GrantTypeDeviceCode},
		Scopes:                   []string{"openid", "api:read"},
		RedirectURIs:             []string{"https://app.test/callback"},
		RequirePKCE:              true,
	}
}

func basicCreds(id, secret string) *ClientCredentials {
	return &ClientCredentials{BasicUser: id, BasicSecret: secret, HasBasic: true}
}

func tokenErrorCode(t *testing.T, err error) string {
	t.Helper()
	te, ok := err.(*TokenError)
	if !ok {
		t.Fatalf("expected *TokenError, got %T: %v", err, err)
	}
	return te.Code
}

func TestTokenEndToEndAuthorizationCode(t *testing.T) {
	f := newTestFixture(t, nil)
	f.addClient(t, confidentialClient("web-app"), "s3cret")

	verifier := pkce.GenerateCodeVerifier()
	code := f.seedAuthCode(t, "web-app", "user-1", "https://app.test/callback", verifier,
		[]string{"openid", "api:read", "offline_access"})

	params := url.Values{}
	params.Set(ParamGrantType, GrantTypeAuthorizationCode)
	params.Set(ParamCode, code)
	params.Set(ParamRedirectURI, "https://app.test/callback")
	params.Set(ParamCodeVerifier, verifier)

	resp, err := f.engine.Token(context.Background(), params, basicCreds("web-app", "s3cret"))
	if err != nil {
		t.Fatalf("token request failed: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatal("expected access token")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %q, want Bearer", resp.TokenType)
	}
	if resp.IDToken == "" {
		t.Error("expected id_token for openid scope")
	}
	if resp.RefreshToken == "" {
		t.Error("expected refresh token for offline_access")
	}

	// The access token must verify against the published key material.
	creds, err := f.keys.SigningCredentials(context.Background())
	if err != nil {
		t.Fatalf("signing credentials: %v", err)
	}
	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(resp.AccessToken, claims,
		func(tok *jwt.Token) (any, error) { return creds.Signer.Public(), nil },
		jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		t.Fatalf("access token does not verify: %v", err)
	}
	if claims["sub"] != "user-1" {
		t.Errorf("sub = %v, want user-1", claims["sub"])
	}
	if claims["iss"] != "https://issuer.test" {
		t.Errorf("iss = %v, want https://issuer.test", claims["iss"])
	}
}

func TestTokenUnsupportedGrantType(t *testing.T) {
	f := newTestFixture(t, nil)
	client := confidentialClient("web-app")
	client.GrantTypes = append(client.GrantTypes, "urn:example:custom")
	f.addClient(t, client, "s3cret")

	params := url.Values{}
	params.Set(ParamGrantType, "urn:example:custom")

	_, err := f.engine.Token(context.Background(), params, basicCreds("web-app", "s3cret"))
	if code := tokenErrorCode(t, err); code != ErrorCodeUnsupportedGrantType {
		t.Errorf("error = %q, want %q", code, ErrorCodeUnsupportedGrantType)
	}
}

// extensionGrant exercises handler registration beyond the built-ins
type extensionGrant struct{}

func (extensionGrant) GrantType() string { return "urn:example:custom" }

func (extensionGrant) Handle(ctx context.Context, request *TokenRequest) *GrantResult {
	return &GrantResult{ClientID: request.Client.ID, Scopes: []string{"api:read"}}
}

func TestTokenExtensionGrantHandler(t *testing.T) {
	f := newTestFixture(t, nil)
	client := confidentialClient("web-app")
	client.GrantTypes = append(client.GrantTypes, "urn:example:custom")
	f.addClient(t, client, "s3cret")

	f.engine.Registry().Register(extensionGrant{})

	params := url.Values{}
	params.Set(ParamGrantType, "urn:example:custom")

	resp, err := f.engine.Token(context.Background(), params, basicCreds("web-app", "s3cret"))
	if err != nil {
		t.Fatalf("extension grant failed: %v", err)
	}
	if resp.Scope != "api:read" {
		t.Errorf("scope = %q, want api:read", resp.Scope)
	}
}

func TestBeginDeviceAuthorization(t *testing.T) {
	f := newTestFixture(t, nil)
	f.addClient(t, publicClient("tv-app"), "")

	params := url.Values{}
	params.Set(ParamClientID, "tv-app")
	params.Set(ParamScope, "api:read")

	auth, err := f.engine.BeginDeviceAuthorization(context.Background(), params, nil)
	if err != nil {
		t.Fatalf("device authorization failed: %v", err)
	}
	if auth.DeviceCode == "" || auth.UserCode == "" {
		t.Fatal("expected device_code and user_code")
	}
	if auth.VerificationURI != "https://issuer.test/device" {
		t.Errorf("verification_uri = %q", auth.VerificationURI)
	}
	if auth.Interval <= 0 {
		t.Errorf("interval = %d, want positive", auth.Interval)
	}

	// The grant must be resolvable by user code for the approval UI.
	grant, err := f.store.GetGrantByUserCode(context.Background(), auth.UserCode)
	if err != nil {
		t.Fatalf("grant not found by user code: %v", err)
	}
	if grant.DeviceStatus != storage.DeviceStatusPending {
		t.Errorf("status = %q, want pending", grant.DeviceStatus)
	}
}

func TestApproveDeviceThenRedeem(t *testing.T) {
	f := newTestFixture(t, func(c *Config) {
		c.DevicePollInterval = time.Millisecond
	})
	f.addClient(t, publicClient("tv-app"), "")

	params := url.Values{}
	params.Set(ParamClientID, "tv-app")

	auth, err := f.engine.BeginDeviceAuthorization(context.Background(), params, nil)
	if err != nil {
		t.Fatalf("device authorization failed: %v", err)
	}

	if err := f.engine.ApproveDevice(context.Background(), auth.UserCode, true, "user-7", "sess-7"); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	poll := url.Values{}
	poll.Set(ParamGrantType, GrantTypeDeviceCode)
	poll.Set(ParamDeviceCode, auth.DeviceCode)
	poll.Set(ParamClientID, "tv-app")

	resp, err := f.engine.Token(context.Background(), poll, nil)
	if err != nil {
		t.Fatalf("device redemption failed: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatal("expected access token")
	}
}
