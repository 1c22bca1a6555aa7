package issuer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/authspan/issuer/engine"
	"github.com/authspan/issuer/keys"
	"github.com/authspan/issuer/pkce"
	"github.com/authspan/issuer/storage"
	"github.com/authspan/issuer/storage/memory"
)

type handlerFixture struct {
	store   *memory.Store
	server  *Server
	handler http.Handler
}

func newHandlerFixture(t *testing.T, mutate func(*Config)) *handlerFixture {
	t.Helper()

	store := memory.New()
	km, err := keys.NewKeyManager()
	if err != nil {
		t.Fatalf("failed to create key manager: %v", err)
	}

	config := Config{}
	config.Issuer = "https://issuer.test"
	if mutate != nil {
		mutate(&config)
	}

	srv, err := NewServer(config, store, store, km)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	t.Cleanup(srv.Close)

	mux := http.NewServeMux()
	NewHandler(srv, nil).RegisterRoutes(mux)

	return &handlerFixture{store: store, server: srv, handler: mux}
}

func (f *handlerFixture) addClient(t *testing.T, client *storage.Client, secret string) {
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

func (f *handlerFixture) seedAuthCode(t *testing.T, clientID, subjectID, verifier string, scopes []string) string {
	t.Helper()
	rawCode := "code-" + subjectID
	grant := &storage.PersistedGrant{
		Key:                 storage.GrantKey(rawCode),
		Kind:                storage.GrantKindAuthorizationCode,
		ClientID:            clientID,
		SubjectID:           subjectID,
		SessionID:           "sess-1",
		Scopes:              scopes,
		RedirectURI:         "https://app.test/callback",
		CodeChallenge:       pkce.GenerateCodeChallenge(verifier),
		CodeChallengeMethod: pkce.MethodS256,
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(5 * time.Minute),
	}
	if err := f.store.SaveGrant(context.Background(), grant); err != nil {
		t.Fatalf("failed to seed authorization code: %v", err)
	}
	return rawCode
}

func (f *handlerFixture) postToken(t *testing.T, form url.Values, basicUser, basicSecret string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicUser != "" {
		req.SetBasicAuth(basicUser, basicSecret)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func testClient(id string) *storage.Client {
	return &storage.Client{
		ID:                       id,
		TokenEndpointAuthMethods: []string{storage.AuthMethodSecretBasic},
		GrantTypes: []string{
			engine.GrantTypeAuthorizationCode,
			engine.GrantTypeClientCredentials,
			engine.GrantTypeRefreshToken,
		},
		Scopes:       []string{"openid", "api:read", "offline_access"},
		RedirectURIs: []string{"https://app.test/callback"},
	}
}

func TestTokenEndpointAuthorizationCode(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.addClient(t, testClient("web-app"), "s3cret")

	verifier := pkce.GenerateCodeVerifier()
	code := f.seedAuthCode(t, "web-app", "user-1", verifier, []string{"openid", "api:read"})

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.test/callback"},
		"code_verifier": {verifier},
	}
	rec := f.postToken(t, form, "web-app", "s3cret")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); !strings.Contains(got, "no-store") {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected an X-Request-ID header")
	}

	var body struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		IDToken     string `json:"id_token"`
		Scope       string `json:"scope"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if body.AccessToken == "" || body.TokenType != "Bearer" {
		t.Errorf("unexpected response: %+v", body)
	}
	if body.IDToken == "" {
		t.Error("expected an id_token for openid scope")
	}
}

func TestTokenEndpointErrorStatuses(t *testing.T) {
	f := newHandlerFixture(t, nil)
	f.addClient(t, testClient("web-app"), "s3cret")

	tests := []struct {
		name       string
		form       url.Values
		basicUser  string
		basicPass  string
		wantStatus int
		wantError  string
	}{
		{
			name:       "missing grant_type",
			form:       url.Values{},
			basicUser:  "web-app",
			basicPass:  "s3cret",
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "bad credentials",
			form:       url.Values{"grant_type": {"client_credentials"}},
			basicUser:  "web-app",
			basicPass:  "wrong",
			wantStatus: http.StatusUnauthorized,
			wantError:  "invalid_client",
		},
		{
			name:       "unknown code",
			form:       url.Values{"grant_type": {"authorization_code"}, "code": {"nope"}, "redirect_uri": {"https://app.test/callback"}},
			basicUser:  "web-app",
			basicPass:  "s3cret",
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_grant",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.postToken(t, tc.form, tc.basicUser, tc.basicPass)
			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tc.wantStatus, rec.Body.String())
			}
			var body struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("bad error body: %v", err)
			}
			if body.Error != tc.wantError {
				t.Errorf("error = %q, want %q", body.Error, tc.wantError)
			}
		})
	}
}

func TestTokenEndpointMethodNotAllowed(t *testing.T) {
	f := newHandlerFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/token", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestTokenEndpointReplayNonce(t *testing.T) {
	f := newHandlerFixture(t, func(c *Config) {
		c.RequireProof = true
	})
	f.addClient(t, testClient("web-app"), "s3cret")

	form := url.Values{"grant_type": {"client_credentials"}}
	first := f.postToken(t, form, "web-app", "s3cret")
	if first.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without proof", first.Code)
	}
	nonce := first.Header().Get("Replay-Nonce")
	if nonce == "" {
		t.Fatal("expected a Replay-Nonce header")
	}

	form.Set("proof", nonce)
	second := f.postToken(t, form, "web-app", "s3cret")
	if second.Code != http.StatusOK {
		t.Fatalf("status = %d with proof, body = %s", second.Code, second.Body.String())
	}
}

func TestDeviceAuthorizationEndpoint(t *testing.T) {
	f := newHandlerFixture(t, nil)
	client := &storage.Client{
		ID:                       "tv-app",
		TokenEndpointAuthMethods: []string{storage.AuthMethodNone},
		GrantTypes:               []string{engine.GrantTypeDeviceCode},
		Scopes:                   []string{"api:read"},
	}
	f.addClient(t, client, "")

	form := url.Values{"client_id": {"tv-app"}, "scope": {"api:read"}}
	req := httptest.NewRequest(http.MethodPost, "/device_authorization", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		DeviceCode      string `json:"device_code"`
		UserCode        string `json:"user_code"`
		VerificationURI string `json:"verification_uri"`
		Interval        int64  `json:"interval"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if body.DeviceCode == "" || body.UserCode == "" {
		t.Errorf("incomplete response: %+v", body)
	}
	if body.VerificationURI != "https://issuer.test/device" {
		t.Errorf("verification_uri = %q", body.VerificationURI)
	}
}

func TestDiscoveryEndpoint(t *testing.T) {
	f := newHandlerFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var doc map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("bad discovery body: %v", err)
	}
	if doc["issuer"] != "https://issuer.test" {
		t.Errorf("issuer = %v", doc["issuer"])
	}
	if doc["token_endpoint"] != "https://issuer.test/token" {
		t.Errorf("token_endpoint = %v", doc["token_endpoint"])
	}
	grantTypes, ok := doc["grant_types_supported"].([]any)
	if !ok || len(grantTypes) < 4 {
		t.Errorf("grant_types_supported = %v, want the four built-ins", doc["grant_types_supported"])
	}
}

func TestJWKSEndpoint(t *testing.T) {
	f := newHandlerFixture(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad jwks body: %v", err)
	}
	if len(body.Keys) != 1 {
		t.Fatalf("keys = %d, want 1", len(body.Keys))
	}
	if body.Keys[0]["kty"] != "RSA" {
		t.Errorf("kty = %v, want RSA", body.Keys[0]["kty"])
	}
}

func TestTokenEndpointRateLimit(t *testing.T) {
	f := newHandlerFixture(t, func(c *Config) {
		c.TokenRequestsPerSecond = 1
		c.TokenRequestBurst = 2
	})
	f.addClient(t, testClient("web-app"), "s3cret")

	form := url.Values{"grant_type": {"client_credentials"}}
	var limited bool
	for i := 0; i < 5; i++ {
		rec := f.postToken(t, form, "web-app", "s3cret")
		if rec.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Error("expected rate limiting to kick in")
	}
}

func TestNewServerValidation(t *testing.T) {
	store := memory.New()
	km, err := keys.NewKeyManager()
	if err != nil {
		t.Fatalf("failed to create key manager: %v", err)
	}

	var config Config
	if _, err := NewServer(config, store, store, km); err == nil {
		t.Error("expected error for missing issuer")
	}

	config.Issuer = "not-a-url"
	if _, err := NewServer(config, store, store, km); err == nil {
		t.Error("expected error for relative issuer")
	}

	config.Issuer = "https://issuer.test/"
	srv, err := NewServer(config, store, store, km)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if srv.Config.Issuer != "https://issuer.test" {
		t.Errorf("issuer = %q, trailing slash not trimmed", srv.Config.Issuer)
	}
	srv.Close()
}
