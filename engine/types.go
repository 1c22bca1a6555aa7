package engine

import (
	"net/url"
	"strings"

	"github.com/authspan/issuer/storage"
)

// Grant type identifiers handled by the built-in handlers.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
)

// Token request parameter names (RFC 6749, RFC 7636, RFC 8628).
const (
	ParamGrantType           = "grant_type"
	ParamClientID            = "client_id"
	ParamClientSecret        = "client_secret"
	ParamClientAssertion     = "client_assertion"
	ParamClientAssertionType = "client_assertion_type"
	ParamCode                = "code"
	ParamCodeVerifier        = "code_verifier"
	ParamRedirectURI         = "redirect_uri"
	ParamRefreshToken        = "refresh_token"
	ParamScope               = "scope"
	ParamDeviceCode          = "device_code"
	ParamProof               = "proof"
)

// ScopeOpenID and ScopeOfflineAccess are the OIDC scopes with engine-level
// meaning: openid triggers ID token minting, offline_access triggers refresh
// token issuance.
const (
	ScopeOpenID        = "openid"
	ScopeOfflineAccess = "offline_access"
)

// TokenRequest is a validated, normalized token request. It is constructed
// only by the Validator; grant handlers never see raw wire parameters except
// through Raw.
type TokenRequest struct {
	GrantType string
	Raw       url.Values
	Client    *storage.Client

	// Grant-specific fields, populated per grant type.
	Code         string
	CodeVerifier string
	RedirectURI  string
	RefreshToken string
	DeviceCode   string
	Scopes       []string

	// RequestID correlates log lines for this request.
	RequestID string
}

// ValidationResult is the outcome of request validation or a sub-check:
// either a value of type T, or a typed protocol error, optionally with
// response headers the caller must echo (e.g. a replay-protection nonce).
type ValidationResult[T any] struct {
	Succeeded        bool
	Error            string
	ErrorDescription string
	Value            T
	Headers          map[string]string
}

// Valid constructs a successful result
func Valid[T any](value T) *ValidationResult[T] {
	return &ValidationResult[T]{Succeeded: true, Value: value}
}

// Invalid constructs a failed result with a typed error code
func Invalid[T any](code, description string) *ValidationResult[T] {
	return &ValidationResult[T]{Error: code, ErrorDescription: description}
}

// GrantResult is the outcome of a grant handler: an identity plus granted
// scopes, or a typed error (including the device-flow signals).
type GrantResult struct {
	SubjectID string // empty for client_credentials
	ClientID  string
	SessionID string
	Scopes    []string
	Claims    map[string]any

	// RotatedRefreshToken carries the raw successor token when refresh
	// rotation replaced the presented one.
	RotatedRefreshToken string

	Error            string
	ErrorDescription string
}

// Failed reports whether the handler rejected the grant
func (r *GrantResult) Failed() bool {
	return r.Error != ""
}

// grantError constructs a failed GrantResult
func grantError(code, description string) *GrantResult {
	return &GrantResult{Error: code, ErrorDescription: description}
}

// TokenResponse is the success payload of the token endpoint
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// DeviceAuthorization is the response of BeginDeviceAuthorization (RFC 8628
// section 3.2), consumed by the authorization front end.
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int64  `json:"expires_in"`
	Interval                int64  `json:"interval"`
}

// ParseScopes splits a space-delimited scope string, dropping empties
func ParseScopes(scope string) []string {
	if scope == "" {
		return nil
	}
	var scopes []string
	for _, s := range strings.Fields(scope) {
		scopes = append(scopes, s)
	}
	return scopes
}

// JoinScopes joins scopes into the wire form
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// containsScope reports whether scopes includes scope
func containsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// scopesSubset reports whether every element of requested is present in allowed
func scopesSubset(requested, allowed []string) bool {
	for _, s := range requested {
		if !containsScope(allowed, s) {
			return false
		}
	}
	return true
}

// intersectScopes returns the elements of requested that are present in allowed,
// preserving request order
func intersectScopes(requested, allowed []string) []string {
	var out []string
	for _, s := range requested {
		if containsScope(allowed, s) {
			out = append(out, s)
		}
	}
	return out
}
