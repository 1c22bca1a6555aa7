package engine

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/authspan/issuer/storage"
)

// ClientAssertionTypeJWT is the client_assertion_type for private_key_jwt
// (RFC 7523).
const ClientAssertionTypeJWT = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// clientAssertionMaxLifetime bounds how far in the future an assertion's exp
// may lie, limiting the replay window of a leaked assertion.
const clientAssertionMaxLifetime = 10 * time.Minute

// errNoCredentials is returned when no configured auth method matched the
// request at all.
var errNoCredentials = errors.New("no client credentials presented")

// ClientCredentials carries the caller-supplied credentials extracted from
// the wire by the HTTP layer. BasicUser/BasicSecret come from the
// Authorization header; the body credentials come from form parameters.
type ClientCredentials struct {
	BasicUser   string
	BasicSecret string
	HasBasic    bool
}

// authStrategy attempts one client authentication method. It returns the
// authenticated client ID, or ("", nil) when the method is not applicable to
// this request, or an error when the method applies but the credentials are
// wrong. Strategies are tried in the configured order; first applicable
// match wins.
type authStrategy func(ctx context.Context, params url.Values, creds *ClientCredentials) (string, error)

// strategyFor returns the strategy implementing one auth method
func (v *Validator) strategyFor(method string) authStrategy {
	switch method {
	case storage.AuthMethodSecretBasic:
		return v.authSecretBasic
	case storage.AuthMethodSecretPost:
		return v.authSecretPost
	case storage.AuthMethodPrivateKeyJWT:
		return v.authPrivateKeyJWT
	case storage.AuthMethodNone:
		return v.authNone
	default:
		return nil
	}
}

func (v *Validator) authSecretBasic(ctx context.Context, params url.Values, creds *ClientCredentials) (string, error) {
	if creds == nil || !creds.HasBasic {
		return "", nil
	}
	if err := v.verifySecret(ctx, creds.BasicUser, creds.BasicSecret, storage.AuthMethodSecretBasic); err != nil {
		return "", err
	}
	return creds.BasicUser, nil
}

func (v *Validator) authSecretPost(ctx context.Context, params url.Values, creds *ClientCredentials) (string, error) {
	clientID := params.Get(ParamClientID)
	clientSecret := params.Get(ParamClientSecret)
	if clientID == "" || clientSecret == "" {
		return "", nil
	}
	if err := v.verifySecret(ctx, clientID, clientSecret, storage.AuthMethodSecretPost); err != nil {
		return "", err
	}
	return clientID, nil
}

func (v *Validator) verifySecret(ctx context.Context, clientID, secret, method string) error {
	client, err := v.clients.GetClient(ctx, clientID)
	if err != nil {
		return fmt.Errorf("unknown client: %w", err)
	}
	if !client.AllowsAuthMethod(method) {
		return fmt.Errorf("client does not allow %s", method)
	}
	if err := v.clients.ValidateClientSecret(ctx, clientID, secret); err != nil {
		return fmt.Errorf("secret verification failed: %w", err)
	}
	return nil
}

// authPrivateKeyJWT verifies a signed client assertion (RFC 7523): an RS256
// JWT with iss = sub = client_id, audience containing the issuer, and a
// bounded lifetime, verified against the client's registered public key.
func (v *Validator) authPrivateKeyJWT(ctx context.Context, params url.Values, creds *ClientCredentials) (string, error) {
	assertion := params.Get(ParamClientAssertion)
	if assertion == "" {
		return "", nil
	}
	if params.Get(ParamClientAssertionType) != ClientAssertionTypeJWT {
		return "", errors.New("unsupported client_assertion_type")
	}

	// Parse unverified first to learn which client's key to verify against.
	// The second, verifying parse is authoritative.
	var unverified jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(assertion, &unverified); err != nil {
		return "", fmt.Errorf("malformed client assertion: %w", err)
	}
	clientID := unverified.Subject
	if clientID == "" {
		return "", errors.New("client assertion missing sub claim")
	}

	client, err := v.clients.GetClient(ctx, clientID)
	if err != nil {
		return "", fmt.Errorf("unknown client: %w", err)
	}
	if !client.AllowsAuthMethod(storage.AuthMethodPrivateKeyJWT) {
		return "", errors.New("client does not allow private_key_jwt")
	}
	pub, err := parseRSAPublicKey(client.AssertionKeyPEM)
	if err != nil {
		return "", fmt.Errorf("client has no usable assertion key: %w", err)
	}

	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(assertion, &claims,
		func(t *jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(v.config.Issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("client assertion verification failed: %w", err)
	}
	if claims.Issuer != clientID || claims.Subject != clientID {
		return "", errors.New("client assertion iss/sub mismatch")
	}
	if claims.ExpiresAt != nil && time.Until(claims.ExpiresAt.Time) > clientAssertionMaxLifetime {
		return "", errors.New("client assertion lifetime too long")
	}

	return clientID, nil
}

// authNone matches public clients that present only a client_id. Applicable
// only when no other credential is present, so a confidential client cannot
// downgrade itself by omitting its secret header.
func (v *Validator) authNone(ctx context.Context, params url.Values, creds *ClientCredentials) (string, error) {
	if creds != nil && creds.HasBasic {
		return "", nil
	}
	if params.Get(ParamClientSecret) != "" || params.Get(ParamClientAssertion) != "" {
		return "", nil
	}
	clientID := params.Get(ParamClientID)
	if clientID == "" {
		return "", nil
	}

	client, err := v.clients.GetClient(ctx, clientID)
	if err != nil {
		return "", fmt.Errorf("unknown client: %w", err)
	}
	if !client.AllowsAuthMethod(storage.AuthMethodNone) {
		return "", errors.New("client requires credentials")
	}
	return clientID, nil
}

// parseRSAPublicKey parses a PEM-encoded RSA public key (PKIX or PKCS#1)
func parseRSAPublicKey(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("key is not an RSA public key")
		}
		return rsaKey, nil
	}

	return x509.ParsePKCS1PublicKey(block.Bytes)
}
