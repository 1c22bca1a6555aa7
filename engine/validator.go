package engine

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/authspan/issuer/pkce"
	"github.com/authspan/issuer/security"
	"github.com/authspan/issuer/storage"
)

// Validator authenticates the calling client and performs grant-specific
// structural validation, producing a normalized TokenRequest. It never
// touches grant state: no store writes happen before a handler runs.
type Validator struct {
	clients storage.ClientStore
	config  *Config
	nonces  *NonceGuard
	auditor *security.Auditor
	logger  *slog.Logger
}

// NewValidator creates a token request validator
func NewValidator(clients storage.ClientStore, config *Config, auditor *security.Auditor, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Validator{
		clients: clients,
		config:  config,
		auditor: auditor,
		logger:  logger,
	}
	if config.RequireProof {
		v.nonces = NewNonceGuard(config.ProofNonceTTL)
	}
	return v
}

// Validate runs the validation pipeline over raw token request parameters:
//
//  1. resolve grant_type
//  2. authenticate the client, trying strategies in configured order
//  3. confirm the grant type is allowed for the client
//  4. grant-specific structural checks
//  5. optional proof-of-possession replay check
//
// On success the result carries a TokenRequest safe for grant handlers.
func (v *Validator) Validate(ctx context.Context, params url.Values, creds *ClientCredentials) *ValidationResult[*TokenRequest] {
	requestID := security.GetRequestID(ctx)

	// 1. Grant type
	grantType := params.Get(ParamGrantType)
	if grantType == "" {
		return Invalid[*TokenRequest](ErrorCodeInvalidRequest, "grant_type is required")
	}

	// 2. Client authentication: ordered strategies, first applicable wins
	client, authErr := v.authenticateClient(ctx, params, creds)
	if authErr != nil {
		v.logger.Debug("Client authentication failed",
			"reason", authErr.Error(),
			"request_id", requestID)
		v.auditor.LogClientAuthFailure(params.Get(ParamClientID), authErr.Error())
		// Generic error to the caller; detail stays in logs
		return Invalid[*TokenRequest](ErrorCodeInvalidClient, "client authentication failed")
	}

	// 3. Grant type allowed for this client
	if !client.AllowsGrantType(grantType) {
		v.logger.Debug("Grant type not allowed for client",
			"client_id", client.ID,
			"grant_type", grantType,
			"request_id", requestID)
		return Invalid[*TokenRequest](ErrorCodeUnauthorizedClient, "grant type not allowed for this client")
	}

	request := &TokenRequest{
		GrantType: grantType,
		Raw:       params,
		Client:    client,
		Scopes:    ParseScopes(params.Get(ParamScope)),
		RequestID: requestID,
	}

	// 4. Grant-specific structural checks
	if result := v.validateGrantShape(request, params); result != nil {
		return result
	}

	// 5. Optional proof-of-possession replay check
	if v.nonces != nil {
		if !v.nonces.Redeem(client.ID, params.Get(ParamProof)) {
			fresh := v.nonces.Issue(client.ID)
			v.auditor.LogEvent(security.Event{
				Type:     security.EventReplayNonceIssued,
				ClientID: client.ID,
			})
			result := Invalid[*TokenRequest](ErrorCodeInvalidRequest, "proof of possession required; retry with the provided nonce")
			result.Headers = map[string]string{ReplayNonceHeader: fresh}
			return result
		}
	}

	return Valid(request)
}

// authenticateClient tries each configured strategy in order. A strategy
// that does not apply to the request is skipped; the first applicable one
// decides, so a confidential client presenting a wrong secret fails rather
// than falling through to a weaker method.
func (v *Validator) authenticateClient(ctx context.Context, params url.Values, creds *ClientCredentials) (*storage.Client, error) {
	var lastErr error
	for _, method := range v.config.AuthMethodOrder {
		strategy := v.strategyFor(method)
		if strategy == nil {
			continue
		}
		clientID, err := strategy(ctx, params, creds)
		if err != nil {
			lastErr = err
			break
		}
		if clientID == "" {
			continue
		}
		return v.clients.GetClient(ctx, clientID)
	}
	if lastErr == nil {
		lastErr = errNoCredentials
	}
	return nil, lastErr
}

// validateGrantShape performs the per-grant-type structural checks.
// Returns nil when the request shape is valid.
func (v *Validator) validateGrantShape(request *TokenRequest, params url.Values) *ValidationResult[*TokenRequest] {
	switch request.GrantType {
	case GrantTypeAuthorizationCode:
		request.Code = params.Get(ParamCode)
		request.RedirectURI = params.Get(ParamRedirectURI)
		request.CodeVerifier = params.Get(ParamCodeVerifier)
		if request.Code == "" {
			return Invalid[*TokenRequest](ErrorCodeInvalidRequest, "code is required")
		}
		if request.RedirectURI == "" {
			return Invalid[*TokenRequest](ErrorCodeInvalidRequest, "redirect_uri is required")
		}
		if request.Client.RequirePKCE && request.CodeVerifier == "" {
			return Invalid[*TokenRequest](ErrorCodeInvalidRequest, "code_verifier is required")
		}
		if request.CodeVerifier != "" {
			if len(request.CodeVerifier) < pkce.MinLength || len(request.CodeVerifier) > pkce.MaxLength {
				return Invalid[*TokenRequest](ErrorCodeInvalidRequest, "code_verifier length is invalid")
			}
		}

	case GrantTypeRefreshToken:
		request.RefreshToken = params.Get(ParamRefreshToken)
		if request.RefreshToken == "" {
			return Invalid[*TokenRequest](ErrorCodeInvalidRequest, "refresh_token is required")
		}

	case GrantTypeDeviceCode:
		request.DeviceCode = params.Get(ParamDeviceCode)
		if request.DeviceCode == "" {
			return Invalid[*TokenRequest](ErrorCodeInvalidRequest, "device_code is required")
		}

	case GrantTypeClientCredentials:
		// Nothing beyond the optional scope parameter.
	}

	return nil
}
