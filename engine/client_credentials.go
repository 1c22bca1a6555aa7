package engine

import (
	"context"
	"log/slog"
)

// ClientCredentialsHandler serves machine-to-machine tokens. No stored grant
// is involved; the authenticated client is the principal and the result
// carries an empty subject.
type ClientCredentialsHandler struct {
	config *Config
	logger *slog.Logger
}

// NewClientCredentialsHandler creates the client_credentials grant handler
func NewClientCredentialsHandler(config *Config, logger *slog.Logger) *ClientCredentialsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientCredentialsHandler{config: config, logger: logger}
}

func (h *ClientCredentialsHandler) GrantType() string {
	return GrantTypeClientCredentials
}

func (h *ClientCredentialsHandler) Handle(ctx context.Context, request *TokenRequest) *GrantResult {
	scopes := request.Scopes

	switch {
	case len(scopes) == 0:
		// No requested scope means the client's full registered set.
		scopes = request.Client.Scopes
	case h.config.ScopePolicy == ScopePolicyNarrow:
		scopes = intersectScopes(scopes, request.Client.Scopes)
	default:
		// Strict: any scope outside the registration fails the request
		// rather than being silently narrowed, so the response is
		// deterministic for a given request.
		if !scopesSubset(scopes, request.Client.Scopes) {
			h.logger.Debug("Requested scope exceeds client registration",
				"client_id", request.Client.ID,
				"request_id", request.RequestID)
			return grantError(ErrorCodeInvalidScope, "requested scope exceeds client registration")
		}
	}

	return &GrantResult{
		ClientID: request.Client.ID,
		Scopes:   scopes,
	}
}
