package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/authspan/issuer/pkce"
	"github.com/authspan/issuer/security"
	"github.com/authspan/issuer/storage"
)

// AuthorizationCodeHandler redeems one-time authorization codes. Consumption
// is atomic in the store: under concurrent redemption of the same code
// exactly one caller wins and reuse is treated as a possible theft signal.
type AuthorizationCodeHandler struct {
	grants  storage.GrantStore
	auditor *security.Auditor
	logger  *slog.Logger
	limiter *security.RateLimiter
}

// NewAuthorizationCodeHandler creates the authorization_code grant handler.
// The rate limiter throttles reuse-detection log volume per client and may
// be nil.
func NewAuthorizationCodeHandler(grants storage.GrantStore, auditor *security.Auditor, limiter *security.RateLimiter, logger *slog.Logger) *AuthorizationCodeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthorizationCodeHandler{
		grants:  grants,
		auditor: auditor,
		logger:  logger,
		limiter: limiter,
	}
}

func (h *AuthorizationCodeHandler) GrantType() string {
	return GrantTypeAuthorizationCode
}

func (h *AuthorizationCodeHandler) Handle(ctx context.Context, request *TokenRequest) *GrantResult {
	key := storage.GrantKey(request.Code)

	grant, err := h.grants.ConsumeGrant(ctx, key)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrGrantConsumed):
			// Reuse of a spent code: the code may have been stolen. Audit,
			// but keep the wire error generic.
			if h.limiter == nil || h.limiter.Allow(request.Client.ID) {
				h.logger.Warn("Authorization code reuse detected",
					"client_id", request.Client.ID,
					"request_id", request.RequestID)
			}
			h.auditor.LogGrantReuseDetected("", request.Client.ID, storage.GrantKindAuthorizationCode)
		case errors.Is(err, storage.ErrGrantNotFound), errors.Is(err, storage.ErrGrantExpired):
			h.logger.Debug("Authorization code rejected",
				"reason", err.Error(),
				"client_id", request.Client.ID,
				"request_id", request.RequestID)
		default:
			h.logger.Error("Grant store failure during code redemption",
				"error", err.Error(),
				"request_id", request.RequestID)
			return grantError(ErrorCodeServerError, "internal error")
		}
		return grantError(ErrorCodeInvalidGrant, "invalid authorization code")
	}

	if grant.Kind != storage.GrantKindAuthorizationCode {
		return grantError(ErrorCodeInvalidGrant, "invalid authorization code")
	}

	// Binding checks. The code is already consumed at this point, which is
	// intentional: a code presented with the wrong client or redirect URI is
	// burned, not left redeemable.
	if grant.ClientID != request.Client.ID {
		h.auditor.LogGrantRejected(grant.SubjectID, request.Client.ID, GrantTypeAuthorizationCode, "client mismatch")
		return grantError(ErrorCodeInvalidGrant, "invalid authorization code")
	}
	if grant.RedirectURI != request.RedirectURI {
		h.auditor.LogGrantRejected(grant.SubjectID, request.Client.ID, GrantTypeAuthorizationCode, "redirect_uri mismatch")
		return grantError(ErrorCodeInvalidGrant, "invalid authorization code")
	}

	// PKCE: a code issued with a challenge must be redeemed with the
	// matching verifier.
	if grant.CodeChallenge != "" || request.CodeVerifier != "" {
		if err := pkce.ValidateCodeVerifier(request.CodeVerifier, grant.CodeChallenge, grant.CodeChallengeMethod); err != nil {
			h.logger.Debug("PKCE verification failed",
				"reason", err.Error(),
				"client_id", request.Client.ID,
				"request_id", request.RequestID)
			h.auditor.LogPKCEFailure(grant.SubjectID, request.Client.ID, err.Error())
			return grantError(ErrorCodeInvalidGrant, "invalid authorization code")
		}
	}

	return &GrantResult{
		SubjectID: grant.SubjectID,
		ClientID:  grant.ClientID,
		SessionID: grant.SessionID,
		Scopes:    grant.Scopes,
		Claims:    grant.Claims,
	}
}
