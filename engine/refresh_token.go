package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/authspan/issuer/security"
	"github.com/authspan/issuer/storage"
)

// RefreshTokenHandler redeems refresh tokens. With rotation enabled
// (the default) each redemption atomically replaces the stored grant with a
// successor, so presenting a rotated-away token fails and is audited as
// possible theft.
type RefreshTokenHandler struct {
	grants  storage.GrantStore
	config  *Config
	auditor *security.Auditor
	logger  *slog.Logger
}

// NewRefreshTokenHandler creates the refresh_token grant handler
func NewRefreshTokenHandler(grants storage.GrantStore, config *Config, auditor *security.Auditor, logger *slog.Logger) *RefreshTokenHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshTokenHandler{
		grants:  grants,
		config:  config,
		auditor: auditor,
		logger:  logger,
	}
}

func (h *RefreshTokenHandler) GrantType() string {
	return GrantTypeRefreshToken
}

func (h *RefreshTokenHandler) Handle(ctx context.Context, request *TokenRequest) *GrantResult {
	key := storage.GrantKey(request.RefreshToken)

	grant, err := h.grants.GetGrant(ctx, key)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrGrantNotFound):
			// A token that was valid once and rotated away lands here too;
			// we cannot distinguish the two without keeping tombstones, so
			// both get the generic error and an audit entry.
			h.auditor.LogGrantReuseDetected("", request.Client.ID, storage.GrantKindRefreshToken)
			h.logger.Debug("Refresh token not found",
				"client_id", request.Client.ID,
				"request_id", request.RequestID)
		case errors.Is(err, storage.ErrGrantExpired):
			h.logger.Debug("Refresh token expired",
				"client_id", request.Client.ID,
				"request_id", request.RequestID)
		default:
			h.logger.Error("Grant store failure during refresh",
				"error", err.Error(),
				"request_id", request.RequestID)
			return grantError(ErrorCodeServerError, "internal error")
		}
		return grantError(ErrorCodeInvalidGrant, "invalid refresh token")
	}

	if grant.Kind != storage.GrantKindRefreshToken || grant.ClientID != request.Client.ID {
		h.auditor.LogGrantRejected(grant.SubjectID, request.Client.ID, GrantTypeRefreshToken, "binding mismatch")
		return grantError(ErrorCodeInvalidGrant, "invalid refresh token")
	}

	// Scope narrowing only: the refreshed token may carry a subset of the
	// originally granted scopes, never more.
	scopes := grant.Scopes
	if len(request.Scopes) > 0 {
		if !scopesSubset(request.Scopes, grant.Scopes) {
			return grantError(ErrorCodeInvalidScope, "requested scope exceeds original grant")
		}
		scopes = request.Scopes
	}

	result := &GrantResult{
		SubjectID: grant.SubjectID,
		ClientID:  grant.ClientID,
		SessionID: grant.SessionID,
		Scopes:    scopes,
		Claims:    grant.Claims,
	}

	if h.config.DisableRefreshTokenRotation {
		return result
	}

	// Rotate: mint a successor and atomically swap it for the presented
	// token. A concurrent redemption of the same token loses the swap and
	// gets invalid_grant.
	rawSuccessor := uuid.NewString() + uuid.NewString()
	now := time.Now()
	successor := &storage.PersistedGrant{
		Key:       storage.GrantKey(rawSuccessor),
		Kind:      storage.GrantKindRefreshToken,
		ClientID:  grant.ClientID,
		SubjectID: grant.SubjectID,
		SessionID: grant.SessionID,
		TenantID:  grant.TenantID,
		Scopes:    grant.Scopes,
		Claims:    grant.Claims,
		CreatedAt: now,
		ExpiresAt: now.Add(h.config.RefreshTokenTTL),
	}
	if err := h.grants.RotateGrant(ctx, key, successor); err != nil {
		if errors.Is(err, storage.ErrGrantNotFound) {
			h.auditor.LogGrantReuseDetected(grant.SubjectID, request.Client.ID, storage.GrantKindRefreshToken)
			return grantError(ErrorCodeInvalidGrant, "invalid refresh token")
		}
		h.logger.Error("Refresh token rotation failed",
			"error", err.Error(),
			"request_id", request.RequestID)
		return grantError(ErrorCodeServerError, "internal error")
	}

	h.auditor.LogEvent(security.Event{
		Type:      security.EventRefreshTokenRotated,
		SubjectID: grant.SubjectID,
		ClientID:  grant.ClientID,
		RequestID: request.RequestID,
	})

	result.RotatedRefreshToken = rawSuccessor
	return result
}
