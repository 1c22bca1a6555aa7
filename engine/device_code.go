package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/authspan/issuer/security"
	"github.com/authspan/issuer/storage"
)

// DeviceCodeHandler serves the polling half of the device authorization flow
// (RFC 8628). Each poll is recorded in the store; polling faster than the
// advertised interval yields slow_down, and an approved grant is consumed
// atomically so concurrent polls produce exactly one token.
type DeviceCodeHandler struct {
	grants  storage.GrantStore
	config  *Config
	auditor *security.Auditor
	logger  *slog.Logger
}

// NewDeviceCodeHandler creates the device_code grant handler
func NewDeviceCodeHandler(grants storage.GrantStore, config *Config, auditor *security.Auditor, logger *slog.Logger) *DeviceCodeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceCodeHandler{
		grants:  grants,
		config:  config,
		auditor: auditor,
		logger:  logger,
	}
}

func (h *DeviceCodeHandler) GrantType() string {
	return GrantTypeDeviceCode
}

func (h *DeviceCodeHandler) Handle(ctx context.Context, request *TokenRequest) *GrantResult {
	key := storage.GrantKey(request.DeviceCode)
	now := time.Now()

	// UpdateDevicePoll records this attempt and returns the grant as it
	// stood before, so the interval check sees the previous poll time.
	prev, err := h.grants.UpdateDevicePoll(ctx, key, now)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrGrantNotFound):
			return grantError(ErrorCodeInvalidGrant, "invalid device code")
		case errors.Is(err, storage.ErrGrantExpired):
			return grantError(ErrorCodeExpiredToken, "device code expired")
		default:
			h.logger.Error("Grant store failure during device poll",
				"error", err.Error(),
				"request_id", request.RequestID)
			return grantError(ErrorCodeServerError, "internal error")
		}
	}

	if prev.Kind != storage.GrantKindDeviceCode || prev.ClientID != request.Client.ID {
		return grantError(ErrorCodeInvalidGrant, "invalid device code")
	}

	if !prev.LastPolledAt.IsZero() && now.Sub(prev.LastPolledAt) < prev.PollInterval {
		return grantError(ErrorCodeSlowDown, "polling too frequently")
	}

	switch prev.DeviceStatus {
	case storage.DeviceStatusDenied:
		return grantError(ErrorCodeAccessDenied, "the user denied the request")
	case storage.DeviceStatusPending:
		return grantError(ErrorCodeAuthorizationPending, "authorization pending")
	case storage.DeviceStatusApproved:
		// fall through to consumption
	default:
		return grantError(ErrorCodeInvalidGrant, "invalid device code")
	}

	grant, err := h.grants.ConsumeGrant(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrGrantConsumed) || errors.Is(err, storage.ErrGrantNotFound) {
			// A concurrent poll already redeemed the approval.
			h.auditor.LogGrantReuseDetected(prev.SubjectID, request.Client.ID, storage.GrantKindDeviceCode)
			return grantError(ErrorCodeInvalidGrant, "invalid device code")
		}
		if errors.Is(err, storage.ErrGrantExpired) {
			return grantError(ErrorCodeExpiredToken, "device code expired")
		}
		h.logger.Error("Grant store failure during device redemption",
			"error", err.Error(),
			"request_id", request.RequestID)
		return grantError(ErrorCodeServerError, "internal error")
	}

	return &GrantResult{
		SubjectID: grant.SubjectID,
		ClientID:  grant.ClientID,
		SessionID: grant.SessionID,
		Scopes:    grant.Scopes,
		Claims:    grant.Claims,
	}
}

// userCodeAlphabet deliberately omits vowels and look-alike characters so
// codes are unambiguous to read aloud and cannot spell words.
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ"

// generateUserCode produces a code like "BCDF-GHJK"
func generateUserCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate user code: %w", err)
	}
	code := make([]byte, 9)
	for i, b := range buf {
		pos := i
		if i >= 4 {
			pos = i + 1
		}
		code[pos] = userCodeAlphabet[int(b)%len(userCodeAlphabet)]
	}
	code[4] = '-'
	return string(code), nil
}

// BeginDeviceAuthorization starts a device flow for an authenticated client:
// it persists a pending device-code grant and returns the codes the device
// displays and polls with. The verification URI is derived from the issuer.
func (h *DeviceCodeHandler) BeginDeviceAuthorization(ctx context.Context, client *storage.Client, scopes []string) (*DeviceAuthorization, error) {
	rawDeviceCode := uuid.NewString() + uuid.NewString()
	userCode, err := generateUserCode()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	grant := &storage.PersistedGrant{
		Key:          storage.GrantKey(rawDeviceCode),
		Kind:         storage.GrantKindDeviceCode,
		ClientID:     client.ID,
		TenantID:     client.TenantID,
		Scopes:       scopes,
		CreatedAt:    now,
		ExpiresAt:    now.Add(h.config.DeviceCodeTTL),
		DeviceStatus: storage.DeviceStatusPending,
		UserCode:     userCode,
		PollInterval: h.config.DevicePollInterval,
	}
	if err := h.grants.SaveGrant(ctx, grant); err != nil {
		return nil, fmt.Errorf("failed to persist device grant: %w", err)
	}

	verificationURI := h.config.Issuer + "/device"
	return &DeviceAuthorization{
		DeviceCode:              rawDeviceCode,
		UserCode:                userCode,
		VerificationURI:         verificationURI,
		VerificationURIComplete: verificationURI + "?user_code=" + userCode,
		ExpiresIn:               int64(h.config.DeviceCodeTTL.Seconds()),
		Interval:                int64(h.config.DevicePollInterval.Seconds()),
	}, nil
}
