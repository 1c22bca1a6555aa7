package security

// Event type constants for security audit logging.
// These constants ensure consistency across the codebase and prevent typos
// when logging security-relevant events.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when a token response is issued to a client
	EventTokenIssued = "token_issued"

	// EventRefreshTokenRotated is logged when a refresh token is rotated
	EventRefreshTokenRotated = "refresh_token_rotated"

	// Grant redemption events

	// EventGrantRejected is logged when a grant handler rejects a redemption
	EventGrantRejected = "grant_rejected"

	// EventGrantReuseDetected is logged when a consumed or rotated grant is
	// presented again (token theft indicator)
	EventGrantReuseDetected = "grant_reuse_detected"

	// EventDeviceGrantApproved is logged when a device-code grant is approved
	EventDeviceGrantApproved = "device_grant_approved"

	// EventDeviceGrantDenied is logged when a device-code grant is denied
	EventDeviceGrantDenied = "device_grant_denied"

	// Client authentication events

	// EventClientAuthFailure is logged when client authentication fails
	EventClientAuthFailure = "client_auth_failure"

	// EventReplayNonceIssued is logged when a proof-of-possession check fails
	// and a retry nonce is returned to the client
	EventReplayNonceIssued = "replay_nonce_issued"

	// PKCE events

	// EventPKCEValidationFailed is logged when code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// Session events

	// EventLogoutNotification is logged per relying party during backchannel
	// logout fan-out
	EventLogoutNotification = "logout_notification"
)
