package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. Subject
// identifiers are hashed before they reach the log stream.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	SubjectID string
	ClientID  string
	RequestID string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"subject_hash", hashForLogging(event.SubjectID),
		"client_id", event.ClientID,
		"request_id", event.RequestID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs a successful token issuance
func (a *Auditor) LogTokenIssued(subjectID, clientID, grantType, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogClientAuthFailure logs a failed client authentication attempt
func (a *Auditor) LogClientAuthFailure(clientID, reason string) {
	a.LogEvent(Event{
		Type:     EventClientAuthFailure,
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogGrantRejected logs a grant redemption failure
func (a *Auditor) LogGrantRejected(subjectID, clientID, grantType, reason string) {
	a.LogEvent(Event{
		Type:      EventGrantRejected,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"grant_type": grantType,
			"reason":     reason,
		},
	})
}

// LogGrantReuseDetected logs a redemption attempt on a consumed or rotated grant
func (a *Auditor) LogGrantReuseDetected(subjectID, clientID, grantKind string) {
	a.LogEvent(Event{
		Type:      EventGrantReuseDetected,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"severity":   "critical",
			"grant_kind": grantKind,
		},
	})
}

// LogPKCEFailure logs a failed code_verifier validation
func (a *Auditor) LogPKCEFailure(subjectID, clientID, reason string) {
	a.LogEvent(Event{
		Type:      EventPKCEValidationFailed,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogLogoutNotification logs the outcome of one backchannel logout delivery
func (a *Auditor) LogLogoutNotification(subjectID, clientID string, delivered bool, detail string) {
	a.LogEvent(Event{
		Type:      EventLogoutNotification,
		SubjectID: subjectID,
		ClientID:  clientID,
		Details: map[string]any{
			"delivered": delivered,
			"detail":    detail,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
