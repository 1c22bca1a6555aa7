// Package security provides the cross-cutting security facilities of the
// token-issuance engine: audit logging with PII protection, per-identifier
// rate limiting for security-event log flood control, request ID
// correlation, response security headers, and clock-skew-aware expiry
// checks.
package security
