// Package pkce implements Proof Key for Code Exchange (RFC 7636) challenge
// and verifier handling for the token endpoint. All functions are pure: they
// perform no I/O and keep no state between calls.
package pkce

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// Challenge methods defined by RFC 7636.
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// RFC 7636: code_verifier and code_challenge must be 43-128 characters.
const (
	MinLength = 43
	MaxLength = 128
)

// Challenge is a normalized (challenge, method) pair as stored alongside an
// authorization code at issuance time.
type Challenge struct {
	Challenge string
	Method    string
}

// ValidateCodeChallenge validates a code_challenge/code_challenge_method pair
// from an authorization request. required enforces presence; allowPlain
// permits the deprecated "plain" method. An empty method defaults to S256.
// Returns the normalized pair, or an error describing the protocol violation.
func ValidateCodeChallenge(challenge, method string, required, allowPlain bool) (*Challenge, error) {
	if challenge == "" {
		if required {
			return nil, fmt.Errorf("code_challenge is required")
		}
		return &Challenge{}, nil
	}

	if method == "" {
		method = MethodS256
	}

	switch method {
	case MethodS256:
	case MethodPlain:
		if !allowPlain {
			return nil, fmt.Errorf("'plain' code_challenge_method is not allowed (only S256 is supported)")
		}
	default:
		return nil, fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	if len(challenge) < MinLength || len(challenge) > MaxLength {
		return nil, fmt.Errorf("code_challenge must be %d-%d characters (RFC 7636)", MinLength, MaxLength)
	}
	if !isUnreserved(challenge) {
		return nil, fmt.Errorf("code_challenge contains invalid characters (must be [A-Za-z0-9-._~])")
	}

	return &Challenge{Challenge: challenge, Method: method}, nil
}

// ValidateCodeVerifier recomputes the challenge from verifier and compares it
// to the challenge stored with the grant using a constant-time comparison.
// A stored challenge with no verifier, a verifier with no stored challenge,
// a malformed verifier, or a mismatch all fail. A grant issued without PKCE
// validates only when no verifier is presented.
func ValidateCodeVerifier(verifier, storedChallenge, storedMethod string) error {
	if storedChallenge == "" {
		if verifier != "" {
			return fmt.Errorf("code_verifier presented but the code was issued without a code_challenge")
		}
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when a code_challenge was presented")
	}
	if len(verifier) < MinLength || len(verifier) > MaxLength {
		return fmt.Errorf("code_verifier must be %d-%d characters (RFC 7636)", MinLength, MaxLength)
	}
	if !isUnreserved(verifier) {
		return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
	}

	var computed string
	switch storedMethod {
	case MethodS256, "":
		hash := sha256.Sum256([]byte(verifier))
		computed = base64.RawURLEncoding.EncodeToString(hash[:])
	case MethodPlain:
		computed = verifier
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s", storedMethod)
	}

	// Constant-time comparison prevents timing attacks on challenge matching
	if subtle.ConstantTimeCompare([]byte(computed), []byte(storedChallenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}

	return nil
}

// GenerateCodeVerifier produces a cryptographically random code verifier from
// the RFC 7636 unreserved character set, for flows that originate their own
// PKCE pair. Delegates to oauth2.GenerateVerifier.
func GenerateCodeVerifier() string {
	return oauth2.GenerateVerifier()
}

// GenerateCodeChallenge derives the S256 challenge for a verifier.
func GenerateCodeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// isUnreserved reports whether s contains only RFC 3986 unreserved characters:
// [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~". This also rejects null bytes,
// control characters, and Unicode that could cause downstream issues.
func isUnreserved(s string) bool {
	for _, ch := range s {
		valid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !valid {
			return false
		}
	}
	return true
}
