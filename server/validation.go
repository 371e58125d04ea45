package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/akutishevsky/withings-mcp/storage"
)

// PKCE validation constants (RFC 7636)
const (
	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
	PKCEMethodS256        = "S256"
	PKCEMethodPlain       = "plain"
)

// MaxStateLength bounds the client state echoed back on the redirect
const MaxStateLength = 512

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

var (
	// DangerousSchemes lists URI schemes that must never be allowed for security
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about", "blob"}

	// DefaultRFC3986SchemePattern is the default regex pattern for custom URI schemes (RFC 3986)
	DefaultRFC3986SchemePattern = []string{"^[a-z][a-z0-9+.-]*$"}
)

// validateRedirectURI checks redirectURI against the client's registered URIs by exact match
func validateRedirectURI(client *storage.Client, redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}
	if !slices.Contains(client.RedirectURIs, redirectURI) {
		return fmt.Errorf("redirect_uri does not match any registered redirect URI")
	}
	return nil
}

// validateStateParameter validates the client's CSRF state
func validateStateParameter(state string) error {
	if state == "" {
		return fmt.Errorf("state parameter is required for CSRF protection")
	}
	if len(state) > MaxStateLength {
		return fmt.Errorf("state parameter must be at most %d characters", MaxStateLength)
	}
	return nil
}

// validateCodeChallenge validates the PKCE parameters of an authorization request.
// Only S256 is accepted.
func validateCodeChallenge(challenge, method string, required bool) error {
	if challenge == "" {
		if required {
			return fmt.Errorf("PKCE is required: code_challenge and code_challenge_method parameters are mandatory (OAuth 2.1)")
		}
		if method != "" {
			return fmt.Errorf("code_challenge_method given without code_challenge")
		}
		return nil
	}

	switch method {
	case PKCEMethodS256:
	case "":
		return fmt.Errorf("code_challenge_method is required when code_challenge is provided")
	case PKCEMethodPlain:
		return fmt.Errorf("'plain' code_challenge_method is not allowed (only S256 is supported)")
	default:
		return fmt.Errorf("unsupported code_challenge_method: %s (supported: S256)", method)
	}

	// base64url(SHA-256) without padding is always 43 characters
	if len(challenge) != 43 || !isUnreservedString(challenge) {
		return fmt.Errorf("code_challenge must be a base64url encoded SHA-256 digest")
	}
	return nil
}

// validatePKCE validates the PKCE code verifier against the stored challenge per RFC 7636
func validatePKCE(challenge, method, verifier string) error {
	if challenge == "" {
		return nil
	}

	if verifier == "" {
		return fmt.Errorf("code_verifier is required when code_challenge is present")
	}

	if len(verifier) < MinCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at least %d characters (RFC 7636)", MinCodeVerifierLength)
	}
	if len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be at most %d characters (RFC 7636)", MaxCodeVerifierLength)
	}
	if !isUnreservedString(verifier) {
		return fmt.Errorf("code_verifier contains invalid characters (must be [A-Za-z0-9-._~])")
	}

	if method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	hash := sha256.Sum256([]byte(verifier))
	computedChallenge := base64.RawURLEncoding.EncodeToString(hash[:])

	if subtle.ConstantTimeCompare([]byte(computedChallenge), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// isUnreservedString reports whether s only contains RFC 3986 unreserved characters
func isUnreservedString(s string) bool {
	for _, ch := range s {
		isValid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !isValid {
			return false
		}
	}
	return true
}

// validateCustomScheme validates a custom URI scheme against allowed patterns
func validateCustomScheme(scheme string, allowedSchemes []string) error {
	schemeLower := strings.ToLower(scheme)

	if slices.Contains(DangerousSchemes, schemeLower) {
		return fmt.Errorf("redirect_uri scheme '%s' is not allowed for security reasons", scheme)
	}

	if len(allowedSchemes) == 0 {
		allowedSchemes = DefaultRFC3986SchemePattern
	}

	for _, pattern := range allowedSchemes {
		matched, err := regexp.MatchString(pattern, schemeLower)
		if err != nil {
			return fmt.Errorf("invalid scheme pattern '%s': %w", pattern, err)
		}
		if matched {
			return nil
		}
	}

	return fmt.Errorf("redirect_uri scheme '%s' does not match allowed patterns (must match one of: %v)",
		scheme, allowedSchemes)
}
