package server

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/akutishevsky/withings-mcp/internal/util"
)

// RedirectURISecurityError represents a redirect URI validation error
// with detailed information for operators while keeping error messages generic for clients.
type RedirectURISecurityError struct {
	// Category is the error category for logging/metrics
	Category string
	// URI is the offending redirect URI (sanitized for logging)
	URI string
	// Reason is the detailed internal reason (for logs, not returned to client)
	Reason string
	// ClientMessage is the message safe to return to clients
	ClientMessage string
}

func (e *RedirectURISecurityError) Error() string {
	return e.ClientMessage
}

// Redirect URI security error categories for metrics and logging.
const (
	RedirectURIErrorCategoryBlockedScheme   = "blocked_scheme"
	RedirectURIErrorCategoryPrivateIP       = "private_ip"
	RedirectURIErrorCategoryLinkLocal       = "link_local"
	RedirectURIErrorCategoryHTTPNotAllowed  = "http_not_allowed"
	RedirectURIErrorCategoryInvalidFormat   = "invalid_format"
	RedirectURIErrorCategoryFragment        = "fragment_not_allowed"
	RedirectURIErrorCategoryUnspecifiedAddr = "unspecified_address"
)

// ValidateRedirectURIForRegistration validates a redirect URI presented at client registration.
//
// Accepted forms:
//   - https URIs, except link-local and unspecified addresses, and private addresses unless
//     AllowPrivateIPRedirectURIs is set
//   - http URIs on a loopback host (native apps listening locally, RFC 8252)
//   - custom schemes for native apps matching AllowedCustomSchemes
//
// The URI must be absolute and must not carry a fragment.
func (s *Server) ValidateRedirectURIForRegistration(redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil || parsed.Scheme == "" {
		reason := "missing scheme"
		if err != nil {
			reason = fmt.Sprintf("URL parse error: %v", err)
		}
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryInvalidFormat,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        reason,
			ClientMessage: "redirect_uri: must be an absolute URI",
		}
	}

	if parsed.Fragment != "" || strings.Contains(redirectURI, "#") {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryFragment,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        "URI contains fragment which is prohibited by OAuth 2.0 Security BCP",
			ClientMessage: "redirect_uri: fragments are not allowed",
		}
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme == SchemeHTTP || scheme == SchemeHTTPS {
		return s.validateHTTPRedirectURI(parsed)
	}

	if err := validateCustomScheme(scheme, s.Config.AllowedCustomSchemes); err != nil {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryBlockedScheme,
			URI:           sanitizeURIForLogging(redirectURI),
			Reason:        err.Error(),
			ClientMessage: fmt.Sprintf("redirect_uri: scheme '%s' is not allowed", scheme),
		}
	}
	return nil
}

// validateHTTPRedirectURI applies the host rules for http and https redirect URIs.
func (s *Server) validateHTTPRedirectURI(parsed *url.URL) error {
	hostname := strings.ToLower(parsed.Hostname())
	uri := sanitizeURIForLogging(parsed.String())

	if hostname == "" {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryInvalidFormat,
			URI:           uri,
			Reason:        "missing host",
			ClientMessage: "redirect_uri: host is required",
		}
	}

	if util.IsLoopbackHostname(hostname) {
		return nil
	}

	if strings.ToLower(parsed.Scheme) != SchemeHTTPS {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryHTTPNotAllowed,
			URI:           uri,
			Reason:        "plain http on a non-loopback host",
			ClientMessage: "redirect_uri: must use https unless the host is loopback",
		}
	}

	ip := net.ParseIP(strings.Trim(hostname, "[]"))
	if ip == nil {
		return nil
	}

	switch util.ClassifyIP(ip) {
	case util.IPClassificationUnspecified:
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryUnspecifiedAddr,
			URI:           uri,
			Reason:        "unspecified address",
			ClientMessage: "redirect_uri: unspecified addresses are not allowed",
		}
	case util.IPClassificationLinkLocal:
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryLinkLocal,
			URI:           uri,
			Reason:        "link-local address (cloud metadata range)",
			ClientMessage: "redirect_uri: link-local addresses are not allowed",
		}
	case util.IPClassificationPrivate:
		if !s.Config.AllowPrivateIPRedirectURIs {
			return &RedirectURISecurityError{
				Category:      RedirectURIErrorCategoryPrivateIP,
				URI:           uri,
				Reason:        "private address",
				ClientMessage: "redirect_uri: private IP addresses are not allowed",
			}
		}
	}
	return nil
}

// ValidateRedirectURIsForRegistration validates every redirect URI of a registration request.
func (s *Server) ValidateRedirectURIsForRegistration(redirectURIs []string) error {
	if len(redirectURIs) == 0 {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryInvalidFormat,
			Reason:        "no redirect URIs",
			ClientMessage: "redirect_uris: at least one redirect URI is required",
		}
	}
	if len(redirectURIs) > s.Config.MaxRedirectURIs {
		return &RedirectURISecurityError{
			Category:      RedirectURIErrorCategoryInvalidFormat,
			Reason:        fmt.Sprintf("%d redirect URIs", len(redirectURIs)),
			ClientMessage: fmt.Sprintf("redirect_uris: at most %d redirect URIs are allowed", s.Config.MaxRedirectURIs),
		}
	}
	for _, uri := range redirectURIs {
		if err := s.ValidateRedirectURIForRegistration(uri); err != nil {
			return err
		}
	}
	return nil
}

// sanitizeURIForLogging strips query and userinfo so logged URIs never carry secrets.
func sanitizeURIForLogging(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return util.SafeTruncate(uri, 50)
	}
	parsed.User = nil
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return util.SafeTruncate(parsed.String(), 200)
}

// GetRedirectURIErrorCategory returns the category of a redirect URI error, or "unknown".
func GetRedirectURIErrorCategory(err error) string {
	if secErr, ok := err.(*RedirectURISecurityError); ok {
		return secErr.Category
	}
	return "unknown"
}
