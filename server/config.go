package server

import (
	"log/slog"
	"time"

	"github.com/akutishevsky/withings-mcp/security"
)

// Config holds OAuth broker configuration
type Config struct {
	// Issuer is the broker's issuer identifier (base URL)
	Issuer string

	// ResourceIdentifier is the protected MCP endpoint advertised in resource metadata
	// Default: Issuer + "/mcp"
	ResourceIdentifier string

	// AuthorizationStateTTL is how long a started flow waits for the provider callback
	AuthorizationStateTTL time.Duration // default: 10 minutes

	// AuthorizationCodeTTL is how long issued authorization codes are valid
	AuthorizationCodeTTL time.Duration // default: 10 minutes

	// BridgeTokenTTL is the lifetime of issued bridge tokens and their vault records
	BridgeTokenTTL time.Duration // default: 30 days

	// AllowMissingPKCE lets /authorize accept requests without code_challenge.
	// Only S256 is ever accepted when a challenge is present.
	// Default: false (PKCE required)
	AllowMissingPKCE bool

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy
	// Default: false
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int // default: 1

	// MaxRedirectURIs limits the redirect URIs one client may register
	// Default: 10
	MaxRedirectURIs int // default: 10

	// AllowPrivateIPRedirectURIs allows https redirect URIs pointing at RFC 1918 addresses
	// Default: false
	AllowPrivateIPRedirectURIs bool

	// AllowedCustomSchemes is a list of allowed custom URI scheme patterns (regex) for native
	// app redirect URIs. Empty allows all RFC 3986 compliant schemes.
	AllowedCustomSchemes []string

	// AllowedOrigins lists browser origins allowed by CORS on the OAuth endpoints.
	// Empty disables CORS headers.
	AllowedOrigins []string

	// Per-route fixed-window rate limits, keyed by client IP
	RegisterRateLimit  security.RatePolicy // default: 10 per hour
	AuthorizeRateLimit security.RatePolicy // default: 30 per minute
	TokenRateLimit     security.RatePolicy // default: 30 per minute
	RevokeRateLimit    security.RatePolicy // default: 30 per minute
}

// BridgeTokenTTLSeconds returns BridgeTokenTTL as the expires_in value of token responses.
func (c *Config) BridgeTokenTTLSeconds() int64 {
	return int64(c.BridgeTokenTTL / time.Second)
}

// ClientIPResolver returns the resolver matching the proxy settings.
func (c *Config) ClientIPResolver() security.ClientIPResolver {
	return security.ClientIPResolver{TrustProxy: c.TrustProxy, TrustedProxyCount: c.TrustedProxyCount}
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applyRateLimitDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationStateTTL == 0 {
		config.AuthorizationStateTTL = 10 * time.Minute
	}
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 10 * time.Minute
	}
	if config.BridgeTokenTTL == 0 {
		config.BridgeTokenTTL = 30 * 24 * time.Hour
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.MaxRedirectURIs == 0 {
		config.MaxRedirectURIs = 10
	}
	if config.ResourceIdentifier == "" && config.Issuer != "" {
		config.ResourceIdentifier = config.Issuer + "/mcp"
	}
}

func applyRateLimitDefaults(config *Config) {
	defaultPolicy := func(p *security.RatePolicy, max int, window time.Duration) {
		if p.MaxRequests == 0 && p.Window == 0 {
			p.MaxRequests = max
			p.Window = window
		}
		if p.MaxRequests > 0 && p.Window == 0 {
			p.Window = window
		}
	}
	defaultPolicy(&config.RegisterRateLimit, 10, time.Hour)
	defaultPolicy(&config.AuthorizeRateLimit, 30, time.Minute)
	defaultPolicy(&config.TokenRateLimit, 30, time.Minute)
	defaultPolicy(&config.RevokeRateLimit, 30, time.Minute)
}

// applySecurityDefaults warns about every setting that weakens the secure zero values
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	logSecurityWarnings(config, logger)
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowMissingPKCE {
		logger.Warn("SECURITY WARNING: PKCE is not required",
			"risk", "Authorization code interception attacks",
			"recommendation", "Unset AllowMissingPKCE for OAuth 2.1 compliance")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"trusted_proxy_count", config.TrustedProxyCount)
	}
	if config.AllowPrivateIPRedirectURIs {
		logger.Warn("SECURITY NOTICE: Private IP redirect URIs are allowed",
			"risk", "SSRF towards internal services")
	}
}
