package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIPResolver extracts the caller address used as rate limit identity and audit field.
//
// Only set TrustProxy behind a reverse proxy you control. X-Forwarded-For has the form
// "client, proxy1, proxy2"; TrustedProxyCount is the number of entries on the right that were
// appended by trusted proxies (0 means 1).
type ClientIPResolver struct {
	TrustProxy        bool
	TrustedProxyCount int
}

// Resolve returns the client IP of r.
func (c ClientIPResolver) Resolve(r *http.Request) string {
	return GetClientIP(r, c.TrustProxy, c.TrustedProxyCount)
}

// GetClientIP extracts the client IP address from the request, honouring X-Forwarded-For and
// X-Real-IP only when trustProxy is set.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientIPFromXFF picks the entry just left of the trusted proxies.
// With fewer entries than proxies the leftmost entry is used.
func clientIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	ips := strings.Split(xff, ",")

	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}
	idx := len(ips) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(ips[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
