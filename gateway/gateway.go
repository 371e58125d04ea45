// Package gateway assembles the HTTP surface of the bridge: OAuth endpoints, discovery
// documents, the MCP transport endpoint and health checks, behind a chi router.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	oauth "github.com/akutishevsky/withings-mcp"
	"github.com/akutishevsky/withings-mcp/security"
	"github.com/akutishevsky/withings-mcp/server"
)

const (
	// MCPPath is where the MCP transport is mounted
	MCPPath = "/mcp"

	// HealthPath answers liveness probes
	HealthPath = "/healthz"

	// maxBodySize bounds every request body
	maxBodySize = 2 << 20
)

// Rate limited route names, used as counter key suffix and metric label
const (
	RouteRegister  = "register"
	RouteAuthorize = "authorize"
	RouteToken     = "token"
	RouteRevoke    = "revoke"
)

// SessionCounter reports live MCP sessions for the health endpoint
type SessionCounter interface {
	Count() int
}

// Options are the pieces NewRouter wires together
type Options struct {
	OAuth       *oauth.Handler
	Config      *server.Config
	MCP         http.Handler
	Sessions    SessionCounter
	RateLimiter *security.RateLimiter
	Logger      *slog.Logger
}

// NewRouter builds the bridge router
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := opts.OAuth
	cfg := opts.Config

	r := chi.NewRouter()
	r.Use(middleware.RequestSize(maxBodySize))
	r.Use(middleware.Recoverer)
	r.Use(security.RequestIDMiddleware)
	r.Use(requestLogger(logger))
	r.Use(preflight(h))

	r.Get(HealthPath, healthHandler(opts.Sessions))

	// Discovery (RFC 8414, RFC 9728)
	r.Get(oauth.AuthorizationServerMetadataPath, h.ServeAuthorizationServerMetadata)
	r.Get(oauth.ProtectedResourceMetadataPath, h.ServeProtectedResourceMetadata)
	r.Get(oauth.ProtectedResourceMetadataPath+MCPPath, h.ServeProtectedResourceMetadata)

	limit := func(route string, policy security.RatePolicy) func(http.Handler) http.Handler {
		if opts.RateLimiter == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return opts.RateLimiter.Middleware(route, policy)
	}

	r.With(limit(RouteRegister, cfg.RegisterRateLimit)).Post(oauth.RegisterPath, h.ServeClientRegistration)
	r.With(limit(RouteAuthorize, cfg.AuthorizeRateLimit)).Get(oauth.AuthorizePath, h.ServeAuthorization)
	r.Get(oauth.CallbackPath, h.ServeCallback)
	r.With(limit(RouteToken, cfg.TokenRateLimit)).Post(oauth.TokenPath, h.ServeToken)
	r.With(limit(RouteRevoke, cfg.RevokeRateLimit)).Post(oauth.RevokePath, h.ServeTokenRevocation)

	r.With(h.CORSMiddleware).Handle(MCPPath, opts.MCP)

	return r
}

// preflight answers CORS preflight requests on every route before method routing
func preflight(h *oauth.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				h.ServePreflightRequest(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func healthHandler(sessions SessionCounter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		if sessions != nil {
			body["sessions"] = sessions.Count()
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(body)
	}
}

// requestLogger logs one line per request at debug level.
// The MCP stream is long-lived, so its line is written when the stream ends.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			security.LoggerWithRequestID(r.Context(), logger).Debug("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start))
		})
	}
}
