package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/akutishevsky/withings-mcp/instrumentation"
	"github.com/akutishevsky/withings-mcp/internal/util"
	"github.com/akutishevsky/withings-mcp/security"
	"github.com/akutishevsky/withings-mcp/server"
)

const (
	defaultCORSMaxAge = 3600 // 1 hour default for preflight cache
	tokenTypeBearer   = "Bearer"

	// maxRegistrationBodySize bounds the JSON body of a registration request
	maxRegistrationBodySize = 64 << 10

	// ProtectedResourceMetadataPath is the RFC 9728 discovery path
	ProtectedResourceMetadataPath = "/.well-known/oauth-protected-resource"

	// AuthorizationServerMetadataPath is the RFC 8414 discovery path
	AuthorizationServerMetadataPath = "/.well-known/oauth-authorization-server"
)

// Endpoint paths served by the Handler, relative to the issuer
const (
	RegisterPath  = "/register"
	AuthorizePath = "/authorize"
	CallbackPath  = "/callback"
	TokenPath     = "/token"
	RevokePath    = "/revoke"
)

// Handler is a thin HTTP adapter for the OAuth Server.
// It handles HTTP requests and delegates to the Server for business logic.
type Handler struct {
	server   *server.Server
	logger   *slog.Logger
	tracer   trace.Tracer // OpenTelemetry tracer for HTTP layer
	metrics  *instrumentation.Metrics
	clientIP security.ClientIPResolver

	// logClientIPs adds the client IP to request spans
	logClientIPs bool
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		server:   srv,
		logger:   logger,
		clientIP: srv.Config.ClientIPResolver(),
	}
}

// SetInstrumentation enables HTTP metrics and tracing
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	h.tracer = inst.Tracer("http")
	h.metrics = inst.Metrics()
	h.logClientIPs = inst.ShouldLogClientIPs()
}

// startSpan starts an HTTP span when tracing is enabled. The returned span may be nil;
// the instrumentation helpers are nil-safe.
func (h *Handler) startSpan(r *http.Request, name string) (*http.Request, trace.Span) {
	if h.tracer == nil {
		return r, nil
	}
	ctx, span := h.tracer.Start(r.Context(), "oauth.http."+name)
	if h.logClientIPs {
		instrumentation.AddSecurityAttributes(span, h.clientIP.Resolve(r))
	}
	return r.WithContext(ctx), span
}

// ServeClientRegistration handles dynamic client registration (RFC 7591)
func (h *Handler) ServeClientRegistration(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	r, span := h.startSpan(r, "register")
	if span != nil {
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(r, "register", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	clientIP := h.clientIP.Resolve(r)

	var req ClientRegistrationRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRegistrationBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Debug("Invalid registration request body", "ip", clientIP, "error", err)
		h.recordHTTPMetrics(r, "register", http.MethodPost, http.StatusBadRequest, startTime)
		instrumentation.SetSpanError(span, "invalid body")
		h.writeOAuthError(w, ErrInvalidClientMetadata("Invalid JSON request body"))
		return
	}

	client, clientSecret, err := h.server.RegisterClient(r.Context(), server.ClientRegistration{
		RedirectURIs:            req.RedirectURIs,
		ClientName:              req.ClientName,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
	}, clientIP)
	if err != nil {
		oauthErr := server.AsError(err)
		h.logFailure("Client registration failed", oauthErr, "ip", clientIP)
		h.recordHTTPMetrics(r, "register", http.MethodPost, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, oauthErr)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, client.ClientID))
	instrumentation.SetSpanSuccess(span)

	resp := ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		ClientName:              client.ClientName,
	}
	if clientSecret != "" {
		never := int64(0)
		resp.ClientSecretExpiresAt = &never
	}

	h.recordHTTPMetrics(r, "register", http.MethodPost, http.StatusCreated, startTime)
	h.writeJSON(w, http.StatusCreated, resp)
}

// ServeAuthorization handles the OAuth authorization endpoint.
// A valid request is redirected to the provider's consent page.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	r, span := h.startSpan(r, "authorization")
	if span != nil {
		defer span.End()
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics(r, "authorization", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	query := r.URL.Query()
	req := server.AuthorizationRequest{
		ResponseType:        query.Get("response_type"),
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		State:               query.Get("state"),
		Scope:               query.Get("scope"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		ClientIP:            h.clientIP.Resolve(r),
	}

	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrClientID, req.ClientID),
		attribute.String(instrumentation.AttrPKCEMethod, req.CodeChallengeMethod),
	)

	authURL, err := h.server.StartAuthorizationFlow(r.Context(), req)
	if err != nil {
		oauthErr := server.AsError(err)
		h.logFailure("Failed to start authorization flow", oauthErr, "client_id", util.SafeTruncate(req.ClientID, 64))
		h.recordHTTPMetrics(r, "authorization", http.MethodGet, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, oauthErr)
		return
	}

	h.recordHTTPMetrics(r, "authorization", http.MethodGet, http.StatusFound, startTime)
	instrumentation.SetSpanSuccess(span)

	http.Redirect(w, r, authURL, http.StatusFound)
}

// ServeCallback handles the provider callback and redirects back to the client with a
// broker-issued authorization code and the client's original state.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	r, span := h.startSpan(r, "callback")
	if span != nil {
		defer span.End()
	}

	if r.Method != http.MethodGet {
		h.recordHTTPMetrics(r, "callback", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	query := r.URL.Query()
	state := query.Get("state")

	var (
		result *server.CallbackResult
		err    error
	)
	if errorParam := query.Get("error"); errorParam != "" {
		result, err = h.server.HandleProviderError(r.Context(), state, errorParam, query.Get("error_description"))
	} else {
		result, err = h.server.HandleProviderCallback(r.Context(), state, query.Get("code"))
	}
	if err != nil {
		oauthErr := server.AsError(err)
		h.logFailure("Failed to handle provider callback", oauthErr)
		h.recordHTTPMetrics(r, "callback", http.MethodGet, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, oauthErr)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, result.ClientID))
	instrumentation.SetSpanSuccess(span)

	h.recordHTTPMetrics(r, "callback", http.MethodGet, http.StatusFound, startTime)
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

// ServeToken handles the OAuth token endpoint (authorization_code grant only)
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	r, span := h.startSpan(r, "token")
	if span != nil {
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(r, "token", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(r, "token", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeOAuthError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	req := server.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		ClientIP:     h.clientIP.Resolve(r),
	}
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, req.GrantType)

	result, err := h.server.ExchangeAuthorizationCode(r.Context(), req)
	if err != nil {
		oauthErr := server.AsError(err)
		h.logFailure("Token exchange failed", oauthErr, "client_id", util.SafeTruncate(req.ClientID, 64))
		h.recordHTTPMetrics(r, "token", http.MethodPost, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, oauthErr)
		return
	}

	instrumentation.SetSpanAttributes(span, attribute.Int64(instrumentation.AttrExpiresIn, result.ExpiresIn))
	instrumentation.SetSpanSuccess(span)

	h.recordHTTPMetrics(r, "token", http.MethodPost, http.StatusOK, startTime)
	h.writeTokenResponse(w, result)
}

// ServeTokenRevocation handles the RFC 7009 revocation endpoint.
// Unknown tokens are acknowledged with 200 like known ones.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	r, span := h.startSpan(r, "revoke")
	if span != nil {
		defer span.End()
	}

	if r.Method != http.MethodPost {
		h.recordHTTPMetrics(r, "revoke", r.Method, http.StatusMethodNotAllowed, startTime)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	if err := r.ParseForm(); err != nil {
		h.recordHTTPMetrics(r, "revoke", http.MethodPost, http.StatusBadRequest, startTime)
		h.writeOAuthError(w, ErrInvalidRequest("Failed to parse request"))
		return
	}

	if err := h.server.RevokeToken(r.Context(), r.PostFormValue("token"), h.clientIP.Resolve(r)); err != nil {
		oauthErr := server.AsError(err)
		h.logFailure("Token revocation failed", oauthErr)
		h.recordHTTPMetrics(r, "revoke", http.MethodPost, oauthErr.Status, startTime)
		instrumentation.RecordError(span, err)
		h.writeOAuthError(w, oauthErr)
		return
	}

	instrumentation.SetSpanSuccess(span)
	h.recordHTTPMetrics(r, "revoke", http.MethodPost, http.StatusOK, startTime)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

// ServeAuthorizationServerMetadata serves RFC 8414 authorization server metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	issuer := h.server.Config.Issuer
	h.writeJSON(w, http.StatusOK, AuthorizationServerMetadata{
		Issuer:                                 issuer,
		AuthorizationEndpoint:                  issuer + AuthorizePath,
		TokenEndpoint:                          issuer + TokenPath,
		RegistrationEndpoint:                   issuer + RegisterPath,
		RevocationEndpoint:                     issuer + RevokePath,
		ResponseTypesSupported:                 []string{"code"},
		GrantTypesSupported:                    []string{"authorization_code"},
		TokenEndpointAuthMethodsSupported:      SupportedTokenAuthMethods,
		RevocationEndpointAuthMethodsSupported: []string{server.TokenEndpointAuthMethodNone},
		CodeChallengeMethodsSupported:          []string{server.PKCEMethodS256},
	})
}

// ServeProtectedResourceMetadata serves RFC 9728 protected resource metadata for the MCP endpoint
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)

	h.writeJSON(w, http.StatusOK, ProtectedResourceMetadata{
		Resource:               h.server.Config.ResourceIdentifier,
		AuthorizationServers:   []string{h.server.Config.Issuer},
		BearerMethodsSupported: []string{"header"},
		ResourceName:           "Withings MCP",
	})
}

// SupportedTokenAuthMethods lists the token endpoint authentication methods clients may register
var SupportedTokenAuthMethods = []string{
	server.TokenEndpointAuthMethodNone,
	server.TokenEndpointAuthMethodPost,
}

// WWWAuthenticate returns the Bearer challenge for a 401 from a protected resource.
// It is exported for the MCP transport, which shares the resource metadata URL.
func (h *Handler) WWWAuthenticate(errCode, errorDesc string) string {
	return h.formatWWWAuthenticate(errCode, errorDesc)
}

// formatWWWAuthenticate formats the WWW-Authenticate header value per RFC 6750 and RFC 9728.
//
// Example output:
//
//	Bearer resource_metadata="https://example.com/.well-known/oauth-protected-resource",
//	       error="invalid_token",
//	       error_description="Token has expired"
func (h *Handler) formatWWWAuthenticate(errCode, errorDesc string) string {
	params := []string{
		fmt.Sprintf(`resource_metadata="%s"`, h.server.Config.Issuer+ProtectedResourceMetadataPath),
	}

	if errCode != "" {
		params = append(params, fmt.Sprintf(`error="%s"`, quoteEscape(errCode)))
	}

	if errorDesc != "" {
		params = append(params, fmt.Sprintf(`error_description="%s"`, quoteEscape(errorDesc)))
	}

	return tokenTypeBearer + " " + strings.Join(params, ", ")
}

// quoteEscape escapes a value for an RFC 7230 quoted-string. Backslashes go first.
func quoteEscape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// writeTokenResponse writes a successful token response. Tokens are never cached.
func (h *Handler) writeTokenResponse(w http.ResponseWriter, result *server.TokenResult) {
	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken: result.AccessToken,
		TokenType:   result.TokenType,
		ExpiresIn:   result.ExpiresIn,
		Scope:       result.Scope,
	})
}

// writeOAuthError writes err as an OAuth JSON error body
func (h *Handler) writeOAuthError(w http.ResponseWriter, err *OAuthError) {
	h.writeError(w, err.Code, err.Description, err.Status)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", h.formatWWWAuthenticate(code, description))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// logFailure logs at error level for 5xx responses and at info level for client errors
func (h *Handler) logFailure(msg string, err *OAuthError, args ...any) {
	args = append(args, "code", err.Code, "status", err.Status, "error", err)
	if err.Status >= http.StatusInternalServerError {
		h.logger.Error(msg, args...)
		return
	}
	h.logger.Info(msg, args...)
}

// setCORSHeaders sets CORS headers if configured and the origin is allowed.
// Only applies if AllowedOrigins is configured, Origin header is present, and origin is allowed.
func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(h.server.Config.AllowedOrigins) == 0 {
		return
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}

	if !h.isAllowedOrigin(origin) {
		h.logger.Debug("CORS request from disallowed origin", "origin", util.SafeTruncate(origin, 128))
		return
	}

	// Echo back the specific origin rather than using "*"
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Add("Vary", "Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Mcp-Session-Id")
	w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id, WWW-Authenticate")
	w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", defaultCORSMaxAge))
}

// isAllowedOrigin checks if the given origin is in the allowed origins list.
// Supports exact matching and wildcard "*" for development.
func (h *Handler) isAllowedOrigin(origin string) bool {
	for _, allowed := range h.server.Config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// CORSMiddleware applies the Handler's CORS policy to routes it does not serve itself
func (h *Handler) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.setCORSHeaders(w, r)
		next.ServeHTTP(w, r)
	})
}

// ServePreflightRequest handles CORS preflight (OPTIONS) requests.
func (h *Handler) ServePreflightRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodOptions {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.setCORSHeaders(w, r)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusNoContent)
}

// recordHTTPMetrics records HTTP request metrics (total count and duration) and tags the
// request span with the outcome
func (h *Handler) recordHTTPMetrics(r *http.Request, endpoint, method string, status int, startTime time.Time) {
	if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
		instrumentation.AddHTTPAttributes(span, method, endpoint, status)
	}
	if h.metrics == nil {
		return
	}
	duration := time.Since(startTime).Seconds() * 1000 // convert to milliseconds
	h.metrics.RecordHTTPRequest(context.Background(), method, endpoint, status, duration)
}
