package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/akutishevsky/withings-mcp/internal/util"
	"github.com/akutishevsky/withings-mcp/server"
)

const (
	// SessionIDHeader carries the session ID on every request after the stream is opened
	SessionIDHeader = "Mcp-Session-Id"

	// sessionIDQueryParam is accepted on POST for clients that follow the endpoint event URL
	sessionIDQueryParam = "sessionId"

	maxMessageBodySize = 1 << 20
)

// TokenValidator resolves a bearer token. *server.Server satisfies it.
type TokenValidator interface {
	ValidateBridgeToken(ctx context.Context, token string) error
}

// ChallengeFunc builds the WWW-Authenticate value for a 401
type ChallengeFunc func(errCode, errorDesc string) string

// Handler serves the MCP endpoint: GET opens the SSE stream, POST delivers one JSON-RPC
// message, DELETE closes the session.
type Handler struct {
	manager   *Manager
	validator TokenValidator
	challenge ChallengeFunc
	logger    *slog.Logger
	path      string
}

// NewHandler creates the SSE endpoint mounted at path
func NewHandler(manager *Manager, validator TokenValidator, challenge ChallengeFunc, path string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if challenge == nil {
		challenge = func(string, string) string { return "Bearer" }
	}
	return &Handler{
		manager:   manager,
		validator: validator,
		challenge: challenge,
		logger:    logger,
		path:      path,
	}
}

// ServeHTTP dispatches on the request method
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.serveStream(w, r)
	case http.MethodPost:
		h.serveMessage(w, r)
	case http.MethodDelete:
		h.serveDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request) {
	bearer, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	session, err := h.manager.Create(r.Context(), r.Header.Get(SessionIDHeader), bearer)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set(SessionIDHeader, session.ID)
	w.WriteHeader(http.StatusOK)

	endpoint := h.path + "?" + url.Values{sessionIDQueryParam: {session.ID}}.Encode()
	if err := writeEvent(w, "endpoint", []byte(endpoint)); err != nil {
		h.manager.CloseSession(session, CloseReasonDisconnect)
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(h.manager.Config().HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.manager.CloseSession(session, CloseReasonDisconnect)
			return

		case <-session.Done():
			return

		case data := <-session.Outbound():
			if err := writeEvent(w, "message", data); err != nil {
				h.logger.Debug("SSE write failed",
					"session_id", util.SafeTruncate(session.ID, 16),
					"error", err)
				h.manager.CloseSession(session, CloseReasonDisconnect)
				return
			}
			flusher.Flush()
			session.Touch(time.Now())

		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				h.manager.CloseSession(session, CloseReasonHeartbeatFailed)
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) serveMessage(w http.ResponseWriter, r *http.Request) {
	bearer, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	id := sessionID(r)
	if id == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "missing session id")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBodySize))
	if err != nil || !json.Valid(body) {
		writeParseError(w)
		return
	}

	if err := h.manager.Deliver(r.Context(), id, bearer, body); err != nil {
		h.writeSessionError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) serveDelete(w http.ResponseWriter, r *http.Request) {
	bearer, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	id := sessionID(r)
	session, err := h.manager.Get(id, bearer)
	if err != nil {
		h.writeSessionError(w, err)
		return
	}

	h.manager.CloseSession(session, CloseReasonExplicit)
	w.WriteHeader(http.StatusNoContent)
}

// authenticate extracts the bearer and checks it still resolves to a credential.
// It writes the 401 itself and reports false on failure.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	bearer := bearerToken(r.Header.Get("Authorization"))
	if bearer == "" {
		h.writeUnauthorized(w, "missing bearer token")
		return "", false
	}

	if err := h.validator.ValidateBridgeToken(r.Context(), bearer); err != nil {
		oauthErr := server.AsError(err)
		if oauthErr.Status != http.StatusUnauthorized {
			h.logger.Error("Bearer validation failed", "error", err)
			writeJSONError(w, oauthErr.Status, oauthErr.Code, oauthErr.Description)
			return "", false
		}
		h.writeUnauthorized(w, oauthErr.Description)
		return "", false
	}
	return bearer, true
}

func (h *Handler) writeUnauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("WWW-Authenticate", h.challenge(server.ErrorCodeInvalidToken, description))
	writeJSONError(w, http.StatusUnauthorized, server.ErrorCodeInvalidToken, description)
}

func (h *Handler) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrForbidden):
		writeJSONError(w, http.StatusForbidden, "forbidden", "session belongs to another token")
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionClosed):
		writeJSONError(w, http.StatusNotFound, "session_not_found", "unknown or closed session")
	case errors.Is(err, ErrInvalidSessionID):
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "invalid session id")
	case errors.Is(err, ErrTooManySessions):
		writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "too many open sessions")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusServiceUnavailable, "temporarily_unavailable", "request canceled")
	default:
		h.logger.Error("Session operation failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "internal server error")
	}
}

func sessionID(r *http.Request) string {
	if id := r.Header.Get(SessionIDHeader); id != "" {
		return id
	}
	return r.URL.Query().Get(sessionIDQueryParam)
}

// bearerToken returns the credentials of an RFC 6750 Authorization header, or ""
func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// writeEvent writes one SSE event. Data lines are split so embedded newlines stay framed.
func writeEvent(w io.Writer, event string, data []byte) error {
	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", event)
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	return err
}

func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// writeParseError writes a JSON-RPC parse error (-32700) with a null id
func writeParseError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": mcp.JSONRPC_VERSION,
		"id":      nil,
		"error": map[string]any{
			"code":    mcp.PARSE_ERROR,
			"message": "Parse error",
		},
	})
}
