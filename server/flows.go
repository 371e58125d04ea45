package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/akutishevsky/withings-mcp/instrumentation"
	"github.com/akutishevsky/withings-mcp/internal/util"
	"github.com/akutishevsky/withings-mcp/security"
	"github.com/akutishevsky/withings-mcp/storage"
	"github.com/akutishevsky/withings-mcp/vault"
)

// AuthorizationRequest carries the parameters of GET /authorize
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	State               string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	ClientIP            string
}

// CallbackResult is where the user agent goes after the provider callback
type CallbackResult struct {
	// RedirectURL is the client's redirect URI with code (or error) and the client state
	RedirectURL string
	ClientID    string
}

// TokenRequest carries the form parameters of POST /token
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	ClientIP     string
}

// TokenResult is a successful token response
type TokenResult struct {
	AccessToken string
	TokenType   string
	ExpiresIn   int64
	Scope       string
}

// StartAuthorizationFlow validates an authorization request, records it under a new provider
// state and returns the provider's authorization URL.
func (s *Server) StartAuthorizationFlow(ctx context.Context, req AuthorizationRequest) (string, error) {
	ctx, span := s.startSpan(ctx, "authorize")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "")

	if req.ResponseType != "code" {
		s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "unsupported_response_type")
		return "", &Error{
			Code:        ErrorCodeUnsupportedResponseType,
			Description: "response_type must be code",
			Status:      http.StatusBadRequest,
		}
	}

	if req.ClientID == "" {
		return "", invalidRequest("client_id is required")
	}

	if err := validateStateParameter(req.State); err != nil {
		s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "invalid_state_parameter")
		return "", invalidRequest(err.Error())
	}

	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, ErrorCodeInvalidClient)
			return "", invalidRequest("unknown client_id")
		}
		instrumentation.RecordError(span, err)
		return "", serverError("failed to load client", http.StatusInternalServerError, err)
	}

	if err := validateRedirectURI(client, req.RedirectURI); err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirect,
			ClientID:  req.ClientID,
			IPAddress: req.ClientIP,
			Details:   map[string]any{"stage": "authorize"},
		})
		return "", invalidRequest(err.Error())
	}

	if err := validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod, !s.Config.AllowMissingPKCE); err != nil {
		s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "invalid_pkce_parameters")
		if s.metrics != nil {
			s.metrics.RecordPKCEValidationFailed(ctx, req.CodeChallengeMethod)
		}
		return "", invalidRequest(err.Error())
	}

	// The provider only ever sees this state; the client's state stays on the record
	providerState := generateRandomToken()
	now := s.now()
	authState := &storage.AuthorizationState{
		ProviderState:       providerState,
		ClientState:         req.State,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationStateTTL),
	}
	if err := s.flowStore.SaveAuthorizationState(ctx, authState); err != nil {
		instrumentation.RecordError(span, err)
		return "", serverError("failed to start authorization", http.StatusInternalServerError,
			fmt.Errorf("failed to save authorization state: %w", err))
	}

	s.Auditor.LogEvent(security.Event{
		Type:      security.EventAuthorizationFlowStarted,
		ClientID:  req.ClientID,
		IPAddress: req.ClientIP,
		Details: map[string]any{
			"code_challenge_method": req.CodeChallengeMethod,
		},
	})
	if s.metrics != nil {
		s.metrics.RecordAuthorizationStarted(ctx, req.ClientID)
	}
	instrumentation.AddPKCEAttributes(span, req.CodeChallengeMethod)
	instrumentation.SetSpanSuccess(span)

	return s.provider.AuthorizationURL(providerState), nil
}

// HandleProviderCallback completes the provider leg of a flow: it consumes the flow recorded
// under providerState, keeps the provider code encrypted on a new authorization code and returns
// the client redirect carrying that code and the client's original state.
func (s *Server) HandleProviderCallback(ctx context.Context, providerState, providerCode string) (*CallbackResult, error) {
	ctx, span := s.startSpan(ctx, "callback")
	defer span.End()

	authState, err := s.consumeAuthorizationState(ctx, providerState)
	if err != nil {
		return nil, err
	}
	instrumentation.AddOAuthFlowAttributes(span, authState.ClientID, "")

	if providerCode == "" {
		s.recordCallback(ctx, authState.ClientID, false)
		return nil, invalidRequest("missing code parameter")
	}

	encryptedCode, err := s.Encryptor.Encrypt(providerCode)
	if err != nil {
		s.recordCallback(ctx, authState.ClientID, false)
		instrumentation.RecordError(span, err)
		return nil, serverError("failed to complete authorization", http.StatusInternalServerError,
			fmt.Errorf("failed to encrypt provider code: %w", err))
	}

	now := s.now()
	authCode := &storage.AuthorizationCode{
		Code:                  generateRandomToken(),
		EncryptedProviderCode: encryptedCode,
		ClientID:              authState.ClientID,
		RedirectURI:           authState.RedirectURI,
		Scope:                 authState.Scope,
		CodeChallenge:         authState.CodeChallenge,
		CodeChallengeMethod:   authState.CodeChallengeMethod,
		CreatedAt:             now,
		ExpiresAt:             now.Add(s.Config.AuthorizationCodeTTL),
	}
	if err := s.flowStore.SaveAuthorizationCode(ctx, authCode); err != nil {
		s.recordCallback(ctx, authState.ClientID, false)
		instrumentation.RecordError(span, err)
		return nil, serverError("failed to complete authorization", http.StatusInternalServerError,
			fmt.Errorf("failed to save authorization code: %w", err))
	}

	redirectURL, err := buildClientRedirect(authState.RedirectURI, url.Values{
		"code":  {authCode.Code},
		"state": {authState.ClientState},
	})
	if err != nil {
		s.recordCallback(ctx, authState.ClientID, false)
		return nil, serverError("failed to complete authorization", http.StatusInternalServerError, err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventAuthorizationCodeIssued,
		ClientID: authState.ClientID,
	})
	s.recordCallback(ctx, authState.ClientID, true)
	instrumentation.SetSpanSuccess(span)

	return &CallbackResult{RedirectURL: redirectURL, ClientID: authState.ClientID}, nil
}

// HandleProviderError forwards a provider error callback (e.g. access_denied) to the client
// redirect of the flow recorded under providerState. The flow is consumed.
func (s *Server) HandleProviderError(ctx context.Context, providerState, errorCode, errorDescription string) (*CallbackResult, error) {
	authState, err := s.consumeAuthorizationState(ctx, providerState)
	if err != nil {
		return nil, err
	}

	s.Logger.Info("Provider returned an authorization error",
		"client_id", authState.ClientID,
		"error", util.SafeTruncate(errorCode, 64))
	s.recordCallback(ctx, authState.ClientID, false)

	// Only forward well-known codes; anything else becomes access_denied
	switch errorCode {
	case ErrorCodeAccessDenied, ErrorCodeInvalidRequest, ErrorCodeServerError, "temporarily_unavailable", "invalid_scope":
	default:
		errorCode = ErrorCodeAccessDenied
	}

	params := url.Values{
		"error": {errorCode},
		"state": {authState.ClientState},
	}
	if errorDescription != "" {
		params.Set("error_description", util.SafeTruncate(errorDescription, 256))
	}

	redirectURL, err := buildClientRedirect(authState.RedirectURI, params)
	if err != nil {
		return nil, serverError("failed to complete authorization", http.StatusInternalServerError, err)
	}
	return &CallbackResult{RedirectURL: redirectURL, ClientID: authState.ClientID}, nil
}

func (s *Server) consumeAuthorizationState(ctx context.Context, providerState string) (*storage.AuthorizationState, error) {
	if providerState == "" {
		return nil, invalidRequest("missing state parameter")
	}

	authState, err := s.flowStore.ConsumeAuthorizationState(ctx, providerState)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationStateNotFound) {
			s.Auditor.LogEvent(security.Event{
				Type:    security.EventAuthFailure,
				Details: map[string]any{"reason": "provider_state_not_found"},
			})
			return nil, invalidRequest("invalid or expired state parameter")
		}
		return nil, serverError("failed to complete authorization", http.StatusInternalServerError,
			fmt.Errorf("failed to consume authorization state: %w", err))
	}

	if security.IsExpired(authState.ExpiresAt, s.now()) {
		return nil, invalidRequest("invalid or expired state parameter")
	}
	return authState, nil
}

func (s *Server) recordCallback(ctx context.Context, clientID string, success bool) {
	if s.metrics != nil {
		s.metrics.RecordCallbackProcessed(ctx, clientID, success)
	}
}

// buildClientRedirect appends params to the query of a registered redirect URI
func buildClientRedirect(redirectURI string, params url.Values) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid stored redirect URI: %w", err)
	}
	q := u.Query()
	for key, values := range params {
		for _, v := range values {
			q.Set(key, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ExchangeAuthorizationCode redeems an authorization code for a bridge token.
// The code is consumed before any check, so a failed attempt also burns it.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, req TokenRequest) (*TokenResult, error) {
	ctx, span := s.startSpan(ctx, "token")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, req.GrantType)

	if req.GrantType != "authorization_code" {
		return nil, &Error{
			Code:        ErrorCodeUnsupportedGrantType,
			Description: "only authorization_code is supported",
			Status:      http.StatusBadRequest,
		}
	}
	if req.Code == "" {
		return nil, invalidRequest("code is required")
	}

	authCode, err := s.flowStore.ConsumeAuthorizationCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
			s.Logger.Debug("Authorization code not found",
				"client_id", req.ClientID,
				"code_prefix", util.SafeTruncate(req.Code, 8))
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventCodeNotFound,
				ClientID:  req.ClientID,
				IPAddress: req.ClientIP,
			})
			s.recordExchange(ctx, req.ClientID, "invalid_code")
			return nil, invalidGrant("invalid authorization code")
		}
		instrumentation.RecordError(span, err)
		return nil, serverError("failed to redeem authorization code", http.StatusInternalServerError,
			fmt.Errorf("failed to consume authorization code: %w", err))
	}

	if security.IsExpired(authCode.ExpiresAt, s.now()) {
		s.recordExchange(ctx, authCode.ClientID, "expired_code")
		return nil, invalidGrant("invalid authorization code")
	}

	if req.ClientID != "" && req.ClientID != authCode.ClientID {
		s.Auditor.LogAuthFailure(req.ClientID, req.ClientIP, "client_id_mismatch")
		s.recordExchange(ctx, authCode.ClientID, "client_mismatch")
		return nil, invalidGrant("authorization code was not issued to this client")
	}

	if req.RedirectURI != authCode.RedirectURI {
		s.Auditor.LogAuthFailure(authCode.ClientID, req.ClientIP, "redirect_uri_mismatch")
		s.recordExchange(ctx, authCode.ClientID, "redirect_mismatch")
		return nil, invalidGrant("redirect_uri does not match the authorization request")
	}

	client, err := s.clientStore.GetClient(ctx, authCode.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, &Error{Code: ErrorCodeInvalidClient, Description: "unknown client", Status: http.StatusUnauthorized}
		}
		return nil, serverError("failed to redeem authorization code", http.StatusInternalServerError, err)
	}
	if err := authenticateClient(client, req.ClientSecret); err != nil {
		s.Auditor.LogAuthFailure(client.ClientID, req.ClientIP, err.Error())
		s.recordExchange(ctx, client.ClientID, "client_auth_failed")
		return nil, &Error{Code: ErrorCodeInvalidClient, Description: "client authentication failed", Status: http.StatusUnauthorized}
	}

	if err := validatePKCE(authCode.CodeChallenge, authCode.CodeChallengeMethod, req.CodeVerifier); err != nil {
		s.Logger.Debug("PKCE validation failed", "client_id", authCode.ClientID, "reason", err.Error())
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventPKCEValidationFailed,
			ClientID:  authCode.ClientID,
			IPAddress: req.ClientIP,
		})
		if s.metrics != nil {
			s.metrics.RecordPKCEValidationFailed(ctx, authCode.CodeChallengeMethod)
		}
		s.recordExchange(ctx, authCode.ClientID, "pkce_failed")
		return nil, invalidGrant("PKCE verification failed")
	}

	providerCode, err := s.Encryptor.Decrypt(authCode.EncryptedProviderCode)
	if err != nil {
		s.recordExchange(ctx, authCode.ClientID, "error")
		return nil, serverError("failed to redeem authorization code", http.StatusInternalServerError,
			fmt.Errorf("failed to decrypt provider code: %w", err))
	}

	instrumentation.AddProviderAttributes(span, s.provider.Name(), "exchange_code")
	tokens, err := s.provider.ExchangeCode(ctx, providerCode)
	if err != nil {
		s.Logger.Error("Provider code exchange failed",
			"client_id", authCode.ClientID,
			"error", err)
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventProviderCodeExchangeFailed,
			ClientID:  authCode.ClientID,
			IPAddress: req.ClientIP,
		})
		s.recordExchange(ctx, authCode.ClientID, "provider_error")
		instrumentation.RecordError(span, err)
		return nil, serverError("failed to exchange authorization code with the provider", http.StatusBadGateway, err)
	}

	bridgeToken := generateRandomToken()
	if err := s.vault.Store(ctx, bridgeToken, vault.Credential{
		AccessToken:    tokens.Token.AccessToken,
		RefreshToken:   tokens.Token.RefreshToken,
		ProviderUserID: tokens.UserID,
		ExpiresAt:      tokens.Token.Expiry,
	}); err != nil {
		s.recordExchange(ctx, authCode.ClientID, "error")
		instrumentation.RecordError(span, err)
		return nil, serverError("failed to issue token", http.StatusInternalServerError, err)
	}

	s.Auditor.LogTokenIssued(tokens.UserID, authCode.ClientID, req.ClientIP)
	s.recordExchange(ctx, authCode.ClientID, "success")
	s.Logger.Info("Issued bridge token",
		"client_id", authCode.ClientID,
		"expires_in", s.Config.BridgeTokenTTLSeconds())
	instrumentation.SetSpanSuccess(span)

	return &TokenResult{
		AccessToken: bridgeToken,
		TokenType:   "Bearer",
		ExpiresIn:   s.Config.BridgeTokenTTLSeconds(),
		Scope:       authCode.Scope,
	}, nil
}

func (s *Server) recordExchange(ctx context.Context, clientID, result string) {
	if s.metrics != nil {
		s.metrics.RecordCodeExchange(ctx, clientID, result)
	}
}

// RevokeToken revokes a bridge token (RFC 7009) by deleting its vault record.
// Unknown tokens are not an error.
func (s *Server) RevokeToken(ctx context.Context, token, clientIP string) error {
	if token == "" {
		return invalidRequest("token is required")
	}

	_, err := s.vault.Get(ctx, token)
	found := err == nil
	if err != nil && !errors.Is(err, vault.ErrCredentialNotFound) {
		return serverError("failed to revoke token", http.StatusInternalServerError, err)
	}

	if found {
		if err := s.vault.Delete(ctx, token); err != nil {
			return serverError("failed to revoke token", http.StatusInternalServerError, err)
		}
		if s.metrics != nil {
			s.metrics.RecordTokenRevoked(ctx)
		}
	}

	s.Auditor.LogTokenRevoked(clientIP, found)
	return nil
}

// ValidateBridgeToken reports whether token resolves to a stored credential.
func (s *Server) ValidateBridgeToken(ctx context.Context, token string) error {
	if token == "" {
		return &Error{Code: ErrorCodeInvalidToken, Description: "missing bearer token", Status: http.StatusUnauthorized}
	}
	if _, err := s.vault.Get(ctx, token); err != nil {
		if errors.Is(err, vault.ErrCredentialNotFound) {
			return &Error{Code: ErrorCodeInvalidToken, Description: "invalid or expired token", Status: http.StatusUnauthorized}
		}
		return serverError("failed to validate token", http.StatusInternalServerError, err)
	}
	return nil
}
