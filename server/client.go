package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/akutishevsky/withings-mcp/internal/util"
	"github.com/akutishevsky/withings-mcp/security"
	"github.com/akutishevsky/withings-mcp/storage"
)

// Client type constants
const (
	// ClientTypeConfidential represents a client authenticating with a secret
	ClientTypeConfidential = "confidential"

	// ClientTypePublic represents a client authenticating with PKCE only
	ClientTypePublic = "public"
)

// Token endpoint authentication method constants (RFC 7591)
const (
	// TokenEndpointAuthMethodNone represents no authentication (public clients)
	TokenEndpointAuthMethodNone = "none"

	// TokenEndpointAuthMethodPost represents POST form parameters
	TokenEndpointAuthMethodPost = "client_secret_post"
)

// maxClientNameLength bounds the stored client_name
const maxClientNameLength = 256

// ClientRegistration is a dynamic client registration request (RFC 7591)
type ClientRegistration struct {
	RedirectURIs            []string
	ClientName              string
	TokenEndpointAuthMethod string
}

// RegisterClient registers a new OAuth client.
// tokenEndpointAuthMethod determines how the client authenticates at the token endpoint:
//   - "none" (default): public client, PKCE-only
//   - "client_secret_post": confidential client; the returned secret is shown once and only its
//     bcrypt hash is stored
func (s *Server) RegisterClient(ctx context.Context, req ClientRegistration, clientIP string) (*storage.Client, string, error) {
	if err := s.ValidateRedirectURIsForRegistration(req.RedirectURIs); err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirect,
			IPAddress: clientIP,
			Details: map[string]any{
				"stage":    "registration",
				"category": GetRedirectURIErrorCategory(err),
			},
		})
		s.Logger.Warn("Client registration rejected: redirect URI validation failed",
			"error", err.Error(),
			"client_ip", clientIP)
		return nil, "", &Error{
			Code:        ErrorCodeInvalidRedirectURI,
			Description: err.Error(),
			Status:      http.StatusBadRequest,
			cause:       err,
		}
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = TokenEndpointAuthMethodNone
	}
	clientType := ClientTypePublic
	switch authMethod {
	case TokenEndpointAuthMethodNone:
	case TokenEndpointAuthMethodPost:
		clientType = ClientTypeConfidential
	default:
		return nil, "", &Error{
			Code:        ErrorCodeInvalidClientMetadata,
			Description: fmt.Sprintf("unsupported token_endpoint_auth_method: %s", util.SafeTruncate(authMethod, 64)),
			Status:      http.StatusBadRequest,
		}
	}

	clientSecret, clientSecretHash, err := generateClientSecret(clientType)
	if err != nil {
		return nil, "", serverError("failed to register client", http.StatusInternalServerError, err)
	}

	client := &storage.Client{
		ClientID:                uuid.NewString(),
		ClientSecretHash:        clientSecretHash,
		ClientType:              clientType,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              []string{"authorization_code"},
		ResponseTypes:           []string{"code"},
		ClientName:              util.SafeTruncate(strings.TrimSpace(req.ClientName), maxClientNameLength),
		CreatedAt:               s.now(),
	}

	if err := s.clientStore.SaveClient(ctx, client); err != nil {
		return nil, "", serverError("failed to register client", http.StatusInternalServerError,
			fmt.Errorf("failed to save client: %w", err))
	}

	s.Auditor.LogClientRegistered(client.ClientID, client.ClientType, clientIP)
	if s.metrics != nil {
		s.metrics.RecordClientRegistered(ctx, client.ClientType)
	}
	s.Logger.Info("Registered new OAuth client",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"client_type", client.ClientType,
		"redirect_uris", len(client.RedirectURIs),
		"client_ip", clientIP)

	return client, clientSecret, nil
}

// generateClientSecret generates a secret for confidential clients.
func generateClientSecret(clientType string) (string, string, error) {
	if clientType != ClientTypeConfidential {
		return "", "", nil
	}

	clientSecret := generateRandomToken()
	hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return clientSecret, string(hash), nil
}

// GetClient retrieves a registered client by ID
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clientStore.GetClient(ctx, clientID)
}

// authenticateClient verifies the client secret of a confidential client.
// Public clients must not present a secret they were never issued.
func authenticateClient(client *storage.Client, clientSecret string) error {
	if client.ClientType != ClientTypeConfidential {
		if clientSecret != "" {
			return errors.New("public client presented a client secret")
		}
		return nil
	}
	if clientSecret == "" {
		return errors.New("client secret is required")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return errors.New("client secret mismatch")
	}
	return nil
}
