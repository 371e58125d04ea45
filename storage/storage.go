// Package storage defines interfaces for persisting provider credentials, registered clients,
// authorization flows, and rate limit counters.
// It supports in-memory, Valkey, and PostgreSQL backend implementations.
package storage

import (
	"context"
	"time"
)

// CredentialStore persists encrypted provider credentials keyed by a bridge token key.
// Implementations never see plaintext tokens or raw bridge tokens: the vault hands them a
// hashed key and an already encrypted record.
// Expiry is enforced by the store; an expired record is reported as ErrCredentialNotFound.
type CredentialStore interface {
	// SaveCredential stores a record under key with the given time-to-live,
	// replacing any existing record.
	SaveCredential(ctx context.Context, key string, record *CredentialRecord, ttl time.Duration) error

	// GetCredential retrieves a record by key.
	GetCredential(ctx context.Context, key string) (*CredentialRecord, error)

	// UpdateCredential replaces an existing record while preserving its expiry.
	// Returns ErrCredentialNotFound if the record is absent or expired.
	// The write must be a single operation so concurrent updates never interleave fields.
	UpdateCredential(ctx context.Context, key string, record *CredentialRecord) error

	// DeleteCredential removes a record. Deleting an absent record is not an error.
	DeleteCredential(ctx context.Context, key string) error
}

// ClientStore defines the interface for managing OAuth client registrations.
type ClientStore interface {
	// SaveClient saves a registered client
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)
}

// FlowStore defines the interface for managing OAuth authorization flows.
//
// # Client state vs provider state
//
// Two distinct state values take part in one authorization:
//
//  1. The client state is generated by the MCP client and sent to /authorize. It is stored on the
//     AuthorizationState and handed back to the client when the flow completes.
//  2. The provider state is generated by this server and is the only state Withings ever sees.
//     AuthorizationStates are keyed by it, so the provider callback resolves the flow without the
//     two OAuth domains sharing a value.
type FlowStore interface {
	// SaveAuthorizationState saves the state of an ongoing authorization flow,
	// keyed by its ProviderState.
	SaveAuthorizationState(ctx context.Context, state *AuthorizationState) error

	// ConsumeAuthorizationState atomically retrieves and deletes an authorization state by
	// provider state. A second call for the same state returns ErrAuthorizationStateNotFound.
	ConsumeAuthorizationState(ctx context.Context, providerState string) (*AuthorizationState, error)

	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// ConsumeAuthorizationCode atomically retrieves and deletes an authorization code.
	// Lookup and consumption are the same operation: of two concurrent callers presenting the
	// same code, exactly one receives it and the other gets ErrAuthorizationCodeNotFound.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
}

// RateLimitStore provides the atomic fixed-window counter used by the rate limiter.
type RateLimitStore interface {
	// CheckAndIncrement reads the counter for identifier and, as one indivisible operation,
	// either starts a new window (count=1), increments it when below maxRequests, or leaves it
	// untouched when the limit is already reached.
	CheckAndIncrement(ctx context.Context, identifier string, maxRequests int, window time.Duration) (*RateLimitCounter, error)
}

// CredentialRecord is the at-rest form of a provider credential.
// Token fields hold ciphertext produced by security.Encryptor.
type CredentialRecord struct {
	EncryptedAccessToken  string    `json:"encrypted_access_token"`
	EncryptedRefreshToken string    `json:"encrypted_refresh_token"`
	ProviderUserID        string    `json:"provider_user_id"`
	ProviderTokenExpiry   time.Time `json:"provider_token_expiry"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Client represents a registered OAuth client
type Client struct {
	ClientID                string    `json:"client_id"`
	ClientSecretHash        string    `json:"client_secret_hash,omitempty"` // bcrypt hash
	ClientType              string    `json:"client_type"`                  // "public" or "confidential"
	RedirectURIs            []string  `json:"redirect_uris"`
	TokenEndpointAuthMethod string    `json:"token_endpoint_auth_method"`
	GrantTypes              []string  `json:"grant_types"`
	ResponseTypes           []string  `json:"response_types"`
	ClientName              string    `json:"client_name,omitempty"`
	CreatedAt               time.Time `json:"created_at"`
}

// AuthorizationState represents the state of an ongoing authorization flow
type AuthorizationState struct {
	ProviderState       string    `json:"provider_state"` // State sent to the provider, store key
	ClientState         string    `json:"client_state"`   // Client's state parameter (for CSRF protection)
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scope               string    `json:"scope,omitempty"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// AuthorizationCode represents an issued authorization code.
// The provider's own authorization code is kept encrypted until the token exchange.
type AuthorizationCode struct {
	Code                  string    `json:"code"`
	EncryptedProviderCode string    `json:"encrypted_provider_code"`
	ClientID              string    `json:"client_id"`
	RedirectURI           string    `json:"redirect_uri"`
	Scope                 string    `json:"scope,omitempty"`
	CodeChallenge         string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod   string    `json:"code_challenge_method,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	ExpiresAt             time.Time `json:"expires_at"`
}

// RateLimitCounter is the state of one fixed window after a CheckAndIncrement call.
type RateLimitCounter struct {
	Identifier    string
	Count         int
	WindowResetAt time.Time
	// Allowed reports whether this call was admitted into the window.
	Allowed bool
}
