// Package providers defines the interface of the upstream OAuth provider the bridge
// authenticates users against.
package providers

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
)

// ErrInvalidGrant is returned when the provider rejects an authorization code or refresh
// token as invalid, expired, or revoked. Callers treat it as terminal for the credential.
var ErrInvalidGrant = errors.New("provider rejected grant")

// Provider defines the interface for the upstream OAuth provider.
type Provider interface {
	// Name returns the provider name (e.g., "withings")
	Name() string

	// AuthorizationURL returns the URL the user is redirected to for consent.
	// state is the provider state generated by the bridge; it is the only state the provider sees.
	AuthorizationURL(state string) string

	// ExchangeCode exchanges a provider authorization code for tokens
	ExchangeCode(ctx context.Context, code string) (*TokenSet, error)

	// RefreshToken obtains a new access token. The returned refresh token may be empty when
	// the provider does not rotate it.
	RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error)
}

// TokenSet is a provider token together with the provider's user identifier.
type TokenSet struct {
	Token  *oauth2.Token
	UserID string
}
