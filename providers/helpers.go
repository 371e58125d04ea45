package providers

import (
	"time"

	"golang.org/x/oauth2"
)

// NewTokenSet builds a TokenSet from a token endpoint response.
// A non-positive expiresIn leaves the expiry unknown, which callers treat as due for refresh.
func NewTokenSet(accessToken, refreshToken, tokenType string, expiresIn int64, userID string, now time.Time) *TokenSet {
	if tokenType == "" {
		tokenType = "Bearer"
	}
	token := &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    tokenType,
	}
	if expiresIn > 0 {
		token.Expiry = now.Add(time.Duration(expiresIn) * time.Second)
	}
	return &TokenSet{Token: token, UserID: userID}
}
