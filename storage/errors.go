package storage

import "errors"

var (
	// ErrCredentialNotFound is returned when a credential record is absent or expired.
	ErrCredentialNotFound = errors.New("credential not found")

	// ErrClientNotFound is returned when a client ID is not registered.
	ErrClientNotFound = errors.New("client not found")

	// ErrAuthorizationStateNotFound is returned when a provider state is unknown, expired,
	// or already consumed.
	ErrAuthorizationStateNotFound = errors.New("authorization state not found")

	// ErrAuthorizationCodeNotFound is returned when an authorization code is unknown, expired,
	// or already consumed.
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")
)
