package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/akutishevsky/withings-mcp/storage"
)

// SaveAuthorizationState stores a pending flow keyed by provider state
func (s *Store) SaveAuthorizationState(ctx context.Context, state *storage.AuthorizationState) (err error) {
	ctx, span := s.startSpan(ctx, "save_auth_state")
	defer s.finishSpan(ctx, span, "save_auth_state", &err, time.Now())

	if state == nil || state.ProviderState == "" {
		return fmt.Errorf("provider state is required")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal authorization state: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO oauth_authorization_states (provider_state, data, expires_at) VALUES ($1, $2, $3)`,
		state.ProviderState, data, state.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save authorization state: %w", err)
	}
	return nil
}

// ConsumeAuthorizationState deletes the flow and returns it, in one statement
func (s *Store) ConsumeAuthorizationState(ctx context.Context, providerState string) (_ *storage.AuthorizationState, err error) {
	ctx, span := s.startSpan(ctx, "consume_auth_state")
	defer s.finishSpan(ctx, span, "consume_auth_state", &err, time.Now())

	var data []byte
	var expiresAt time.Time
	err = s.pool.QueryRow(ctx,
		`DELETE FROM oauth_authorization_states WHERE provider_state = $1 RETURNING data, expires_at`,
		providerState).Scan(&data, &expiresAt)
	if err != nil {
		if isNoRows(err) {
			return nil, storage.ErrAuthorizationStateNotFound
		}
		return nil, fmt.Errorf("consume authorization state: %w", err)
	}
	if !s.now().Before(expiresAt) {
		return nil, storage.ErrAuthorizationStateNotFound
	}

	var state storage.AuthorizationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal authorization state: %w", err)
	}
	return &state, nil
}

// SaveAuthorizationCode stores an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startSpan(ctx, "save_auth_code")
	defer s.finishSpan(ctx, span, "save_auth_code", &err, time.Now())

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}
	data, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("marshal authorization code: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO oauth_authorization_codes (code, data, expires_at) VALUES ($1, $2, $3)`,
		code.Code, data, code.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save authorization code: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode deletes the code and returns it. Row locking in DELETE
// guarantees only one of several concurrent callers gets the row back.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startSpan(ctx, "consume_auth_code")
	defer s.finishSpan(ctx, span, "consume_auth_code", &err, time.Now())

	var data []byte
	var expiresAt time.Time
	err = s.pool.QueryRow(ctx,
		`DELETE FROM oauth_authorization_codes WHERE code = $1 RETURNING data, expires_at`,
		code).Scan(&data, &expiresAt)
	if err != nil {
		if isNoRows(err) {
			return nil, storage.ErrAuthorizationCodeNotFound
		}
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}
	if !s.now().Before(expiresAt) {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	var authCode storage.AuthorizationCode
	if err := json.Unmarshal(data, &authCode); err != nil {
		return nil, fmt.Errorf("unmarshal authorization code: %w", err)
	}
	return &authCode, nil
}
