package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/akutishevsky/withings-mcp/storage"
)

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationState saves a pending flow keyed by its provider state
func (s *Store) SaveAuthorizationState(ctx context.Context, state *storage.AuthorizationState) (err error) {
	ctx, span := s.startSpan(ctx, "save_auth_state")
	defer s.finishSpan(ctx, span, "save_auth_state", &err, time.Now())

	if state == nil || state.ProviderState == "" {
		return fmt.Errorf("provider state is required")
	}

	ttl := calculateTTL(state.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization state already expired")
	}

	if err := s.setJSON(ctx, s.stateKey(state.ProviderState), state, ttl); err != nil {
		return fmt.Errorf("failed to save authorization state: %w", err)
	}

	s.logger.Debug("Saved authorization state",
		"client_id", state.ClientID,
		"provider_state_prefix", logKey(state.ProviderState))
	return nil
}

// ConsumeAuthorizationState atomically reads and deletes the flow for providerState
func (s *Store) ConsumeAuthorizationState(ctx context.Context, providerState string) (_ *storage.AuthorizationState, err error) {
	ctx, span := s.startSpan(ctx, "consume_auth_state")
	defer s.finishSpan(ctx, span, "consume_auth_state", &err, time.Now())

	state, err := consumeAndUnmarshal[storage.AuthorizationState](ctx, s, s.stateKey(providerState), storage.ErrAuthorizationStateNotFound)
	if err != nil {
		return nil, err
	}

	// TTL granularity can leave a key alive slightly past ExpiresAt
	if time.Now().After(state.ExpiresAt) {
		return nil, storage.ErrAuthorizationStateNotFound
	}
	return state, nil
}

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startSpan(ctx, "save_auth_code")
	defer s.finishSpan(ctx, span, "save_auth_code", &err, time.Now())

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	if err := s.setJSON(ctx, s.codeKey(code.Code), code, ttl); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"client_id", code.ClientID,
		"code_prefix", logKey(code.Code))
	return nil
}

// ConsumeAuthorizationCode atomically reads and deletes code.
// GETDEL guarantees a single winner among concurrent exchanges.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startSpan(ctx, "consume_auth_code")
	defer s.finishSpan(ctx, span, "consume_auth_code", &err, time.Now())

	authCode, err := consumeAndUnmarshal[storage.AuthorizationCode](ctx, s, s.codeKey(code), storage.ErrAuthorizationCodeNotFound)
	if err != nil {
		return nil, err
	}

	if time.Now().After(authCode.ExpiresAt) {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	s.logger.Debug("Consumed authorization code", "code_prefix", logKey(code))
	return authCode, nil
}
