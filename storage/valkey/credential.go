package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/akutishevsky/withings-mcp/storage"
)

// ============================================================
// CredentialStore Implementation
// ============================================================

// SaveCredential stores record under key with the given TTL
func (s *Store) SaveCredential(ctx context.Context, key string, record *storage.CredentialRecord, ttl time.Duration) (err error) {
	ctx, span := s.startSpan(ctx, "save_credential")
	defer s.finishSpan(ctx, span, "save_credential", &err, time.Now())

	if key == "" || record == nil {
		return fmt.Errorf("invalid credential record")
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	if err := s.setJSON(ctx, s.credentialKey(key), record, ttl); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}

	s.logger.Debug("Saved credential", "key_prefix", logKey(key), "ttl", ttl)
	return nil
}

// GetCredential retrieves the record stored under key
func (s *Store) GetCredential(ctx context.Context, key string) (_ *storage.CredentialRecord, err error) {
	ctx, span := s.startSpan(ctx, "get_credential")
	defer s.finishSpan(ctx, span, "get_credential", &err, time.Now())

	record, err := getAndUnmarshal[storage.CredentialRecord](ctx, s, s.credentialKey(key), storage.ErrCredentialNotFound)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// UpdateCredential overwrites an existing record in place, keeping the key's TTL
func (s *Store) UpdateCredential(ctx context.Context, key string, record *storage.CredentialRecord) (err error) {
	ctx, span := s.startSpan(ctx, "update_credential")
	defer s.finishSpan(ctx, span, "update_credential", &err, time.Now())

	if record == nil {
		return fmt.Errorf("invalid credential record")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %w", err)
	}

	updated, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaUpdateKeepTTL).
			Numkeys(1).
			Key(s.credentialKey(key)).
			Arg(string(data)).
			Build(),
	).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	if updated == 0 {
		return storage.ErrCredentialNotFound
	}

	s.logger.Debug("Updated credential", "key_prefix", logKey(key))
	return nil
}

// DeleteCredential removes the record stored under key
func (s *Store) DeleteCredential(ctx context.Context, key string) (err error) {
	ctx, span := s.startSpan(ctx, "delete_credential")
	defer s.finishSpan(ctx, span, "delete_credential", &err, time.Now())

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.credentialKey(key)).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}

	s.logger.Debug("Deleted credential", "key_prefix", logKey(key))
	return nil
}
