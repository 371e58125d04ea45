package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/akutishevsky/withings-mcp/storage"
)

// SaveCredential upserts record under key, resetting its expiry to now+ttl
func (s *Store) SaveCredential(ctx context.Context, key string, record *storage.CredentialRecord, ttl time.Duration) (err error) {
	ctx, span := s.startSpan(ctx, "save_credential")
	defer s.finishSpan(ctx, span, "save_credential", &err, time.Now())

	if key == "" || record == nil {
		return fmt.Errorf("invalid credential record")
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO withings_credentials (key, record, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET record = EXCLUDED.record, expires_at = EXCLUDED.expires_at`,
		key, data, s.now().Add(ttl))
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// GetCredential returns the unexpired record under key
func (s *Store) GetCredential(ctx context.Context, key string) (_ *storage.CredentialRecord, err error) {
	ctx, span := s.startSpan(ctx, "get_credential")
	defer s.finishSpan(ctx, span, "get_credential", &err, time.Now())

	var data []byte
	err = s.pool.QueryRow(ctx,
		`SELECT record FROM withings_credentials WHERE key = $1 AND expires_at > $2`,
		key, s.now()).Scan(&data)
	if err != nil {
		if isNoRows(err) {
			return nil, storage.ErrCredentialNotFound
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}

	var record storage.CredentialRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("unmarshal credential: %w", err)
	}
	return &record, nil
}

// UpdateCredential replaces an unexpired record without touching expires_at
func (s *Store) UpdateCredential(ctx context.Context, key string, record *storage.CredentialRecord) (err error) {
	ctx, span := s.startSpan(ctx, "update_credential")
	defer s.finishSpan(ctx, span, "update_credential", &err, time.Now())

	if record == nil {
		return fmt.Errorf("invalid credential record")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE withings_credentials SET record = $2 WHERE key = $1 AND expires_at > $3`,
		key, data, s.now())
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrCredentialNotFound
	}
	return nil
}

// DeleteCredential removes the record under key
func (s *Store) DeleteCredential(ctx context.Context, key string) (err error) {
	ctx, span := s.startSpan(ctx, "delete_credential")
	defer s.finishSpan(ctx, span, "delete_credential", &err, time.Now())

	if _, err := s.pool.Exec(ctx, `DELETE FROM withings_credentials WHERE key = $1`, key); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}
