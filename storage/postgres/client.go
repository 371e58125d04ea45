package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/akutishevsky/withings-mcp/storage"
)

// SaveClient upserts a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startSpan(ctx, "save_client")
	defer s.finishSpan(ctx, span, "save_client", &err, time.Now())

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("marshal client: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO oauth_clients (client_id, data, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (client_id) DO UPDATE SET data = EXCLUDED.data`,
		client.ClientID, data, client.CreatedAt)
	if err != nil {
		return fmt.Errorf("save client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startSpan(ctx, "get_client")
	defer s.finishSpan(ctx, span, "get_client", &err, time.Now())

	var data []byte
	err = s.pool.QueryRow(ctx, `SELECT data FROM oauth_clients WHERE client_id = $1`, clientID).Scan(&data)
	if err != nil {
		if isNoRows(err) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("get client: %w", err)
	}

	var client storage.Client
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("unmarshal client: %w", err)
	}
	return &client, nil
}
