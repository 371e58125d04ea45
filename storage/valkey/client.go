package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/akutishevsky/withings-mcp/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client. Clients do not expire.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startSpan(ctx, "save_client")
	defer s.finishSpan(ctx, span, "save_client", &err, time.Now())

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	if err := s.setJSON(ctx, s.clientKey(client.ClientID), client, 0); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startSpan(ctx, "get_client")
	defer s.finishSpan(ctx, span, "get_client", &err, time.Now())

	return getAndUnmarshal[storage.Client](ctx, s, s.clientKey(clientID), storage.ErrClientNotFound)
}
