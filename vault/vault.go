// Package vault maps bridge tokens to encrypted Withings credentials.
//
// Records are keyed by the SHA-256 of the bridge token, so neither the raw bearer nor a
// plaintext provider token ever reaches the storage backend. A record that fails
// authenticated decryption is treated exactly like a missing one.
package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/akutishevsky/withings-mcp/instrumentation"
	"github.com/akutishevsky/withings-mcp/security"
	"github.com/akutishevsky/withings-mcp/storage"
)

// DefaultTTL is the lifetime of a credential record, matching the bridge token lifetime.
const DefaultTTL = 30 * 24 * time.Hour

// lockStripes is the number of mutexes update serialization is spread over
const lockStripes = 64

// ErrCredentialNotFound is returned for unknown, expired, deleted, or undecryptable records.
var ErrCredentialNotFound = errors.New("credential not found")

// Credential is the plaintext view of a stored provider credential.
type Credential struct {
	AccessToken    string
	RefreshToken   string
	ProviderUserID string
	ExpiresAt      time.Time
}

// CredentialUpdate carries refreshed provider tokens.
// An empty RefreshToken keeps the stored one.
type CredentialUpdate struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Vault stores and resolves provider credentials by bridge token.
type Vault struct {
	store     storage.CredentialStore
	encryptor *security.Encryptor
	ttl       time.Duration
	logger    *slog.Logger
	auditor   *security.Auditor
	metrics   *instrumentation.Metrics
	now       func() time.Time

	locks [lockStripes]sync.Mutex
}

// New creates a vault over store. A zero ttl uses DefaultTTL.
func New(store storage.CredentialStore, encryptor *security.Encryptor, ttl time.Duration, logger *slog.Logger) (*Vault, error) {
	if store == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		store:     store,
		encryptor: encryptor,
		ttl:       ttl,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// SetAuditor enables audit events for integrity failures.
func (v *Vault) SetAuditor(a *security.Auditor) {
	v.auditor = a
}

// SetInstrumentation enables decryption failure metrics.
func (v *Vault) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		v.metrics = inst.Metrics()
	}
}

// TTL returns the lifetime applied to new records.
func (v *Vault) TTL() time.Duration {
	return v.ttl
}

// Store encrypts cred and saves it under bridgeToken, replacing any previous record.
func (v *Vault) Store(ctx context.Context, bridgeToken string, cred Credential) error {
	if bridgeToken == "" {
		return fmt.Errorf("bridge token cannot be empty")
	}

	encAccess, err := v.encryptor.Encrypt(cred.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	encRefresh, err := v.encryptor.Encrypt(cred.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	now := v.now()
	record := &storage.CredentialRecord{
		EncryptedAccessToken:  encAccess,
		EncryptedRefreshToken: encRefresh,
		ProviderUserID:        cred.ProviderUserID,
		ProviderTokenExpiry:   cred.ExpiresAt,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := v.store.SaveCredential(ctx, KeyFor(bridgeToken), record, v.ttl); err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Get resolves bridgeToken to its decrypted credential.
func (v *Vault) Get(ctx context.Context, bridgeToken string) (*Credential, error) {
	key := KeyFor(bridgeToken)
	record, err := v.store.GetCredential(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrCredentialNotFound) {
			return nil, ErrCredentialNotFound
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	return v.decrypt(ctx, key, record)
}

// Update replaces the provider tokens for bridgeToken, keeping ProviderUserID and the
// record's remaining lifetime. Concurrent updates of one token are serialized.
func (v *Vault) Update(ctx context.Context, bridgeToken string, upd CredentialUpdate) error {
	key := KeyFor(bridgeToken)

	mu := v.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	record, err := v.store.GetCredential(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrCredentialNotFound) {
			return ErrCredentialNotFound
		}
		return fmt.Errorf("failed to load credential: %w", err)
	}

	updated := *record
	updated.EncryptedAccessToken, err = v.encryptor.Encrypt(upd.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	if upd.RefreshToken != "" {
		updated.EncryptedRefreshToken, err = v.encryptor.Encrypt(upd.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
	}
	updated.ProviderTokenExpiry = upd.ExpiresAt
	updated.UpdatedAt = v.now()

	if err := v.store.UpdateCredential(ctx, key, &updated); err != nil {
		if errors.Is(err, storage.ErrCredentialNotFound) {
			return ErrCredentialNotFound
		}
		return fmt.Errorf("failed to update credential: %w", err)
	}
	return nil
}

// Delete removes the record for bridgeToken. Deleting an unknown token is not an error.
func (v *Vault) Delete(ctx context.Context, bridgeToken string) error {
	if err := v.store.DeleteCredential(ctx, KeyFor(bridgeToken)); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

func (v *Vault) decrypt(ctx context.Context, key string, record *storage.CredentialRecord) (*Credential, error) {
	access, err := v.encryptor.Decrypt(record.EncryptedAccessToken)
	if err == nil {
		var refresh string
		refresh, err = v.encryptor.Decrypt(record.EncryptedRefreshToken)
		if err == nil {
			return &Credential{
				AccessToken:    access,
				RefreshToken:   refresh,
				ProviderUserID: record.ProviderUserID,
				ExpiresAt:      record.ProviderTokenExpiry,
			}, nil
		}
	}

	v.logger.Warn("Credential failed integrity check, treating as not found",
		"key_prefix", key[:8],
		"error", err)
	if v.metrics != nil {
		v.metrics.RecordDecryptionFailed(ctx)
	}
	if v.auditor != nil {
		v.auditor.LogEvent(security.Event{
			Type:    security.EventCredentialIntegrityFailure,
			UserID:  record.ProviderUserID,
			Details: map[string]any{"key_prefix": key[:8]},
		})
	}
	return nil, ErrCredentialNotFound
}

func (v *Vault) lockFor(key string) *sync.Mutex {
	// key is hex, so its first two characters spread evenly over 256 values
	b, _ := hex.DecodeString(key[:2])
	return &v.locks[int(b[0])%lockStripes]
}

// KeyFor returns the storage key of bridgeToken: the hex SHA-256 of the token.
func KeyFor(bridgeToken string) string {
	sum := sha256.Sum256([]byte(bridgeToken))
	return hex.EncodeToString(sum[:])
}
