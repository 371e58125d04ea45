package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/akutishevsky/withings-mcp/instrumentation"
	"github.com/akutishevsky/withings-mcp/internal/util"
	"github.com/akutishevsky/withings-mcp/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "withings-mcp:"

	backendName = "valkey"

	// keyLogLength is the number of characters to include when logging keys
	keyLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "withings-mcp:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of all storage interfaces.
// Expiry is delegated to key TTLs; every multi-step operation runs as a single command
// or Lua script so replicas sharing one Valkey see consistent state.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.CredentialStore = (*Store)(nil)
	_ storage.ClientStore     = (*Store)(nil)
	_ storage.FlowStore       = (*Store)(nil)
	_ storage.RateLimitStore  = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetInstrumentation enables storage spans and metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// ============================================================
// Key helpers
// ============================================================

func (s *Store) credentialKey(key string) string {
	return s.prefix + "cred:" + key
}

func (s *Store) clientKey(clientID string) string {
	return s.prefix + "client:" + clientID
}

func (s *Store) stateKey(providerState string) string {
	return s.prefix + "state:" + providerState
}

func (s *Store) codeKey(code string) string {
	return s.prefix + "code:" + code
}

func (s *Store) rateLimitKey(identifier string) string {
	return s.prefix + "rl:" + identifier
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// luaUpdateKeepTTL overwrites KEYS[1] with ARGV[1] only if it exists, keeping its TTL.
// Returns 1 on update, 0 if the key is absent.
const luaUpdateKeepTTL = `
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('SET', KEYS[1], ARGV[1], 'KEEPTTL')
  return 1
end
return 0
`

// luaFixedWindow implements the fixed-window counter.
// ARGV[1] = max requests, ARGV[2] = window in milliseconds.
// Returns {count, remaining window ms, allowed(1|0)}. A rejected call does not increment.
const luaFixedWindow = `
local max = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local current = redis.call('GET', KEYS[1])
if not current then
  redis.call('SET', KEYS[1], 1, 'PX', window)
  return {1, window, 1}
end
local count = tonumber(current)
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], window)
  ttl = window
end
if count < max then
  count = redis.call('INCR', KEYS[1])
  return {count, ttl, 1}
end
return {count, ttl, 0}
`

// ============================================================
// Helper methods
// ============================================================

// getAndUnmarshal fetches key and decodes its JSON value into a new T.
func getAndUnmarshal[T any](ctx context.Context, s *Store, key string, notFoundErr error) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var v T
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return &v, nil
}

// consumeAndUnmarshal deletes key and decodes the value it held, as one GETDEL.
func consumeAndUnmarshal[T any](ctx context.Context, s *Store, key string, notFoundErr error) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Getdel().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to consume data: %w", err)
	}

	var v T
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}
	return &v, nil
}

// setJSON stores v under key with ttl.
func (s *Store) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	cmd := s.client.B().Set().Key(key).Value(string(data))
	if ttl > 0 {
		return s.client.Do(ctx, cmd.Ex(ttl).Build()).Error()
	}
	return s.client.Do(ctx, cmd.Build()).Error()
}

// isNilError checks if the error is a Valkey nil response (key not found)
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// calculateTTL calculates the TTL for a key based on expiry time
// Returns 0 if the key has already expired
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// startSpan starts a storage span when instrumentation is configured.
func (s *Store) startSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, backendName)
	return ctx, span
}

// finishSpan records the outcome of a storage operation.
func (s *Store) finishSpan(ctx context.Context, span trace.Span, operation string, errp *error, start time.Time) {
	defer span.End()
	if s.instrumentation == nil {
		return
	}
	result := "success"
	if *errp != nil {
		result = "error"
		instrumentation.RecordError(span, *errp)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	s.instrumentation.Metrics().RecordStorageOperation(ctx, backendName, operation, result,
		float64(time.Since(start).Microseconds())/1000)
}

func logKey(key string) string {
	return util.SafeTruncate(key, keyLogLength)
}
