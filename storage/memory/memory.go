// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/akutishevsky/withings-mcp/instrumentation"
	"github.com/akutishevsky/withings-mcp/security"
	"github.com/akutishevsky/withings-mcp/storage"
)

const backendName = "memory"

type credentialEntry struct {
	record    storage.CredentialRecord
	expiresAt time.Time
}

type windowEntry struct {
	count   int
	resetAt time.Time
}

// Store is an in-memory implementation of all storage interfaces.
// A single mutex guards every map, which makes each consume and counter operation atomic.
type Store struct {
	mu sync.RWMutex

	credentials map[string]*credentialEntry
	clients     map[string]*storage.Client
	authStates  map[string]*storage.AuthorizationState
	authCodes   map[string]*storage.AuthorizationCode
	windows     map[string]*windowEntry

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	now             func() time.Time
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.CredentialStore = (*Store)(nil)
	_ storage.ClientStore     = (*Store)(nil)
	_ storage.FlowStore       = (*Store)(nil)
	_ storage.RateLimitStore  = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		credentials:     make(map[string]*credentialEntry),
		clients:         make(map[string]*storage.Client),
		authStates:      make(map[string]*storage.AuthorizationState),
		authCodes:       make(map[string]*storage.AuthorizationCode),
		windows:         make(map[string]*windowEntry),
		now:             time.Now,
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// Stop gracefully stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// CredentialStore Implementation
// ============================================================

// SaveCredential stores a copy of record under key until ttl elapses.
func (s *Store) SaveCredential(ctx context.Context, key string, record *storage.CredentialRecord, ttl time.Duration) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_credential")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_credential", &err, time.Now())

	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.credentials[key] = &credentialEntry{record: *record, expiresAt: s.now().Add(ttl)}
	return nil
}

// GetCredential returns a copy of the record stored under key.
func (s *Store) GetCredential(ctx context.Context, key string) (_ *storage.CredentialRecord, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_credential")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_credential", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.credentials[key]
	if !ok || !s.now().Before(entry.expiresAt) {
		return nil, storage.ErrCredentialNotFound
	}
	record := entry.record
	return &record, nil
}

// UpdateCredential replaces the record under key, keeping its original expiry.
func (s *Store) UpdateCredential(ctx context.Context, key string, record *storage.CredentialRecord) (err error) {
	ctx, span := s.startStorageSpan(ctx, "update_credential")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "update_credential", &err, time.Now())

	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.credentials[key]
	if !ok || !s.now().Before(entry.expiresAt) {
		return storage.ErrCredentialNotFound
	}
	entry.record = *record
	return nil
}

// DeleteCredential removes the record under key.
func (s *Store) DeleteCredential(ctx context.Context, key string) (err error) {
	ctx, span := s.startStorageSpan(ctx, "delete_credential")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "delete_credential", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.credentials, key)
	return nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_client", &err, time.Now())

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *client
	c.RedirectURIs = append([]string(nil), client.RedirectURIs...)
	s.clients[client.ClientID] = &c

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "get_client", &err, time.Now())

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	c := *client
	return &c, nil
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveAuthorizationState saves the state of an ongoing authorization flow
func (s *Store) SaveAuthorizationState(ctx context.Context, state *storage.AuthorizationState) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_auth_state")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_auth_state", &err, time.Now())

	if state == nil || state.ProviderState == "" {
		return fmt.Errorf("provider state cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := *state
	s.authStates[state.ProviderState] = &st
	return nil
}

// ConsumeAuthorizationState retrieves and deletes the flow keyed by providerState.
func (s *Store) ConsumeAuthorizationState(ctx context.Context, providerState string) (_ *storage.AuthorizationState, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_auth_state")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "consume_auth_state", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.authStates[providerState]
	if !ok {
		return nil, storage.ErrAuthorizationStateNotFound
	}
	delete(s.authStates, providerState)

	if !s.now().Before(state.ExpiresAt) {
		return nil, storage.ErrAuthorizationStateNotFound
	}
	return state, nil
}

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, span := s.startStorageSpan(ctx, "save_auth_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "save_auth_code", &err, time.Now())

	if code == nil || code.Code == "" {
		return fmt.Errorf("code cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := *code
	s.authCodes[code.Code] = &c
	return nil
}

// ConsumeAuthorizationCode retrieves and deletes code under the store lock.
// Of two concurrent callers exactly one gets the code.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (_ *storage.AuthorizationCode, err error) {
	ctx, span := s.startStorageSpan(ctx, "consume_auth_code")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "consume_auth_code", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	delete(s.authCodes, code)

	if !s.now().Before(authCode.ExpiresAt) {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	return authCode, nil
}

// ============================================================
// RateLimitStore Implementation
// ============================================================

// CheckAndIncrement implements the fixed-window counter under the store lock.
func (s *Store) CheckAndIncrement(ctx context.Context, identifier string, maxRequests int, window time.Duration) (_ *storage.RateLimitCounter, err error) {
	ctx, span := s.startStorageSpan(ctx, "rate_limit_incr")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "rate_limit_incr", &err, time.Now())

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[identifier]
	if !ok || !now.Before(w.resetAt) {
		w = &windowEntry{resetAt: now.Add(window)}
		s.windows[identifier] = w
	}

	counter := &storage.RateLimitCounter{
		Identifier:    identifier,
		Count:         w.count,
		WindowResetAt: w.resetAt,
	}
	if w.count < maxRequests {
		w.count++
		counter.Count = w.count
		counter.Allowed = true
	}
	return counter, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cleaned := 0

	for key, entry := range s.credentials {
		if !now.Before(entry.expiresAt) {
			delete(s.credentials, key)
			cleaned++
		}
	}
	for key, state := range s.authStates {
		if security.IsExpired(state.ExpiresAt, now) {
			delete(s.authStates, key)
			cleaned++
		}
	}
	for key, code := range s.authCodes {
		if security.IsExpired(code.ExpiresAt, now) {
			delete(s.authCodes, key)
			cleaned++
		}
	}
	for key, w := range s.windows {
		if !now.Before(w.resetAt) {
			delete(s.windows, key)
			cleaned++
		}
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, backendName)
	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, errp *error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err := *errp; err != nil {
		result = "error"
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, backendName, operation, result, durationMs)
}
