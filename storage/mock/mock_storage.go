// Package mock provides mock implementations of storage interfaces for testing.
// Each mock has overridable function fields; the defaults keep state in maps.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/akutishevsky/withings-mcp/storage"
)

// MockCredentialStore is a mock implementation of CredentialStore for testing
type MockCredentialStore struct {
	mu      sync.RWMutex
	records map[string]storage.CredentialRecord

	SaveCredentialFunc   func(ctx context.Context, key string, record *storage.CredentialRecord, ttl time.Duration) error
	GetCredentialFunc    func(ctx context.Context, key string) (*storage.CredentialRecord, error)
	UpdateCredentialFunc func(ctx context.Context, key string, record *storage.CredentialRecord) error
	DeleteCredentialFunc func(ctx context.Context, key string) error

	callsMu    sync.Mutex
	CallCounts map[string]int
	// LastTTL is the ttl passed to the most recent SaveCredential call
	LastTTL time.Duration
}

var _ storage.CredentialStore = (*MockCredentialStore)(nil)

// NewMockCredentialStore creates a new mock credential store
func NewMockCredentialStore() *MockCredentialStore {
	m := &MockCredentialStore{
		records:    make(map[string]storage.CredentialRecord),
		CallCounts: make(map[string]int),
	}

	m.SaveCredentialFunc = func(_ context.Context, key string, record *storage.CredentialRecord, ttl time.Duration) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.records[key] = *record
		m.LastTTL = ttl
		return nil
	}

	m.GetCredentialFunc = func(_ context.Context, key string) (*storage.CredentialRecord, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		record, ok := m.records[key]
		if !ok {
			return nil, storage.ErrCredentialNotFound
		}
		return &record, nil
	}

	m.UpdateCredentialFunc = func(_ context.Context, key string, record *storage.CredentialRecord) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.records[key]; !ok {
			return storage.ErrCredentialNotFound
		}
		m.records[key] = *record
		return nil
	}

	m.DeleteCredentialFunc = func(_ context.Context, key string) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.records, key)
		return nil
	}

	return m
}

func (m *MockCredentialStore) count(name string) {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	m.CallCounts[name]++
}

// Calls returns how many times the named method ran
func (m *MockCredentialStore) Calls(name string) int {
	m.callsMu.Lock()
	defer m.callsMu.Unlock()
	return m.CallCounts[name]
}

// Keys returns the stored keys
func (m *MockCredentialStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	return keys
}

// SaveCredential calls SaveCredentialFunc
func (m *MockCredentialStore) SaveCredential(ctx context.Context, key string, record *storage.CredentialRecord, ttl time.Duration) error {
	m.count("SaveCredential")
	return m.SaveCredentialFunc(ctx, key, record, ttl)
}

// GetCredential calls GetCredentialFunc
func (m *MockCredentialStore) GetCredential(ctx context.Context, key string) (*storage.CredentialRecord, error) {
	m.count("GetCredential")
	return m.GetCredentialFunc(ctx, key)
}

// UpdateCredential calls UpdateCredentialFunc
func (m *MockCredentialStore) UpdateCredential(ctx context.Context, key string, record *storage.CredentialRecord) error {
	m.count("UpdateCredential")
	return m.UpdateCredentialFunc(ctx, key, record)
}

// DeleteCredential calls DeleteCredentialFunc
func (m *MockCredentialStore) DeleteCredential(ctx context.Context, key string) error {
	m.count("DeleteCredential")
	return m.DeleteCredentialFunc(ctx, key)
}

// MockRateLimitStore is a mock implementation of RateLimitStore for testing.
// The default always allows and reports a count of 1.
type MockRateLimitStore struct {
	CheckAndIncrementFunc func(ctx context.Context, identifier string, maxRequests int, window time.Duration) (*storage.RateLimitCounter, error)
}

var _ storage.RateLimitStore = (*MockRateLimitStore)(nil)

// NewMockRateLimitStore creates a mock that always admits requests
func NewMockRateLimitStore() *MockRateLimitStore {
	return &MockRateLimitStore{
		CheckAndIncrementFunc: func(_ context.Context, identifier string, _ int, window time.Duration) (*storage.RateLimitCounter, error) {
			return &storage.RateLimitCounter{
				Identifier:    identifier,
				Count:         1,
				WindowResetAt: time.Now().Add(window),
				Allowed:       true,
			}, nil
		},
	}
}

// CheckAndIncrement calls CheckAndIncrementFunc
func (m *MockRateLimitStore) CheckAndIncrement(ctx context.Context, identifier string, maxRequests int, window time.Duration) (*storage.RateLimitCounter, error) {
	return m.CheckAndIncrementFunc(ctx, identifier, maxRequests, window)
}
