// Package mock provides a programmable implementation of the Provider interface for testing.
package mock

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/akutishevsky/withings-mcp/providers"
)

// MockProvider is a mock implementation of the Provider interface for testing
type MockProvider struct {
	// NameFunc is called when Name() is invoked
	NameFunc func() string

	// AuthorizationURLFunc is called when AuthorizationURL() is invoked
	AuthorizationURLFunc func(state string) string

	// ExchangeCodeFunc is called when ExchangeCode() is invoked
	ExchangeCodeFunc func(ctx context.Context, code string) (*providers.TokenSet, error)

	// RefreshTokenFunc is called when RefreshToken() is invoked
	RefreshTokenFunc func(ctx context.Context, refreshToken string) (*providers.TokenSet, error)

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.RWMutex
}

var _ providers.Provider = (*MockProvider)(nil)

// NewMockProvider creates a new mock provider with default implementations.
// The default exchange returns a three hour token for user "mock-user".
func NewMockProvider() *MockProvider {
	return &MockProvider{
		CallCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		AuthorizationURLFunc: func(state string) string {
			return "https://provider.example.com/authorize?state=" + url.QueryEscape(state)
		},
		ExchangeCodeFunc: func(ctx context.Context, code string) (*providers.TokenSet, error) {
			return providers.NewTokenSet("mock-access-"+code, "mock-refresh-"+code, "Bearer",
				int64((3 * time.Hour).Seconds()), "mock-user", time.Now()), nil
		},
		RefreshTokenFunc: func(ctx context.Context, refreshToken string) (*providers.TokenSet, error) {
			return providers.NewTokenSet("mock-refreshed-access", "mock-refreshed-refresh", "Bearer",
				int64((3 * time.Hour).Seconds()), "", time.Now()), nil
		},
	}
}

func (m *MockProvider) incrementCallCount(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[method]++
}

// GetCallCount returns the number of times a method was called
func (m *MockProvider) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}

// Name implements providers.Provider
func (m *MockProvider) Name() string {
	m.incrementCallCount("Name")
	return m.NameFunc()
}

// AuthorizationURL implements providers.Provider
func (m *MockProvider) AuthorizationURL(state string) string {
	m.incrementCallCount("AuthorizationURL")
	return m.AuthorizationURLFunc(state)
}

// ExchangeCode implements providers.Provider
func (m *MockProvider) ExchangeCode(ctx context.Context, code string) (*providers.TokenSet, error) {
	m.incrementCallCount("ExchangeCode")
	if m.ExchangeCodeFunc == nil {
		return nil, fmt.Errorf("ExchangeCodeFunc not set")
	}
	return m.ExchangeCodeFunc(ctx, code)
}

// RefreshToken implements providers.Provider
func (m *MockProvider) RefreshToken(ctx context.Context, refreshToken string) (*providers.TokenSet, error) {
	m.incrementCallCount("RefreshToken")
	if m.RefreshTokenFunc == nil {
		return nil, fmt.Errorf("RefreshTokenFunc not set")
	}
	return m.RefreshTokenFunc(ctx, refreshToken)
}
