package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/akutishevsky/withings-mcp/security"
	"github.com/akutishevsky/withings-mcp/storage"
)

// TestSecret is a 32-byte encryption secret for tests.
const TestSecret = "0123456789abcdef0123456789abcdef"

// fastKDF keeps argon2id cheap enough for unit tests.
var fastKDF = security.KDFParams{Time: 1, MemoryKiB: 64, Threads: 1}

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.now = m.now.Add(d)
}

// NewTestEncryptor returns an Encryptor over TestSecret with cheap KDF parameters.
func NewTestEncryptor(t testing.TB) *security.Encryptor {
	t.Helper()
	enc, err := security.NewEncryptorWithParams([]byte(TestSecret), fastKDF)
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}
	return enc
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// GenerateTestClient creates a public test client with one redirect URI
func GenerateTestClient() *storage.Client {
	return &storage.Client{
		ClientID:                GenerateRandomString(24),
		ClientType:              "public",
		RedirectURIs:            []string{"http://localhost:3000/callback"},
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code"},
		ResponseTypes:           []string{"code"},
		ClientName:              "Test Client",
		CreatedAt:               time.Now(),
	}
}

// GenerateTestAuthorizationState creates a pending flow for clientID
func GenerateTestAuthorizationState(clientID string) *storage.AuthorizationState {
	challenge, _ := GeneratePKCEPair()
	return &storage.AuthorizationState{
		ProviderState:       GenerateRandomString(43),
		ClientState:         GenerateRandomString(16),
		ClientID:            clientID,
		RedirectURI:         "http://localhost:3000/callback",
		Scope:               "user.metrics",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(10 * time.Minute),
	}
}

// GenerateTestAuthorizationCode creates an issued code for clientID
func GenerateTestAuthorizationCode(clientID string) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                  GenerateRandomString(43),
		EncryptedProviderCode: "ciphertext",
		ClientID:              clientID,
		RedirectURI:           "http://localhost:3000/callback",
		Scope:                 "user.metrics",
		CreatedAt:             time.Now(),
		ExpiresAt:             time.Now().Add(10 * time.Minute),
	}
}

// GenerateTestCredentialRecord creates a record whose token fields are placeholders
func GenerateTestCredentialRecord() *storage.CredentialRecord {
	now := time.Now()
	return &storage.CredentialRecord{
		EncryptedAccessToken:  "enc-access-" + GenerateRandomString(8),
		EncryptedRefreshToken: "enc-refresh-" + GenerateRandomString(8),
		ProviderUserID:        "12345",
		ProviderTokenExpiry:   now.Add(3 * time.Hour),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// GenerateRandomString generates a random base64url string of exactly length characters
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid S256 challenge and verifier pair for testing.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}
