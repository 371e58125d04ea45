// Package storage provides interfaces and shared types for credential, client, flow, and rate
// limit persistence.
//
// The storage package defines the core storage interfaces used by the bridge:
//   - CredentialStore: encrypted provider credentials keyed by hashed bridge tokens
//   - ClientStore: dynamically registered OAuth clients
//   - FlowStore: authorization states and single-use authorization codes
//   - RateLimitStore: atomic fixed-window counters
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/mock: Mock storage for unit testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage using native key expiry
//   - storage/postgres: PostgreSQL storage with expires_at columns and a janitor
package storage
