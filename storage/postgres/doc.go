// Package postgres provides a PostgreSQL storage backend.
//
// The schema in schema.sql is applied with CREATE ... IF NOT EXISTS on startup.
// Records are stored as JSONB next to an expires_at column; reads filter on expiry and a
// janitor goroutine deletes stale rows.
//
// Single-use values are consumed with DELETE ... RETURNING. The rate limit counter is
// updated under SELECT ... FOR UPDATE in one transaction.
package postgres
