package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/akutishevsky/withings-mcp/internal/testutil"
	"github.com/akutishevsky/withings-mcp/storage"
)

// testStore connects to POSTGRES_TEST_DSN, skipping the test when it is unset.
func testStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("Skipping test: POSTGRES_TEST_DSN not set")
	}
	store, err := New(Config{DSN: dsn, Logger: testutil.DiscardLogger()})
	if err != nil {
		t.Skipf("Skipping test: could not connect to PostgreSQL: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestNew_MissingDSN(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("Expected error for missing DSN")
	}
}

func TestCredentialStore(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	key := testutil.GenerateRandomString(32)

	record := testutil.GenerateTestCredentialRecord()
	if err := s.SaveCredential(ctx, key, record, time.Hour); err != nil {
		t.Fatalf("SaveCredential() error = %v", err)
	}
	got, err := s.GetCredential(ctx, key)
	if err != nil {
		t.Fatalf("GetCredential() error = %v", err)
	}
	if got.EncryptedAccessToken != record.EncryptedAccessToken {
		t.Errorf("EncryptedAccessToken = %q", got.EncryptedAccessToken)
	}

	var before time.Time
	_ = s.pool.QueryRow(ctx, `SELECT expires_at FROM withings_credentials WHERE key = $1`, key).Scan(&before)

	record.EncryptedAccessToken = "rotated"
	if err := s.UpdateCredential(ctx, key, record); err != nil {
		t.Fatalf("UpdateCredential() error = %v", err)
	}
	var after time.Time
	_ = s.pool.QueryRow(ctx, `SELECT expires_at FROM withings_credentials WHERE key = $1`, key).Scan(&after)
	if !before.Equal(after) {
		t.Errorf("expires_at changed from %v to %v", before, after)
	}

	if err := s.DeleteCredential(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetCredential(ctx, key); !errors.Is(err, storage.ErrCredentialNotFound) {
		t.Errorf("after delete error = %v", err)
	}
	if err := s.UpdateCredential(ctx, key, record); !errors.Is(err, storage.ErrCredentialNotFound) {
		t.Errorf("update after delete error = %v", err)
	}
}

func TestClientStore(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	client := testutil.GenerateTestClient()
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ClientName != client.ClientName {
		t.Errorf("ClientName = %q", got.ClientName)
	}
	if _, err := s.GetClient(ctx, "unknown-"+client.ClientID); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("unknown client error = %v", err)
	}
}

func TestFlowStore_SingleUse(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	state := testutil.GenerateTestAuthorizationState("c1")
	if err := s.SaveAuthorizationState(ctx, state); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ConsumeAuthorizationState(ctx, state.ProviderState); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ConsumeAuthorizationState(ctx, state.ProviderState); !errors.Is(err, storage.ErrAuthorizationStateNotFound) {
		t.Errorf("second consume error = %v", err)
	}

	code := testutil.GenerateTestAuthorizationCode("c1")
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatal(err)
	}
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAuthorizationCode(ctx, code.Code); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("code consumed %d times", wins.Load())
	}
}

func TestRateLimitStore_Concurrent(t *testing.T) {
	s := testStore(t)
	id := "test:" + testutil.GenerateRandomString(16)

	const n = 20
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := s.CheckAndIncrement(context.Background(), id, n-1, time.Minute)
			if err == nil && c.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if allowed.Load() != n-1 {
		t.Errorf("allowed = %d, want %d", allowed.Load(), n-1)
	}
}
