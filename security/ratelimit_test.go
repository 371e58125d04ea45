package security

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/akutishevsky/withings-mcp/storage"
)

// counterStore is a minimal mutex-guarded fixed-window store.
type counterStore struct {
	mu       sync.Mutex
	counters map[string]*storage.RateLimitCounter
	now      func() time.Time
	err      error
}

func newCounterStore() *counterStore {
	return &counterStore{counters: map[string]*storage.RateLimitCounter{}, now: time.Now}
}

func (s *counterStore) CheckAndIncrement(_ context.Context, id string, maxRequests int, window time.Duration) (*storage.RateLimitCounter, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[id]
	if !ok || !now.Before(c.WindowResetAt) {
		c = &storage.RateLimitCounter{Identifier: id, WindowResetAt: now.Add(window)}
		s.counters[id] = c
	}
	out := *c
	if c.Count < maxRequests {
		c.Count++
		out.Count = c.Count
		out.Allowed = true
	}
	return &out, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRateLimiter_CheckAndIncrement(t *testing.T) {
	rl := NewRateLimiter(newCounterStore(), discardLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := rl.CheckAndIncrement(ctx, "1.2.3.4:token", 3, time.Minute)
		if !res.Allowed {
			t.Fatalf("request %d denied", i+1)
		}
		if res.Remaining != 2-i {
			t.Errorf("request %d remaining = %d, want %d", i+1, res.Remaining, 2-i)
		}
	}

	res := rl.CheckAndIncrement(ctx, "1.2.3.4:token", 3, time.Minute)
	if res.Allowed {
		t.Fatal("4th request allowed with max 3")
	}
	if res.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", res.Remaining)
	}

	// Different identifier has its own window
	if !rl.CheckAndIncrement(ctx, "5.6.7.8:token", 3, time.Minute).Allowed {
		t.Error("other identifier denied")
	}
}

func TestRateLimiter_WindowReset(t *testing.T) {
	store := newCounterStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	rl := NewRateLimiter(store, discardLogger())
	ctx := context.Background()

	rl.CheckAndIncrement(ctx, "id", 1, time.Minute)
	if rl.CheckAndIncrement(ctx, "id", 1, time.Minute).Allowed {
		t.Fatal("second request in window allowed")
	}

	now = now.Add(time.Minute)
	if !rl.CheckAndIncrement(ctx, "id", 1, time.Minute).Allowed {
		t.Error("request in new window denied")
	}
}

func TestRateLimiter_FailOpen(t *testing.T) {
	store := newCounterStore()
	store.err = errors.New("connection refused")
	rl := NewRateLimiter(store, discardLogger())

	res := rl.CheckAndIncrement(context.Background(), "id", 1, time.Minute)
	if !res.Allowed {
		t.Error("store failure must allow the request")
	}
	if !res.Degraded {
		t.Error("Degraded = false on store failure")
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	store := newCounterStore()
	store.err = errors.New("must not be called")
	rl := NewRateLimiter(store, discardLogger())

	if res := rl.CheckAndIncrement(context.Background(), "id", 0, time.Minute); !res.Allowed || res.Degraded {
		t.Errorf("zero max should bypass the store, got %+v", res)
	}
}

func TestRateLimiter_ConcurrentAtomicity(t *testing.T) {
	const n = 50
	rl := NewRateLimiter(newCounterStore(), discardLogger())

	var allowed atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if rl.CheckAndIncrement(context.Background(), "shared", n-1, time.Minute).Allowed {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := allowed.Load(); got != n-1 {
		t.Errorf("allowed = %d, want %d", got, n-1)
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(newCounterStore(), discardLogger())
	rl.SetAuditor(NewAuditor(discardLogger(), true))

	var calls int
	h := rl.Middleware("register", RatePolicy{MaxRequests: 2, Window: time.Hour})(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusCreated)
		}))

	do := func(remoteAddr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/register", nil)
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		if rec := do("10.0.0.1:5000"); rec.Code != http.StatusCreated {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}

	rec := do("10.0.0.1:5001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != RateLimitExceededCode {
		t.Errorf("error = %q", body["error"])
	}

	// Another IP is unaffected
	if rec := do("10.0.0.2:5000"); rec.Code != http.StatusCreated {
		t.Errorf("other IP status = %d", rec.Code)
	}
	if calls != 3 {
		t.Errorf("handler called %d times, want 3", calls)
	}
}

func TestRateLimiter_MiddlewareDisabledPolicy(t *testing.T) {
	rl := NewRateLimiter(newCounterStore(), discardLogger())
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := rl.Middleware("token", RatePolicy{})(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/token", nil))
	if rec.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("disabled policy should not set rate limit headers")
	}
}
