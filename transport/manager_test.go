package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/akutishevsky/withings-mcp/instrumentation"
	"github.com/akutishevsky/withings-mcp/internal/testutil"
)

// echoHandler answers every message with {"bearer": ..., "echo": <message>}
type echoHandler struct {
	bearer  string
	delay   time.Duration
	started chan struct{}

	mu    sync.Mutex
	calls int
}

func (e *echoHandler) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	if e.started != nil {
		select {
		case e.started <- struct{}{}:
		default:
		}
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return map[string]any{"bearer": e.bearer, "echo": message}
}

func (e *echoHandler) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(func(bearer string) MessageHandler {
		return &echoHandler{bearer: bearer}
	}, cfg, testutil.DiscardLogger())
	require.NoError(t, err)
	require.NoError(t, m.SetInstrumentation(instrumentation.NewNoop()))
	t.Cleanup(m.Stop)
	return m
}

func receive(t *testing.T, s *Session) map[string]any {
	t.Helper()
	select {
	case data := <-s.Outbound():
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

func TestNewManager_RequiresFactory(t *testing.T) {
	_, err := NewManager(nil, Config{}, nil)
	require.Error(t, err)
}

func TestManager_Defaults(t *testing.T) {
	m := newTestManager(t, Config{})
	cfg := m.Config()
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 30*time.Minute, cfg.IdleTimeout)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
}

func TestManager_CreateAndGet(t *testing.T) {
	m := newTestManager(t, Config{})

	s, err := m.Create(context.Background(), "", "bearer-a")
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, 1, m.Count())

	got, err := m.Get(s.ID, "bearer-a")
	require.NoError(t, err)
	assert.Same(t, s, got)

	_, err = m.Get(s.ID, "bearer-b")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = m.Get("unknown", "bearer-a")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_CreateRejectsInvalidID(t *testing.T) {
	m := newTestManager(t, Config{})
	_, err := m.Create(context.Background(), testutil.GenerateRandomString(MaxSessionIDLength+1), "bearer-a")
	assert.ErrorIs(t, err, ErrInvalidSessionID)
}

func TestManager_MaxSessions(t *testing.T) {
	m := newTestManager(t, Config{MaxSessions: 2})

	for i := 0; i < 2; i++ {
		_, err := m.Create(context.Background(), "", "bearer-a")
		require.NoError(t, err)
	}
	_, err := m.Create(context.Background(), "", "bearer-a")
	assert.ErrorIs(t, err, ErrTooManySessions)
}

func TestManager_ReplaceOnReconnect(t *testing.T) {
	m := newTestManager(t, Config{})

	old, err := m.Create(context.Background(), "session-1", "bearer-a")
	require.NoError(t, err)

	replacement, err := m.Create(context.Background(), "session-1", "bearer-a")
	require.NoError(t, err)
	assert.NotSame(t, old, replacement)

	select {
	case <-old.Done():
	case <-time.After(time.Second):
		t.Fatal("replaced session was not closed")
	}
	assert.Equal(t, CloseReasonReplaced, old.CloseReason())
	assert.Equal(t, 1, m.Count())

	got, err := m.Get("session-1", "bearer-a")
	require.NoError(t, err)
	assert.Same(t, replacement, got)

	// A stale stream closing its own session must not touch the replacement
	m.CloseSession(old, CloseReasonDisconnect)
	_, err = m.Get("session-1", "bearer-a")
	assert.NoError(t, err)
}

func TestManager_ReplacedSessionClosedBeforeSuccessorVisible(t *testing.T) {
	m := newTestManager(t, Config{})

	first, err := m.Create(context.Background(), "session-1", "bearer-a")
	require.NoError(t, err)

	stop := make(chan struct{})
	violations := make(chan int, 1)
	go func() {
		seen, count := first, 0
		for {
			select {
			case <-stop:
				violations <- count
				return
			default:
			}
			current, err := m.Get("session-1", "bearer-a")
			if err != nil || current == seen {
				continue
			}
			select {
			case <-seen.Done():
			default:
				count++
			}
			seen = current
		}
	}()

	for i := 0; i < 2000; i++ {
		_, err := m.Create(context.Background(), "session-1", "bearer-a")
		require.NoError(t, err)
	}
	close(stop)
	assert.Zero(t, <-violations, "successor reachable while the replaced session was still open")
	assert.Equal(t, 1, m.Count())
}

func TestManager_ReplaceRequiresSameBearer(t *testing.T) {
	m := newTestManager(t, Config{})

	original, err := m.Create(context.Background(), "session-1", "bearer-a")
	require.NoError(t, err)

	_, err = m.Create(context.Background(), "session-1", "bearer-b")
	assert.ErrorIs(t, err, ErrForbidden)

	select {
	case <-original.Done():
		t.Fatal("foreign bearer closed the session")
	default:
	}
}

func TestManager_DeliverPreservesOrder(t *testing.T) {
	m := newTestManager(t, Config{})
	s, err := m.Create(context.Background(), "", "bearer-a")
	require.NoError(t, err)

	const n = 20
	go func() {
		for i := 0; i < n; i++ {
			msg := json.RawMessage(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"ping"}`, i))
			if err := m.Deliver(context.Background(), s.ID, "bearer-a", msg); err != nil {
				t.Errorf("Deliver(%d) error = %v", i, err)
				return
			}
		}
	}()

	for i := 0; i < n; i++ {
		out := receive(t, s)
		assert.Equal(t, "bearer-a", out["bearer"])
		echo := out["echo"].(map[string]any)
		assert.EqualValues(t, i, echo["id"])
	}
}

func TestManager_MessageSpanCarriesSession(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:        true,
		TracerProvider: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)),
	})
	require.NoError(t, err)

	m, err := NewManager(func(bearer string) MessageHandler {
		return &echoHandler{bearer: bearer}
	}, Config{}, testutil.DiscardLogger())
	require.NoError(t, err)
	require.NoError(t, m.SetInstrumentation(inst))
	t.Cleanup(m.Stop)

	s, err := m.Create(context.Background(), "", "bearer-a")
	require.NoError(t, err)
	require.NoError(t, m.Deliver(context.Background(), s.ID, "bearer-a",
		json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)))
	receive(t, s)

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "transport.message", ended[0].Name())

	attrs := map[string]string{}
	for _, kv := range ended[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, s.ID, attrs[instrumentation.AttrSessionID])
	assert.Equal(t, "tools/list", attrs[instrumentation.AttrRPCMethod])
}

func TestManager_DeliverChecksBearer(t *testing.T) {
	m := newTestManager(t, Config{})
	s, err := m.Create(context.Background(), "", "bearer-a")
	require.NoError(t, err)

	err = m.Deliver(context.Background(), s.ID, "bearer-b", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrForbidden)

	err = m.Deliver(context.Background(), "missing", "bearer-a", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_SendAfterClose(t *testing.T) {
	m := newTestManager(t, Config{})
	s, err := m.Create(context.Background(), "", "bearer-a")
	require.NoError(t, err)

	m.Close(s.ID, CloseReasonExplicit)
	assert.Equal(t, CloseReasonExplicit, s.CloseReason())
	assert.Equal(t, 0, m.Count())

	err = m.Deliver(context.Background(), s.ID, "bearer-a", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// A sender still holding the session sees it closed
	assert.ErrorIs(t, s.enqueue(context.Background(), json.RawMessage(`{}`)), ErrSessionClosed)

	// Closing twice is harmless
	m.Close(s.ID, CloseReasonExplicit)
}

func TestManager_SweepIdle(t *testing.T) {
	m := newTestManager(t, Config{IdleTimeout: 30 * time.Minute})
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return start }

	idle, err := m.Create(context.Background(), "idle", "bearer-a")
	require.NoError(t, err)
	active, err := m.Create(context.Background(), "active", "bearer-a")
	require.NoError(t, err)
	active.Touch(start.Add(20 * time.Minute))

	assert.Equal(t, 0, m.Sweep(start.Add(29*time.Minute)))
	assert.Equal(t, 1, m.Sweep(start.Add(31*time.Minute)))

	assert.Equal(t, CloseReasonIdleTimeout, idle.CloseReason())
	assert.Empty(t, active.CloseReason())
	assert.Equal(t, 1, m.Count())
}

func TestManager_StartSweeps(t *testing.T) {
	m := newTestManager(t, Config{IdleTimeout: time.Millisecond, SweepInterval: 10 * time.Millisecond})

	s, err := m.Create(context.Background(), "", "bearer-a")
	require.NoError(t, err)

	m.Start(context.Background())

	require.Eventually(t, func() bool { return m.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, CloseReasonIdleTimeout, s.CloseReason())
}

func TestManager_StopClosesAll(t *testing.T) {
	m, err := NewManager(func(bearer string) MessageHandler {
		return &echoHandler{bearer: bearer}
	}, Config{}, testutil.DiscardLogger())
	require.NoError(t, err)
	m.Start(context.Background())

	a, err := m.Create(context.Background(), "", "bearer-a")
	require.NoError(t, err)
	b, err := m.Create(context.Background(), "", "bearer-b")
	require.NoError(t, err)

	m.Stop()

	assert.Equal(t, 0, m.Count())
	assert.Equal(t, CloseReasonShutdown, a.CloseReason())
	assert.Equal(t, CloseReasonShutdown, b.CloseReason())
}

func TestManager_CloseDuringSlowMessage(t *testing.T) {
	handler := &echoHandler{bearer: "bearer-a", delay: 100 * time.Millisecond, started: make(chan struct{}, 1)}
	m, err := NewManager(func(string) MessageHandler { return handler }, Config{}, testutil.DiscardLogger())
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	s, err := m.Create(context.Background(), "", "bearer-a")
	require.NoError(t, err)
	require.NoError(t, m.Deliver(context.Background(), s.ID, "bearer-a", json.RawMessage(`{"method":"tools/call"}`)))

	select {
	case <-handler.started:
	case <-time.After(2 * time.Second):
		t.Fatal("message was never handled")
	}
	m.Close(s.ID, CloseReasonDisconnect)

	// The in-flight call still completes; its response goes nowhere
	require.Eventually(t, func() bool { return handler.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	select {
	case <-s.Outbound():
		t.Fatal("response delivered after close")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_ConcurrentSessions(t *testing.T) {
	m := newTestManager(t, Config{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bearer := fmt.Sprintf("bearer-%d", i)
			s, err := m.Create(context.Background(), "", bearer)
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, m.Deliver(context.Background(), s.ID, bearer, json.RawMessage(`{"id":1}`)))
			select {
			case data := <-s.Outbound():
				assert.Contains(t, string(data), bearer)
			case <-time.After(2 * time.Second):
				t.Error("timed out")
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 20, m.Count())
}

func TestRPCMethod(t *testing.T) {
	assert.Equal(t, "tools/call", rpcMethod(json.RawMessage(`{"method":"tools/call"}`)))
	assert.Equal(t, "unknown", rpcMethod(json.RawMessage(`{"id":1,"result":{}}`)))
	assert.Equal(t, "unknown", rpcMethod(json.RawMessage(`not json`)))
}
