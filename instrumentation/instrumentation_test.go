package instrumentation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{
			name:   "default config",
			config: Config{},
		},
		{
			name: "with service name and version",
			config: Config{
				Enabled:        true,
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
			},
		},
		{
			name:   "enabled without providers falls back to noop",
			config: Config{Enabled: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if inst.Meter("http") == nil {
				t.Error("Meter('http') returned nil")
			}
			if inst.Tracer("server") == nil {
				t.Error("Tracer('server') returned nil")
			}
			if inst.Metrics() == nil {
				t.Fatal("Metrics() returned nil")
			}
			if inst.Resource() == nil {
				t.Error("Resource() returned nil")
			}
		})
	}
}

func TestInstrumentation_Shutdown(t *testing.T) {
	inst := NewNoop()

	calls := 0
	wantErr := errors.New("flush failed")
	inst.RegisterShutdown(func(context.Context) error {
		calls++
		return wantErr
	})

	if err := inst.Shutdown(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("Shutdown() error = %v, want %v", err, wantErr)
	}
	// Second call is a no-op
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown() error = %v", err)
	}
	if calls != 1 {
		t.Errorf("shutdown func called %d times, want 1", calls)
	}
}

func TestInstrumentation_TracerProviderIsUsed(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	inst, err := New(Config{Enabled: true, TracerProvider: tp})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, span := inst.Tracer("server").Start(context.Background(), "oauth.token")
	AddOAuthFlowAttributes(span, "client-1", "authorization_code")
	AddPKCEAttributes(span, "S256")
	RecordError(span, errors.New("invalid_grant"))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("got %d ended spans, want 1", len(ended))
	}
	got := ended[0]
	if got.Name() != "oauth.token" {
		t.Errorf("span name = %q", got.Name())
	}
	if got.Status().Code != codes.Error {
		t.Errorf("span status = %v, want Error", got.Status().Code)
	}

	attrs := map[string]string{}
	for _, kv := range got.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs[AttrClientID] != "client-1" {
		t.Errorf("%s = %q", AttrClientID, attrs[AttrClientID])
	}
	if attrs[AttrPKCEMethod] != "S256" {
		t.Errorf("%s = %q", AttrPKCEMethod, attrs[AttrPKCEMethod])
	}
}

func TestNilSafeHelpers_WithNilSpans(t *testing.T) {
	// None of these may panic
	RecordError(nil, errors.New("boom"))
	SetSpanSuccess(nil)
	SetSpanError(nil, "boom")
	SetSpanAttributes(nil)
	AddOAuthFlowAttributes(nil, "c", "g")
	AddPKCEAttributes(nil, "S256")
	AddStorageAttributes(nil, "get", "memory")
	AddProviderAttributes(nil, "withings", "refresh")
	AddHTTPAttributes(nil, "GET", "/authorize", 302)
	AddSessionAttributes(nil, "sid")
	AddSecurityAttributes(nil, "127.0.0.1")
}

func TestMetrics_ConcurrentRecording(t *testing.T) {
	inst := NewNoop()
	m := inst.Metrics()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordHTTPRequest(ctx, "POST", "/token", 200, 1.5)
			m.RecordCodeExchange(ctx, "client", "success")
			m.RecordRateLimitDecision(ctx, "token", true)
			m.RecordRateLimitStoreError(ctx, "token")
			m.RecordStorageOperation(ctx, "memory", "get_credential", "success", 0.1)
			m.RecordProviderAPICall(ctx, "getmeas", 200, 12)
			m.RecordProviderRefresh(ctx, "success")
			m.RecordSessionCreated(ctx, false)
			m.RecordSessionClosed(ctx, "idle")
			m.RecordMessageHandled(ctx, "tools/call")
			m.RecordDecryptionFailed(ctx)
			m.RecordAuditEvent(ctx, "token_issued")
		}()
	}
	wg.Wait()
}

func TestRegisterActiveSessionsCallback(t *testing.T) {
	inst := NewNoop()
	if err := inst.RegisterActiveSessionsCallback(func() int64 { return 3 }); err != nil {
		t.Fatalf("RegisterActiveSessionsCallback() error = %v", err)
	}
}

func TestShouldLogClientIPs(t *testing.T) {
	inst, err := New(Config{LogClientIPs: true})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if !inst.ShouldLogClientIPs() {
		t.Error("ShouldLogClientIPs() = false, want true")
	}
	if NewNoop().ShouldLogClientIPs() {
		t.Error("ShouldLogClientIPs() = true for zero config")
	}
}
