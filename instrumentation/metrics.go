package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the bridge
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// OAuth Flow Metrics
	AuthorizationStarted metric.Int64Counter
	CallbackProcessed    metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	TokenRevoked         metric.Int64Counter
	ClientRegistered     metric.Int64Counter

	// Security Metrics
	RateLimitDecisions   metric.Int64Counter
	RateLimitStoreErrors metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	DecryptionFailed     metric.Int64Counter
	AuditEventsTotal     metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram

	// Provider Metrics
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderRefreshTotal  metric.Int64Counter

	// Transport Metrics
	SessionsActive  metric.Int64ObservableGauge
	SessionsCreated metric.Int64Counter
	SessionsClosed  metric.Int64Counter
	MessagesHandled metric.Int64Counter
}

func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	var err error

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")
	providerMeter := inst.Meter("provider")
	transportMeter := inst.Meter("transport")

	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.AuthorizationStarted, err = serverMeter.Int64Counter(
		"oauth.authorization.started",
		metric.WithDescription("Number of authorization flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization.started counter: %w", err)
	}

	m.CallbackProcessed, err = serverMeter.Int64Counter(
		"oauth.callback.processed",
		metric.WithDescription("Number of provider callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback.processed counter: %w", err)
	}

	m.CodeExchanged, err = serverMeter.Int64Counter(
		"oauth.code.exchanged",
		metric.WithDescription("Number of authorization code exchanges by result"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.exchanged counter: %w", err)
	}

	m.TokenRevoked, err = serverMeter.Int64Counter(
		"oauth.token.revoked",
		metric.WithDescription("Number of bridge tokens revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revoked counter: %w", err)
	}

	m.ClientRegistered, err = serverMeter.Int64Counter(
		"oauth.client.registered",
		metric.WithDescription("Number of clients registered"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client.registered counter: %w", err)
	}

	m.RateLimitDecisions, err = securityMeter.Int64Counter(
		"ratelimit.decisions.total",
		metric.WithDescription("Number of rate limit decisions by route and outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.decisions.total counter: %w", err)
	}

	m.RateLimitStoreErrors, err = securityMeter.Int64Counter(
		"ratelimit.store_errors.total",
		metric.WithDescription("Number of rate limit store failures (request allowed)"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.store_errors.total counter: %w", err)
	}

	m.PKCEValidationFailed, err = securityMeter.Int64Counter(
		"oauth.pkce.validation_failed",
		metric.WithDescription("Number of PKCE validation failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pkce.validation_failed counter: %w", err)
	}

	m.DecryptionFailed, err = securityMeter.Int64Counter(
		"vault.decryption_failed",
		metric.WithDescription("Number of credential records rejected by the authentication tag check"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault.decryption_failed counter: %w", err)
	}

	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"audit.events.total",
		metric.WithDescription("Total number of audit events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.ProviderAPICallsTotal, err = providerMeter.Int64Counter(
		"provider.api.calls.total",
		metric.WithDescription("Total number of provider API calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.calls.total counter: %w", err)
	}

	m.ProviderAPIDuration, err = providerMeter.Float64Histogram(
		"provider.api.duration",
		metric.WithDescription("Provider API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.duration histogram: %w", err)
	}

	m.ProviderRefreshTotal, err = providerMeter.Int64Counter(
		"provider.token.refresh.total",
		metric.WithDescription("Number of provider token refreshes by result"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.token.refresh.total counter: %w", err)
	}

	m.SessionsActive, err = transportMeter.Int64ObservableGauge(
		"transport.sessions.active",
		metric.WithDescription("Number of live transport sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport.sessions.active gauge: %w", err)
	}

	m.SessionsCreated, err = transportMeter.Int64Counter(
		"transport.sessions.created",
		metric.WithDescription("Number of transport sessions created"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport.sessions.created counter: %w", err)
	}

	m.SessionsClosed, err = transportMeter.Int64Counter(
		"transport.sessions.closed",
		metric.WithDescription("Number of transport sessions closed by reason"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport.sessions.closed counter: %w", err)
	}

	m.MessagesHandled, err = transportMeter.Int64Counter(
		"transport.messages.handled",
		metric.WithDescription("Number of inbound JSON-RPC messages applied to session handlers"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport.messages.handled counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with method, endpoint, status code, and duration
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordAuthorizationStarted records the start of an authorization flow
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, clientID string) {
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCallbackProcessed records a provider callback
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, clientID string, success bool) {
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("success", success),
	))
}

// RecordCodeExchange records an authorization code exchange outcome
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, result string) {
	m.CodeExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("result", result),
	))
}

// RecordTokenRevoked records a bridge token revocation
func (m *Metrics) RecordTokenRevoked(ctx context.Context) {
	m.TokenRevoked.Add(ctx, 1)
}

// RecordClientRegistered records a dynamic client registration
func (m *Metrics) RecordClientRegistered(ctx context.Context, clientType string) {
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_type", clientType),
	))
}

// RecordRateLimitDecision records the outcome of a rate limit check
func (m *Metrics) RecordRateLimitDecision(ctx context.Context, route string, allowed bool) {
	m.RateLimitDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.Bool("allowed", allowed),
	))
}

// RecordRateLimitStoreError records a failed counter update
func (m *Metrics) RecordRateLimitStoreError(ctx context.Context, route string) {
	m.RateLimitStoreErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
	))
}

// RecordPKCEValidationFailed records a PKCE verifier mismatch
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordDecryptionFailed records a credential that failed authenticated decryption
func (m *Metrics) RecordDecryptionFailed(ctx context.Context) {
	m.DecryptionFailed.Add(ctx, 1)
}

// RecordAuditEvent records an audit event by type
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordStorageOperation records a storage operation with its result and duration
func (m *Metrics) RecordStorageOperation(ctx context.Context, backend, operation, result string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("operation", operation),
		attribute.String("result", result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}

// RecordProviderAPICall records a call to the provider API
func (m *Metrics) RecordProviderAPICall(ctx context.Context, operation string, statusCode int, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Int("status", statusCode),
	)
	m.ProviderAPICallsTotal.Add(ctx, 1, attrs)
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("operation", operation)))
}

// RecordProviderRefresh records a provider token refresh outcome
func (m *Metrics) RecordProviderRefresh(ctx context.Context, result string) {
	m.ProviderRefreshTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordSessionCreated records a new transport session
func (m *Metrics) RecordSessionCreated(ctx context.Context, replaced bool) {
	m.SessionsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("replaced", replaced),
	))
}

// RecordSessionClosed records a closed transport session
func (m *Metrics) RecordSessionClosed(ctx context.Context, reason string) {
	m.SessionsClosed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordMessageHandled records an inbound message applied to a session handler
func (m *Metrics) RecordMessageHandled(ctx context.Context, method string) {
	m.MessagesHandled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}
