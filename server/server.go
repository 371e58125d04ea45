package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/akutishevsky/withings-mcp/instrumentation"
	"github.com/akutishevsky/withings-mcp/providers"
	"github.com/akutishevsky/withings-mcp/security"
	"github.com/akutishevsky/withings-mcp/storage"
	"github.com/akutishevsky/withings-mcp/vault"
)

// Server implements the OAuth broker logic.
// It coordinates the two OAuth flows using a Provider, the credential vault and the flow stores.
type Server struct {
	provider    providers.Provider
	vault       *vault.Vault
	clientStore storage.ClientStore
	flowStore   storage.FlowStore
	Encryptor   *security.Encryptor
	Auditor     *security.Auditor
	Logger      *slog.Logger
	Config      *Config

	metrics *instrumentation.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// New creates a new OAuth broker
func New(
	provider providers.Provider,
	v *vault.Vault,
	clientStore storage.ClientStore,
	flowStore storage.FlowStore,
	encryptor *security.Encryptor,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if v == nil {
		return nil, fmt.Errorf("vault is required")
	}
	if clientStore == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if flowStore == nil {
		return nil, fmt.Errorf("flow store is required")
	}
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	return &Server{
		provider:    provider,
		vault:       v,
		clientStore: clientStore,
		flowStore:   flowStore,
		Encryptor:   encryptor,
		Config:      config,
		Logger:      logger,
		now:         time.Now,
	}, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetInstrumentation enables broker metrics and tracing
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.metrics = inst.Metrics()
	s.tracer = inst.Tracer("server")
}

// ProviderName returns the upstream provider name
func (s *Server) ProviderName() string {
	return s.provider.Name()
}

// startSpan starts a broker span, or returns the span already in ctx without instrumentation
func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "oauth."+name)
}

// generateRandomToken generates a cryptographically secure random token: 32 random bytes,
// base64url encoded without padding.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
