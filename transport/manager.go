package transport

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/akutishevsky/withings-mcp/instrumentation"
	"github.com/akutishevsky/withings-mcp/internal/util"
)

const (
	// DefaultHeartbeatInterval is the period between SSE keep-alive comments
	DefaultHeartbeatInterval = 15 * time.Second

	// DefaultIdleTimeout is how long a session may go without traffic before the sweep closes it
	DefaultIdleTimeout = 30 * time.Minute

	// DefaultSweepInterval is the period of the idle sweep
	DefaultSweepInterval = time.Minute

	// DefaultQueueSize bounds the inbound and outbound queue of each session
	DefaultQueueSize = 64

	// DefaultMaxSessions caps concurrently open sessions
	DefaultMaxSessions = 1000

	// MaxSessionIDLength bounds client supplied session IDs
	MaxSessionIDLength = 256
)

// Close reasons reported to metrics and logs
const (
	CloseReasonExplicit        = "explicit"
	CloseReasonDisconnect      = "disconnect"
	CloseReasonHeartbeatFailed = "heartbeat_failed"
	CloseReasonIdleTimeout     = "idle_timeout"
	CloseReasonReplaced        = "replaced"
	CloseReasonShutdown        = "shutdown"
)

var (
	// ErrSessionNotFound is returned for an unknown session ID
	ErrSessionNotFound = errors.New("session not found")

	// ErrForbidden is returned when the presented bearer does not own the session
	ErrForbidden = errors.New("bearer does not match session")

	// ErrSessionClosed is returned when sending to a session that has been closed
	ErrSessionClosed = errors.New("session closed")

	// ErrTooManySessions is returned when MaxSessions would be exceeded
	ErrTooManySessions = errors.New("too many sessions")

	// ErrInvalidSessionID is returned for an empty or oversized session ID
	ErrInvalidSessionID = errors.New("invalid session id")
)

// MessageHandler processes one inbound JSON-RPC message and returns the response to send back,
// or nil for notifications. *server.MCPServer from mcp-go satisfies it.
type MessageHandler interface {
	HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage
}

// HandlerFactory builds a fresh protocol handler for a session owned by bearer
type HandlerFactory func(bearer string) MessageHandler

// Config configures the Manager. Zero values select the defaults.
type Config struct {
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	SweepInterval     time.Duration
	QueueSize         int
	MaxSessions       int
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	return c
}

// Manager owns the table of live sessions.
//
// A session moves absent -> active -> closing -> absent. Every operation addressed to a session
// must present the bearer it was created with; the comparison is constant time.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	factory HandlerFactory
	config  Config
	logger  *slog.Logger
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup // sweep goroutine
}

// NewManager creates a session manager. Call Start to run the idle sweep and Stop on shutdown.
func NewManager(factory HandlerFactory, config Config, logger *slog.Logger) (*Manager, error) {
	if factory == nil {
		return nil, fmt.Errorf("handler factory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		factory:  factory,
		config:   config.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}, nil
}

// SetInstrumentation enables session metrics, including the active sessions gauge,
// and a span per handled message
func (m *Manager) SetInstrumentation(inst *instrumentation.Instrumentation) error {
	if inst == nil {
		return nil
	}
	m.metrics = inst.Metrics()
	m.tracer = inst.Tracer("transport")
	return inst.RegisterActiveSessionsCallback(func() int64 {
		return int64(m.Count())
	})
}

// Config returns the effective configuration
func (m *Manager) Config() Config {
	return m.config
}

// ValidateSessionID checks a client supplied session ID
func ValidateSessionID(id string) error {
	if id == "" || len(id) > MaxSessionIDLength {
		return ErrInvalidSessionID
	}
	return nil
}

// Create opens a session for bearer. An empty id allocates a new one.
// Creating over a live id replaces that session (last writer wins), but only when the
// same bearer owns it.
func (m *Manager) Create(ctx context.Context, id, bearer string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := ValidateSessionID(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	old, replacing := m.sessions[id]
	if replacing && !bearerMatches(old.bearer, bearer) {
		m.mu.Unlock()
		return nil, ErrForbidden
	}
	if !replacing && len(m.sessions) >= m.config.MaxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	// The old session is closed before its successor becomes reachable
	oldClosed := false
	if replacing {
		delete(m.sessions, id)
		oldClosed = old.close(CloseReasonReplaced)
	}

	s := newSession(id, bearer, m.factory(bearer), m.config.QueueSize, m.now())
	m.sessions[id] = s
	m.mu.Unlock()

	if oldClosed {
		m.recordClosed(old, CloseReasonReplaced)
	}

	go m.pump(s)

	m.logger.Info("Session created",
		"session_id", util.SafeTruncate(id, 16),
		"replaced", replacing)
	if m.metrics != nil {
		m.metrics.RecordSessionCreated(ctx, replacing)
	}
	return s, nil
}

// Get returns the session id if bearer owns it
func (m *Manager) Get(id, bearer string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return nil, ErrSessionNotFound
	}
	if !bearerMatches(s.bearer, bearer) {
		return nil, ErrForbidden
	}
	return s, nil
}

// Deliver queues one inbound message for the session. Messages are handled in arrival order.
func (m *Manager) Deliver(ctx context.Context, id, bearer string, msg json.RawMessage) error {
	s, err := m.Get(id, bearer)
	if err != nil {
		return err
	}
	if err := s.enqueue(ctx, msg); err != nil {
		return err
	}
	s.touch(m.now())
	return nil
}

// Close closes the session id for reason. Closing an unknown id is a no-op.
func (m *Manager) Close(id, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if ok {
		m.finish(s, reason)
	}
}

// CloseSession closes s unless it has already been replaced or removed.
// The SSE writer uses it so a stale stream never closes its successor.
func (m *Manager) CloseSession(s *Session, reason string) {
	m.mu.Lock()
	current, ok := m.sessions[s.ID]
	if ok && current == s {
		delete(m.sessions, s.ID)
	}
	m.mu.Unlock()

	if ok && current == s {
		m.finish(s, reason)
	}
}

// finish runs the closing state of s; it must already be out of the table
func (m *Manager) finish(s *Session, reason string) {
	if s.close(reason) {
		m.recordClosed(s, reason)
	}
}

func (m *Manager) recordClosed(s *Session, reason string) {
	m.logger.Info("Session closed",
		"session_id", util.SafeTruncate(s.ID, 16),
		"reason", reason,
		"age", m.now().Sub(s.CreatedAt).Round(time.Second))
	if m.metrics != nil {
		m.metrics.RecordSessionClosed(context.Background(), reason)
	}
}

// Sweep closes sessions idle for longer than IdleTimeout and returns how many it closed
func (m *Manager) Sweep(now time.Time) int {
	var idle []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastActivity()) > m.config.IdleTimeout {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		m.finish(s, CloseReasonIdleTimeout)
	}
	if len(idle) > 0 {
		m.logger.Debug("Idle sessions swept", "count", len(idle))
	}
	return len(idle)
}

// Start runs the idle sweep until ctx is done or Stop is called
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(m.now())
			}
		}
	}()
}

// Stop ends the sweep and closes every session.
// Messages already being handled finish in the background; their output is discarded.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range all {
		m.finish(s, CloseReasonShutdown)
	}
	m.wg.Wait()
}

// Count returns the number of live sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// pump applies inbound messages of s one at a time and queues the responses.
// A message being handled when the session closes still runs to completion; its
// response is dropped.
func (m *Manager) pump(s *Session) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.inbound:
			resp := m.handle(s, msg)
			if resp == nil {
				continue
			}

			data, err := json.Marshal(resp)
			if err != nil {
				m.logger.Error("Failed to encode JSON-RPC response",
					"session_id", util.SafeTruncate(s.ID, 16),
					"error", err)
				continue
			}

			select {
			case s.outbound <- data:
			case <-s.done:
				return
			}
		}
	}
}

// handle runs one message through the session handler inside a span
func (m *Manager) handle(s *Session, msg json.RawMessage) mcp.JSONRPCMessage {
	method := rpcMethod(msg)
	ctx := context.WithoutCancel(s.ctx)
	if m.tracer != nil {
		var span trace.Span
		ctx, span = m.tracer.Start(ctx, "transport.message")
		instrumentation.AddSessionAttributes(span, s.ID)
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrRPCMethod, method))
		defer span.End()
	}

	resp := s.handler.HandleMessage(ctx, msg)
	if m.metrics != nil {
		m.metrics.RecordMessageHandled(ctx, method)
	}
	return resp
}

// rpcMethod extracts the JSON-RPC method name for metrics; responses have none
func rpcMethod(msg json.RawMessage) string {
	var envelope struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil || envelope.Method == "" {
		return "unknown"
	}
	return util.SafeTruncate(envelope.Method, 64)
}

func bearerMatches(expected, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(presented)) == 1
}
