package transport

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Session is one authenticated JSON-RPC stream.
// Its handler is private to the session and dropped when the session closes.
type Session struct {
	ID        string
	CreatedAt time.Time

	bearer  string
	handler MessageHandler

	inbound  chan json.RawMessage
	outbound chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	lastActivity atomic.Int64 // unix nanoseconds

	closeOnce   sync.Once
	closeReason atomic.Value
}

func newSession(id, bearer string, handler MessageHandler, queueSize int, now time.Time) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:        id,
		CreatedAt: now,
		bearer:    bearer,
		handler:   handler,
		inbound:   make(chan json.RawMessage, queueSize),
		outbound:  make(chan []byte, queueSize),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.touch(now)
	return s
}

// Outbound delivers encoded JSON-RPC messages for the SSE writer
func (s *Session) Outbound() <-chan []byte {
	return s.outbound
}

// Done is closed once the session is closed
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// LastActivity returns the time of the last inbound or outbound message
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// CloseReason returns why the session was closed, or "" while it is active
func (s *Session) CloseReason() string {
	reason, _ := s.closeReason.Load().(string)
	return reason
}

// Touch records activity on the session. Heartbeats must not call it.
func (s *Session) Touch(now time.Time) {
	s.touch(now)
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

func (s *Session) enqueue(ctx context.Context, msg json.RawMessage) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.inbound <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close reports whether this call performed the close.
// The queues are never closed, so a racing sender observes done instead of panicking.
func (s *Session) close(reason string) bool {
	closed := false
	s.closeOnce.Do(func() {
		s.closeReason.Store(reason)
		s.cancel()
		close(s.done)
		closed = true
	})
	return closed
}
