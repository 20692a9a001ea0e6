// ABOUTME: Represents a single supervisor connection and manages its outbound queue
// ABOUTME: A dedicated write pump keeps all frame writes on one goroutine

package session

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/VeriTeknik/pluggedin-broker/internal/auth"
	"github.com/VeriTeknik/pluggedin-broker/internal/protocol"
)

const (
	// outboundQueueSize is the per-session buffer between handlers and the
	// write pump. Slow consumers drop events rather than block broadcasts.
	outboundQueueSize = 64

	writeDeadline = 10 * time.Second

	// flushTimeout bounds how long CloseWithCode waits for the write pump
	// to drain queued frames before tearing the connection down.
	flushTimeout = 100 * time.Millisecond
)

// Session errors
var (
	ErrSessionClosed = errors.New("session closed")
	ErrQueueFull     = errors.New("outbound queue full")
)

// Conn is the subset of *websocket.Conn the session writes through.
// Tests substitute a fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Session holds the per-connection state owned by the Registry: identity,
// capabilities, consent, subscriptions, and activity tracking.
type Session struct {
	ID         string
	RemoteAddr string

	mu              sync.RWMutex
	principalID     string
	capabilities    auth.CapabilitySet
	authenticated   bool
	consentGranted  bool
	consentPurposes map[string]struct{}
	subscribed      map[string]struct{}
	lastActivity    time.Time

	conn      Conn
	outbound  chan []byte
	pending   atomic.Int32 // enqueued frames not yet on the wire
	done      chan struct{}
	closeOnce sync.Once
	onDead    func() // invoked once when a pump write fails
	logger    *slog.Logger
}

func newSession(id, remoteAddr string, conn Conn, logger *slog.Logger) *Session {
	return &Session{
		ID:              id,
		RemoteAddr:      remoteAddr,
		consentPurposes: make(map[string]struct{}),
		subscribed:      make(map[string]struct{}),
		lastActivity:    time.Now(),
		conn:            conn,
		outbound:        make(chan []byte, outboundQueueSize),
		done:            make(chan struct{}),
		logger:          logger,
	}
}

// writePump drains the outbound queue onto the connection. It is the only
// goroutine that calls WriteMessage on this connection.
func (s *Session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.outbound:
			s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			err := s.conn.WriteMessage(websocket.TextMessage, data)
			s.pending.Add(-1)
			if err != nil {
				s.logger.Debug("session write failed",
					"session_id", s.ID,
					"error", err)
				if s.onDead != nil {
					s.onDead()
				}
				return
			}
		}
	}
}

// Send enqueues an envelope for delivery. Returns ErrSessionClosed after the
// session has shut down and ErrQueueFull when the client is too slow to
// drain its queue; a full queue drops the envelope but keeps the session.
func (s *Session) Send(env *protocol.Outbound) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	s.pending.Add(1)
	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		s.pending.Add(-1)
		return ErrSessionClosed
	default:
		s.pending.Add(-1)
		return ErrQueueFull
	}
}

// CloseWithCode writes a close frame with the given code and shuts the
// session down. Safe to call multiple times; only the first wins.
func (s *Session) CloseWithCode(code int, reason string) {
	s.closeOnce.Do(func() {
		// A final error envelope queued just before close must reach the
		// wire ahead of the close frame. Give the pump a bounded window
		// to drain; if the peer is already dead the wait burns out.
		deadline := time.Now().Add(flushTimeout)
		for s.pending.Load() > 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		msg := websocket.FormatCloseMessage(code, reason)
		// Best effort: the peer may already be gone.
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		close(s.done)
		s.conn.Close()
	})
}

// Closed reports whether the session has shut down.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Touch records inbound activity for idle tracking.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the most recent inbound envelope.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Authenticated reports whether the session has completed the auth handshake.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// PrincipalID returns the authenticated principal, or "" before auth.
func (s *Session) PrincipalID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principalID
}

// Capabilities returns the session's capability set.
func (s *Session) Capabilities() auth.CapabilitySet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capabilities
}

// HasCapability reports whether the session holds the capability.
func (s *Session) HasCapability(c auth.Capability) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capabilities.Has(c)
}

// SetConsent records the client's consent declaration.
func (s *Session) SetConsent(granted bool, purposes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consentGranted = granted
	s.consentPurposes = make(map[string]struct{}, len(purposes))
	for _, p := range purposes {
		s.consentPurposes[p] = struct{}{}
	}
}

// HasConsent reports whether consent was granted for the given purpose.
func (s *Session) HasConsent(purpose string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.consentGranted {
		return false
	}
	_, ok := s.consentPurposes[purpose]
	return ok
}

// AddSubscription records membership in a conversation's subscriber set.
func (s *Session) AddSubscription(conversationID string) {
	s.mu.Lock()
	s.subscribed[conversationID] = struct{}{}
	s.mu.Unlock()
}

// RemoveSubscription drops membership in a conversation's subscriber set.
func (s *Session) RemoveSubscription(conversationID string) {
	s.mu.Lock()
	delete(s.subscribed, conversationID)
	s.mu.Unlock()
}

// Subscriptions returns a snapshot of the conversations this session follows.
func (s *Session) Subscriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subscribed))
	for id := range s.subscribed {
		out = append(out, id)
	}
	return out
}
