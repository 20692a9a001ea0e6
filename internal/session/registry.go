// ABOUTME: Connection registry owning all live supervisor sessions
// ABOUTME: Enforces the auth handshake deadline and per-principal session cap

package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/VeriTeknik/pluggedin-broker/internal/auth"
	"github.com/VeriTeknik/pluggedin-broker/internal/protocol"
)

// Registry errors
var (
	ErrConnectionLimit = errors.New("connection limit for principal exceeded")
	ErrUnknownSession  = errors.New("session not registered")
)

// Registry owns the set of live sessions. It is the sole mutator of session
// membership; every disconnect, whatever its cause, funnels through Remove
// so downstream subscriber sets stay consistent.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	timers   map[string]*time.Timer

	authTimeout     time.Duration
	maxPerPrincipal int

	// onRemove is invoked after a session leaves the registry, outside the
	// registry lock. The subscription broker hooks in here.
	onRemove func(*Session)

	logger *slog.Logger
}

// NewRegistry creates a registry with the given auth deadline and
// per-principal concurrent session cap.
func NewRegistry(authTimeout time.Duration, maxPerPrincipal int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:        make(map[string]*Session),
		timers:          make(map[string]*time.Timer),
		authTimeout:     authTimeout,
		maxPerPrincipal: maxPerPrincipal,
		logger:          logger.With("component", "registry"),
	}
}

// SetOnRemove installs the removal hook. Must be called before Add.
func (r *Registry) SetOnRemove(fn func(*Session)) {
	r.onRemove = fn
}

// Add creates a session for a new connection, starts its write pump, and
// arms the auth deadline timer. Connections that fail to authenticate in
// time are closed with a policy-violation code and removed.
func (r *Registry) Add(conn Conn, remoteAddr string) *Session {
	s := newSession(uuid.New().String(), remoteAddr, conn, r.logger)
	s.onDead = func() { r.Remove(s.ID) }

	timer := time.AfterFunc(r.authTimeout, func() {
		if s.Authenticated() {
			return
		}
		r.logger.Info("auth deadline expired",
			"session_id", s.ID,
			"remote_addr", remoteAddr)
		s.Send(protocol.NewError(protocol.CodeAuthRequired, "authentication timeout", ""))
		s.CloseWithCode(protocol.ClosePolicyViolation, "authentication timeout")
		r.Remove(s.ID)
	})

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.timers[s.ID] = timer
	total := len(r.sessions)
	r.mu.Unlock()

	go s.writePump()

	r.logger.Info("session connected",
		"session_id", s.ID,
		"remote_addr", remoteAddr,
		"total_sessions", total,
	)
	return s
}

// MarkAuthenticated promotes a session after a successful auth handshake.
// Returns ErrConnectionLimit when the principal already holds the maximum
// number of concurrent sessions; the session is left unauthenticated and
// the caller is expected to close it.
func (r *Registry) MarkAuthenticated(s *Session, principalID string, caps auth.CapabilitySet) error {
	r.mu.Lock()
	if _, ok := r.sessions[s.ID]; !ok {
		r.mu.Unlock()
		return ErrUnknownSession
	}

	held := 0
	for _, other := range r.sessions {
		if other.ID != s.ID && other.PrincipalID() == principalID {
			held++
		}
	}
	if held >= r.maxPerPrincipal {
		r.mu.Unlock()
		return ErrConnectionLimit
	}

	if timer, ok := r.timers[s.ID]; ok {
		timer.Stop()
		delete(r.timers, s.ID)
	}
	r.mu.Unlock()

	s.mu.Lock()
	s.principalID = principalID
	s.capabilities = caps
	s.authenticated = true
	s.lastActivity = time.Now()
	s.mu.Unlock()

	r.logger.Info("session authenticated",
		"session_id", s.ID,
		"principal_id", principalID,
		"capabilities", caps.Strings(),
	)
	return nil
}

// Get returns the session with the given ID.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Remove deletes a session from the registry, stops its auth timer, shuts
// the session down, and fires the removal hook. Idempotent: removing an
// unknown session is a no-op.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)
	if timer, tok := r.timers[sessionID]; tok {
		timer.Stop()
		delete(r.timers, sessionID)
	}
	total := len(r.sessions)
	r.mu.Unlock()

	s.CloseWithCode(protocol.CloseNormal, "")

	if r.onRemove != nil {
		r.onRemove(s)
	}

	r.logger.Info("session removed",
		"session_id", sessionID,
		"principal_id", s.PrincipalID(),
		"total_sessions", total,
	)
}

// Sessions returns a snapshot of all registered sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CountForPrincipal returns how many sessions the principal currently holds.
func (r *Registry) CountForPrincipal(principalID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.PrincipalID() == principalID {
			n++
		}
	}
	return n
}
