// ABOUTME: Periodic heartbeat broadcast and idle-connection reaper
// ABOUTME: Also garbage-collects the rate limiter's per-address windows

package liveness

import (
	"context"
	"log/slog"
	"time"

	"github.com/VeriTeknik/pluggedin-broker/internal/limiter"
	"github.com/VeriTeknik/pluggedin-broker/internal/protocol"
	"github.com/VeriTeknik/pluggedin-broker/internal/session"
)

// Supervisor runs two independent periodic tasks against the session
// registry: a heartbeat that detects dead connections through write
// failures, and a reaper that disconnects sessions idle past a threshold.
type Supervisor struct {
	registry *session.Registry
	limiter  *limiter.Limiter

	heartbeatInterval time.Duration
	reapInterval      time.Duration
	idleTimeout       time.Duration

	logger *slog.Logger
}

// New creates a supervisor over the given registry and limiter.
func New(registry *session.Registry, lim *limiter.Limiter, heartbeatInterval, reapInterval, idleTimeout time.Duration, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		registry:          registry,
		limiter:           lim,
		heartbeatInterval: heartbeatInterval,
		reapInterval:      reapInterval,
		idleTimeout:       idleTimeout,
		logger:            logger.With("component", "liveness"),
	}
}

// Run drives both periodic tasks until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()
	reaper := time.NewTicker(s.reapInterval)
	defer reaper.Stop()

	s.logger.Info("liveness supervisor started",
		"heartbeat_interval", s.heartbeatInterval,
		"reap_interval", s.reapInterval,
		"idle_timeout", s.idleTimeout,
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("liveness supervisor stopped")
			return
		case <-heartbeat.C:
			s.SweepHeartbeat()
		case <-reaper.C:
			s.SweepIdle()
		}
	}
}

// SweepHeartbeat sends a heartbeat envelope to every registered session.
// Sessions whose connections have died are removed through the standard
// disconnect path (the write pump reports the failure).
func (s *Supervisor) SweepHeartbeat() {
	env := protocol.NewEvent(protocol.TypeHeartbeat, map[string]any{
		"at": time.Now().UTC(),
	})
	for _, sess := range s.registry.Sessions() {
		if err := sess.Send(env); err == session.ErrSessionClosed {
			s.registry.Remove(sess.ID)
		}
	}
	s.limiter.Prune()
}

// SweepIdle disconnects sessions whose last activity exceeds the idle
// threshold: each gets an idle_timeout notice, a normal closure, and the
// standard registry cleanup.
func (s *Supervisor) SweepIdle() {
	cutoff := time.Now().Add(-s.idleTimeout)
	for _, sess := range s.registry.Sessions() {
		if sess.LastActivity().After(cutoff) {
			continue
		}
		s.logger.Info("reaping idle session",
			"session_id", sess.ID,
			"principal_id", sess.PrincipalID(),
			"idle_for", time.Since(sess.LastActivity()).Round(time.Second),
		)
		sess.Send(protocol.NewEvent(protocol.TypeIdleTimeout, map[string]any{
			"idleTimeoutSeconds": int(s.idleTimeout.Seconds()),
		}))
		// Give the pump a moment to flush the notice before the close frame.
		time.Sleep(10 * time.Millisecond)
		sess.CloseWithCode(protocol.CloseNormal, "idle timeout")
		s.registry.Remove(sess.ID)
	}
	s.limiter.Prune()
}
