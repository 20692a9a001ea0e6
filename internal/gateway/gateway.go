// ABOUTME: Gateway orchestrator wiring store, registry, broker, and liveness
// ABOUTME: Serves the WebSocket endpoint, health check, and internal hooks

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/VeriTeknik/pluggedin-broker/internal/auth"
	"github.com/VeriTeknik/pluggedin-broker/internal/broker"
	"github.com/VeriTeknik/pluggedin-broker/internal/config"
	"github.com/VeriTeknik/pluggedin-broker/internal/conversation"
	"github.com/VeriTeknik/pluggedin-broker/internal/limiter"
	"github.com/VeriTeknik/pluggedin-broker/internal/liveness"
	"github.com/VeriTeknik/pluggedin-broker/internal/metrics"
	"github.com/VeriTeknik/pluggedin-broker/internal/protocol"
	"github.com/VeriTeknik/pluggedin-broker/internal/session"
	"github.com/VeriTeknik/pluggedin-broker/internal/store"
)

// maxFrameBytes caps a single client frame. Instruction text is the largest
// legitimate payload and stays well under this.
const maxFrameBytes = 64 * 1024

// Gateway orchestrates the broker server components. It owns the HTTP
// server, the session registry, and the liveness supervisor lifecycle.
type Gateway struct {
	config     *config.Config
	store      store.Store
	registry   *session.Registry
	subs       *broker.Subscriptions
	limiter    *limiter.Limiter
	service    *conversation.Service
	supervisor *liveness.Supervisor
	metrics    *metrics.Metrics
	router     *Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// initStore creates a store from config, with PLUGGEDIN_DB_PATH taking
// precedence over the configured path.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("PLUGGEDIN_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a fully wired gateway from config. The returned gateway is
// inert until Run is called.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	st, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	registry := session.NewRegistry(cfg.Auth.HandshakeTimeout, cfg.Limits.MaxSessionsPerPrincipal, logger)
	subs := broker.New(logger)
	// Each side cleans up through the other: a registry removal drops the
	// session's subscriptions, and a dead subscriber found mid-broadcast is
	// removed from the registry.
	registry.SetOnRemove(subs.DropSession)
	subs.SetRemoveFunc(registry.Remove)

	lim := limiter.New(cfg.Limits.RateLimitWindow, cfg.Limits.RateLimitThreshold)
	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	resolver := auth.NewAccessResolver(st, logger)
	service := conversation.New(st, subs, m, logger)
	supervisor := liveness.New(registry, lim,
		cfg.Liveness.HeartbeatInterval, cfg.Liveness.ReapInterval, cfg.Liveness.IdleTimeout, logger)

	gw := &Gateway{
		config:     cfg,
		store:      st,
		registry:   registry,
		subs:       subs,
		limiter:    lim,
		service:    service,
		supervisor: supervisor,
		metrics:    m,
		logger:     logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Supervisor dashboards connect cross-origin; token auth is the
			// real gate.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	gw.router = NewRouter(registry, subs, verifier, resolver, service, lim, m, logger)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// routes builds the HTTP mux: the WebSocket endpoint, health check,
// optional metrics, and the internal hook the AI pipeline calls when it
// needs a human.
func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", g.handleWS)
	r.Get("/healthz", g.handleHealth)
	r.Post("/internal/conversations/{conversationID}/waiting", g.handleMarkWaiting)
	if g.config.Metrics.Enabled {
		r.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}
	return r
}

// Run starts the HTTP server and the liveness supervisor, blocking until
// the context is canceled or the server fails. Returns nil on graceful
// shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}

	supervisorCtx, cancelSupervisor := context.WithCancel(ctx)
	defer cancelSupervisor()
	go g.supervisor.Run(supervisorCtx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// Shutdown notifies connected sessions, closes them with a going-away
// frame, and stops the HTTP server and store.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "sessions", g.registry.Len())

	notice := protocol.NewEvent(protocol.TypeServerShutdown, nil)
	for _, s := range g.registry.Sessions() {
		_ = s.Send(notice)
	}
	// Give the write pumps a moment to flush the notice before closing.
	time.Sleep(50 * time.Millisecond)
	for _, s := range g.registry.Sessions() {
		s.CloseWithCode(protocol.CloseGoingAway, "server shutting down")
		g.registry.Remove(s.ID)
	}

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := g.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleWS upgrades the connection, registers the session, sends the
// connected greeting, and runs the read loop until the client goes away.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	sess := g.registry.Add(conn, r.RemoteAddr)
	g.metrics.SetActiveSessions(g.registry.Len())
	defer func() {
		g.registry.Remove(sess.ID)
		g.metrics.SetActiveSessions(g.registry.Len())
	}()

	_ = sess.Send(protocol.NewEvent(protocol.TypeConnected, map[string]string{"sessionId": sess.ID}))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Debug("read loop ended", "session_id", sess.ID, "error", err)
			}
			return
		}
		g.router.HandleEnvelope(r.Context(), sess, raw)
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleMarkWaiting is the internal hook the AI pipeline calls when it
// cannot proceed and needs a human. Not exposed publicly; deployments keep
// /internal behind the reverse proxy.
func (g *Gateway) handleMarkWaiting(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	err := g.service.MarkWaiting(r.Context(), conversationID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "conversation not found", http.StatusNotFound)
	case errors.Is(err, conversation.ErrInvalidTransition):
		http.Error(w, "conversation is not active", http.StatusConflict)
	default:
		g.logger.Error("mark waiting failed", "conversation_id", conversationID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
