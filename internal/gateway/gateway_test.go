// ABOUTME: Tests for the Gateway orchestrator over real WebSocket connections
// ABOUTME: Covers the connect/auth/subscribe flow, health check, and the waiting hook

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VeriTeknik/pluggedin-broker/internal/auth"
	"github.com/VeriTeknik/pluggedin-broker/internal/config"
	"github.com/VeriTeknik/pluggedin-broker/internal/protocol"
	"github.com/VeriTeknik/pluggedin-broker/internal/store"
)

// testConfig builds a minimal config on an available port with an in-memory
// store.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpAddr := ln.Addr().String()
	ln.Close()

	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: httpAddr},
		Database: config.DatabaseConfig{Path: ":memory:"},
		Auth: config.AuthConfig{
			JWTSecret:        "test-secret",
			HandshakeTimeout: 5 * time.Second,
		},
		Limits: config.LimitsConfig{
			MaxSessionsPerPrincipal: 5,
			RateLimitThreshold:      1000,
			RateLimitWindow:         time.Minute,
		},
		Liveness: config.LivenessConfig{
			HeartbeatInterval: time.Hour,
			ReapInterval:      time.Hour,
			IdleTimeout:       time.Hour,
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startGateway runs the gateway and returns its base URL plus a cancel that
// triggers shutdown.
func startGateway(t *testing.T, cfg *config.Config) (*Gateway, context.CancelFunc) {
	t.Helper()

	gw, err := New(cfg, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("gateway did not shut down in time")
		}
	})

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	return gw, cancel
}

// seed inserts a principal that owns one tenant with one active
// conversation.
func seed(t *testing.T, gw *Gateway) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, gw.store.CreatePrincipal(ctx, &store.Principal{
		ID: "owner-1", Name: "Owner", Status: store.PrincipalStatusActive,
	}))
	require.NoError(t, gw.store.CreateTenant(ctx, &store.Tenant{
		ID: "tenant-1", OwnerID: "owner-1", Name: "Acme",
	}))
	require.NoError(t, gw.store.CreateConversation(ctx, &store.Conversation{
		ID: "conv-1", TenantID: "tenant-1", Status: store.StatusActive,
	}))
}

func dial(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, envType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": envType, "payload": payload})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

// readUntil reads envelopes until one of the given type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, envType string) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %s", envType)
		var env struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(raw, &env))
		if env.Type == envType {
			return env.Payload
		}
	}
}

func authAndConsent(t *testing.T, conn *websocket.Conn, secret, principalID string) {
	t.Helper()
	token, err := auth.NewJWTVerifier([]byte(secret)).Generate(principalID, time.Hour)
	require.NoError(t, err)
	sendEnvelope(t, conn, protocol.TypeAuth, protocol.AuthPayload{Token: token})
	readUntil(t, conn, protocol.TypeAuthSuccess)
	sendEnvelope(t, conn, protocol.TypeConsent, protocol.ConsentPayload{
		Consent: true, Purposes: []string{PurposeMonitoring},
	})
	readUntil(t, conn, protocol.TypeConsentAck)
}

func TestGateway_ConnectedGreeting(t *testing.T) {
	cfg := testConfig(t)
	_, _ = startGateway(t, cfg)

	conn := dial(t, cfg.Server.HTTPAddr)
	payload := readUntil(t, conn, protocol.TypeConnected)

	var greeting map[string]string
	require.NoError(t, json.Unmarshal(payload, &greeting))
	assert.NotEmpty(t, greeting["sessionId"])
}

func TestGateway_SubscribeFlow(t *testing.T) {
	cfg := testConfig(t)
	gw, _ := startGateway(t, cfg)
	seed(t, gw)

	conn := dial(t, cfg.Server.HTTPAddr)
	readUntil(t, conn, protocol.TypeConnected)
	authAndConsent(t, conn, cfg.Auth.JWTSecret, "owner-1")

	sendEnvelope(t, conn, protocol.TypeSubscribe, protocol.ConversationRef{ConversationID: "conv-1"})
	readUntil(t, conn, protocol.TypeSubscribed)
	payload := readUntil(t, conn, protocol.TypeConversationState)

	var state struct {
		ConversationID string `json:"conversationId"`
		Status         string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(payload, &state))
	assert.Equal(t, "conv-1", state.ConversationID)
	assert.Equal(t, "active", state.Status)
}

func TestGateway_WaitingHookBroadcasts(t *testing.T) {
	cfg := testConfig(t)
	gw, _ := startGateway(t, cfg)
	seed(t, gw)

	conn := dial(t, cfg.Server.HTTPAddr)
	readUntil(t, conn, protocol.TypeConnected)
	authAndConsent(t, conn, cfg.Auth.JWTSecret, "owner-1")
	sendEnvelope(t, conn, protocol.TypeSubscribe, protocol.ConversationRef{ConversationID: "conv-1"})
	readUntil(t, conn, protocol.TypeConversationState)

	resp, err := http.Post(
		"http://"+cfg.Server.HTTPAddr+"/internal/conversations/conv-1/waiting",
		"application/json", strings.NewReader(""))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	payload := readUntil(t, conn, protocol.TypeConversationUpdate)
	var state struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(payload, &state))
	assert.Equal(t, "waiting", state.Status)
}

func TestGateway_WaitingHookRejectsUnknownConversation(t *testing.T) {
	cfg := testConfig(t)
	_, _ = startGateway(t, cfg)

	resp, err := http.Post(
		"http://"+cfg.Server.HTTPAddr+"/internal/conversations/ghost/waiting",
		"application/json", strings.NewReader(""))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGateway_ShutdownNotifiesSessions(t *testing.T) {
	cfg := testConfig(t)
	_, cancel := startGateway(t, cfg)

	conn := dial(t, cfg.Server.HTTPAddr)
	readUntil(t, conn, protocol.TypeConnected)

	cancel()

	readUntil(t, conn, protocol.TypeServerShutdown)
}
