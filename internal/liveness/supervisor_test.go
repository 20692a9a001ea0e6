// ABOUTME: Tests for the heartbeat and idle-reaper sweeps
// ABOUTME: Uses fake connections to observe envelopes and close codes

package liveness

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VeriTeknik/pluggedin-broker/internal/limiter"
	"github.com/VeriTeknik/pluggedin-broker/internal/protocol"
	"github.com/VeriTeknik/pluggedin-broker/internal/session"
)

type fakeConn struct {
	mu        sync.Mutex
	frames    [][]byte
	closeCode int
}

func newFakeConn() *fakeConn { return &fakeConn{closeCode: -1} }

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.frames = append(c.frames, cp)
	return nil
}

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		c.closeCode = int(data[0])<<8 | int(data[1])
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }
func (c *fakeConn) Close() error                       { return nil }

func (c *fakeConn) sentCloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *fakeConn) hasType(envType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, frame := range c.frames {
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(frame, &env); err == nil && env.Type == envType {
			return true
		}
	}
	return false
}

func newSupervisor(idleTimeout time.Duration) (*Supervisor, *session.Registry) {
	registry := session.NewRegistry(time.Minute, 10, nil)
	lim := limiter.New(time.Minute, 60)
	return New(registry, lim, time.Hour, time.Hour, idleTimeout, nil), registry
}

func TestSweepHeartbeat_ReachesAllSessions(t *testing.T) {
	sup, registry := newSupervisor(time.Minute)

	c1, c2 := newFakeConn(), newFakeConn()
	registry.Add(c1, "10.0.0.1:1")
	registry.Add(c2, "10.0.0.1:2")

	sup.SweepHeartbeat()

	require.Eventually(t, func() bool {
		return c1.hasType(protocol.TypeHeartbeat) && c2.hasType(protocol.TypeHeartbeat)
	}, time.Second, 5*time.Millisecond)
}

func TestSweepIdle_ReapsStaleSessions(t *testing.T) {
	sup, registry := newSupervisor(30 * time.Millisecond)

	staleConn := newFakeConn()
	stale := registry.Add(staleConn, "10.0.0.1:1")

	freshConn := newFakeConn()
	fresh := registry.Add(freshConn, "10.0.0.1:2")

	time.Sleep(50 * time.Millisecond)
	fresh.Touch()

	sup.SweepIdle()

	assert.Equal(t, 1, registry.Len())
	_, ok := registry.Get(stale.ID)
	assert.False(t, ok)
	_, ok = registry.Get(fresh.ID)
	assert.True(t, ok)

	assert.True(t, staleConn.hasType(protocol.TypeIdleTimeout))
	assert.Equal(t, protocol.CloseNormal, staleConn.sentCloseCode())
	assert.Equal(t, -1, freshConn.sentCloseCode())
}

func TestSweepIdle_ActiveSessionsSurvive(t *testing.T) {
	sup, registry := newSupervisor(time.Minute)

	conn := newFakeConn()
	registry.Add(conn, "10.0.0.1:1")

	sup.SweepIdle()

	assert.Equal(t, 1, registry.Len())
	assert.False(t, conn.hasType(protocol.TypeIdleTimeout))
}
