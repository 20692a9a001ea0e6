// ABOUTME: Fake Conn implementation shared by session and registry tests
// ABOUTME: Records written frames and close codes for assertions

package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// fakeConn implements Conn, recording every frame for later assertion.
type fakeConn struct {
	mu         sync.Mutex
	frames     [][]byte
	closeCode  int
	closed     bool
	failWrites bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{closeCode: -1}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites || c.closed {
		return errors.New("broken pipe")
	}
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

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) setFailWrites(fail bool) {
	c.mu.Lock()
	c.failWrites = fail
	c.mu.Unlock()
}

func (c *fakeConn) sentCloseCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

// envelopeTypes decodes the recorded frames and returns their envelope types.
func (c *fakeConn) envelopeTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var types []string
	for _, frame := range c.frames {
		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(frame, &env); err == nil {
			types = append(types, env.Type)
		}
	}
	return types
}

// waitForFrames polls until the conn has at least n frames or the timeout
// elapses. The write pump delivers asynchronously.
func (c *fakeConn) waitForFrames(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.frameCount() >= n {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return c.frameCount() >= n
}
