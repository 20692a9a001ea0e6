// ABOUTME: Tests for the sliding-window rate limiter
// ABOUTME: Covers threshold exactness, window roll, denial non-mutation, pruning

package limiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(window time.Duration, max int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(window, max)
	l.now = clock.now
	return l, clock
}

func TestLimiter_ExactlyFirstNAllowed(t *testing.T) {
	l, _ := newTestLimiter(time.Minute, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("1.2.3.4"), "request %d should be allowed", i)
	}
	for i := 0; i < 10; i++ {
		assert.False(t, l.Allow("1.2.3.4"), "request %d should be denied", i)
	}
}

func TestLimiter_WindowRollReAllows(t *testing.T) {
	l, clock := newTestLimiter(time.Minute, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("addr"))
	}
	assert.False(t, l.Allow("addr"))

	clock.advance(61 * time.Second)
	assert.True(t, l.Allow("addr"))
}

func TestLimiter_DenialsDoNotExtendWindow(t *testing.T) {
	l, clock := newTestLimiter(time.Minute, 1)

	assert.True(t, l.Allow("addr"))

	// Hammering while denied must not push recovery out.
	for i := 0; i < 100; i++ {
		assert.False(t, l.Allow("addr"))
		clock.advance(time.Second)
	}

	// 100s elapsed since the single allowed request; window has rolled.
	assert.True(t, l.Allow("addr"))
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(time.Minute, 1)

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestLimiter_RetryAfter(t *testing.T) {
	l, clock := newTestLimiter(time.Minute, 1)

	assert.Zero(t, l.RetryAfter("addr"))

	assert.True(t, l.Allow("addr"))
	clock.advance(20 * time.Second)

	assert.False(t, l.Allow("addr"))
	assert.Equal(t, 40*time.Second, l.RetryAfter("addr"))
}

func TestLimiter_RetryAfterRoundsUp(t *testing.T) {
	l, clock := newTestLimiter(time.Minute, 1)

	assert.True(t, l.Allow("addr"))
	clock.advance(59*time.Second + 700*time.Millisecond)

	// 300ms remain; the hint must not under-report the wait.
	assert.False(t, l.Allow("addr"))
	assert.Equal(t, time.Second, l.RetryAfter("addr"))
}

func TestLimiter_PruneDropsIdleKeys(t *testing.T) {
	l, clock := newTestLimiter(time.Minute, 5)

	l.Allow("old")
	clock.advance(30 * time.Second)
	l.Allow("fresh")

	clock.advance(45 * time.Second)
	l.Prune()

	assert.Equal(t, 1, l.Len())
	// "old" starts a fresh window after pruning.
	assert.True(t, l.Allow("old"))
}
