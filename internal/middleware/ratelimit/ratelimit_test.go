package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, perMinute int) (*Limiter, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	l := New(Config{
		MaxRequestsPerMinute: perMinute,
		Clock:                clock,
	})
	t.Cleanup(l.Stop)
	return l, clock
}

func TestAllowExhaustsAndRefills(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter(t, 3)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("s1"), "request %d should pass", i)
	}
	assert.False(t, l.Allow("s1"), "bucket should be empty")

	clock.Advance(20 * time.Second)
	assert.True(t, l.Allow("s1"), "one token should have refilled")
	assert.False(t, l.Allow("s1"))
}

func TestAllowKeysAreIndependent(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(t, 1)

	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"))
	assert.True(t, l.Allow("bob"))
}

func TestMiddlewareKeysOnSessionHeader(t *testing.T) {
	t.Parallel()

	l, _ := newTestLimiter(t, 1)

	app := fiber.New()
	app.Use(l.Middleware())
	app.Get("/ping", func(c *fiber.Ctx) error {
		return c.SendString("pong")
	})

	send := func(sessionID string) int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		if sessionID != "" {
			req.Header.Set("X-Session-ID", sessionID)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, send("s1"))
	assert.Equal(t, http.StatusTooManyRequests, send("s1"))
	assert.Equal(t, http.StatusOK, send("s2"), "a different session has its own bucket")
}

func TestSweepDropsIdleBuckets(t *testing.T) {
	t.Parallel()

	l, clock := newTestLimiter(t, 2)

	require.True(t, l.Allow("stale"))
	clock.Advance(2 * time.Minute)
	l.sweep()

	l.mu.Lock()
	_, ok := l.buckets["stale"]
	l.mu.Unlock()
	assert.False(t, ok, "idle bucket should have been swept")
}
