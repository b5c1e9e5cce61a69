package apiserver

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientLimiterIsPerClient(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := newClientLimiter(1, 1)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("a"))
	assert.True(t, limiter.Allow("b"))

	now = now.Add(time.Second)
	assert.True(t, limiter.Allow("a"))
}

func TestClientLimiterEvictsIdleClients(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := newClientLimiter(5, 0)
	limiter.now = func() time.Time { return now }
	assert.Equal(t, 5, limiter.burst)

	limiter.Allow("old")
	now = now.Add(clientIdleTTL / 2)
	limiter.Allow("fresh")
	now = now.Add(clientIdleTTL/2 + time.Second)

	assert.Equal(t, 1, limiter.evictIdle(clientIdleTTL))
	assert.Len(t, limiter.clients, 1)
	assert.Contains(t, limiter.clients, "fresh")
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/agents", nil)
	req.RemoteAddr = "10.0.0.7:5123"
	assert.Equal(t, "10.0.0.7", clientKey(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientKey(req))

	req.Header.Del("X-Forwarded-For")
	req.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", clientKey(req))
}
