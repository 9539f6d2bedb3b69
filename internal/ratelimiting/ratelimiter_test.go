package ratelimiting_test

import (
	"net/http"
	"strings"
	"testing"
	"testing/synctest"
	"time"

	"github.com/cdmportal/apicache/internal/ratelimiting"
	"github.com/stretchr/testify/require"
)

type mockedRateLimiter struct {
	consumeFunc func(key string) bool
}

func (m *mockedRateLimiter) Consume(key string) bool {
	return m.consumeFunc(key)
}

func TestTokenBucketRateLimiter(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		rateLimiter, stop := ratelimiting.NewTokenBucketRateLimiter(1, 2)
		defer stop()

		require.True(t, rateLimiter.Consume("user2"))

		// Burst of 2
		require.True(t, rateLimiter.Consume("user1"))
		require.True(t, rateLimiter.Consume("user1"))
		require.False(t, rateLimiter.Consume("user1"))

		time.Sleep(1 * time.Second)

		// Refill rate of 1
		require.True(t, rateLimiter.Consume("user1"))
		require.False(t, rateLimiter.Consume("user1"))

		// Burst of 2 - even after refill
		require.True(t, rateLimiter.Consume("user3"))
		require.True(t, rateLimiter.Consume("user3"))
		require.False(t, rateLimiter.Consume("user3"))

		require.True(t, rateLimiter.Consume("user2"))
		require.True(t, rateLimiter.Consume("user2"))
		require.False(t, rateLimiter.Consume("user2"))
	})
}

func TestIPKeyFunc(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"123.123.123.123":       "ip: 123.123.123.123",
		"123.123.123.123:54321": "ip: 123.123.123.123",
		"[::1]:8080":            "ip: ::1",
	}
	for remoteAddr, want := range cases {
		t.Run(remoteAddr, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, want, ratelimiting.IPKeyFunc(&http.Request{RemoteAddr: remoteAddr}))
		})
	}
}

func TestUserIDKeyFunc(t *testing.T) {
	t.Parallel()

	require.Equal(t, "user-id: <missing>", ratelimiting.UserIDKeyFunc(&http.Request{Header: http.Header{}}))
	require.Equal(t, "user-id: user1", ratelimiting.UserIDKeyFunc(&http.Request{Header: http.Header{"X-User-Id": {"user1"}}}))

	long := strings.Repeat("a", 100)
	require.Equal(t, "user-id: "+strings.Repeat("a", 50), ratelimiting.UserIDKeyFunc(&http.Request{Header: http.Header{"X-User-Id": {long}}}))
}

func TestRequestBasedRateLimiter(t *testing.T) {
	t.Parallel()

	var expectedKey string
	var allowed bool
	rateLimiter := &mockedRateLimiter{
		consumeFunc: func(key string) bool {
			require.Equal(t, expectedKey, key)
			return allowed
		},
	}
	requestRateLimiter := ratelimiting.NewRequestBasedRateLimiter(rateLimiter, ratelimiting.IPKeyFunc)

	expectedKey = "ip: 1.1.1.1"
	allowed = true
	require.True(t, requestRateLimiter.Consume(&http.Request{RemoteAddr: "1.1.1.1:1234"}))
	allowed = false
	require.False(t, requestRateLimiter.Consume(&http.Request{RemoteAddr: "1.1.1.1:1234"}))

	expectedKey = "ip: 2.1.1.1"
	allowed = true
	require.True(t, requestRateLimiter.Consume(&http.Request{RemoteAddr: "2.1.1.1"}))
}

func TestTokenBucketRateLimiterStopTwice(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		rateLimiter, stop := ratelimiting.NewTokenBucketRateLimiter(1, 1)
		require.True(t, rateLimiter.Consume("user1"))

		stop()
		stop()
	})
}
