package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTTLPolicyResolve(t *testing.T) {
	t.Parallel()

	mustOverride := func(raw string, ttl time.Duration) ttlOverride {
		pattern, err := ParsePattern(raw)
		require.NoError(t, err)
		return ttlOverride{pattern: pattern, ttl: ttl}
	}

	policy := ttlPolicy{
		defaultTTL: 30 * time.Second,
		overrides: []ttlOverride{
			mustOverride("/studies", time.Minute),
			mustOverride("/studies/*", 2*time.Minute),
			mustOverride("/sites/*/visits", 3*time.Minute),
			mustOverride("/subjects/*/visits", 4*time.Minute),
			mustOverride("/visits", 5*time.Minute),
			mustOverride("/ab", time.Hour),
			mustOverride("/a?", 2*time.Hour),
		},
	}

	cases := []struct {
		target string
		ttl    time.Duration
	}{
		{target: "/widgets", ttl: 30 * time.Second},
		{target: "/api/studies", ttl: time.Minute},
		{target: "/studies/42", ttl: 2 * time.Minute},
		{target: "/studies?page=2", ttl: time.Minute},
		{target: "/sites/1/visits", ttl: 3 * time.Minute},
		{target: "/subjects/1/visits", ttl: 4 * time.Minute},
		{target: "/patients/1/visits", ttl: 5 * time.Minute},
		// Equal length, first registered wins
		{target: "/ab", ttl: time.Hour},
		{target: "/ac", ttl: 2 * time.Hour},
	}

	for _, c := range cases {
		t.Run(c.target, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, c.ttl, policy.resolve(c.target))
		})
	}
}

func TestOptionsDefaults(t *testing.T) {
	t.Parallel()

	o := newOptions(nil)
	require.Equal(t, defaultTTL, o.defaultTTL)
	require.EqualValues(t, defaultCapacity, o.capacity)
	require.False(t, o.expirySweep)

	excluded, policy, err := o.build()
	require.NoError(t, err)
	require.Empty(t, excluded)
	require.Equal(t, 30*time.Second, policy.resolve("/anything"))
}
