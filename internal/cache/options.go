package cache

import (
	"fmt"
	"time"
)

const (
	defaultTTL      = 30 * time.Second
	defaultCapacity = 10_000
)

type options struct {
	excludedPatterns []string
	ttlOverrides     []rawTTLOverride
	defaultTTL       time.Duration
	keyHeaders       []string
	capacity         uint64
	expirySweep      bool
}

type rawTTLOverride struct {
	pattern string
	ttl     time.Duration
}

type Option func(*options)

// WithExcludedPatterns makes requests for matching targets bypass the cache
func WithExcludedPatterns(patterns ...string) Option {
	return func(o *options) {
		o.excludedPatterns = append(o.excludedPatterns, patterns...)
	}
}

// WithTTLOverride sets the TTL for targets matching pattern.
// When several overrides match, the longest pattern wins.
func WithTTLOverride(pattern string, ttl time.Duration) Option {
	return func(o *options) {
		o.ttlOverrides = append(o.ttlOverrides, rawTTLOverride{pattern: pattern, ttl: ttl})
	}
}

// WithDefaultTTL sets the TTL used when no override matches.
// A TTL of zero only coalesces in-flight calls and never stores results.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(o *options) {
		o.defaultTTL = ttl
	}
}

// WithKeyHeaders folds the values of the given request headers into the key
func WithKeyHeaders(names ...string) Option {
	return func(o *options) {
		o.keyHeaders = append(o.keyHeaders, names...)
	}
}

// WithCapacity bounds the number of stored responses. Zero means unbounded.
func WithCapacity(capacity uint64) Option {
	return func(o *options) {
		o.capacity = capacity
	}
}

func WithExpirySweep(enabled bool) Option {
	return func(o *options) {
		o.expirySweep = enabled
	}
}

func newOptions(opts []Option) options {
	o := options{
		defaultTTL: defaultTTL,
		capacity:   defaultCapacity,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) build() ([]Pattern, ttlPolicy, error) {
	if o.defaultTTL < 0 {
		return nil, ttlPolicy{}, fmt.Errorf("negative default ttl: %s", o.defaultTTL)
	}

	excluded := make([]Pattern, 0, len(o.excludedPatterns))
	for _, raw := range o.excludedPatterns {
		pattern, err := ParsePattern(raw)
		if err != nil {
			return nil, ttlPolicy{}, fmt.Errorf("failed to parse excluded pattern: %w", err)
		}
		excluded = append(excluded, pattern)
	}

	overrides := make([]ttlOverride, 0, len(o.ttlOverrides))
	for _, raw := range o.ttlOverrides {
		pattern, err := ParsePattern(raw.pattern)
		if err != nil {
			return nil, ttlPolicy{}, fmt.Errorf("failed to parse ttl override pattern: %w", err)
		}
		if raw.ttl < 0 {
			return nil, ttlPolicy{}, fmt.Errorf("negative ttl for pattern %s: %s", raw.pattern, raw.ttl)
		}
		overrides = append(overrides, ttlOverride{pattern: pattern, ttl: raw.ttl})
	}

	return excluded, ttlPolicy{defaultTTL: o.defaultTTL, overrides: overrides}, nil
}
