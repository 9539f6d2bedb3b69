package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

var ErrMissingRequiredValue = errors.New("missing required value")
var ErrInvalidValue = errors.New("invalid value")

type environment string

const (
	production  environment = "production"
	staging     environment = "staging"
	development environment = "development"
)

const (
	defaultPort             = "8080"
	defaultTTL              = 30 * time.Second
	defaultExcludedPatterns = "/auth/token"
	defaultKeyHeaders       = "Authorization,Accept,Accept-Language,Content-Type"
	defaultCapacity         = 10_000
	defaultUpstreamRPS      = 50.0
	defaultUpstreamRetries  = 2
)

type TTLOverride struct {
	Pattern string
	TTL     time.Duration
}

type Config struct {
	env              environment
	port             string
	upstreamURL      string
	sentryDSN        string
	defaultTTL       time.Duration
	ttlOverrides     []TTLOverride
	excludedPatterns []string
	keyHeaders       []string
	capacity         uint64
	allowedOrigins   []string
	upstreamRPS      float64
	upstreamRetries  int
}

func (c *Config) Port() string {
	return c.port
}

func (c *Config) UpstreamURL() string {
	return c.upstreamURL
}

func (c *Config) SentryDSN() string {
	return c.sentryDSN
}

func (c *Config) DefaultTTL() time.Duration {
	return c.defaultTTL
}

func (c *Config) TTLOverrides() []TTLOverride {
	return c.ttlOverrides
}

func (c *Config) ExcludedPatterns() []string {
	return c.excludedPatterns
}

func (c *Config) KeyHeaders() []string {
	return c.keyHeaders
}

func (c *Config) Capacity() uint64 {
	return c.capacity
}

func (c *Config) AllowedOrigins() []string {
	return c.allowedOrigins
}

func (c *Config) UpstreamRPS() float64 {
	return c.upstreamRPS
}

func (c *Config) UpstreamRetries() int {
	return c.upstreamRetries
}

func (c *Config) IsProduction() bool {
	return c.env == production
}

func (c *Config) IsStaging() bool {
	return c.env == staging
}

func (c *Config) IsDevelopment() bool {
	return c.env == development
}

// Return a string representation suitable for logging etc
func (c *Config) NonSensitiveString() string {
	return fmt.Sprintf(
		"Config{env: %s, port: %s, upstreamURL: %s, defaultTTL: %s, ttlOverrides: %d, excludedPatterns: %v, capacity: %d, ...}",
		string(c.env),
		c.port,
		c.upstreamURL,
		c.defaultTTL,
		len(c.ttlOverrides),
		c.excludedPatterns,
		c.capacity,
	)
}

func invalid(key, raw string, err error) error {
	if err != nil {
		return fmt.Errorf("%w: %s (%s): %w", ErrInvalidValue, key, raw, err)
	}
	return fmt.Errorf("%w: %s (%s)", ErrInvalidValue, key, raw)
}

func splitList(raw string) []string {
	items := []string{}
	for item := range strings.SplitSeq(raw, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

func getOrDefault(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func parseTTLOverrides(raw string) ([]TTLOverride, error) {
	overrides := []TTLOverride{}
	for _, item := range splitList(raw) {
		pattern, rawTTL, ok := strings.Cut(item, "=")
		pattern = strings.TrimSpace(pattern)
		if !ok || pattern == "" {
			return nil, fmt.Errorf("expected pattern=duration, got %q", item)
		}
		ttl, err := time.ParseDuration(strings.TrimSpace(rawTTL))
		if err != nil {
			return nil, err
		}
		if ttl < 0 {
			return nil, fmt.Errorf("negative ttl %s", ttl)
		}
		overrides = append(overrides, TTLOverride{Pattern: pattern, TTL: ttl})
	}
	return overrides, nil
}

func ConfigFromEnv() (Config, error) {
	missingKey := func(key string) (Config, error) {
		return Config{}, fmt.Errorf("%w: %s", ErrMissingRequiredValue, key)
	}

	var env environment
	rawEnv, ok := os.LookupEnv("APICACHE_ENVIRONMENT")
	if !ok {
		return missingKey("APICACHE_ENVIRONMENT")
	}
	switch rawEnv {
	case "production":
		env = production
	case "staging":
		env = staging
	case "development":
		env = development
	default:
		return Config{}, invalid("APICACHE_ENVIRONMENT", rawEnv, nil)
	}

	upstreamURL := os.Getenv("APICACHE_UPSTREAM_URL")
	sentryDSN := os.Getenv("SENTRY_DSN")

	if env == production || env == staging {
		if upstreamURL == "" {
			return missingKey("APICACHE_UPSTREAM_URL")
		}
		if sentryDSN == "" {
			return missingKey("SENTRY_DSN")
		}
	}

	if upstreamURL != "" {
		u, err := url.Parse(upstreamURL)
		if err != nil {
			return Config{}, invalid("APICACHE_UPSTREAM_URL", upstreamURL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return Config{}, invalid("APICACHE_UPSTREAM_URL", upstreamURL, nil)
		}
	}

	port := getOrDefault("PORT", defaultPort)
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return Config{}, invalid("PORT", port, err)
	}

	ttl := defaultTTL
	if rawTTL, ok := os.LookupEnv("APICACHE_DEFAULT_TTL"); ok {
		parsed, err := time.ParseDuration(rawTTL)
		if err != nil {
			return Config{}, invalid("APICACHE_DEFAULT_TTL", rawTTL, err)
		}
		if parsed < 0 {
			return Config{}, invalid("APICACHE_DEFAULT_TTL", rawTTL, nil)
		}
		ttl = parsed
	}

	rawOverrides := os.Getenv("APICACHE_TTL_OVERRIDES")
	ttlOverrides, err := parseTTLOverrides(rawOverrides)
	if err != nil {
		return Config{}, invalid("APICACHE_TTL_OVERRIDES", rawOverrides, err)
	}

	capacity := uint64(defaultCapacity)
	if rawCapacity, ok := os.LookupEnv("APICACHE_CAPACITY"); ok {
		capacity, err = strconv.ParseUint(rawCapacity, 10, 64)
		if err != nil {
			return Config{}, invalid("APICACHE_CAPACITY", rawCapacity, err)
		}
	}

	upstreamRPS := defaultUpstreamRPS
	if rawRPS, ok := os.LookupEnv("APICACHE_UPSTREAM_RPS"); ok {
		upstreamRPS, err = strconv.ParseFloat(rawRPS, 64)
		if err != nil {
			return Config{}, invalid("APICACHE_UPSTREAM_RPS", rawRPS, err)
		}
		if upstreamRPS <= 0 {
			return Config{}, invalid("APICACHE_UPSTREAM_RPS", rawRPS, nil)
		}
	}

	upstreamRetries := defaultUpstreamRetries
	if rawRetries, ok := os.LookupEnv("APICACHE_UPSTREAM_RETRIES"); ok {
		upstreamRetries, err = strconv.Atoi(rawRetries)
		if err != nil {
			return Config{}, invalid("APICACHE_UPSTREAM_RETRIES", rawRetries, err)
		}
		if upstreamRetries < 0 {
			return Config{}, invalid("APICACHE_UPSTREAM_RETRIES", rawRetries, nil)
		}
	}

	return Config{
		env:              env,
		port:             port,
		upstreamURL:      upstreamURL,
		sentryDSN:        sentryDSN,
		defaultTTL:       ttl,
		ttlOverrides:     ttlOverrides,
		excludedPatterns: splitList(getOrDefault("APICACHE_EXCLUDED_PATTERNS", defaultExcludedPatterns)),
		keyHeaders:       splitList(getOrDefault("APICACHE_KEY_HEADERS", defaultKeyHeaders)),
		capacity:         capacity,
		allowedOrigins:   splitList(os.Getenv("APICACHE_ALLOWED_ORIGINS")),
		upstreamRPS:      upstreamRPS,
		upstreamRetries:  upstreamRetries,
	}, nil
}
