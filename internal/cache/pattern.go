package cache

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

var ErrInvalidPattern = errors.New("invalid pattern")

// Pattern matches request targets by path.
//
// Patterns containing glob metacharacters are matched against the whole path
// with path.Match. Other patterns match any path ending with the pattern.
type Pattern struct {
	raw  string
	glob bool
}

func ParsePattern(raw string) (Pattern, error) {
	if raw == "" {
		return Pattern{}, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}

	glob := strings.ContainsAny(raw, "*?[")
	if glob {
		if _, err := path.Match(raw, ""); err != nil {
			return Pattern{}, fmt.Errorf("%w: %s: %w", ErrInvalidPattern, raw, err)
		}
	}

	return Pattern{raw: raw, glob: glob}, nil
}

func (p Pattern) String() string {
	return p.raw
}

func (p Pattern) Matches(target string) bool {
	targetPath := pathOf(target)
	if p.glob {
		matched, err := path.Match(p.raw, targetPath)
		return err == nil && matched
	}
	return strings.HasSuffix(targetPath, p.raw)
}

// pathOf strips scheme, host, query and fragment from target
func pathOf(target string) string {
	if u, err := url.Parse(target); err == nil {
		if u.Path != "" || u.Host != "" {
			return u.Path
		}
	}

	if i := strings.IndexAny(target, "?#"); i != -1 {
		return target[:i]
	}
	return target
}

type ttlOverride struct {
	pattern Pattern
	ttl     time.Duration
}

type ttlPolicy struct {
	defaultTTL time.Duration
	overrides  []ttlOverride
}

// resolve returns the TTL of the longest matching override, or the default
func (p ttlPolicy) resolve(target string) time.Duration {
	ttl := p.defaultTTL
	longest := -1
	for _, override := range p.overrides {
		if len(override.pattern.raw) <= longest {
			continue
		}
		if override.pattern.Matches(target) {
			ttl = override.ttl
			longest = len(override.pattern.raw)
		}
	}
	return ttl
}

func anyMatch(patterns []Pattern, target string) bool {
	for _, pattern := range patterns {
		if pattern.Matches(target) {
			return true
		}
	}
	return false
}
