package cache

import (
	"context"
	"fmt"

	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type outcome string

const (
	outcomeHit       outcome = "hit"
	outcomeMiss      outcome = "miss"
	outcomeCoalesced outcome = "coalesced"
	outcomeBypass    outcome = "bypass"
)

type cacheMetricsCollection struct {
	lookupCount   metric.Int64Counter
	failureCount  metric.Int64Counter
	evictionCount metric.Int64Counter
}

func setupCacheMetrics(meter metric.Meter) (cacheMetricsCollection, error) {
	lookupCount, err := meter.Int64Counter(
		"cache/lookup_count",
		metric.WithDescription("Requests handled by the cache, by outcome"),
	)
	if err != nil {
		return cacheMetricsCollection{}, fmt.Errorf("failed to create lookup count metric: %w", err)
	}

	failureCount, err := meter.Int64Counter(
		"cache/failure_count",
		metric.WithDescription("Upstream calls made by the cache that failed"),
	)
	if err != nil {
		return cacheMetricsCollection{}, fmt.Errorf("failed to create failure count metric: %w", err)
	}

	evictionCount, err := meter.Int64Counter(
		"cache/eviction_count",
		metric.WithDescription("Stored responses evicted from the cache"),
	)
	if err != nil {
		return cacheMetricsCollection{}, fmt.Errorf("failed to create eviction count metric: %w", err)
	}

	return cacheMetricsCollection{
		lookupCount:   lookupCount,
		failureCount:  failureCount,
		evictionCount: evictionCount,
	}, nil
}

func (m cacheMetricsCollection) recordLookup(ctx context.Context, o outcome) {
	m.lookupCount.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(o))))
}

func (m cacheMetricsCollection) recordEviction(ctx context.Context, reason ttlcache.EvictionReason) {
	m.evictionCount.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", evictionReasonString(reason))))
}

func evictionReasonString(reason ttlcache.EvictionReason) string {
	switch reason {
	case ttlcache.EvictionReasonExpired:
		return "expired"
	case ttlcache.EvictionReasonCapacityReached:
		return "capacity"
	case ttlcache.EvictionReasonDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}
