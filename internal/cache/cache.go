package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cdmportal/apicache/internal/domain"
	"github.com/cdmportal/apicache/internal/logging"
	"github.com/cdmportal/apicache/internal/reporting"
	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrPanicked = errors.New("upstream call panicked")

// Next performs the real call for a request
type Next[R any] func(ctx context.Context, req domain.Request) (R, error)

// call is a pending entry. done is closed once value and err are set.
type call[R any] struct {
	done  chan struct{}
	value R
	err   error
}

// Cache coalesces concurrent identical requests and serves stored responses
// until their TTL passes.
//
// At most one call to next is outstanding per key at any time, and failures
// are never stored.
type Cache[R any] struct {
	excluded   []Pattern
	ttls       ttlPolicy
	keyHeaders []string
	sweeping   bool
	closeOnce  sync.Once

	mu       sync.Mutex
	inflight map[string]*call[R]
	ready    *ttlcache.Cache[string, R]

	metrics cacheMetricsCollection
	tracer  trace.Tracer
}

func New[R any](opts ...Option) (*Cache[R], error) {
	const name = "apicache/cache"

	o := newOptions(opts)
	excluded, ttls, err := o.build()
	if err != nil {
		return nil, err
	}

	metrics, err := setupCacheMetrics(otel.Meter(name))
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	ttlOptions := []ttlcache.Option[string, R]{
		ttlcache.WithDisableTouchOnHit[string, R](),
	}
	if o.capacity > 0 {
		ttlOptions = append(ttlOptions, ttlcache.WithCapacity[string, R](o.capacity))
	}
	ready := ttlcache.New[string, R](ttlOptions...)

	ready.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, _ *ttlcache.Item[string, R]) {
		metrics.recordEviction(ctx, reason)
	})

	if o.expirySweep {
		go ready.Start()
	}

	return &Cache[R]{
		excluded:   excluded,
		ttls:       ttls,
		keyHeaders: o.keyHeaders,
		sweeping:   o.expirySweep,

		inflight: make(map[string]*call[R]),
		ready:    ready,

		metrics: metrics,
		tracer:  otel.Tracer(name),
	}, nil
}

// Handle returns the response for req, calling next only when no identical
// request is in flight and no fresh response is stored.
//
// Cancelling ctx releases this caller only. The underlying call keeps running
// for the other callers waiting on it, and its result is still stored.
func (c *Cache[R]) Handle(ctx context.Context, req domain.Request, next Next[R]) (R, error) {
	ctx, span := c.tracer.Start(ctx, "Cache.Handle")
	defer span.End()

	logger := logging.FromContext(ctx).With(
		slog.String("method", req.Method),
		slog.String("target", req.Target),
	)

	if anyMatch(c.excluded, req.Target) {
		c.record(ctx, span, outcomeBypass)
		logger.InfoContext(ctx, "Handling request", "cache", string(outcomeBypass), "reason", "excluded")
		return next(ctx, req)
	}

	key, err := Key(req, c.keyHeaders...)
	if err != nil {
		c.record(ctx, span, outcomeBypass)
		logger.WarnContext(ctx, "Handling request", "cache", string(outcomeBypass), "reason", "unkeyable", "error", err.Error())
		reporting.Report(ctx, err, map[string]string{
			"method": req.Method,
			"target": req.Target,
		})
		return next(ctx, req)
	}

	c.mu.Lock()
	if pending, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		c.record(ctx, span, outcomeCoalesced)
		logger.InfoContext(ctx, "Handling request", "cache", string(outcomeCoalesced))
		return c.await(ctx, pending)
	}

	// Expired at expiresAt, not just after it
	if item := c.ready.Get(key); item != nil && time.Now().Before(item.ExpiresAt()) {
		c.mu.Unlock()
		c.record(ctx, span, outcomeHit)
		logger.InfoContext(ctx, "Handling request", "cache", string(outcomeHit))
		return item.Value(), nil
	}

	pending := &call[R]{done: make(chan struct{})}
	c.inflight[key] = pending
	c.mu.Unlock()

	c.record(ctx, span, outcomeMiss)
	logger.InfoContext(ctx, "Handling request", "cache", string(outcomeMiss))

	go c.run(context.WithoutCancel(ctx), key, req, pending, next)

	return c.await(ctx, pending)
}

func (c *Cache[R]) run(ctx context.Context, key string, req domain.Request, pending *call[R], next Next[R]) {
	value, err := callRecovering(ctx, req, next)
	ttl := c.ttls.resolve(req.Target)

	c.mu.Lock()
	delete(c.inflight, key)
	if err == nil && ttl > 0 {
		c.ready.Set(key, value, ttl)
	}
	c.mu.Unlock()

	if err != nil {
		c.metrics.failureCount.Add(ctx, 1)
		logging.FromContext(ctx).InfoContext(ctx, "Upstream call failed, not storing", "error", err.Error())
	}

	pending.value = value
	pending.err = err
	close(pending.done)
}

func callRecovering[R any](ctx context.Context, req domain.Request, next Next[R]) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			var empty R
			value = empty
			err = fmt.Errorf("%w: %v", ErrPanicked, r)
			reporting.Report(ctx, err)
		}
	}()
	return next(ctx, req)
}

func (c *Cache[R]) await(ctx context.Context, pending *call[R]) (R, error) {
	select {
	case <-pending.done:
		return pending.value, pending.err
	case <-ctx.Done():
		var empty R
		return empty, ctx.Err()
	}
}

func (c *Cache[R]) record(ctx context.Context, span trace.Span, o outcome) {
	span.SetAttributes(attribute.String("cache.outcome", string(o)))
	c.metrics.recordLookup(ctx, o)
}

// Len returns the number of stored responses, including expired ones that
// have not been evicted yet
func (c *Cache[R]) Len() int {
	return c.ready.Len()
}

// Clear drops all stored responses. Calls in flight are not affected.
func (c *Cache[R]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready.DeleteAll()
}

// Close stops the background expiry sweep, if running. It is safe to call
// more than once.
func (c *Cache[R]) Close() {
	c.closeOnce.Do(func() {
		if c.sweeping {
			c.ready.Stop()
		}
	})
}
