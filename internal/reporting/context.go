package reporting

import (
	"context"
	"maps"
	"time"
)

type metaContextKey struct{}

// meta is copied on every change so contexts never share maps
type meta struct {
	tags      map[string]string
	extras    map[string]string
	userID    string
	startedAt time.Time
}

func metaFromContext(ctx context.Context) meta {
	m, ok := ctx.Value(metaContextKey{}).(meta)
	if !ok {
		return meta{
			tags:   make(map[string]string),
			extras: make(map[string]string),
		}
	}
	return meta{
		tags:      maps.Clone(m.tags),
		extras:    maps.Clone(m.extras),
		userID:    m.userID,
		startedAt: m.startedAt,
	}
}

func withMeta(ctx context.Context, update func(*meta)) context.Context {
	m := metaFromContext(ctx)
	update(&m)
	return context.WithValue(ctx, metaContextKey{}, m)
}

func AddTagsToContext(ctx context.Context, tags map[string]string) context.Context {
	return withMeta(ctx, func(m *meta) {
		maps.Copy(m.tags, tags)
	})
}

func AddExtrasToContext(ctx context.Context, extras map[string]string) context.Context {
	return withMeta(ctx, func(m *meta) {
		maps.Copy(m.extras, extras)
	})
}

func SetUserIDInContext(ctx context.Context, userID string) context.Context {
	return withMeta(ctx, func(m *meta) {
		m.userID = userID
	})
}

func setStartedAtInContext(ctx context.Context, startedAt time.Time) context.Context {
	return withMeta(ctx, func(m *meta) {
		m.startedAt = startedAt
	})
}
