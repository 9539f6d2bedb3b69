package app

import (
	"context"

	"github.com/cdmportal/apicache/internal/cache"
	"github.com/cdmportal/apicache/internal/domain"
)

type Fetch func(ctx context.Context, req domain.Request) (domain.Response, error)

type responseCache interface {
	Handle(ctx context.Context, req domain.Request, next cache.Next[domain.Response]) (domain.Response, error)
}

type upstream interface {
	Do(ctx context.Context, req domain.Request) (domain.Response, error)
}

func BuildFetchWithCache(responseCache responseCache, upstream upstream) Fetch {
	return func(ctx context.Context, req domain.Request) (domain.Response, error) {
		// NOTE: upstream handles its own error reporting
		return responseCache.Handle(ctx, req, upstream.Do)
	}
}
