package ports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/cdmportal/apicache/internal/adapters/upstream"
	"github.com/cdmportal/apicache/internal/app"
	"github.com/cdmportal/apicache/internal/domain"
	"github.com/cdmportal/apicache/internal/logging"
	"github.com/cdmportal/apicache/internal/ratelimiting"
	"github.com/cdmportal/apicache/internal/reporting"
)

const maxRequestBodyBytes = 1 << 20

// Request headers forwarded to the REST API
var forwardedHeaders = []string{"Accept", "Accept-Language", "Authorization", "Content-Type"}

// Response headers relayed back to the browser
var relayedHeaders = []string{"Cache-Control", "Content-Language", "Content-Type", "Etag", "Last-Modified"}

func writeJSONError(w http.ResponseWriter, statusCode int, cause string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	data, _ := json.Marshal(map[string]any{"success": false, "cause": cause})
	w.Write(data)
}

func writeResponse(w http.ResponseWriter, resp domain.Response) {
	for _, name := range relayedHeaders {
		for _, value := range resp.Header.Values(name) {
			w.Header().Add(name, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func isJSONContentType(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// readBody returns the request body in the form the cache keys on:
// json.RawMessage for JSON, raw bytes otherwise, nil when empty
func readBody(w http.ResponseWriter, r *http.Request) (any, error) {
	if r.Body == nil {
		return nil, nil
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	if isJSONContentType(r.Header.Get("Content-Type")) && json.Valid(data) {
		return json.RawMessage(data), nil
	}
	return data, nil
}

func forwardHeaders(header http.Header) http.Header {
	forwarded := http.Header{}
	for _, name := range forwardedHeaders {
		for _, value := range header.Values(name) {
			forwarded.Add(name, value)
		}
	}
	return forwarded
}

func writeFetchError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := logging.FromContext(ctx)

	if statusErr, ok := upstream.IsUpstreamStatusError(err); ok {
		logger.InfoContext(ctx, "Relaying upstream error response", "status", statusErr.Response.StatusCode)
		writeResponse(w, statusErr.Response)
		return
	}

	switch {
	case errors.Is(err, context.Canceled):
		// The client went away
		logger.InfoContext(ctx, "Request cancelled", "error", err.Error())
	case errors.Is(err, domain.ErrInvalidTarget):
		writeJSONError(w, http.StatusBadRequest, "Invalid target")
	case errors.Is(err, domain.ErrTemporarilyUnavailable), errors.Is(err, context.DeadlineExceeded):
		logger.WarnContext(ctx, "Upstream temporarily unavailable", "error", err.Error())
		writeJSONError(w, http.StatusServiceUnavailable, "Upstream temporarily unavailable")
	default:
		logger.ErrorContext(ctx, "Failed to fetch", "error", err.Error())
		writeJSONError(w, http.StatusBadGateway, "Upstream request failed")
	}
}

// MakeProxyHandler returns the proxy handler and a function releasing its
// rate limiters
func MakeProxyHandler(
	fetch app.Fetch,
	allowedOrigins *DomainSuffixes,
	rootLogger *slog.Logger,
	sentryMiddleware func(http.HandlerFunc) http.HandlerFunc,
) (http.HandlerFunc, func(), error) {
	ipLimiter, stopIPLimiter := ratelimiting.NewTokenBucketRateLimiter(
		ratelimiting.RefillPerSecond(20),
		ratelimiting.BurstSize(200),
	)
	ipRateLimiter := ratelimiting.NewRequestBasedRateLimiter(
		ipLimiter,
		ratelimiting.IPKeyFunc,
	)
	userIDLimiter, stopUserIDLimiter := ratelimiting.NewTokenBucketRateLimiter(
		ratelimiting.RefillPerSecond(10),
		ratelimiting.BurstSize(100),
	)
	userIDRateLimiter := ratelimiting.NewRequestBasedRateLimiter(
		// NOTE: Rate limiting based on user controlled value
		userIDLimiter,
		ratelimiting.UserIDKeyFunc,
	)

	onLimitExceeded := func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusTooManyRequests, "Rate limit exceeded")
	}

	stop := func() {
		stopIPLimiter()
		stopUserIDLimiter()
	}

	metricsMiddleware, err := buildMetricsMiddleware("proxy")
	if err != nil {
		stop()
		return nil, nil, fmt.Errorf("failed to build metrics middleware: %w", err)
	}

	middleware := ComposeMiddlewares(
		metricsMiddleware,
		logging.NewRequestLoggerMiddleware(rootLogger),
		sentryMiddleware,
		reporting.NewAddMetaMiddleware("proxy"),
		BuildCORSMiddleware(allowedOrigins),
		NewRateLimitMiddleware(ipRateLimiter, onLimitExceeded),
		NewRateLimitMiddleware(userIDRateLimiter, onLimitExceeded),
	)

	handler := func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		target := r.URL.RequestURI()
		userID := r.Header.Get("X-User-Id")
		ctx = reporting.SetUserIDInContext(ctx, userID)
		ctx = reporting.AddExtrasToContext(ctx, map[string]string{"target": target})

		body, err := readBody(w, r)
		if err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "Request body too large")
				return
			}
			writeJSONError(w, http.StatusBadRequest, "Failed to read request body")
			return
		}

		resp, err := fetch(ctx, domain.Request{
			Method: r.Method,
			Target: target,
			Header: forwardHeaders(r.Header),
			Body:   body,
		})
		if err != nil {
			writeFetchError(ctx, w, err)
			return
		}

		writeResponse(w, resp)
	}

	return middleware(handler), stop, nil
}

func MakeHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"success":true}`))
	}
}
