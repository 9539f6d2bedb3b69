package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cdmportal/apicache/internal/constants"
	"github.com/cdmportal/apicache/internal/domain"
	"github.com/cdmportal/apicache/internal/logging"
	"github.com/cdmportal/apicache/internal/reporting"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 16 << 20

type HttpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Limiter interface {
	Wait(ctx context.Context) error
}

// UpstreamStatusError is returned for responses with status >= 400.
// The response is kept so that it can be relayed to the caller.
type UpstreamStatusError struct {
	Response domain.Response
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream responded with status %d", e.Response.StatusCode)
}

// Unwrap marks server errors as temporary
func (e *UpstreamStatusError) Unwrap() error {
	if e.Response.StatusCode >= 500 {
		return domain.ErrTemporarilyUnavailable
	}
	return nil
}

type upstreamMetricsCollection struct {
	requestCount metric.Int64Counter
}

func setupUpstreamMetrics(meter metric.Meter) (upstreamMetricsCollection, error) {
	requestCount, err := meter.Int64Counter(
		"upstream/request_count",
		metric.WithDescription("Requests sent to the REST API"),
	)
	if err != nil {
		return upstreamMetricsCollection{}, fmt.Errorf("failed to create request count metric: %w", err)
	}

	return upstreamMetricsCollection{
		requestCount: requestCount,
	}, nil
}

type upstream struct {
	httpClient      HttpClient
	retryHTTPClient HttpClient
	baseURL         *url.URL
	limiter         Limiter

	metrics upstreamMetricsCollection
	tracer  trace.Tracer
}

// New returns the transport that performs the real calls against the REST
// API at baseURL.
//
// retryHTTPClient is used for idempotent methods and may retry them.
func New(httpClient HttpClient, retryHTTPClient HttpClient, baseURL string, limiter Limiter) (*upstream, error) {
	const name = "apicache/upstream"

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must have http or https scheme: %s", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawQuery = ""

	if retryHTTPClient == nil {
		retryHTTPClient = httpClient
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}

	metrics, err := setupUpstreamMetrics(otel.Meter(name))
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	return &upstream{
		httpClient:      httpClient,
		retryHTTPClient: retryHTTPClient,
		baseURL:         u,
		limiter:         limiter,

		metrics: metrics,
		tracer:  otel.Tracer(name),
	}, nil
}

func (u *upstream) resolve(target string) (string, error) {
	if !strings.HasPrefix(target, "/") {
		return "", fmt.Errorf("%w: must start with /: %s", domain.ErrInvalidTarget, target)
	}
	ref, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrInvalidTarget, err)
	}
	if ref.Host != "" {
		return "", fmt.Errorf("%w: must not contain a host: %s", domain.ErrInvalidTarget, target)
	}

	resolved := *u.baseURL
	resolved.Path = u.baseURL.Path + ref.Path
	resolved.RawPath = ""
	if ref.RawPath != "" {
		resolved.RawPath = u.baseURL.EscapedPath() + ref.RawPath
	}
	resolved.RawQuery = ref.RawQuery
	return resolved.String(), nil
}

func encodeBody(body any) (io.Reader, bool, error) {
	switch v := body.(type) {
	case nil:
		return nil, false, nil
	case json.RawMessage:
		return bytes.NewReader(v), true, nil
	case []byte:
		return bytes.NewReader(v), false, nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, false, err
		}
		return bytes.NewReader(encoded), true, nil
	}
}

func isIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func (u *upstream) Do(ctx context.Context, req domain.Request) (domain.Response, error) {
	ctx, span := u.tracer.Start(ctx, "Upstream.Do")
	defer span.End()

	logger := logging.FromContext(ctx)

	target, err := u.resolve(req.Target)
	if err != nil {
		return domain.Response{}, err
	}

	body, isJSON, err := encodeBody(req.Body)
	if err != nil {
		err := fmt.Errorf("failed to encode request body: %w", err)
		reporting.Report(ctx, err)
		return domain.Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		err := fmt.Errorf("failed to create request: %w", err)
		reporting.Report(ctx, err)
		return domain.Response{}, err
	}

	for name, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(name, value)
		}
	}
	httpReq.Header.Set("User-Agent", constants.USER_AGENT)
	if isJSON && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	if err := u.limiter.Wait(ctx); err != nil {
		logger.WarnContext(ctx, "Not sending upstream request due to rate limiting", "error", err.Error())
		return domain.Response{}, fmt.Errorf("%w: too many upstream requests: %w", domain.ErrTemporarilyUnavailable, err)
	}

	client := u.httpClient
	if isIdempotent(req.Method) {
		client = u.retryHTTPClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		err := fmt.Errorf("%w: failed to send request: %w", domain.ErrTemporarilyUnavailable, err)
		reporting.Report(ctx, err)
		return domain.Response{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		err := fmt.Errorf("%w: failed to read response body: %w", domain.ErrTemporarilyUnavailable, err)
		reporting.Report(ctx, err)
		return domain.Response{}, err
	}
	if len(data) > maxResponseBytes {
		err := fmt.Errorf("response body exceeds %d bytes", maxResponseBytes)
		reporting.Report(ctx, err, map[string]string{"target": req.Target})
		return domain.Response{}, err
	}

	u.metrics.requestCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", req.Method),
		attribute.String("status_code", strconv.Itoa(resp.StatusCode)),
	))
	logger.InfoContext(ctx, "Upstream request completed", "method", req.Method, "target", req.Target, "status", resp.StatusCode)

	response := domain.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
	}

	if resp.StatusCode >= 400 {
		statusErr := &UpstreamStatusError{Response: response}
		if resp.StatusCode >= 500 {
			reporting.Report(ctx, statusErr, map[string]string{
				"target": req.Target,
				"data":   string(data),
			})
		}
		return domain.Response{}, statusErr
	}

	return response, nil
}

// IsUpstreamStatusError reports whether err carries a relayable upstream response
func IsUpstreamStatusError(err error) (*UpstreamStatusError, bool) {
	var statusErr *UpstreamStatusError
	if errors.As(err, &statusErr) {
		return statusErr, true
	}
	return nil, false
}
