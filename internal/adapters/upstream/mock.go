package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cdmportal/apicache/internal/domain"
)

type Upstream interface {
	Do(ctx context.Context, req domain.Request) (domain.Response, error)
}

type UpstreamConfig interface {
	UpstreamURL() string
	IsDevelopment() bool
}

// mockedUpstream echoes the request back, for local development without a
// REST API to talk to
type mockedUpstream struct{}

func (m *mockedUpstream) Do(ctx context.Context, req domain.Request) (domain.Response, error) {
	data, err := json.Marshal(map[string]any{
		"method": req.Method,
		"target": req.Target,
		"body":   req.Body,
	})
	if err != nil {
		return domain.Response{}, fmt.Errorf("failed to encode echo response: %w", err)
	}

	return domain.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       data,
	}, nil
}

func NewUpstreamOrMock(config UpstreamConfig, httpClient HttpClient, retryHTTPClient HttpClient, limiter Limiter) (Upstream, error) {
	if config.UpstreamURL() != "" {
		return New(httpClient, retryHTTPClient, config.UpstreamURL(), limiter)
	}
	if config.IsDevelopment() {
		return &mockedUpstream{}, nil
	}
	return nil, fmt.Errorf("missing upstream url in non-development environment")
}
