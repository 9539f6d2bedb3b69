package upstream

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// NewRetryingHTTPClient wraps httpClient so that failed requests and 5xx
// responses are retried up to retryMax times with exponential backoff.
// With retryMax 0 httpClient is returned unchanged.
func NewRetryingHTTPClient(httpClient *http.Client, retryMax int, logger *slog.Logger) *http.Client {
	if retryMax == 0 {
		return httpClient
	}

	rclient := &retryablehttp.Client{
		HTTPClient:   httpClient,
		Logger:       logger,
		RetryWaitMin: 100 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
		RetryMax:     retryMax,
		CheckRetry:   retryablehttp.DefaultRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
	return rclient.StandardClient()
}
