package reporting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/cdmportal/apicache/internal/logging"
	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
)

var (
	uuidRx  = regexp.MustCompile(`[0-9a-fA-F]{8}-?([0-9a-fA-F]{4}-?){3}[0-9a-fA-F]{12}`)
	queryRx = regexp.MustCompile(`\?[^\s"]*`)
	hostRx  = regexp.MustCompile(`(\[[0-9a-fA-F:]*\]|\d{1,3}(\.\d{1,3}){3}):\d+`)
	idRx    = regexp.MustCompile(`/\d+(/|\b)`)
)

// sanitizeError strips the volatile parts of an error message so that
// errors for different studies/subjects group together
func sanitizeError(err string) string {
	err = uuidRx.ReplaceAllString(err, "<uuid>")
	err = queryRx.ReplaceAllString(err, "?<query>")
	err = hostRx.ReplaceAllString(err, "<host>")
	err = idRx.ReplaceAllString(err, "/<id>$1")
	return err
}

func Report(ctx context.Context, err error, extras ...map[string]string) {
	logger := logging.FromContext(ctx)
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		logger.WarnContext(ctx, "No Sentry hub in context, not reporting", "error", errorString(err), "extras", extras)
		return
	}

	logger.ErrorContext(
		ctx,
		"Reporting error to Sentry",
		slog.String("error", errorString(err)),
		slog.Any("extras", extras),
	)

	if err == nil {
		err = errors.New("no error provided")
	}

	hub.WithScope(func(scope *sentry.Scope) {
		m := metaFromContext(ctx)
		scope.SetTags(m.tags)
		for key, value := range m.extras {
			scope.SetExtra(key, value)
		}
		if m.userID != "" {
			scope.SetUser(sentry.User{ID: m.userID})
		}
		if !m.startedAt.IsZero() {
			scope.SetExtra("secondsSinceStart", time.Since(m.startedAt).Seconds())
		}

		for _, extra := range extras {
			for key, value := range extra {
				scope.SetExtra(key, value)
			}
		}

		scope.SetFingerprint([]string{"{{ default }}", sanitizeError(err.Error())})
		hub.CaptureException(err)
	})
}

func errorString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

// NewAddMetaMiddleware tags reports with the port that handled the request
func NewAddMetaMiddleware(port string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			ctx := AddTagsToContext(r.Context(), map[string]string{
				"port":       port,
				"methodPath": fmt.Sprintf("%s %s", r.Method, r.URL.Path),
				"userAgent":  valueOrMissing(r.UserAgent()),
			})
			ctx = setStartedAtInContext(ctx, time.Now())

			next(w, r.WithContext(ctx))
		}
	}
}

func valueOrMissing(value string) string {
	if value == "" {
		return "<missing>"
	}
	return value
}

type SentryConfig interface {
	SentryDSN() string
	IsDevelopment() bool
}

func InitSentryMiddleware(sentryDSN string) (func(http.HandlerFunc) http.HandlerFunc, func(), error) {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              sentryDSN,
		EnableTracing:    true,
		TracesSampleRate: 1.0 / 100.0,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize sentry: %w", err)
	}

	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})

	middleware := func(next http.HandlerFunc) http.HandlerFunc {
		return sentryHandler.HandleFunc(next)
	}

	flush := func() {
		sentry.Flush(5 * time.Second)
	}

	return middleware, flush, nil
}

func NewSentryMiddlewareOrMock(config SentryConfig) (func(http.HandlerFunc) http.HandlerFunc, func(), error) {
	if config.SentryDSN() != "" {
		return InitSentryMiddleware(config.SentryDSN())
	}

	if config.IsDevelopment() {
		middleware := func(next http.HandlerFunc) http.HandlerFunc {
			return next
		}
		return middleware, func() {}, nil
	}

	return nil, nil, fmt.Errorf("missing Sentry DSN in non-development environment")
}
