package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cdmportal/apicache/internal/adapters/upstream"
	"github.com/cdmportal/apicache/internal/app"
	"github.com/cdmportal/apicache/internal/cache"
	"github.com/cdmportal/apicache/internal/config"
	"github.com/cdmportal/apicache/internal/domain"
	"github.com/cdmportal/apicache/internal/logging"
	"github.com/cdmportal/apicache/internal/ports"
	"github.com/cdmportal/apicache/internal/reporting"
	"github.com/cdmportal/apicache/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	_ "golang.org/x/crypto/x509roots/fallback"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const serviceName = "apicache"

func main() {
	instanceID := uuid.New().String()
	logger := slog.New(
		logging.NewTracingLogHandler(slog.NewJSONHandler(os.Stdout, nil)),
	).With("instanceID", instanceID)

	fail := func(msg string, args ...any) {
		logger.Error(msg, args...)
		os.Exit(1)
	}

	config, err := config.ConfigFromEnv()
	if err != nil {
		fail("Failed to load config", "error", err.Error())
	}
	logger.Info("Loaded config", "config", config.NonSensitiveString())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !config.IsDevelopment() {
		shutdownTelemetry, err := telemetry.SetupOTelSDK(ctx, serviceName)
		if err != nil {
			fail("Failed to set up OpenTelemetry", "error", err.Error())
		}
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				logger.Error("Failed to shut down OpenTelemetry", "error", err.Error())
			}
		}()
		logger.Info("Initialized OpenTelemetry")
	}

	sentryMiddleware, flush, err := reporting.NewSentryMiddlewareOrMock(&config)
	if err != nil {
		fail("Failed to initialize Sentry", "error", err.Error())
	}
	defer flush()
	logger.Info("Initialized Sentry middleware")

	httpClient := &http.Client{
		Timeout:   15 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	retryHTTPClient := upstream.NewRetryingHTTPClient(
		httpClient,
		config.UpstreamRetries(),
		logger.With("component", "retryablehttp"),
	)
	upstreamLimiter := rate.NewLimiter(rate.Limit(config.UpstreamRPS()), max(1, int(config.UpstreamRPS())))

	api, err := upstream.NewUpstreamOrMock(&config, httpClient, retryHTTPClient, upstreamLimiter)
	if err != nil {
		fail("Failed to initialize upstream", "error", err.Error())
	}
	logger.Info("Initialized upstream")

	cacheOptions := []cache.Option{
		cache.WithDefaultTTL(config.DefaultTTL()),
		cache.WithExcludedPatterns(config.ExcludedPatterns()...),
		cache.WithKeyHeaders(config.KeyHeaders()...),
		cache.WithCapacity(config.Capacity()),
		cache.WithExpirySweep(true),
	}
	for _, override := range config.TTLOverrides() {
		cacheOptions = append(cacheOptions, cache.WithTTLOverride(override.Pattern, override.TTL))
	}
	responseCache, err := cache.New[domain.Response](cacheOptions...)
	if err != nil {
		fail("Failed to initialize cache", "error", err.Error())
	}
	defer responseCache.Close()
	logger.Info("Initialized cache")

	allowedOrigins, err := ports.NewDomainSuffixes(config.AllowedOrigins()...)
	if err != nil {
		fail("Failed to initialize allowed origins", "error", err.Error())
	}

	fetch := app.BuildFetchWithCache(responseCache, api)

	proxyHandler, stopProxyHandler, err := ports.MakeProxyHandler(
		fetch,
		allowedOrigins,
		logger.With("port", "proxy"),
		sentryMiddleware,
	)
	if err != nil {
		fail("Failed to initialize proxy handler", "error", err.Error())
	}
	defer stopProxyHandler()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", ports.MakeHealthHandler())
	mux.HandleFunc("/", proxyHandler)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", config.Port()),
		Handler:           otelhttp.NewHandler(mux, serviceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Init complete", "addr", server.Addr)
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		fail("Server error", "error", err.Error())
	}
	logger.Info("Server shutdown")
}
