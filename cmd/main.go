package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/valkey-io/valkey-go"
	"go.uber.org/zap"

	"github.com/essaytrainer/aigate"
	"github.com/essaytrainer/aigate/block"
	"github.com/essaytrainer/aigate/breaker"
	"github.com/essaytrainer/aigate/cache"
	"github.com/essaytrainer/aigate/config"
	"github.com/essaytrainer/aigate/dispatch"
	"github.com/essaytrainer/aigate/evaluate"
	"github.com/essaytrainer/aigate/monitoring"
	"github.com/essaytrainer/aigate/provider"
	"github.com/essaytrainer/aigate/provider/github"
	"github.com/essaytrainer/aigate/provider/openai"
	"github.com/essaytrainer/aigate/provider/openrouter"
	"github.com/essaytrainer/aigate/rate"
	"github.com/essaytrainer/aigate/server"
	"github.com/essaytrainer/aigate/state"
	"github.com/essaytrainer/aigate/utils"
	"github.com/essaytrainer/aigate/utils/env"
)

const serviceName = "aigate"

var version = "dev"

// Store and limiter share one backend: both in valkey, or both in process.
func setupState(config *config.Config, logger *zap.SugaredLogger) (state.Store, rate.Limiter, func(), error) {
	if config.ValkeyEndpoint == "" {
		logger.Warnw("No valkey endpoint configured, keeping state in process. Only run a single instance in this mode.",
			"max_bytes", config.MemoryCacheMaxBytes)
		memoryStore, stopStore := state.NewMemoryStore(config.MemoryCacheMaxBytes)
		limiter, stopLimiter, err := rate.NewMemoryLimiter(config.RateLimits)
		if err != nil {
			stopStore()
			return nil, nil, nil, err
		}
		return memoryStore, limiter, func() {
			stopLimiter()
			stopStore()
		}, nil
	}

	valkeyClient, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{config.ValkeyEndpoint},
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create Valkey client: %v", err)
	}
	limiter, err := rate.NewValkeyLimiter(valkeyClient, config.RateLimits, logger)
	if err != nil {
		valkeyClient.Close()
		return nil, nil, nil, err
	}
	valkeyStore := state.NewValkeyStore(valkeyClient)
	return valkeyStore, limiter, valkeyStore.Close, nil
}

func newEndpoint(identity aigate.ProviderIdentity, providerConfig aigate.ProviderConfig, apiKey string) (provider.Endpoint, error) {
	switch identity {
	case aigate.Primary:
		return openai.NewEndpoint("openai", providerConfig.BaseUrl, apiKey)
	case aigate.Secondary:
		return openrouter.NewEndpoint(providerConfig.BaseUrl, apiKey)
	case aigate.Tertiary:
		return github.NewEndpoint(providerConfig.BaseUrl, apiKey)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", identity)
	}
}

func setupGenerators(providers aigate.ProvidersConfig, logger *zap.SugaredLogger) []dispatch.Generator {
	generators := []dispatch.Generator{}
	providers.ForEach(func(identity aigate.ProviderIdentity, providerConfig aigate.ProviderConfig) bool {
		apiKey, ok := env.SecretVariable(providerConfig.ApiKeyEnv)
		if !ok {
			logger.Warnw("API key not set, provider disabled", "provider", identity, "env", providerConfig.ApiKeyEnv)
			return false
		}
		endpoint, err := newEndpoint(identity, providerConfig, apiKey)
		if err != nil {
			logger.Warnw("Failed to create endpoint", "provider", identity, "error", err)
			return false
		}
		client, err := provider.NewClient(identity, endpoint, providerConfig, logger)
		if err != nil {
			logger.Warnw("Failed to create provider client", "provider", identity, "error", err)
			return false
		}
		logger.Infow("Provider enabled", "provider", identity, "endpoint", endpoint.Name(), "models", client.Models())
		generators = append(generators, client)
		return false
	})
	return generators
}

func main() {
	logger := utils.Must(zap.NewProduction())
	defer logger.Sync()
	sugar := logger.Sugar()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()
	config, err := config.LoadConfig(*configPath, sugar)
	if err != nil {
		sugar.Fatalw("Failed to load config", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing := func(context.Context) error { return nil }
	if config.OtlpEndpoint != "" {
		shutdownTracing, err = monitoring.NewTracerProvider(ctx, monitoring.TracingConfig{
			Endpoint:       config.OtlpEndpoint,
			ServiceName:    serviceName,
			ServiceVersion: version,
		}, sugar)
		if err != nil {
			sugar.Fatalw("Failed to setup tracing", "error", err)
		}
	}

	store, limiter, cleanup, err := setupState(config, sugar)
	if err != nil {
		sugar.Fatalw("Failed to setup state", "error", err)
	}

	metrics, err := monitoring.NewPrometheusMonitor(sugar)
	if err != nil {
		sugar.Fatalw("Failed to setup metrics", "error", err)
	}

	circuitBreaker := breaker.New(store, config.Circuit.FailureThreshold, config.ParsedFailureWindow(), sugar).
		WithObserver(metrics)
	blocker := block.New(store, config.ParsedBlockDuration(), sugar)
	responseCache := cache.New(store, config.ParsedCacheTtl(), sugar)

	dispatcher, err := dispatch.New(setupGenerators(config.Providers, sugar), circuitBreaker, blocker, sugar)
	if err != nil {
		sugar.Fatalw("Failed to create dispatcher", "error", err)
	}
	dispatcher.WithObserver(metrics)

	service := evaluate.NewService(limiter, blocker, responseCache, dispatcher, sugar).WithObserver(metrics)

	prompts, err := server.NewPrompts(config.Prompts.Evaluate, config.Prompts.Topic)
	if err != nil {
		sugar.Fatalw("Failed to parse prompts", "error", err)
	}

	gateway := server.NewServer(service, circuitBreaker, dispatcher.Providers(), prompts, server.Options{
		ApiKey:                config.ApiKey,
		UnavailableRetryAfter: config.ParsedBlockDuration(),
		TrustedProxyHops:      config.TrustedProxyHops,
	}, sugar)

	router := mux.NewRouter()
	gateway.RegisterRoutes(router, metrics.Handler())

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Retry-After", "X-AI-Provider", "X-Cache"},
		Debug:          false,
	})

	address := fmt.Sprintf(":%d", config.Port)
	httpServer := &http.Server{
		Addr:              address,
		Handler:           corsMiddleware.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownSignal := make(chan os.Signal, 1)
	signal.Notify(shutdownSignal, os.Interrupt, syscall.SIGTERM)
	shutdownDone := make(chan struct{})

	go func() {
		defer close(shutdownDone)
		<-shutdownSignal
		sugar.Infow("Shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			sugar.Errorw("Server forced to shutdown", "error", err)
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			sugar.Warnw("Failed to flush traces", "error", err)
		}
		cleanup()
	}()

	sugar.Infow("Starting server", "address", address, "providers", dispatcher.Providers(), "version", version)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("Failed to start server", "error", err)
	}

	<-shutdownDone
	sugar.Infow("Server exited gracefully")
}
