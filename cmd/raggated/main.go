// raggated is the admission and caching gateway in front of the RAG query
// pipeline. It admits requests against layered rate limits, serves answers
// from the three cache tiers when it can, and calls the external services
// only on misses.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/answerstack/raggate/internal/api"
	"github.com/answerstack/raggate/internal/config"
	"github.com/answerstack/raggate/internal/upstream"
	"github.com/answerstack/raggate/pkg/observability"
	"github.com/answerstack/raggate/pkg/pipeline"
	"github.com/answerstack/raggate/pkg/qcache"
	"github.com/answerstack/raggate/pkg/qcache/invalidation"
	"github.com/answerstack/raggate/pkg/ratelimit"
	"github.com/answerstack/raggate/pkg/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Missing .env is fine; real deployments use the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		observability.NewLogger("raggated").Fatal("failed to load configuration", map[string]interface{}{"error": err.Error()})
		return
	}

	logger := observability.NewLoggerWithLevel("raggated", observability.LogLevel(strings.ToUpper(cfg.LogLevel)))
	metrics := observability.NewMetricsClient()
	defer metrics.Close()

	redisClient, err := store.NewRedisClient(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to redis", map[string]interface{}{"error": err.Error()})
		return
	}
	resilient := store.NewResilientClient(redisClient, cfg.Redis, logger, metrics)
	defer resilient.Close()

	limiter, err := ratelimit.NewLimiter(resilient, cfg.RateLimit, logger, metrics)
	if err != nil {
		logger.Fatal("failed to build rate limiter", map[string]interface{}{"error": err.Error()})
		return
	}

	caches, err := qcache.New(resilient, cfg.Cache, logger, metrics)
	if err != nil {
		logger.Fatal("failed to build cache tiers", map[string]interface{}{"error": err.Error()})
		return
	}

	hook := invalidation.NewHook(caches, cfg.Invalidation, logger, metrics)
	defer hook.Close()

	clients := upstream.NewClients(cfg.Upstream)
	orchestrator, err := pipeline.New(
		limiter,
		caches,
		clients.Embedder,
		clients.Searcher,
		clients.Fetcher,
		clients.Gensvc,
		cfg.Pipeline,
		logger,
		metrics,
	)
	if err != nil {
		logger.Fatal("failed to build pipeline", map[string]interface{}{"error": err.Error()})
		return
	}

	server, err := api.NewServer(cfg.Server, orchestrator, hook, resilient, logger, metrics)
	if err != nil {
		logger.Fatal("failed to build server", map[string]interface{}{"error": err.Error()})
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", map[string]interface{}{"error": err.Error()})
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutting down", nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown did not complete cleanly", map[string]interface{}{"error": err.Error()})
	}
}
