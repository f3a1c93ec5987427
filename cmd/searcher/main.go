package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/query"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/searcher/handler"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/searcher/reload"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/middleware"
	pkgredis "github.com/Adithya-Monish-Kumar-K/wikidex/pkg/redis"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	root := flag.String("root", "", "document tree root (overrides store.root)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *root != "" {
		cfg.Store.Root = *root
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting search service", "port", cfg.Server.Port, "root", cfg.Store.Root)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New(prometheus.DefaultRegisterer)
		ms, err := metrics.Listen(cfg.Metrics.Port, prometheus.DefaultGatherer)
		if err != nil {
			slog.Error("failed to start metrics server", "error", err)
			os.Exit(1)
		}
		defer ms.Shutdown(context.Background())
	}

	live, err := query.OpenLive(cfg.Store.Root, query.Options{Metrics: m})
	if err != nil {
		slog.Error("failed to open title index", "root", cfg.Store.Root, "error", err)
		os.Exit(1)
	}
	defer live.Close()
	slog.Info("title index loaded", "generation", live.Generation())

	var redisClient *pkgredis.Client
	if cfg.Redis.Enabled {
		redisClient, err = pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, lookup caching disabled", "error", err)
			redisClient = nil
		} else {
			defer redisClient.Close()
			slog.Info("lookup cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}
	cached := query.NewRedisCached(live, redisClient, cfg.Redis.CacheTTL, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reloader := reload.New(live, cfg.Store.Root, m)
	go func() {
		if err := reloader.Watch(ctx); err != nil {
			slog.Error("index watcher stopped", "error", err)
		}
	}()

	if cfg.Kafka.Enabled {
		// every replica reloads, so each one consumes under its own group
		group := cfg.Kafka.ConsumerGroup + "-" + uuid.NewString()
		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.IndexComplete, group, reloader.HandleMessage())
		go func() {
			if err := consumer.Start(ctx); err != nil {
				slog.Error("index-complete consumer error", "error", err)
			}
		}()
		slog.Info("listening for index-complete events", "topic", cfg.Kafka.Topics.IndexComplete, "group", group)
	}

	checker := health.NewChecker(0)
	checker.Register("title_index", func(ctx context.Context) health.ComponentHealth {
		ix, release, err := live.Acquire()
		if err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		defer release()
		return health.ComponentHealth{
			Status:  health.StatusUp,
			Message: fmt.Sprintf("%d titles, generation %s", ix.Header().EntryCount, ix.Generation()),
		}
	})
	checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
		if redisClient == nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "not configured"}
		}
		if err := redisClient.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	h := handler.New(cached, cfg.Search.DefaultLimit, cfg.Search.MaxResults)
	router := handler.NewRouter(h, handler.RouterOptions{
		Checker:     checker,
		Metrics:     m,
		Timeout:     cfg.Server.WriteTimeout,
		Reloader:    reloader,
		RateLimiter: middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("search service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("search service stopped")
}
