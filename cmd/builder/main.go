package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/notify"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/publish"
	"github.com/Adithya-Monish-Kumar-K/wikidex/internal/runlog"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/wikidex/pkg/postgres"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	archivePath := flag.String("archive", "", "dump archive (overrides archive.path)")
	indexPath := flag.String("index", "", "multistream index (overrides archive.indexPath)")
	root := flag.String("out", "", "output tree root (overrides store.root)")
	workers := flag.Int("workers", 0, "parallel range workers (overrides pipeline.workers)")
	fresh := flag.Bool("fresh", false, "ignore any checkpoint and rebuild from scratch")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *archivePath != "" {
		cfg.Archive.Path = *archivePath
	}
	if *indexPath != "" {
		cfg.Archive.IndexPath = *indexPath
	}
	if *root != "" {
		cfg.Store.Root = *root
	}
	if *workers > 0 {
		cfg.Pipeline.Workers = *workers
	}
	if *fresh {
		cfg.Pipeline.Resume = false
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting dump builder",
		"archive", cfg.Archive.Path,
		"root", cfg.Store.Root,
		"workers", cfg.Pipeline.Workers,
		"resume", cfg.Pipeline.Resume,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := pipeline.OptionsFromConfig(cfg)
	if cfg.Metrics.Enabled {
		opts.Metrics = metrics.New(prometheus.DefaultRegisterer)
		ms, err := metrics.Listen(cfg.Metrics.Port, prometheus.DefaultGatherer)
		if err != nil {
			slog.Error("failed to start metrics server", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			ms.Shutdown(shutdownCtx)
		}()
	}

	summary, runErr := pipeline.Run(ctx, opts)
	if runErr != nil {
		slog.Error("build failed", "error", runErr)
	}

	// Reporting uses a fresh context so an interrupted run is still recorded.
	reportCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	report(reportCtx, cfg, summary)

	if runErr != nil {
		os.Exit(1)
	}
	slog.Info("dump builder finished", "run_id", summary.RunID, "duration", summary.Duration())
}

// report publishes, announces and records a finished run. Failures here are
// logged and never change the run's outcome.
func report(ctx context.Context, cfg *config.Config, summary pipeline.Summary) {
	if summary.RunID == "" {
		return
	}

	var objectKey string
	if cfg.ObjectStore.Enabled && summary.Status == pipeline.StatusCompleted {
		pub, err := publish.New(cfg.ObjectStore)
		if err != nil {
			slog.Error("object store unavailable, index not published", "error", err)
		} else if objectKey, err = pub.Publish(ctx, summary); err != nil {
			slog.Error("publishing index failed", "error", err)
		}
	}

	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexComplete)
		defer producer.Close()
		if err := notify.New(producer, 10*time.Second).IndexComplete(ctx, summary, objectKey); err != nil {
			slog.Error("announcing index failed", "error", err)
		}
	}

	if cfg.Postgres.Enabled {
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			slog.Error("postgres unavailable, run not recorded", "error", err)
			return
		}
		defer db.Close()
		ledger := runlog.NewStore(db)
		if err := ledger.Migrate(ctx); err != nil {
			slog.Error("run ledger migration failed", "error", err)
			return
		}
		if err := ledger.Record(ctx, summary); err != nil {
			slog.Error("recording run failed", "error", err)
		}
	}
}
