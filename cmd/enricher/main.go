// Package main provides the entry point for the WIDS context enricher.
// The worker finds wireless telemetry documents in Elasticsearch that lack
// context.summary, asks a local Ollama model to explain them, and writes the
// explanation back.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/lvonguyen/widsctx/internal/cache"
	"github.com/lvonguyen/widsctx/internal/config"
	"github.com/lvonguyen/widsctx/internal/enrichment"
	"github.com/lvonguyen/widsctx/internal/llm"
	"github.com/lvonguyen/widsctx/internal/observability"
	"github.com/lvonguyen/widsctx/internal/server"
	"github.com/lvonguyen/widsctx/internal/store"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

const serviceName = "widsctx-enricher"

func main() {
	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("widsctx %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
	}

	app := &cli.App{
		Name:    "enricher",
		Usage:   "add LLM-generated analyst context to WIDS telemetry documents",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to an optional YAML config file",
				EnvVars: []string{"WIDSCTX_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "dotenv file loaded before reading the environment",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "enricher: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if err := godotenv.Load(c.String("env-file")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", c.String("env-file"), err)
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	tel, err := observability.New(observability.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		TracingEnabled: cfg.Tracing.Enabled,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	logger := tel.Logger()
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting context enricher",
		zap.String("commit", GitCommit),
		zap.String("es_url", cfg.Elasticsearch.URL),
		zap.String("index", cfg.Elasticsearch.Index),
		zap.String("ollama_url", cfg.Ollama.URL),
		zap.String("model", cfg.Ollama.Model),
	)

	es, err := store.New(store.Config{
		URL:         cfg.Elasticsearch.URL,
		Index:       cfg.Elasticsearch.Index,
		Username:    cfg.Elasticsearch.Username,
		Password:    cfg.Elasticsearch.Password,
		APIKey:      cfg.Elasticsearch.APIKey,
		VerifyCerts: cfg.Elasticsearch.VerifyCerts,
		CACertFile:  cfg.Elasticsearch.CACertFile,
	})
	if err != nil {
		return fmt.Errorf("creating elasticsearch client: %w", err)
	}
	probeCluster(ctx, es, logger)

	model, err := llm.New(llm.Config{
		BaseURL:      cfg.Ollama.URL,
		Model:        cfg.Ollama.Model,
		Temperature:  cfg.Ollama.Temperature,
		Timeout:      cfg.Ollama.Timeout,
		RateLimit:    cfg.Ollama.RateLimit,
		SystemPrompt: enrichment.SystemPrompt,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating ollama client: %w", err)
	}

	opts := []enrichment.Option{
		enrichment.WithLogger(logger.Named("enricher")),
		enrichment.WithMetrics(tel.Metrics()),
		enrichment.WithTracer(tel.Tracer()),
	}
	responseCache, closeCache, err := newResponseCache(ctx, cfg.Cache, logger)
	if err != nil {
		return err
	}
	defer closeCache()
	if responseCache != nil {
		opts = append(opts, enrichment.WithCache(responseCache))
	}

	enricher, err := enrichment.New(es, model, enrichment.Config{
		PollInterval:    cfg.Worker.PollInterval,
		BatchSize:       cfg.Worker.BatchSize,
		TimeWindow:      cfg.Worker.TimeWindow,
		ErrorBackoff:    cfg.Worker.ErrorBackoff,
		WriteStructured: cfg.Worker.WriteStructured,
	}, opts...)
	if err != nil {
		return fmt.Errorf("creating enricher: %w", err)
	}

	var status *server.Server
	if cfg.Server.Addr != "" {
		status = server.New(server.Config{
			Addr:    cfg.Server.Addr,
			Version: Version,
		}, server.Deps{
			Store:   es,
			Stats:   enricher,
			Metrics: tel.MetricsHandler(),
		}, logger.Named("http"))

		go func() {
			if err := status.ListenAndServe(); err != nil {
				logger.Error("Status server error", zap.Error(err))
			}
		}()
	}

	runErr := enricher.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if status != nil {
		if err := status.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Status server shutdown error", zap.Error(err))
		}
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown error", zap.Error(err))
	}

	return runErr
}

// probeCluster logs which cluster the worker is talking to. An unreachable
// cluster is not fatal; the loop retries discovery on its own.
func probeCluster(ctx context.Context, es *store.Client, logger *zap.Logger) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	info, err := es.Info(probeCtx)
	if err != nil {
		logger.Warn("Elasticsearch probe failed", zap.Error(err))
		return
	}
	logger.Info("Connected to Elasticsearch",
		zap.String("cluster", info.ClusterName),
		zap.String("version", info.Version.Number),
	)
}

func newResponseCache(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (enrichment.ResponseCache, func(), error) {
	noop := func() {}

	switch cfg.Backend {
	case config.CacheMemory:
		logger.Info("Using in-memory response cache", zap.Duration("ttl", cfg.TTL))
		return cache.NewMemory(cfg.TTL), noop, nil

	case config.CacheRedis:
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		rc, err := cache.NewRedis(connectCtx, cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.TTL,
		})
		if err != nil {
			return nil, noop, err
		}
		logger.Info("Using redis response cache", zap.String("addr", cfg.RedisAddr))
		return rc, func() { _ = rc.Close() }, nil

	default:
		return nil, noop, nil
	}
}
