package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/nugget/bmsinsight/internal/agent"
	"github.com/nugget/bmsinsight/internal/checkpoint"
	"github.com/nugget/bmsinsight/internal/config"
	"github.com/nugget/bmsinsight/internal/history"
	"github.com/nugget/bmsinsight/internal/insights"
	"github.com/nugget/bmsinsight/internal/jobs"
	"github.com/nugget/bmsinsight/internal/llm"
	"github.com/nugget/bmsinsight/internal/metrics"
	"github.com/nugget/bmsinsight/internal/mqtt"
	"github.com/nugget/bmsinsight/internal/progress"
	"github.com/nugget/bmsinsight/internal/tools"
	"github.com/nugget/bmsinsight/internal/weather"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// app holds the wired components shared by the subcommands.
type app struct {
	history  *history.Store
	llm      *llm.MultiClient
	jobs     jobs.Store
	engine   *agent.Engine
	service  *insights.Service
	bus      *progress.Bus
	metrics  *metrics.Collector
	mqtt     *mqtt.Publisher
	prunable bool // the job store needs periodic Prune calls

	closers []func() error
}

// openDB opens a SQLite database in WAL mode.
func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return db, nil
}

// newApp opens the stores and builds the engine. serving enables the
// components only the long-running server needs: metrics and the MQTT
// mirror.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, serving bool) (*app, error) {
	a := &app{bus: progress.NewBus()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	historyDB, err := openDB(filepath.Join(cfg.DataDir, "history.db"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, historyDB.Close)
	if a.history, err = history.NewStore(historyDB); err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}

	if err := a.openJobStore(ctx, cfg, logger); err != nil {
		return nil, err
	}

	ollama := llm.NewOllamaClient(cfg.Models.OllamaURL, logger.With("component", "llm"))
	a.llm = createLLMClient(cfg, logger, ollama)

	registry := tools.NewRegistry(logger.With("component", "tools"))
	registry.RegisterBuiltins(tools.Deps{
		History: a.history,
		Weather: weather.NewClient(cfg.Weather.ForecastURL, cfg.Weather.ArchiveURL, logger.With("component", "weather")),
		Derate:  cfg.Weather.Derate,
	})

	sinks := []progress.Sink{a.bus}
	if serving {
		if cfg.Metrics.Enabled {
			a.metrics = metrics.New()
		}
		if cfg.MQTT.Enabled {
			instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
			if err != nil {
				return nil, fmt.Errorf("mqtt instance id: %w", err)
			}
			a.mqtt = mqtt.New(cfg.MQTT, instanceID, logger.With("component", "mqtt"))
			sinks = append(sinks, a.mqtt)
		}
	}

	e := cfg.Engine
	a.engine = agent.NewEngine(agent.ConfigFrom(e, cfg.Models.Default), agent.Deps{
		LLM:     a.llm,
		Tools:   registry,
		Jobs:    a.jobs,
		Context: insights.NewContextBuilder(a.history),
		Checkpoints: checkpoint.NewManager(checkpoint.Config{
			Threshold: e.CompressionThreshold,
			KeepFirst: e.KeepFirst,
			KeepLast:  e.KeepLast,
			MaxBytes:  e.MaxCheckpointBytes,
		}, logger.With("component", "checkpoint")),
		Renderer: insights.NewMarkdownRenderer(),
		Sinks:    sinks,
		Metrics:  a.metrics,
		Logger:   logger,
	})
	a.service = insights.NewService(ctx, a.engine, a.jobs, logger)

	ok = true
	return a, nil
}

func (a *app) openJobStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	switch cfg.Jobs.Backend {
	case "memory":
		a.jobs = jobs.NewMemoryStore()
		a.prunable = true
		logger.Warn("using in-memory job store; jobs are lost on restart")

	case "redis":
		rc := cfg.Jobs.Redis
		rdb := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		a.closers = append(a.closers, rdb.Close)
		store := jobs.NewRedisStore(rdb, rc.KeyPrefix, cfg.Jobs.Retention())
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", rc.Addr, err)
		}
		a.jobs = store
		logger.Info("job store ready", "backend", "redis", "addr", rc.Addr)

	default:
		db, err := openDB(filepath.Join(cfg.DataDir, "jobs.db"))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		store, err := jobs.NewSQLiteStore(db)
		if err != nil {
			return fmt.Errorf("open job store: %w", err)
		}
		a.jobs = store
		a.prunable = true
		logger.Info("job store ready", "backend", "sqlite")
	}
	return nil
}

// Close releases the stores.
func (a *app) Close() error {
	if a.service != nil {
		a.service.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// createLLMClient builds a multi-provider LLM client from the
// configuration. Models not explicitly mapped fall through to the
// Ollama provider.
func createLLMClient(cfg *config.Config, logger *slog.Logger, ollamaClient *llm.OllamaClient) *llm.MultiClient {
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if cfg.Anthropic.Configured() {
		multi.AddProvider("anthropic", llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger.With("component", "llm")))
		logger.Info("Anthropic provider configured")
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	defaultProvider := "ollama"
	for _, m := range cfg.Models.Available {
		if m.Name == cfg.Models.Default {
			defaultProvider = m.Provider
		}
	}
	logger.Info("LLM client initialized",
		"default_model", cfg.Models.Default,
		"default_provider", defaultProvider,
		"providers", multi.Providers())
	return multi
}
