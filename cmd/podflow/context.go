package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/semaphore"

	"github.com/deepnoodle-ai/podflow"
	"github.com/deepnoodle-ai/podflow/collaborators/openai"
	"github.com/deepnoodle-ai/podflow/collaborators/sources"
	"github.com/deepnoodle-ai/podflow/collaborators/vectorstore"
	"github.com/deepnoodle-ai/podflow/collaborators/websearch"
	"github.com/deepnoodle-ai/podflow/config"
	"github.com/deepnoodle-ai/podflow/events"
	"github.com/deepnoodle-ai/podflow/metrics"
	"github.com/deepnoodle-ai/podflow/podcast"
	"github.com/deepnoodle-ai/podflow/postgres"
	"github.com/deepnoodle-ai/podflow/sqlite"
)

type commandContext struct {
	configPath string
	jsonOutput bool
	logLevel   string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	// newCollaborators builds the external services. Tests replace it.
	newCollaborators func(cfg *config.Config, logger *slog.Logger) podcast.Collaborators
}

func newCommandContext() *commandContext {
	return &commandContext{newCollaborators: defaultCollaborators}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load(c.configPath)
		if err != nil {
			c.configErr = err
			return
		}
		if c.logLevel != "" {
			if _, err := podflow.ParseLevel(c.logLevel); err != nil {
				c.configErr = fmt.Errorf("--log-level: %w", err)
				return
			}
			cfg.Logging.Level = c.logLevel
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) logger() *slog.Logger {
	cfg, _ := c.ensureConfig()
	if cfg == nil {
		return podflow.NewLogger()
	}
	level, _ := podflow.ParseLevel(cfg.Logging.Level)
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	return podflow.NewLoggerWithLevel(os.Stderr, level)
}

// app holds everything a command needs to run the pipeline.
type app struct {
	engine  *podflow.Engine
	store   podflow.RunStore
	history podflow.AttemptLogger
	logger  *slog.Logger
	closers []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openStore opens the configured run store and attempt log.
func openStore(ctx context.Context, cfg *config.Config) (podflow.RunStore, podflow.AttemptLogger, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Store.Driver {
	case config.DriverMemory:
		return podflow.NewMemoryRunStore(), podflow.NewNullAttemptLogger(), noop, nil
	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.Store.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		var history podflow.AttemptLogger = store
		if !cfg.Store.AttemptLog {
			history = podflow.NewNullAttemptLogger()
		}
		return store, history, store.Close, nil
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, nil, err
		}
		var history podflow.AttemptLogger = store
		if !cfg.Store.AttemptLog {
			history = podflow.NewNullAttemptLogger()
		}
		return store, history, store.Close, nil
	default:
		store, err := podflow.NewFileRunStore(cfg.Store.Dir)
		if err != nil {
			return nil, nil, nil, err
		}
		var history podflow.AttemptLogger = podflow.NewNullAttemptLogger()
		if cfg.Store.AttemptLog {
			history = podflow.NewFileAttemptLogger(filepath.Join(cfg.DataDir, "attempts"))
		}
		return store, history, noop, nil
	}
}

// defaultCollaborators builds the real clients described by the config.
// Every call goes through one shared limiter.
func defaultCollaborators(cfg *config.Config, logger *slog.Logger) podcast.Collaborators {
	guard := podflow.GuardOptions{Timeout: cfg.Limits.CallTimeout.Duration}
	if cfg.Limits.MaxConcurrentCalls > 0 {
		guard.Limiter = semaphore.NewWeighted(int64(cfg.Limits.MaxConcurrentCalls))
	}
	guarded := func(c podflow.Collaborator) podflow.Collaborator {
		return podflow.Guard(c, guard)
	}

	var collabs podcast.Collaborators
	if cfg.OpenAI.APIKey != "" {
		llm := openai.NewClient(cfg.OpenAIConfig(), openai.WithLogger(logger))
		collabs.LLM = guarded(llm)
		collabs.Embedder = guarded(llm)
		collabs.Speech = guarded(llm)
	} else {
		logger.Warn("openai.api_key is not set; language model stages will degrade and speech will fail")
	}
	if cfg.Search.Endpoint != "" {
		collabs.Search = guarded(websearch.NewClient(cfg.SearchConfig(), websearch.WithLogger(logger)))
	}
	for _, sourceConfig := range cfg.SourceConfigs() {
		client := guarded(sources.NewClient(sourceConfig, sources.WithLogger(logger)))
		switch sourceConfig.Name {
		case sources.ChatHistory:
			collabs.ChatHistory = client
		case sources.Documents:
			collabs.Documents = client
		case sources.Mailbox:
			collabs.Mailbox = client
		}
	}
	collabs.VectorStore = vectorstore.New()
	return collabs
}

// openApp wires the store, collaborators, pipeline, and observers into an
// engine.
func (c *commandContext) openApp(ctx context.Context) (*app, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger := c.logger()
	a := &app{logger: logger}

	store, history, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	a.store, a.history = store, history
	a.closers = append(a.closers, closeStore)

	opts, err := cfg.PipelineOptions()
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	collabs := c.newCollaborators(cfg, logger)
	pipeline, err := podcast.NewPipeline(collabs, opts)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	callbacks := podflow.NewCallbackChain()
	if dropper, ok := collabs.VectorStore.(podcast.Dropper); ok {
		callbacks.Add(podcast.NewIndexCleanup(dropper))
	}
	if cfg.Metrics.Addr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		callbacks.Add(metrics.New(registry))
		a.closers = append(a.closers, serveMetrics(cfg.Metrics.Addr, registry, logger))
	}
	if cfg.NATS.URL != "" {
		publisher, conn, err := events.Connect(cfg.NATS.URL, events.Options{
			Prefix:   cfg.NATS.Prefix,
			Logger:   logger,
			Attempts: cfg.NATS.Attempts,
		})
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		callbacks.Add(publisher)
		a.closers = append(a.closers, func() error { return conn.Drain() })
	}

	engine, err := podflow.NewEngine(podflow.EngineOptions{
		Pipeline:      pipeline,
		Store:         store,
		Logger:        logger,
		Callbacks:     callbacks,
		AttemptLogger: history,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.engine = engine
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return engine.Shutdown(shutdownCtx)
	})
	return a, nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) func() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
}
