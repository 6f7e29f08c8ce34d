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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/parley/internal/channels"
	"github.com/haasonsaas/parley/internal/channels/telegram"
	"github.com/haasonsaas/parley/internal/channels/whatsapp"
	"github.com/haasonsaas/parley/internal/config"
	"github.com/haasonsaas/parley/internal/delivery"
	"github.com/haasonsaas/parley/internal/dispatch"
	"github.com/haasonsaas/parley/internal/jobs"
	lang "github.com/haasonsaas/parley/internal/language"
	"github.com/haasonsaas/parley/internal/llm"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/ratelimit"
	"github.com/haasonsaas/parley/internal/sessions"
)

const shutdownTimeout = 30 * time.Second

// runServe loads the configuration, wires every component and blocks until
// a shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("starting parley",
		"version", version,
		"commit", commit,
		"config", configPath,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)

	cfg.Tracing.ServiceVersion = version
	tracer, shutdownTracer, err := observability.NewTracer(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	p, err := buildPipeline(cfg, logger, metrics, tracer)
	if err != nil {
		_ = shutdownTracer(context.Background())
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = newMetricsServer(cfg.Metrics, reg)
		go func() {
			logger.Info("metrics server listening", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	if err := p.registry.StartAll(ctx); err != nil {
		cancel()
		p.shutdown(logger, metricsServer, shutdownTracer)
		return err
	}
	if p.whatsapp != nil {
		go printPairingCodes(os.Stdout, p.whatsapp.QRChannel(), logger)
	}
	p.sweeper.Start()

	logger.Info("parley started", "channels", p.registry.Len())
	p.dispatcher.Run(ctx, p.registry.AggregateEvents(ctx))

	logger.Info("shutdown signal received, initiating graceful shutdown")
	p.shutdown(logger, metricsServer, shutdownTracer)
	logger.Info("parley stopped gracefully")
	return nil
}

// pipeline holds the long lived components in shutdown order.
type pipeline struct {
	jobs       *jobs.Manager
	dispatcher *dispatch.Dispatcher
	queue      *delivery.Queue
	registry   *channels.Registry
	sweeper    *sessions.Sweeper
	whatsapp   *whatsapp.Adapter
}

func buildPipeline(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) (*pipeline, error) {
	// Lanes outlive the signal context so queued replies can drain.
	base := context.Background()

	limiter := ratelimit.NewLimiter(cfg.RateLimit)

	classifier := lang.NewKeywordClassifier()
	classifier.Default = cfg.Bot.Language()
	store := sessions.NewStore(classifier)

	downloader := jobs.NewCommandDownloader(cfg.Jobs, logger)
	manager := jobs.NewManager(downloader,
		jobs.WithLogger(logger),
		jobs.WithMetrics(metrics),
		jobs.WithTracer(tracer),
		jobs.WithMaxDuration(cfg.Jobs.MaxDuration),
	)

	sweeper, err := sessions.NewSweeper(store, cfg.Sessions, manager.Active, logger)
	if err != nil {
		return nil, err
	}
	sweeper.OnEvict = func(removed int) {
		metrics.SessionsEvicted(removed)
		metrics.SetActiveSessions(store.Len())
		limiter.Prune()
	}

	queue := delivery.NewQueue(base, cfg.Delivery, logger, metrics)

	gateway := llm.NewGateway(cfg.AI,
		llm.WithLogger(logger),
		llm.WithMetrics(metrics),
		llm.WithTracer(tracer),
	)
	if !gateway.Configured() {
		logger.Warn("ai.api_key is not set; AI chat will answer with a notice")
	}

	catalog, err := dispatch.NewCatalog(cfg.Bot.BotName, cfg.Bot.CommandPrefix, cfg.Bot.Language())
	if err != nil {
		return nil, fmt.Errorf("failed to build message catalog: %w", err)
	}

	p := &pipeline{
		jobs:     manager,
		queue:    queue,
		registry: channels.NewRegistry(),
		sweeper:  sweeper,
	}
	if cfg.Channels.WhatsApp.Enabled {
		wa, err := whatsapp.New(&cfg.Channels.WhatsApp, logger, metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create whatsapp adapter: %w", err)
		}
		p.registry.Register(wa)
		p.whatsapp = wa
	}
	if cfg.Channels.Telegram.Enabled {
		tg, err := telegram.NewAdapter(&cfg.Channels.Telegram, logger, metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create telegram adapter: %w", err)
		}
		p.registry.Register(tg)
	}

	p.dispatcher, err = dispatch.New(base, cfg.Bot.Config, dispatch.Deps{
		Limiter:  limiter,
		Sessions: store,
		Jobs:     manager,
		Delivery: queue,
		AI:       gateway,
		Senders:  p.registry,
		Catalog:  catalog,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

type shutdownStep struct {
	name string
	fn   func(context.Context) error
}

// shutdown stops components so that cancelled downloads still produce a
// reply before the adapters disconnect.
func (p *pipeline) shutdown(logger *slog.Logger, metricsServer *http.Server, shutdownTracer func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	steps := []shutdownStep{
		{"jobs", p.jobs.Shutdown},
		{"dispatcher", p.dispatcher.Close},
		{"delivery", p.queue.Close},
		{"channels", p.registry.StopAll},
		{"sweeper", p.sweeper.Stop},
	}
	if metricsServer != nil {
		steps = append(steps, shutdownStep{"metrics", metricsServer.Shutdown})
	}
	steps = append(steps, shutdownStep{"tracing", shutdownTracer})

	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			logger.Warn("shutdown step failed", "step", step.name, "error", err)
		}
	}
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
