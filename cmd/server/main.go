package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TimurManjosov/flageval/internal/api"
	"github.com/TimurManjosov/flageval/internal/audit"
	"github.com/TimurManjosov/flageval/internal/auth"
	"github.com/TimurManjosov/flageval/internal/cache"
	"github.com/TimurManjosov/flageval/internal/command"
	"github.com/TimurManjosov/flageval/internal/config"
	"github.com/TimurManjosov/flageval/internal/logger"
	"github.com/TimurManjosov/flageval/internal/snapshot"
	"github.com/TimurManjosov/flageval/internal/store"
	"github.com/TimurManjosov/flageval/internal/telemetry"
	"github.com/TimurManjosov/flageval/internal/trigger"
	"github.com/TimurManjosov/flageval/internal/webhook"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const serviceName = "flageval"

var rootCmd = &cobra.Command{
	Use:           "flageval-server",
	Short:         "Feature flag evaluation server",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API and metrics servers (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func main() {
	rootCmd.AddCommand(serveCmd, keygenCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(logger.Config{ServiceName: serviceName, Environment: cfg.AppEnv, Level: cfg.LogLevel})
	if err != nil {
		return err
	}
	zerolog.DefaultContextLogger = &log

	telemetry.Init()
	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.OTLPEndpoint, serviceName, cfg.AppEnv)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	st, err := store.NewStore(ctx, store.Options{
		Type:     cfg.StoreType,
		DSN:      cfg.DatabaseDSN,
		FilePath: cfg.FlagsFile,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	sink, closeSink, err := newAuditSink(ctx, cfg, st, log)
	if err != nil {
		return err
	}
	auditSvc := audit.NewService(sink, audit.Options{Logger: log})
	// the audit service drains into the sink, so it closes first
	defer closeSink()
	defer auditSvc.Close()

	registry := snapshot.NewRegistry()
	refresher := snapshot.NewRefresher(st, registry, log, snapshot.RefresherOptions{
		Interval:     cfg.RefreshInterval,
		Environments: cfg.Environments,
	})
	if err := refresher.RefreshAll(ctx); err != nil {
		// environments that failed are retried on the next tick and
		// answer 503 until then
		log.Error().Err(err).Msg("initial snapshot load incomplete")
	}
	for _, env := range registry.Environments() {
		if s, ok := registry.Load(env); ok {
			log.Info().Str("env", env).Int("flags", len(s.Flags)).Str("etag", s.ETag).Msg("snapshot loaded")
		}
	}
	go refresher.Run(ctx)

	if fs, ok := st.(*store.FileStore); ok {
		go func() {
			err := fs.Watch(ctx, func() {
				if err := refresher.RefreshAll(ctx); err != nil {
					log.Error().Err(err).Msg("snapshot refresh after flag file change failed")
				}
			})
			if err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("flag file watcher stopped")
			}
		}()
	}

	commands := command.NewHandler(st, auditSvc, refresher, log)
	triggers := trigger.NewService(st, commands, log)

	evalCache, err := cache.New(ctx, cache.Options{Type: cfg.CacheType, RedisURL: cfg.RedisURL, MaxCost: cfg.CacheMaxCost})
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer evalCache.Close()

	srvAPI := api.NewServer(api.Options{
		Store:     st,
		Registry:  registry,
		Evaluator: api.NewService(registry, cache.NewEvaluations(evalCache, cfg.CacheTTL), log),
		Commands:  commands,
		Triggers:  triggers,
		Auth: auth.NewAuthenticator(
			auth.Key{Name: "admin", Secret: cfg.AdminAPIKey, Role: auth.RoleAdmin},
			auth.Key{Name: "client", Secret: cfg.ClientAPIKey, Role: auth.RoleClient},
		),
		Logger:           log,
		RateLimitPerIP:   cfg.RateLimitPerIP,
		TriggerRateLimit: cfg.TriggerRateLimit,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srvAPI.Router(),
		ReadHeaderTimeout: 3 * time.Second,
		WriteTimeout:      0, // SSE streams stay open
		IdleTimeout:       60 * time.Second,
	}
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 3 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("store", cfg.StoreType).Msg("listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: %w", err)
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics listening")
		if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error().Err(err).Msg("server failed")
	}

	// graceful shutdown
	ctxShut, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctxShut)
	_ = metricsSrv.Shutdown(ctxShut)
	log.Info().Msg("stopped")
	return nil
}

// newAuditSink builds the configured sink, fanning out to the webhook
// dispatcher when subscribers are configured. The returned func stops the
// dispatcher after its queue drains.
func newAuditSink(ctx context.Context, cfg *config.Config, st store.Store, log zerolog.Logger) (audit.AuditSink, func(), error) {
	var sinks audit.MultiSink
	switch cfg.AuditSink {
	case "log":
		sinks = append(sinks, audit.NewLogSink(log))
	case "postgres":
		pg, ok := st.(*store.PostgresStore)
		if !ok {
			return nil, nil, errors.New("postgres audit sink requires the postgres store")
		}
		ps := audit.NewPostgresSink(pg.Pool())
		if err := ps.Migrate(ctx); err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, ps)
	}

	closeFn := func() {}
	if len(cfg.WebhookURLs) > 0 {
		subs := make([]webhook.Subscriber, 0, len(cfg.WebhookURLs))
		for _, u := range cfg.WebhookURLs {
			subs = append(subs, webhook.Subscriber{
				URL:        u,
				Secret:     cfg.WebhookSecret,
				Events:     cfg.WebhookEvents,
				MaxRetries: cfg.WebhookRetries,
			})
		}
		d := webhook.NewDispatcher(subs, webhook.Options{Logger: log})
		sinks = append(sinks, d)
		closeFn = func() { _ = d.Close() }
		log.Info().Int("subscribers", len(subs)).Msg("change notifications enabled")
	}
	return sinks, closeFn, nil
}
