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

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/oversight-labs/phasegate/pkg/api"
	"github.com/oversight-labs/phasegate/pkg/audit"
	"github.com/oversight-labs/phasegate/pkg/authz"
	"github.com/oversight-labs/phasegate/pkg/config"
	"github.com/oversight-labs/phasegate/pkg/lifecycle"
	"github.com/oversight-labs/phasegate/pkg/metadata"
	"github.com/oversight-labs/phasegate/pkg/notify"
	"github.com/oversight-labs/phasegate/pkg/observability"
	"github.com/oversight-labs/phasegate/pkg/sla"
	"github.com/oversight-labs/phasegate/pkg/workflow"
)

const idempotencyTTL = 24 * time.Hour

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the workflow HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, st, chain, err := openStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	var auditor audit.Logger = chain
	if cfg.Audit.File != "" {
		f, err := os.OpenFile(cfg.Audit.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open audit file: %w", err)
		}
		defer f.Close()
		auditor = audit.Multi(chain, audit.NewWriterLogger(f))
		logger.Info("audit: mirroring entries", "file", cfg.Audit.File)
	}

	var notifier notify.Notifier = notify.NewLogNotifier(logger)
	if cfg.NATS.URL != "" {
		conn, err := nats.Connect(cfg.NATS.URL,
			nats.Name("phasegate"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer conn.Close()
		notifier = notify.NewNATSNotifier(conn)
		logger.Info("notify: publishing to nats", "url", cfg.NATS.URL)
	}
	notifier = notify.NewBestEffort(notifier, logger)

	perms := authz.NewStaticSource()
	for _, user := range cfg.Authz.Advancers {
		perms.Grant(user, authz.PermAdvance)
	}
	for _, user := range cfg.Authz.Overriders {
		perms.Grant(user, authz.PermAdvance, authz.PermOverride)
	}

	validator, err := metadata.NewValidator()
	if err != nil {
		return fmt.Errorf("metadata validator: %w", err)
	}

	engine := lifecycle.NewEngine(st).
		WithAuthorizer(perms).
		WithAudit(auditor).
		WithMetadataValidator(validator).
		WithLogger(logger)

	if cfg.Guards.File != "" {
		guards, err := lifecycle.LoadGuardFile(cfg.Guards.File)
		if err != nil {
			return fmt.Errorf("load guards: %w", err)
		}
		engine = engine.WithGuards(guards)
		logger.Info("lifecycle: completion guards loaded", "file", cfg.Guards.File)
	}

	policies, fileSource, err := loadPolicySource(cfg, logger)
	if err != nil {
		return err
	}
	if fileSource != nil {
		if err := fileSource.Watch(ctx); err != nil {
			return fmt.Errorf("watch sla policies: %w", err)
		}
	}
	tracker := sla.NewTracker(st, policies).WithLogger(logger)

	coordinator := workflow.NewCoordinator(st, engine).
		WithAuthorizer(perms).
		WithTracker(tracker).
		WithNotifier(notifier).
		WithAudit(auditor).
		WithLogger(logger)

	scanner := sla.NewScanner(tracker).
		WithNotifier(notifier).
		WithAudit(auditor).
		WithLogger(logger).
		WithInterval(cfg.SLA.ScanInterval)
	go func() {
		if err := scanner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("sla: scanner stopped", "error", err)
		}
	}()

	provider, err := observability.New(ctx, &observability.Config{
		ServiceName:      "phasegate",
		ServiceVersion:   version,
		Environment:      cfg.Telemetry.Environment,
		OTLPEndpoint:     cfg.Telemetry.OTLPEndpoint,
		SampleRate:       cfg.Telemetry.SampleRate,
		BatchTimeout:     5 * time.Second,
		Enabled:          cfg.Telemetry.Enabled,
		Insecure:         cfg.Telemetry.Insecure,
		EnablePrometheus: cfg.Telemetry.EnablePrometheus,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry: shutdown", "error", err)
		}
	}()

	server := api.NewServer(coordinator, engine, st).
		WithTracker(tracker).
		WithChain(chain).
		WithProvider(provider).
		WithLogger(logger)

	mux := http.NewServeMux()
	server.RegisterRoutes(mux)

	var limiter api.ClientLimiter
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		limiter = api.NewRedisLimiter(client, cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		logger.Info("api: distributed rate limiting", "url", cfg.Redis.URL)
	} else {
		limiter = api.NewLocalLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}

	idem := api.NewSQLIdempotencyStore(db, idempotencyTTL)
	if err := idem.Init(ctx); err != nil {
		return fmt.Errorf("init idempotency store: %w", err)
	}

	handler := api.Chain(mux,
		api.RequestIDMiddleware,
		api.LoggingMiddleware(logger),
		api.RateLimitMiddleware(limiter, logger),
		api.IdempotencyMiddleware(idem, logger),
	)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api: listening", "addr", cfg.Server.Addr, "lite_mode", cfg.Database.LiteMode())
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	logger.Info("api: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
