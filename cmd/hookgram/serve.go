package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"hookgram/internal/commands"
	"hookgram/internal/delivery"
	"hookgram/internal/guard"
	"hookgram/internal/relay"
	"hookgram/internal/server"
	"hookgram/internal/telegram"
	"hookgram/internal/telemetry"
	"hookgram/internal/worker"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve GitHub and Telegram webhooks (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Info().
		Str("public_base_url", cfg.PublicBaseURL).
		Str("db_driver", cfg.DB.Driver).
		Int("admins", len(cfg.AdminUserIDs)).
		Str("key_id", cfg.Crypto.CurrentKeyID).
		Msg("starting hookgram")

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tel, err := telemetry.Setup(ctx, cfg.Telemetry, version)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to flush telemetry")
		}
	}()

	store, reg, err := openRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	client := telegram.NewClient(telegram.Config{
		APIURL:       cfg.Telegram.APIURL,
		Timeout:      cfg.Telegram.Timeout,
		ShortTimeout: cfg.Telegram.ShortTimeout,
	})
	pipeline := delivery.NewPipeline(delivery.Config{Sender: client, Logger: log.Logger})

	var deliveryLog relay.DeliveryLog
	if cfg.DeliveryLog.Enabled {
		deliveryLog = store
	}
	githubHandler := relay.NewHandler(relay.HandlerConfig{
		Auth: relay.NewAuthenticator(reg),
		Router: relay.NewRouter(relay.RouterConfig{
			Targets:   reg,
			Deliverer: pipeline,
			Logger:    log.Logger,
		}),
		Log:     deliveryLog,
		MaxBody: cfg.HTTP.MaxWebhookBody,
		Logger:  log.Logger,
	})

	commandService := commands.NewService(commands.Config{
		Registry:      reg,
		API:           client,
		Pipeline:      pipeline,
		Redis:         rdb,
		RateLimiter:   guard.NewRateLimiter(rdb, cfg.Commands.RatePerHour),
		Dedupe:        guard.NewUpdateDeduplicator(rdb, cfg.Redis.UpdateTTL),
		PublicBaseURL: cfg.PublicBaseURL,
		PendingTTL:    cfg.Commands.PendingTTL,
		BotNameCache:  cfg.Commands.BotNameCache,
		SetWebhook:    cfg.Commands.SetWebhookURL,
		Logger:        log.Logger,
	})

	httpServer := &http.Server{
		Addr: cfg.HTTP.ListenAddr,
		Handler: server.NewRouter(server.Config{
			GitHub:      githubHandler,
			Telegram:    commandService,
			HealthPath:  cfg.HTTP.HealthPath,
			MetricsPath: cfg.HTTP.MetricsPath,
			Checks: map[string]server.HealthCheck{
				"db":    store.Ping,
				"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			},
			Logger: log.Logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.DeliveryLog.Enabled && cfg.DeliveryLog.Retention > 0 {
		pruner, err := worker.New(worker.Config{
			Store:     store,
			Schedule:  cfg.DeliveryLog.PruneSchedule,
			Retention: cfg.DeliveryLog.Retention,
			Logger:    log.Logger,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := pruner.Start(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("pruner: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
	return nil
}
