package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/sungwon/email-service/internal/api"
	"github.com/sungwon/email-service/internal/broker"
	"github.com/sungwon/email-service/internal/config"
	"github.com/sungwon/email-service/internal/consumer"
	"github.com/sungwon/email-service/internal/dedup"
	"github.com/sungwon/email-service/internal/delivery"
	"github.com/sungwon/email-service/internal/logger"
	"github.com/sungwon/email-service/internal/mailer"
	"github.com/sungwon/email-service/internal/templates"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "email-service: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	opts := config.DefaultOptions()
	opts.ConfigFile = os.Getenv("EMAIL_CONFIG_FILE")
	cfg, err := config.Load(opts)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Initialize logger
	log := logger.NewFromConfig(cfg.Logging).With().
		Str("service", cfg.Service.Name).
		Str("environment", cfg.Service.Environment).
		Logger()
	log.Info().Str("version", cfg.Service.Version).Msg("starting email service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	renderer, err := templates.NewFromDir(cfg.Templates.Dir)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	sender, err := mailer.New(cfg.Mail, log)
	if err != nil {
		return fmt.Errorf("create mailer: %w", err)
	}
	log.Info().Str("driver", sender.Name()).Msg("mailer initialized")

	svc := delivery.NewService(renderer, sender, log)

	guard, closeGuard, err := openGuard(ctx, cfg.Dedup, log)
	if err != nil {
		return err
	}
	defer closeGuard()

	// Connect to the broker; the service does not start without it.
	mgr := broker.New(cfg.Broker, log)
	if !mgr.Connect(ctx, cfg.Broker.ConnectionRetries, cfg.Broker.RetryDelay) {
		return errors.New("failed to connect to broker")
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			log.Error().Err(err).Msg("broker close failed")
		}
	}()

	handler := consumer.NewHandler(svc, guard, log)
	if err := mgr.Subscribe(broker.ChannelEmail, handler.Handle, cfg.Broker.RoutingKey); err != nil {
		return fmt.Errorf("subscribe %s: %w", cfg.Broker.RoutingKey, err)
	}
	log.Info().
		Str("exchange", broker.ChannelEmail.Exchange()).
		Str("routing_key", cfg.Broker.RoutingKey).
		Msg("consuming email tasks")

	fatal := make(chan error, 2)
	go func() {
		if err := mgr.Supervise(ctx); err != nil {
			fatal <- err
		}
	}()

	router := api.NewRouter(api.RouterConfig{
		Service:  cfg.Service.Name,
		Prefix:   cfg.API.Prefix,
		Delivery: svc,
		Broker:   mgr,
		Logger:   log,
	})

	// Configure HTTP server
	addr := cfg.API.Addr()
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("API server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-fatal:
		log.Error().Err(runErr).Msg("service failure, shutting down")
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
	return runErr
}

// openGuard connects the redelivery guard when enabled. The returned close
// function is always safe to call.
func openGuard(ctx context.Context, cfg dedup.Config, log zerolog.Logger) (dedup.Store, func(), error) {
	if !cfg.Enabled {
		return dedup.Noop{}, func() {}, nil
	}

	store, err := dedup.Open(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open dedup store: %w", err)
	}
	log.Info().Str("addr", cfg.RedisAddr).Dur("ttl", cfg.TTL).Msg("redelivery guard enabled")

	return store, func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("dedup store close failed")
		}
	}, nil
}
