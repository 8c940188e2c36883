package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/chatlink/chatlink/internal/api"
	"github.com/chatlink/chatlink/internal/app"
	iauth "github.com/chatlink/chatlink/internal/auth"
	"github.com/chatlink/chatlink/internal/delivery"
	"github.com/chatlink/chatlink/internal/handlers"
	"github.com/chatlink/chatlink/internal/mailbox"
	"github.com/chatlink/chatlink/internal/presence"
	"github.com/chatlink/chatlink/internal/relay"
	"github.com/chatlink/chatlink/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chatlink-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	cfg.Auth.JWTSecret = strings.TrimSpace(cfg.Auth.JWTSecret)
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret must be configured")
	}

	jwtService, err := iauth.NewJWTService(iauth.JWTConfig{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.JWTIssuer,
		TokenTTL: cfg.Auth.TokenTTL,
	})
	if err != nil {
		return fmt.Errorf("initialise jwt service: %w", err)
	}

	registry := presence.NewRegistry(cfg.Presence.DisconnectGrace)
	boxes := mailbox.NewStore()
	deliverySvc := delivery.NewService(registry, boxes, delivery.Config{
		AckTimeout:         cfg.Delivery.AckTimeout,
		RedeliverEnabled:   cfg.Delivery.Redeliver.Enabled,
		MaxRedeliveries:    cfg.Delivery.Redeliver.MaxAttempts,
		RedeliveryInterval: cfg.Delivery.Redeliver.Interval,
	})
	gateway := relay.NewGateway(registry, deliverySvc, boxes)

	sweeper := presence.NewSweeper(registry, cfg.Presence.SweepInterval, cfg.Presence.StaleThreshold)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start presence sweeper: %w", err)
	}
	defer sweeper.Stop()

	router := api.NewRouter(api.Deps{
		Config:  cfg,
		Gateway: gateway,
		JWT:     jwtService,
		Health:  handlers.NewHealthHandler(registry, boxes, deliverySvc),
		Auth:    handlers.NewAuthHandler(jwtService),
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("relay listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs error
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = multierr.Append(errs, fmt.Errorf("graceful shutdown: %w", err))
	}
	if err, ok := <-serverErr; ok && err != nil {
		errs = multierr.Append(errs, fmt.Errorf("server error: %w", err))
	}
	if errs != nil {
		return errs
	}

	log.Info("server stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}
