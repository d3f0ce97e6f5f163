// Command gate starts the abuse-mitigation gate service.
//
// Usage:
//
//	go run ./cmd/gate [flags]
//
// Flags:
//
//	-addr    address to listen on (default: from config, :8080)
//	-config  path to a YAML config file (default: config.yaml)
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luisfsill/abusegate/internal/alert"
	"github.com/luisfsill/abusegate/internal/api"
	"github.com/luisfsill/abusegate/internal/auth"
	"github.com/luisfsill/abusegate/internal/behavior"
	"github.com/luisfsill/abusegate/internal/classify"
	"github.com/luisfsill/abusegate/internal/config"
	"github.com/luisfsill/abusegate/internal/guard"
	"github.com/luisfsill/abusegate/internal/ledger"
	"github.com/luisfsill/abusegate/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "listen address (overrides config)")
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Listen = *addr
	}
	// PaaS platforms inject PORT; it takes precedence.
	if port := os.Getenv("PORT"); port != "" {
		cfg.Listen = ":" + port
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Wire dependencies ─────────────────────────────────────────────────────
	persistent, cleanup, err := openBackend(ctx, cfg)
	if err != nil {
		slog.Error("storage init failed", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}
	defer cleanup()

	notifier := alert.New()
	if cfg.Alerts.PushoverToken != "" {
		notifier.EnablePushover(cfg.Alerts.PushoverToken, cfg.Alerts.PushoverRecipient)
	}

	led := ledger.New(
		storage.NewMirror(persistent, storage.NewMemoryKV()),
		storage.NewCodec(cfg.SecretKey),
		ledger.WithAlertFunc(notifier.NotifyAsync),
	)

	geo, err := classify.OpenGeoResolver(cfg.Classifier.GeoIPPath)
	if err != nil {
		slog.Warn("geoip database not loaded", "path", cfg.Classifier.GeoIPPath, "error", err)
	}
	defer geo.Close()

	classifier := classify.New(classify.Config{
		Weights:         cfg.Classifier.Weights,
		BotThreshold:    cfg.Classifier.BotThreshold,
		BannedCountries: cfg.Classifier.BannedCountries,
	})

	trackers := behavior.NewRegistry(30 * time.Minute)
	policies := cfg.DomainPolicies()

	provider := auth.NewStaticProvider(cfg.SecretKey)
	provider.AddUser("admin@example.com", "admin-password", "admin")

	g := guard.New(led, policies, cfg.Throttle.RPS, cfg.Throttle.Burst)
	handler := api.NewHandler(led, classifier, trackers, notifier, provider, geo, policies)
	router := api.NewRouter(handler, g)

	// Background housekeeping: expired ledger records and idle trackers.
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				led.Sweep(ctx)
				trackers.Sweep()
			}
		}
	}()

	// ── Start HTTP server ─────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("gate listening", "addr", cfg.Listen, "backend", cfg.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("server stopped")
}

// openBackend builds the persistent KV selected by config and returns a
// cleanup function for it.
func openBackend(ctx context.Context, cfg *config.Config) (storage.KV, func(), error) {
	switch cfg.Storage.Backend {
	case "", "memory":
		return storage.NewMemoryKV(), func() {}, nil
	case "file":
		kv, err := storage.NewFileKV(cfg.Storage.FilePath)
		if err != nil {
			return nil, nil, err
		}
		return kv, func() {}, nil
	case "redis":
		kv, err := storage.NewRedisKV(ctx, cfg.Storage.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return kv, func() { _ = kv.Close() }, nil
	default:
		return nil, nil, errors.New("unknown storage backend: " + cfg.Storage.Backend)
	}
}
