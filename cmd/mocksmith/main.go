// Command mocksmith runs the mock API server: the authentication
// subsystem plus the generic JSON resource data plane, configured from
// a TOML file with environment variable overrides.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/time/rate"

	"github.com/mocksmith/mocksmith"
	"github.com/mocksmith/mocksmith/instrumentation"
	"github.com/mocksmith/mocksmith/providers"
	"github.com/mocksmith/mocksmith/providers/github"
	"github.com/mocksmith/mocksmith/resources"
	"github.com/mocksmith/mocksmith/security"
	"github.com/mocksmith/mocksmith/server"
	"github.com/mocksmith/mocksmith/storage"
	"github.com/mocksmith/mocksmith/storage/file"
	"github.com/mocksmith/mocksmith/storage/memory"
	"github.com/mocksmith/mocksmith/storage/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mocksmith:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to TOML config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	users, sessions, challenges, closeStores, err := buildStores(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	registry := providers.NewRegistry()
	gh := github.NewProvider(&github.Config{
		ClientID:     cfg.Providers.GitHub.ClientID,
		ClientSecret: cfg.Providers.GitHub.ClientSecret,
		RedirectURL:  cfg.Providers.GitHub.RedirectURL,
	})
	registry.Register(gh)
	if !gh.Configured() {
		logger.Warn("GitHub provider credentials missing; federated login will fail until configured")
	}

	srv, err := server.New(users, sessions, challenges, registry, &server.Config{
		SessionTTL:         cfg.Auth.SessionTTL.Std(),
		ChallengeTTL:       cfg.Auth.ChallengeTTL.Std(),
		OTPLength:          cfg.Auth.OTPLength,
		BcryptCost:         cfg.Auth.BcryptCost,
		RequireMFAForOAuth: cfg.Auth.RequireMFAForOAuth,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to build auth server: %w", err)
	}

	srv.SetAuditor(security.NewAuditor(logger, cfg.Security.EnableAuditLogging))

	otpLimiter := security.NewRateLimiter(rate.Limit(cfg.RateLimit.OTPRate), cfg.RateLimit.OTPBurst, logger)
	defer otpLimiter.Stop()
	srv.SetOTPRateLimiter(otpLimiter)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:  cfg.Instrumentation.ServiceName,
		Enabled:      cfg.Instrumentation.Enabled,
		LogClientIPs: cfg.Instrumentation.LogClientIPs,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(ctx); err != nil {
			logger.Error("Instrumentation shutdown failed", "error", err)
		}
	}()
	srv.SetInstrumentation(inst)
	if err := inst.RegisterStorageSizeCallbacks(nil, func() int64 {
		n, err := sessions.Len(context.Background())
		if err != nil {
			return 0
		}
		return int64(n)
	}, nil); err != nil {
		logger.Warn("Failed to register storage gauges", "error", err)
	}

	resourceStore, err := resources.New(cfg.Server.DataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to load resources: %w", err)
	}
	logger.Info("Resources ready", "resources", resourceStore.Resources())

	handler := mocksmith.NewHandler(srv, resourceStore, cfg, logger)
	handler.SetInstrumentation(inst)

	ipLimiter := security.NewRateLimiter(rate.Limit(cfg.RateLimit.Rate), cfg.RateLimit.Burst, logger)
	defer ipLimiter.Stop()
	handler.SetIPRateLimiter(ipLimiter)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Mock API server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func loadConfig(path string) (*mocksmith.Config, error) {
	cfg := &mocksmith.Config{}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config %q: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets secrets stay out of the config file.
func applyEnvOverrides(cfg *mocksmith.Config) {
	if v := os.Getenv("MOCKSMITH_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("MOCKSMITH_DATA_DIR"); v != "" {
		cfg.Server.DataDir = v
	}
	if v := os.Getenv("MOCKSMITH_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("MOCKSMITH_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("MOCKSMITH_ENCRYPTION_KEY"); v != "" {
		cfg.Security.EncryptionKey = v
	}
	if v := os.Getenv("MOCKSMITH_GITHUB_CLIENT_ID"); v != "" {
		cfg.Providers.GitHub.ClientID = v
	}
	if v := os.Getenv("MOCKSMITH_GITHUB_CLIENT_SECRET"); v != "" {
		cfg.Providers.GitHub.ClientSecret = v
	}
	if v := os.Getenv("MOCKSMITH_GITHUB_REDIRECT_URL"); v != "" {
		cfg.Providers.GitHub.RedirectURL = v
	}
}

// buildStores constructs the configured backend. The same store value
// backs users, sessions, and challenges for every backend, so the three
// return values alias one object; they are separate so callers wire
// interfaces, not concrete types.
func buildStores(cfg *mocksmith.Config, logger *slog.Logger) (storage.UserStore, storage.SessionStore, storage.ChallengeStore, func(), error) {
	switch cfg.Storage.Backend {
	case "memory":
		st := memory.New()
		return st, st, st, st.Stop, nil

	case "file":
		var encryptor *security.Encryptor
		if cfg.Security.EncryptionKey != "" {
			key, err := security.KeyFromBase64(cfg.Security.EncryptionKey)
			if err != nil {
				return nil, nil, nil, nil, fmt.Errorf("invalid encryption key: %w", err)
			}
			encryptor, err = security.NewEncryptor(key)
			if err != nil {
				return nil, nil, nil, nil, fmt.Errorf("failed to build encryptor: %w", err)
			}
		}
		st, err := file.New(cfg.Storage.Path, &file.Options{
			Encryptor: encryptor,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to open file store: %w", err)
		}
		return st, st, st, st.Stop, nil

	case "sqlite":
		st, err := sqlite.New(cfg.Storage.Path, &sqlite.Options{Logger: logger})
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		closeFn := func() {
			if err := st.Close(); err != nil {
				logger.Error("Failed to close sqlite store", "error", err)
			}
		}
		return st, st, st, closeFn, nil

	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
