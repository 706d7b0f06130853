// Command slotkeeper keeps a platform admin session alive and serves slot
// discovery and reservation endpoints over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	"github.com/ericfisherdev/slotkeeper/internal/adapter/driven/browser"
	"github.com/ericfisherdev/slotkeeper/internal/adapter/driven/platform"
	"github.com/ericfisherdev/slotkeeper/internal/adapter/driven/redisstore"
	sqliteadapter "github.com/ericfisherdev/slotkeeper/internal/adapter/driven/sqlite"
	httphandler "github.com/ericfisherdev/slotkeeper/internal/adapter/driving/http"
	"github.com/ericfisherdev/slotkeeper/internal/application"
	"github.com/ericfisherdev/slotkeeper/internal/config"
	"github.com/ericfisherdev/slotkeeper/internal/domain/model"
	"github.com/ericfisherdev/slotkeeper/internal/domain/port/driven"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on invalid env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"token_backend", cfg.TokenBackend,
		"environment", cfg.Environment,
		"facility_id", cfg.FacilityID,
		"platform", cfg.PlatformBaseURL,
		"account_configured", cfg.HasAccountCredentials(),
		"encryption_configured", cfg.SecretKey != nil,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open the token store.
	store, storeProbe, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := closeStore(); closeErr != nil {
			slog.Error("error closing token store", "error", closeErr)
		}
	}()

	// 4. Wire driven adapters.
	location := cfg.Location()
	platformCfg := platform.Config{
		BaseURL:    cfg.PlatformBaseURL,
		FacilityID: cfg.FacilityID,
		Timeout:    cfg.RequestTimeout,
	}
	queries := platform.NewClient(platformCfg, logger)
	driver := browser.NewDriver(cfg.BrowserDriverURL, browser.DefaultTimeout, logger)

	// 5. Create the session credential manager.
	sessions := application.NewCredentialService(store, driver, application.CredentialConfig{
		Identity: model.CredentialIdentity{
			AccountID:   cfg.AccountUsername,
			Environment: cfg.Environment,
			FacilityID:  cfg.FacilityID,
		},
		Account: model.AccountCredentials{
			Username: cfg.AccountUsername,
			Password: cfg.AccountPassword,
		},
		LoginURL:     cfg.LoginURL,
		BufferWindow: cfg.BufferWindow,
	}, application.WithCredentialLogger(logger))

	authClient, err := platform.NewAuthClient(platformCfg, sessions, location, logger)
	if err != nil {
		return err
	}

	// 6. Create application services.
	scheduler := application.NewRefreshScheduler(sessions, application.SchedulerConfig{
		Interval:         cfg.RefreshInterval,
		RetryDelay:       cfg.RetryDelay,
		RetryJitter:      cfg.RetryJitter,
		FailureWindow:    cfg.FailureWindow,
		FailureThreshold: cfg.FailureThreshold,
	}, application.WithSchedulerLogger(logger))

	finder := application.NewSlotFinder(queries, application.SlotFinderConfig{
		MaxMonths:  cfg.SlotMaxMonths,
		MaxRetries: maxRetries(cfg.SlotMaxRetries),
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
		Location:   location,
	}, application.WithFinderLogger(logger))

	booking := application.NewBookingService(authClient, logger)
	tokens := application.NewTokenService(store, cfg.CleanupGrace, time.Now, logger)

	// 7. Start background work.
	if cfg.SchedulerAutostart {
		if err := scheduler.Start(ctx); err != nil {
			// The API stays up; the scheduler can be started over HTTP.
			slog.Error("refresh scheduler did not start", "error", err)
		}
	}
	defer scheduler.Stop()

	cleanup, err := application.NewCleanupJob(tokens, cfg.CleanupSchedule, logger)
	if err != nil {
		return err
	}
	cleanup.Start()
	slog.Info("token cleanup scheduled", "schedule", cfg.CleanupSchedule, "next_run", cleanup.NextRun())

	// 8. Create HTTP handler.
	apiHandler := httphandler.NewHandler(httphandler.Services{
		Finder:    finder,
		Booker:    booking,
		Sessions:  sessions,
		Scheduler: scheduler,
		Tokens:    tokens,
		Location:  location,
		Probes: []httphandler.Probe{
			{Name: "platform", Check: breakerProbe(queries)},
			{Name: "store", Check: storeProbe},
		},
	}, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httphandler.NewServeMux(apiHandler, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Slot searches and interactive logins can run for minutes.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "error", err)
			stop()
		}
	}()

	slog.Info("slotkeeper started", "listen_addr", cfg.ListenAddr)

	// 9. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 10. Graceful shutdown with a 10s drain.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	cleanup.Stop(shutdownCtx)

	slog.Info("shutdown complete")
	return nil
}

// openStore opens the configured token store backend and returns it with a
// health probe and a close function.
func openStore(ctx context.Context, cfg *config.Config) (driven.CredentialStore, func(context.Context) (string, error), func() error, error) {
	switch cfg.TokenBackend {
	case config.BackendRedis:
		client, err := redisstore.Open(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, err
		}
		store, err := redisstore.New(client, cfg.SecretKey)
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		slog.Info("redis token store opened")

		probe := func(ctx context.Context) (string, error) {
			if err := client.Ping(ctx).Err(); err != nil {
				return "", fmt.Errorf("redis ping: %w", err)
			}
			return "redis ok", nil
		}
		return store, probe, client.Close, nil

	default:
		db, err := sqliteadapter.NewDB(ctx, cfg.DBPath)
		if err != nil {
			return nil, nil, nil, err
		}
		slog.Info("database opened", "path", cfg.DBPath)

		if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		slog.Info("migrations complete")

		store, err := sqliteadapter.NewCredentialRepo(db, cfg.SecretKey)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}

		probe := func(ctx context.Context) (string, error) {
			if err := db.Reader.PingContext(ctx); err != nil {
				return "", fmt.Errorf("sqlite ping: %w", err)
			}
			version, dirty, err := sqliteadapter.SchemaVersion(db.Writer)
			if err != nil {
				return "", err
			}
			if dirty {
				return "", fmt.Errorf("schema v%d is dirty", version)
			}
			return fmt.Sprintf("sqlite schema v%d", version), nil
		}
		return store, probe, db.Close, nil
	}
}

func breakerProbe(c *platform.Client) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		state := c.BreakerState()
		if state == "open" {
			return "", errors.New("platform circuit breaker open")
		}
		return "breaker " + state, nil
	}
}

// maxRetries maps the configured 0 to "no retries", since the finder reads
// 0 as "use the default".
func maxRetries(n int) int {
	if n == 0 {
		return model.NoRetries
	}
	return n
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
