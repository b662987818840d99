package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/permitd/permitd/pkg/api"
	"github.com/permitd/permitd/pkg/apps"
	"github.com/permitd/permitd/pkg/auth"
	"github.com/permitd/permitd/pkg/authz"
	"github.com/permitd/permitd/pkg/config"
	"github.com/permitd/permitd/pkg/credentials"
	"github.com/permitd/permitd/pkg/grants"
	"github.com/permitd/permitd/pkg/groups"
	"github.com/permitd/permitd/pkg/jobs"
	"github.com/permitd/permitd/pkg/middleware"
	"github.com/permitd/permitd/pkg/observability"
	"github.com/permitd/permitd/pkg/storage"
	"github.com/permitd/permitd/pkg/topics"
	"github.com/permitd/permitd/pkg/users"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	db, err := storage.Connect(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := storage.RunMigrations(ctx, db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	authority, err := credentials.EnsureAuthority(ctx, db)
	if err != nil {
		log.Fatalf("Failed to bootstrap domain authority: %v", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			// The limiter fails open, so a missing redis only costs protection.
			logger.WithError(err).Warn("redis unreachable, login rate limiting degraded")
		}
	}

	var oidcAuth *auth.OIDCAuthenticator
	if cfg.Auth.OIDCIssuerURL != "" {
		oidcAuth, err = auth.NewOIDCAuthenticator(ctx, auth.OIDCConfig{
			IssuerURL:    cfg.Auth.OIDCIssuerURL,
			ClientID:     cfg.Auth.OIDCClientID,
			ClientSecret: cfg.Auth.OIDCClientSecret,
			RedirectURL:  cfg.Auth.OIDCRedirectURL,
		})
		if err != nil {
			log.Fatalf("Failed to configure OIDC provider: %v", err)
		}
	}

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(nil)
	}

	engine := authz.NewEngine()
	credSvc := credentials.NewService(db, engine, authority, cfg.Credentials.BindTokenTTL)

	server := api.NewServer(api.Services{
		Groups:       groups.NewPostgresService(db, engine),
		Users:        users.NewPostgresService(db, engine),
		Topics:       topics.NewPostgresService(db, engine),
		Applications: apps.NewPostgresService(db, engine),
		Grants:       grants.NewPostgresService(db, engine),
		Credentials:  credSvc,
	}, api.Options{
		Sessions: auth.NewSessionManager([]byte(cfg.Auth.SessionSecret), cfg.Auth.SessionTTL),
		OIDC:     oidcAuth,
		RateLimiter: middleware.NewLoginRateLimiter(redisClient, middleware.LoginRateLimitConfig{
			Attempts: cfg.Redis.LoginAttempts,
			Window:   cfg.Redis.LoginWindow,
		}),
		Logger:        logger,
		Metrics:       metrics,
		Health:        observability.NewHealthChecker(db, redisClient),
		SessionTTL:    cfg.Auth.SessionTTL,
		SecureCookies: cfg.Server.SecureCookies,
	})

	sweeper := jobs.NewSweeper(db, logger)
	if err := sweeper.Start(cfg.Credentials.SweepSchedule); err != nil {
		log.Fatalf("Failed to start bind token sweeper: %v", err)
	}
	defer sweeper.Stop()

	httpServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", httpServer.Addr).Info("permitd listening")
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	case sig := <-stop:
		logger.WithField("signal", sig.String()).Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("graceful shutdown failed")
		}
	}
}
