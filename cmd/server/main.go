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

	"github.com/sirupsen/logrus"

	"khatpos/internal/cache"
	"khatpos/internal/config"
	"khatpos/internal/httpapi"
	"khatpos/internal/service"
	"khatpos/internal/store"
	"khatpos/internal/store/memory"
	pgstore "khatpos/internal/store/postgres"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		logrus.Fatalf("invalid configuration: %v", err)
	}
	logger := config.Logger(cfg.LogLevel)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Authority
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		repo = pg
		closers = append(closers, pg.Close)
		if cfg.SeedCatalog {
			seeded, err := pg.SeedIfEmpty(ctx, memory.SeedProducts(), memory.SeedCustomers())
			if err != nil {
				logger.Fatalf("seed catalog: %v", err)
			}
			if seeded {
				logger.Info("seeded empty catalog")
			}
		}
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	balances := cache.BalanceCache(cache.NewMemoryBalanceCache())
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisBalanceCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.WithError(err).Warn("redis unavailable, using in-process balance cache")
		} else {
			balances = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("balance cache: redis")
		}
	} else {
		logger.Info("balance cache: in-process")
	}

	svc := service.New(repo, service.Options{
		Balances:   balances,
		BalanceTTL: cfg.BalanceTTL,
		Logger:     logger,
	})
	auth, err := httpapi.NewAuthManager(ctx, cfg.AuthSecret, cfg.TokenTTL, repo)
	if err != nil {
		logger.Fatalf("auth: %v", err)
	}
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Infof("authority listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.WithError(err).Warn("close error")
		}
	}

	logger.Info("server stopped")
}

func validateSecurityConfig(cfg config.Server) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.TokenTTL > 24*time.Hour {
		return fmt.Errorf("TOKEN_TTL must not exceed 24h")
	}
	return nil
}
