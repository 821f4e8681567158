package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kasirinaja/backoffice/internal/config"
	"kasirinaja/backoffice/internal/httpapi"
	"kasirinaja/backoffice/internal/lock"
	"kasirinaja/backoffice/internal/service"
	"kasirinaja/backoffice/internal/store"
	"kasirinaja/backoffice/internal/store/memory"
	pgstore "kasirinaja/backoffice/internal/store/postgres"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if cfg.DatabaseMigrate {
			if err := pg.Migrate(ctx); err != nil {
				logger.Fatal("schema migration failed", zap.Error(err))
			}
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository ready", zap.String("backend", "postgres"))
	} else {
		repo = memory.New()
		logger.Info("repository ready", zap.String("backend", "memory"))
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisAddr != "" {
		redisLocker := lock.NewRedisLocker(lock.RedisOptions{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			TTL:        cfg.LockTTL,
			Retries:    cfg.LockRetries,
			RetryDelay: cfg.LockRetryDelay,
		}, logger)
		if err := redisLocker.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using in-process locks", zap.Error(err))
			_ = redisLocker.Close()
		} else {
			locker = redisLocker
			closers = append(closers, redisLocker.Close)
			logger.Info("locker ready", zap.String("backend", "redis"))
		}
	} else {
		logger.Info("locker ready", zap.String("backend", "local"))
	}

	svc := service.New(repo, locker, logger)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN)
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
		logger.Info("back office listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

func newLogger(level string, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else if format != "json" {
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zcfg.Build()
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects common, repeated-digit and sequential PINs.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "121212": true,
		"112233": true, "123123": true, "696969": true, "159753": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
		}
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}
	return nil
}
