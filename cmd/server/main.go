package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"jimas/backend/internal/cache"
	"jimas/backend/internal/config"
	"jimas/backend/internal/domain"
	"jimas/backend/internal/httpapi"
	"jimas/backend/internal/lock"
	"jimas/backend/internal/service"
	"jimas/backend/internal/store"
	"jimas/backend/internal/store/memory"
	pgstore "jimas/backend/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid security configuration", slog.Any("error", err))
		os.Exit(1)
	}
	decimal.MarshalJSONWithoutQuotes = true

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		if err := pgstore.Migrate(ctx, cfg.DatabaseURL, logger); err != nil {
			logger.Error("database migrations failed", slog.Any("error", err))
			os.Exit(1)
		}
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", slog.Any("error", err))
			os.Exit(1)
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")

		if err := seedAdmin(ctx, pg, cfg, logger); err != nil {
			logger.Error("seed admin user", slog.Any("error", err))
			os.Exit(1)
		}
	} else {
		repo = memory.NewSeeded()
		logger.Warn("repository: in-memory, data is lost on restart")
	}

	opts := service.Options{
		Locker:       lock.NewLocal(),
		Statements:   cache.NoopStatementCache{},
		StatementTTL: cfg.StatementCacheTTL,
		Logger:       logger,
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, using local lock and no statement cache", slog.Any("error", err))
			_ = client.Close()
		} else {
			opts.Locker = lock.NewRedis(client, cfg.LockTTL, 0, logger)
			opts.Statements = cache.NewRedisStatementCache(client)
			closers = append(closers, client.Close)
			logger.Info("lock and statement cache: redis")
		}
	} else {
		logger.Info("lock: local, statement cache: noop")
	}

	svc := service.New(repo, opts)
	auth := httpapi.NewAuthManager(cfg.JWTSecret, cfg.TokenTTL, repo, logger)
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Production:    cfg.IsProduction(),
		Logger:        logger,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("ledger backend listening", slog.String("addr", cfg.Address()), slog.String("env", cfg.AppEnv))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.Any("error", err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", slog.Any("error", err))
		}
	}

	logger.Info("server stopped")
}

// seedAdmin creates the first admin account on an empty user table.
func seedAdmin(ctx context.Context, users httpapi.UserStore, cfg config.Config, logger *slog.Logger) error {
	existing, err := users.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	if strings.TrimSpace(cfg.SeedAdminPassword) == "" {
		logger.Warn("no users exist; set SEED_ADMIN_PASSWORD to create the first admin")
		return nil
	}
	if len(cfg.SeedAdminPassword) < 8 {
		return fmt.Errorf("SEED_ADMIN_PASSWORD must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.SeedAdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	err = users.CreateUser(ctx, domain.UserAccount{
		Email:     strings.ToLower(strings.TrimSpace(cfg.SeedAdminEmail)),
		Name:      "Admin",
		Password:  string(hash),
		Role:      domain.RoleAdmin,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	logger.Info("seeded admin user", slog.String("email", cfg.SeedAdminEmail))
	return nil
}
