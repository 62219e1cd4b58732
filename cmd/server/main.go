package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"github.com/Lynn-Wanjiru/trafficalertsystem/internal/config"
	"github.com/Lynn-Wanjiru/trafficalertsystem/internal/crypto"
	"github.com/Lynn-Wanjiru/trafficalertsystem/internal/db"
	internalhttp "github.com/Lynn-Wanjiru/trafficalertsystem/internal/http"
	"github.com/Lynn-Wanjiru/trafficalertsystem/internal/model"
	"github.com/Lynn-Wanjiru/trafficalertsystem/internal/repository"
	"github.com/Lynn-Wanjiru/trafficalertsystem/internal/session"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connection failed: %v", err)
	}
	defer pool.Close()

	store := repository.NewStore(pool)

	var sessions session.Store
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping failed: %v", err)
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}()
		sessions = session.NewRedisStore(redisClient, cfg.SessionTTL)
	} else {
		log.Printf("REDIS_ADDR not set, sessions held in memory")
		sessions = session.NewMemoryStore(cfg.SessionTTL)
	}

	if err := seedAdmin(ctx, store, cfg); err != nil {
		log.Fatalf("admin seed failed: %v", err)
	}

	server := internalhttp.NewServer(cfg, store, sessions)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("trafficalert listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// seedAdmin provisions the well-known admin account from config. Login has
// no special-case admin branch; the admin is just a directory record.
func seedAdmin(ctx context.Context, store *repository.Store, cfg config.Config) error {
	email := strings.TrimSpace(strings.ToLower(cfg.AdminEmail))
	if email == "" || cfg.AdminPassword == "" {
		log.Printf("admin credentials not configured, skipping seed")
		return nil
	}

	if _, err := store.GetUserByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	hash, err := crypto.HashPassword(cfg.AdminPassword)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	admin := model.User{
		ID:           uuid.NewString(),
		FullName:     cfg.AdminName,
		Email:        &email,
		PasswordHash: hash,
		Role:         model.RoleAdmin,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := store.CreateUser(ctx, admin); err != nil {
		return err
	}
	log.Printf("admin user %s created", email)
	return nil
}
