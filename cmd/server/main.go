package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/thawlabs/staking-engine/internal/api"
	"github.com/thawlabs/staking-engine/internal/backend"
	"github.com/thawlabs/staking-engine/internal/lending"
	"github.com/thawlabs/staking-engine/internal/leverage"
	"github.com/thawlabs/staking-engine/internal/metrics"
	"github.com/thawlabs/staking-engine/internal/staking"
	"github.com/thawlabs/staking-engine/internal/store"
	"github.com/thawlabs/staking-engine/internal/stream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	admin := os.Getenv("ADMIN_ACCOUNT")
	if admin == "" {
		admin = "admin"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(context.Background()); err != nil {
			slog.Error("migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Staking backend ---
	// The simulated validator backend. A production deployment swaps in a
	// client for the real delegation endpoint.
	be := backend.NewSim()

	// --- WebSocket hub ---
	hub := stream.NewHub()
	go hub.Run()

	// --- Services ---
	// One engine-wide mutex: the leverage orchestrator mutates both pools,
	// so all three services serialize on the same lock.
	var mu sync.Mutex
	stakingLedger := staking.NewLedger(st, be, &mu, hub, admin)
	lendingLedger := lending.NewLedger(st, stakingLedger, &mu, hub)
	orchestrator := leverage.NewOrchestrator(st, be, &mu, hub)

	// Optional periodic compounding. COMPOUND_INTERVAL accepts a Go
	// duration string, e.g. "1h".
	if interval := os.Getenv("COMPOUND_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			slog.Error("invalid COMPOUND_INTERVAL", "err", err)
			os.Exit(1)
		}
		go func() {
			ticker := time.NewTicker(d)
			defer ticker.Stop()
			for range ticker.C {
				if _, err := stakingLedger.Compound(context.Background()); err != nil {
					slog.Error("scheduled compound failed", "err", err)
				}
			}
		}()
		slog.Info("periodic compounding enabled", "interval", d)
	}

	server := api.NewServer(st, stakingLedger, lendingLedger, orchestrator, hub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"staking-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", server.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("staking-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down staking-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("staking-engine stopped")
}
