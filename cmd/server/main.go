package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tradevault/recon-engine/internal/config"
	"github.com/tradevault/recon-engine/internal/corporate"
	"github.com/tradevault/recon-engine/internal/dedupe"
	"github.com/tradevault/recon-engine/internal/events"
	"github.com/tradevault/recon-engine/internal/importer"
	"github.com/tradevault/recon-engine/internal/metrics"
	"github.com/tradevault/recon-engine/internal/provider"
	"github.com/tradevault/recon-engine/internal/reconcile"
	"github.com/tradevault/recon-engine/internal/store"
	"github.com/tradevault/recon-engine/internal/symbols"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
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

	// --- Market data provider ---
	var prov provider.Provider
	if cfg.ProviderURL != "" {
		prov = provider.NewHTTPProvider(cfg.ProviderURL, cfg.ProviderAPIKey, cfg.ProviderRPS)
		slog.Info("market data provider configured", "url", cfg.ProviderURL)
	} else {
		slog.Warn("PROVIDER_URL not set, symbol lookups and split detection will find nothing")
		prov = provider.NewFake()
	}

	// --- AI inference fallback ---
	var inferrer symbols.Inferrer
	if cfg.GeminiAPIKey != "" {
		inf, err := symbols.NewGeminiInferrer(context.Background(), cfg.GeminiAPIKey)
		if err != nil {
			slog.Error("inference client init failed", "err", err)
			os.Exit(1)
		}
		inferrer = inf
		slog.Info("inference fallback enabled")
	}

	// --- Event hub ---
	hub := events.NewHub()
	go hub.Run()

	// --- Engine components ---
	resolver := symbols.NewResolver(st, prov, inferrer, hub, cfg.ResolverConcurrency)
	adjuster := corporate.NewAdjuster(st, prov, hub, cfg.SplitLookback)
	recon := reconcile.New(cfg.TradeGroupGap)
	detector := dedupe.NewDetector()

	svc := importer.NewService(st, recon, detector, resolver, adjuster, hub, cfg.ImportTimeout)

	// Background workers. Cancelled on shutdown so no new work starts
	// after the HTTP listener drains.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	go svc.RunResolutionWorker(workerCtx)

	sweeper := corporate.NewSweeper(adjuster, cfg.SplitSweepInterval, cfg.SplitSymbolDelay)
	go sweeper.Run(workerCtx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"recon-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for import progress and resolution events.
		r.Get("/ws", hub.HandleWS)

		// Import lifecycle.
		r.Post("/imports", svc.SubmitImport)
		r.Get("/imports/{importID}", svc.GetImport)

		// Reconciled output.
		r.Get("/trades/{userID}", svc.GetTrades)
		r.Get("/positions/{userID}", svc.GetPositions)

		// Symbol resolution.
		r.Post("/symbols/resolve", svc.ResolveSymbols)
		r.Post("/symbols/mappings", svc.SaveMapping)

		// Corporate actions.
		r.Post("/splits/{symbol}/check", svc.CheckSplits)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("recon-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down recon-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("recon-engine stopped")
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
