package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/opex/trading-engine/internal/config"
	"github.com/opex/trading-engine/internal/engine"
	"github.com/opex/trading-engine/internal/ledger"
	"github.com/opex/trading-engine/internal/metrics"
	"github.com/opex/trading-engine/internal/snapshot"
	"github.com/opex/trading-engine/internal/stream"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Command and response streams ---
	if cfg.RedisURL == "" {
		slog.Error("REDIS_URL not set, cannot reach the command log")
		os.Exit(1)
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "err", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	commandLog := stream.NewRedisLog(rdb, cfg.CommandStream, cfg.Group, cfg.Consumer)
	responses := stream.NewRedisPublisher(rdb, cfg.ResponseStream)
	notifier := stream.NewRedisNotifier(rdb)

	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Trade ledger ---
	var trades ledger.Writer
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if err := ledger.CreateSchema(ctx, pool); err != nil {
			slog.Error("ledger schema setup failed", "err", err)
			os.Exit(1)
		}
		trades = ledger.NewPostgresWriter(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory ledger (trades will not persist)")
		trades = ledger.NewMemoryWriter()
	}

	// --- Snapshot store ---
	var snapshots snapshot.Store
	if cfg.MongoURL != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURL))
		if err != nil {
			slog.Error("mongodb connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Disconnect(ctx)
		})
		snapshots = snapshot.NewMongoStore(client, cfg.MongoDatabase, cfg.MongoCollection)
		slog.Info("connected to MongoDB")
	} else {
		slog.Warn("MONGO_URL not set, using in-memory snapshots (recovery disabled)")
		snapshots = snapshot.NewMemoryStore()
	}

	// --- Ops endpoints ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"trading-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		slog.Info("ops server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("ops server error", "err", err)
			os.Exit(1)
		}
	}()

	// --- Engine ---
	eng := engine.New(commandLog, responses, notifier, trades, snapshots, engine.Options{
		SnapshotEvery: cfg.SnapshotEvery,
		TrimMaxLen:    cfg.StreamMaxLen,
	})

	slog.Info("trading engine starting",
		"command_stream", cfg.CommandStream, "response_stream", cfg.ResponseStream,
		"group", cfg.Group, "consumer", cfg.Consumer)

	if err := eng.Run(ctx); err != nil {
		slog.Error("engine stopped", "err", err)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("ops server shutdown error", "err", err)
	}
	fmt.Println("trading-engine stopped")
}
