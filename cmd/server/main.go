/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the Warp Economy Engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and parse command-line flags
  2. Open the store (PostgreSQL when DATABASE_URL is set, SQLite otherwise)
  3. Pick the idempotency guard (Redis when REDIS_ADDR is set, local otherwise)
  4. Wire the audit pipeline (NATS when NATS_URL is set, direct store sink otherwise)
  5. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080)
  -db      SQLite database path (default: economy.db)
           Use ":memory:" for an in-memory database

ENVIRONMENT:
  DATABASE_URL  PostgreSQL connection string; overrides -db
  REDIS_ADDR    Redis address for the cluster-wide idempotency guard
  NATS_URL      NATS server for out-of-process audit persistence

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Drain the audit recorder and close the store
  4. Exit

EXAMPLES:
  # Local, file database
  ./server -db="./data/economy.db"

  # Full stack
  DATABASE_URL=postgres://... REDIS_ADDR=localhost:6379 NATS_URL=nats://localhost:4222 ./server

SEE ALSO:
  - api/server.go: Router configuration
  - economy/service.go: The operations behind every endpoint
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/economy-engine/api"
	"github.com/warp/economy-engine/economy"
	"github.com/warp/economy-engine/engine"
	"github.com/warp/economy-engine/store/postgres"
	"github.com/warp/economy-engine/store/sqlite"
)

func main() {
	_ = godotenv.Load()

	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "economy.db", "SQLite database path")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx := context.Background()

	// Store: Postgres when configured, SQLite otherwise.
	var st engine.Store
	var closeStore func()
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			log.Fatal("postgres pool init failed", zap.Error(err))
		}
		pg, err := postgres.New(ctx, pool)
		if err != nil {
			log.Fatal("postgres init failed", zap.Error(err))
		}
		st = pg
		closeStore = pool.Close
		log.Info("using postgres store")
	} else {
		sq, err := sqlite.New(*dbPath)
		if err != nil {
			log.Fatal("sqlite init failed", zap.Error(err), zap.String("path", *dbPath))
		}
		st = sq
		closeStore = func() { sq.Close() }
		log.Info("using sqlite store", zap.String("path", *dbPath))
	}
	defer closeStore()

	// Idempotency guard: cluster-wide over Redis when configured.
	var guard engine.Guard
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("redis ping failed", zap.Error(err), zap.String("addr", addr))
		}
		defer rdb.Close()
		guard = engine.NewRedisGuard(rdb, 0, log)
		log.Info("using redis idempotency guard", zap.String("addr", addr))
	} else {
		local := engine.NewLocalGuard(0, log)
		defer local.Close()
		guard = local
	}

	// Audit pipeline: publish to NATS when configured, else append directly.
	var sink engine.AuditSink = &engine.StoreSink{Records: st}
	if url := os.Getenv("NATS_URL"); url != "" {
		nc, err := nats.Connect(url, nats.Name("economy-engine"))
		if err != nil {
			log.Fatal("nats connect failed", zap.Error(err), zap.String("url", url))
		}
		defer nc.Close()
		sink = &engine.NATSSink{Conn: nc}

		workerCtx, stopWorker := context.WithCancel(ctx)
		defer stopWorker()
		go func() {
			if err := engine.NewAuditWorker(nc, st, log).Run(workerCtx); err != nil {
				log.Error("audit worker stopped", zap.Error(err))
			}
		}()
		log.Info("audit pipeline over nats", zap.String("url", url))
	}
	recorder := engine.NewRecorder(sink, 0, log)
	defer recorder.Close()

	svc := economy.NewService(st, guard, recorder, log)
	router := api.NewRouter(api.NewHandler(svc))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("server starting", zap.Int("port", *port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
	}
	log.Info("server stopped")
}
