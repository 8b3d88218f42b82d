package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/PratikDhanave/rum-correlator/internal/beacon"
	"github.com/PratikDhanave/rum-correlator/internal/config"
	"github.com/PratikDhanave/rum-correlator/internal/handlers"
	"github.com/PratikDhanave/rum-correlator/internal/httpserver"
	"github.com/PratikDhanave/rum-correlator/internal/session"
	"github.com/PratikDhanave/rum-correlator/internal/store"
	"github.com/PratikDhanave/rum-correlator/internal/telemetry"
)

// main boots the service: config → storage → schema → sessions → HTTP server.
func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Load runtime config from config.yaml and environment (RUM_*, DB_URL, API_KEYS).
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if cfg.Tracing {
		shutdown, err := telemetry.InitTracer("rum-correlator", logger)
		if err != nil {
			log.Fatalf("Failed to initialize tracer: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
			}
		}()
	}

	shutdownMeter, err := telemetry.InitMeter(context.Background(), "rum-correlator", telemetry.MeterConfig{
		Exporter: cfg.Metrics.Exporter,
		Endpoint: cfg.Metrics.Endpoint,
		Insecure: cfg.Metrics.Insecure,
		Interval: cfg.Metrics.Interval,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMeter(ctx); err != nil {
			logger.Error("failed to shutdown metrics", slog.String("error", err.Error()))
		}
	}()

	st, err := openStore(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	// Optional downstream stream of stored records.
	var pub handlers.Publisher
	if cfg.Redis.Addr != "" {
		rp := beacon.NewRedisPublisher(
			beacon.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB),
			cfg.Redis.Stream, cfg.Redis.MaxLen)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rp.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, publishing anyway", slog.String("error", err.Error()))
		}
		cancel()
		pub = rp
	}

	// Instruments bind to the provider installed by InitMeter.
	instruments, err := telemetry.NewInstruments(otel.Meter("rum-correlator"))
	if err != nil {
		log.Fatal(err)
	}

	rec := handlers.NewRecorder(st, pub, logger)
	mgr := session.NewManager(cfg.Sessions, rec.Flush,
		session.WithTenantMetrics(instruments.ForTenant),
		session.WithManagerLogger(logger),
	)

	// Build HTTP router (public health + authenticated APIs).
	var handler http.Handler = httpserver.NewRouter(cfg, st, mgr, rec)
	if cfg.Tracing {
		handler = otelhttp.NewHandler(handler, "rum-collector")
	}
	srv := &http.Server{Addr: cfg.Addr, Handler: handler}

	go func() {
		logger.Info("server started", slog.String("addr", cfg.Addr), slog.String("storage", cfg.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutdown signal received, stopping server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}

	// Live sessions are finalized at their deadlines and stored.
	mgr.CloseAll()
	logger.Info("shutdown complete")
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.Driver == config.DriverSQLite {
		return store.NewSQLiteStore(cfg.DSN)
	}

	// Connect to durable storage (Postgres) using a connection pool.
	db, err := store.NewPostgresStore(cfg.DSN)
	if err != nil {
		return nil, err
	}
	// Ensure required tables/indexes exist so `docker compose up --build` is enough.
	if err := db.EnsureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func logLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}
