package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/gateway"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/stream"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if cfg.PGDSN != "" && os.Getenv("MIGRATE") == "true" {
		runMigrations(cfg.PGDSN, logger)
	}

	reg := session.NewRegistry(cfg.InactivityWindow, logger)
	monitor := session.NewMonitor(reg, cfg.SweepInterval, logger)

	arbiter := dispatch.NewArbiter(reg, cfg.OrderRetention, logger).WithNotifier(reg.Push)
	if cfg.PGDSN != "" {
		if ps, err := storage.NewPostgresStore(cfg.PGDSN); err == nil {
			arbiter.WithStore(ps)
			defer ps.Close()
		} else {
			logger.Warn("postgres unavailable, orders not mirrored", "error", err)
		}
	}
	var journal *stream.KafkaJournal
	if len(cfg.KafkaBrokers) > 0 {
		journal = stream.NewKafkaJournal(cfg.KafkaBrokers, cfg.KafkaTopic)
		arbiter.WithJournal(journal)
		defer journal.Close()
	}
	if cfg.StripeEnabled {
		arbiter.WithPayments(payments.NewStripeClient())
	}

	router := dispatch.NewRouter(reg, arbiter, logger)

	gw := gateway.New(reg, router, arbiter, cfg.ResponseDeadline, logger)
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		gw.WithLocations(rg)
		defer rg.Close()
	} else {
		gw.WithLocations(geo.NewIndex())
	}
	if journal != nil {
		gw.WithJournal(journal)
	}

	api := httpapi.NewServer(reg, gw, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go monitor.Run(ctx)
	go arbiter.Run(ctx)

	go func() {
		logger.Info("dispatch server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listener failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// tell every session before closing the listener
	reg.CloseAll(protocol.EventServerShutdown, protocol.OK())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("forced shutdown", "error", err)
	}
	logger.Info("dispatch server stopped")
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Warn("migration db open error", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_orders.sql"))
	if err != nil {
		logger.Warn("migration read error", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Warn("migration exec error", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_orders.sql")
}
