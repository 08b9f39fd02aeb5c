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

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/markahope-aag/hazardos-webhooks/internal/config"
	"github.com/markahope-aag/hazardos-webhooks/internal/delivery"
	"github.com/markahope-aag/hazardos-webhooks/internal/sweeper"
	"github.com/markahope-aag/hazardos-webhooks/internal/webhooks"
	"github.com/markahope-aag/hazardos-webhooks/pkg/database"
	"github.com/markahope-aag/hazardos-webhooks/pkg/logger"
	"github.com/markahope-aag/hazardos-webhooks/pkg/observability"
)

const serviceName = "webhook-sweeper"

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	metricsAddr := flag.String("metrics-addr", ":9091", "Address for the /metrics endpoint; empty disables it")
	once := flag.Bool("once", false, "Run a single sweep and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.Tracing.ToTracer(serviceName, version), log)
	if err != nil {
		log.Fatal("Failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer(context.Background())

	db, err := database.NewConnection(cfg.Database.ToDatabase())
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	locker, closeLocker, err := cfg.Redis.NewLocker(ctx)
	if err != nil {
		log.Fatal("Failed to configure redis", zap.Error(err))
	}
	defer closeLocker()
	if cfg.Redis.URL == "" {
		log.Info("No redis configured; concurrent retries are resolved by attempt claims")
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	store := webhooks.NewSQLStore(db)
	registry := webhooks.NewRegistry(store, webhooks.NewCatalog(cfg.Events.Extra...))
	recorder := webhooks.NewRecorder(store, cfg.Delivery.RetryPolicy())
	executor := delivery.NewExecutor(registry, recorder, cfg.Delivery.ToExecutor(), log,
		delivery.WithMetrics(metrics),
		delivery.WithLocker(locker))
	sw := sweeper.New(recorder, executor, cfg.Sweeper.ToSweeper(), metrics, log)

	if *once {
		n, err := sw.SweepOnce(ctx)
		if err != nil {
			log.Fatal("Sweep failed", zap.Error(err))
		}
		log.Info("Sweep finished", zap.Int("retried", n))
		return
	}

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.PrometheusHandler(prometheus.DefaultGatherer))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
	}

	if err := sw.Run(ctx); err != nil {
		log.Fatal("Sweeper failed", zap.Error(err))
	}
}
