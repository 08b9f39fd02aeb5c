package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/markahope-aag/hazardos-webhooks/internal/api"
	"github.com/markahope-aag/hazardos-webhooks/internal/config"
	"github.com/markahope-aag/hazardos-webhooks/internal/delivery"
	"github.com/markahope-aag/hazardos-webhooks/internal/events"
	"github.com/markahope-aag/hazardos-webhooks/internal/webhooks"
	"github.com/markahope-aag/hazardos-webhooks/pkg/database"
	"github.com/markahope-aag/hazardos-webhooks/pkg/logger"
	"github.com/markahope-aag/hazardos-webhooks/pkg/middleware"
	"github.com/markahope-aag/hazardos-webhooks/pkg/observability"
)

const serviceName = "webhooksvc"

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
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

	if err := run(cfg, log); err != nil {
		log.Fatal("Webhook service failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.Tracing.ToTracer(serviceName, version), log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(tctx)
	}()

	db, err := database.NewConnection(cfg.Database.ToDatabase())
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()

	locker, closeLocker, err := cfg.Redis.NewLocker(ctx)
	if err != nil {
		return fmt.Errorf("configure redis: %w", err)
	}
	defer closeLocker()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	var (
		store    = webhooks.NewSQLStore(db)
		registry = webhooks.NewRegistry(store, webhooks.NewCatalog(cfg.Events.Extra...))
		recorder = webhooks.NewRecorder(store, cfg.Delivery.RetryPolicy())
		executor = delivery.NewExecutor(registry, recorder, cfg.Delivery.ToExecutor(), log,
			delivery.WithMetrics(metrics),
			delivery.WithLocker(locker))
		dispatcher = events.NewDispatcher(registry, recorder, executor, log,
			events.WithMaxConcurrency(cfg.Delivery.MaxConcurrency),
			events.WithMetrics(metrics))
	)

	limiter := middleware.NewIPRateLimiter(rate.Limit(cfg.Server.RateLimit), cfg.Server.RateBurst)
	go limiter.RunJanitor(ctx, time.Minute, 10*time.Minute)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(
		gin.Recovery(),
		otelgin.Middleware(serviceName),
		middleware.RequestLogger(log),
		middleware.Metrics(metrics),
		middleware.SecurityHeadersMiddleware(),
		middleware.RateLimitMiddleware(limiter),
	)
	if len(cfg.Server.CORSOrigins) > 0 {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowOrigins = cfg.Server.CORSOrigins
		corsCfg.AddAllowHeaders(middleware.DefaultTenantHeader)
		router.Use(cors.New(corsCfg))
	}
	router.GET("/metrics", gin.WrapH(observability.PrometheusHandler(prometheus.DefaultGatherer)))
	api.NewHTTPHandler(api.NewService(registry, recorder, executor, dispatcher), log).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	// Let published events finish their first attempt.
	dispatcher.Wait()
	return nil
}
