package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/campusstore/internal/health"
	"github.com/vladislavdragonenkov/campusstore/internal/metrics"
	"github.com/vladislavdragonenkov/campusstore/internal/service/idempotency"
	"github.com/vladislavdragonenkov/campusstore/internal/service/inventory"
	"github.com/vladislavdragonenkov/campusstore/internal/service/outbox"
	"github.com/vladislavdragonenkov/campusstore/internal/service/payment"
	"github.com/vladislavdragonenkov/campusstore/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/campusstore/internal/version"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Run поднимает хранилище, фоновые воркеры, HTTP API, gRPC health и сервер метрик
// и блокируется до отмены ctx или падения одного из листенеров.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	rel, err := initRelay(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("outbox relay is unavailable, notifications stay local")
		rel = nil
	}
	defer rel.close()

	storeMetrics := metrics.NewStoreMetrics()
	svc := buildServices(ctx, cfg, deps, rel, storeMetrics, logger)
	defer svc.close(logger)

	// Воркеры живут дольше входящих запросов: post-commit события
	// запросов, завершающихся при остановке, ещё должны уйти в рассылку.
	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	workers := startWorkers(workerCtx, cfg, deps, rel, svc, storeMetrics, logger)
	defer func() {
		stopWorkers()
		workers.Wait()
		logger.Info("background workers stopped")
	}()

	healthHandler := healthcheck.NewHandler(version.String(), healthcheck.WithCheckTimeout(redisPingTimeout))
	healthHandler.RegisterChecker("storage", deps.storageChecker)
	healthHandler.RegisterOptional("outbox", healthcheck.NewOutboxBacklogChecker(deps.outboxRepo, cfg.OutboxStaleAfter))
	if svc.bridge != nil {
		healthHandler.RegisterOptional("redis", healthcheck.Ping("redis", svc.bridge.Ping))
	}
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	defer shutdownHTTP(metricsSrv, logger)

	grpcServer, healthServer := newGRPCServer(logger)
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}
	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		_ = grpcLis.Close()
		return fmt.Errorf("listen http %s: %w", cfg.HTTPAddr, err)
	}

	streamsDone := make(chan struct{})
	router := httpapi.NewRouter(httpapi.Deps{
		Orders:        svc.processor,
		Payments:      svc.payments,
		Inventory:     svc.inventory,
		Events:        svc.hub,
		Notifications: deps.notificationRepo,
		Idempotency:   svc.guard,
		WebhookSecret: cfg.WebhookSecret,
		KeepAlive:     cfg.SSEKeepAlive,
		Done:          streamsDone,
		Metrics:       storeMetrics,
		Logger:        logger.WithField("component", "http"),
	})
	apiSrv := &http.Server{Handler: router, ReadHeaderTimeout: readHeaderTimeout}

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("gRPC сервер слушает %s", grpcLis.Addr())
		errCh <- grpcServer.Serve(grpcLis)
	}()
	go func() {
		logger.Infof("HTTP API слушает %s", httpLis.Addr())
		errCh <- apiSrv.Serve(httpLis)
	}()

	stop := func() {
		healthHandler.MarkShuttingDown()
		close(streamsDone)
		shutdownHTTP(apiSrv, logger)
		stopGRPC(grpcServer, healthServer, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		stop()
		return ctx.Err()
	case err := <-errCh:
		stop()
		if errors.Is(err, grpc.ErrServerStopped) || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// startWorkers запускает фоновые задачи; WaitGroup завершается после отмены ctx.
func startWorkers(ctx context.Context, cfg Config, deps *runtimeDependencies, rel *relay, svc *services, m *metrics.StoreMetrics, logger *log.Entry) *sync.WaitGroup {
	var wg sync.WaitGroup
	spawn := func(name string, run func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.WithField("worker", name).Debug("worker started")
			run(ctx)
		}()
	}

	spawn("fanout", svc.fanout.Run)
	if svc.bridge != nil {
		spawn("redis-bridge", func(ctx context.Context) { svc.bridge.Run(ctx, svc.hub) })
	}

	if rel != nil {
		opts := []outbox.Option{
			outbox.WithLogger(logger.WithFields(log.Fields{"component": "outbox-worker", "relay": rel.name})),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		}
		if rel.dlq != nil {
			opts = append(opts, outbox.WithDLQPublisher(rel.dlq))
		}
		spawn("outbox", outbox.NewWorker(deps.outboxRepo, rel.publisher, opts...).Run)
	}

	spawn("idempotency-cleanup", idempotency.NewCleanupWorker(deps.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
		idempotency.WithProcessingLease(cfg.IdempotencyProcessingLease),
	).Run)

	if cfg.PendingOrderTTL > 0 {
		spawn("pending-expiry", payment.NewExpiryWorker(deps.store, svc.payments,
			cfg.PendingOrderTTL, cfg.ExpiryInterval, cfg.ExpiryBatchSize,
			logger.WithField("component", "pending-expiry"),
		).Run)
	}
	if cfg.ReconcileInterval > 0 {
		spawn("stock-reconciler", inventory.NewReconciler(deps.store, cfg.ReconcileInterval, m,
			logger.WithField("component", "stock-reconciler"),
		).Run)
	}

	return &wg
}

// newGRPCServer собирает служебный gRPC-листенер: health, reflection и метрики.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	return grpcServer, healthServer
}

func stopGRPC(grpcServer *grpc.Server, healthServer *health.Server, logger *log.Entry) {
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	stoppedCh := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stoppedCh)
	}()
	select {
	case <-stoppedCh:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		grpcServer.Stop()
	}
}

// startMetricsServer запускает HTTP-обработчики /metrics и health probes.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/version", version.Handler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: readHeaderTimeout}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/readyz, %s/livez, %s/version", addr, addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
