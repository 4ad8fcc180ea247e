package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/Le1NZ/car-detailing-project-sub001/platform/discovery"
	platformhealth "github.com/Le1NZ/car-detailing-project-sub001/platform/health/http"
	platformlogging "github.com/Le1NZ/car-detailing-project-sub001/platform/logging"
	platformobservability "github.com/Le1NZ/car-detailing-project-sub001/platform/observability"
	"github.com/Le1NZ/car-detailing-project-sub001/platform/rabbitmq"
	platformshutdown "github.com/Le1NZ/car-detailing-project-sub001/platform/shutdown"
	httpapi "github.com/Le1NZ/car-detailing-project-sub001/services/payment/internal/api/http"
	httpclient "github.com/Le1NZ/car-detailing-project-sub001/services/payment/internal/client/http"
	"github.com/Le1NZ/car-detailing-project-sub001/services/payment/internal/config"
	eventrabbitmq "github.com/Le1NZ/car-detailing-project-sub001/services/payment/internal/event/rabbitmq"
	"github.com/Le1NZ/car-detailing-project-sub001/services/payment/internal/repository"
	"github.com/Le1NZ/car-detailing-project-sub001/services/payment/internal/repository/memory"
	"github.com/Le1NZ/car-detailing-project-sub001/services/payment/internal/repository/postgres"
	"github.com/Le1NZ/car-detailing-project-sub001/services/payment/internal/service"
)

// store - хранилище платежей и outbox (одна БД, одна транзакция на MarkSucceeded)
type store interface {
	repository.PaymentRepository
	repository.OutboxRepository
}

// App содержит все зависимости для запуска и корректного shutdown Payment Service
type App struct {
	logger      *zap.Logger
	httpServer  *http.Server
	dispatcher  *eventrabbitmq.OutboxDispatcher
	shutdownMgr *platformshutdown.Manager
	wg          sync.WaitGroup
}

// Build создаёт и настраивает все зависимости Payment Service
func Build(cfg config.Config) (*App, error) {
	ctx := context.Background()

	logger, err := platformlogging.New(platformlogging.Config{
		ServiceName: "payment",
		Env:         string(cfg.AppEnv),
		Level:       os.Getenv("LOG_LEVEL"),
		Format:      os.Getenv("LOG_FORMAT"),
	})
	if err != nil {
		return nil, err
	}
	logger.Info("building payment service", zap.String("http_addr", cfg.HTTPAddr), zap.String("storage", string(cfg.Storage)))

	shutdownMgr := platformshutdown.New(cfg.ShutdownTimeout, logger)
	ok := false
	defer func() {
		if !ok {
			shutdownMgr.Shutdown()
		}
	}()

	otelShutdown, err := platformobservability.Init(ctx, platformobservability.Config{
		Enabled:               cfg.OTelEnabled,
		OTLPEndpoint:          cfg.OTelEndpoint,
		SamplingRatio:         cfg.OTelSamplingRatio,
		ServiceName:           "payment",
		DeploymentEnvironment: string(cfg.AppEnv),
	})
	if err != nil {
		return nil, err
	}
	shutdownMgr.Add("otel", otelShutdown)

	checks := map[string]platformhealth.Check{}

	// Хранилище платежей и outbox
	var paymentStore store
	switch cfg.Storage {
	case config.StoragePostgres:
		logger.Info("connecting to postgresql")
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres connect: %w", err)
		}
		shutdownMgr.Add("postgres", platformshutdown.ClosePool(pool))

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = pool.Ping(pingCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("postgres ping: %w", err)
		}
		logger.Info("postgresql connection established")

		logger.Info("applying database migrations")
		if err := postgres.Migrate(ctx, cfg.PostgresDSN); err != nil {
			return nil, err
		}
		logger.Info("database migrations applied successfully")

		paymentStore = postgres.NewRepository(pool)
		checks["postgres"] = pool.Ping
	default:
		paymentStore = memory.NewMemoryRepository()
	}

	// RabbitMQ: при недоступном брокере сервис стартует, события копятся в outbox
	publisher := rabbitmq.NewPublisher(cfg.RabbitMQ, logger)
	if err := publisher.Connect(ctx, cfg.RabbitMQ.Queue); err != nil {
		logger.Warn("rabbitmq unavailable at startup, events will stay in outbox", zap.Error(err))
	}
	shutdownMgr.Add("rabbitmq", platformshutdown.Close(publisher))
	checks["rabbitmq"] = publisher.Healthy

	dispatcher := eventrabbitmq.NewOutboxDispatcher(logger, paymentStore, publisher, newPublishRecorder(), eventrabbitmq.Options{
		BatchSize:  cfg.OutboxBatchSize,
		Interval:   cfg.OutboxInterval,
		MaxRetries: cfg.OutboxMaxRetries,
		Backoff:    cfg.OutboxBackoff,
		Lease:      cfg.OutboxLease,
	})
	shutdownMgr.Add("outbox_dispatcher", platformshutdown.StopWorker(dispatcher))

	// Consul
	var consul *discovery.ConsulClient
	if cfg.ConsulAddr != "" {
		consul, err = discovery.NewConsulClient(cfg.ConsulAddr, logger)
		if err != nil {
			return nil, err
		}
	}

	orderURL := httpclient.StaticURL(cfg.OrderServiceURL)
	if cfg.OrderServiceURL == "" {
		orderURL = func(ctx context.Context) (string, error) {
			return consul.ServiceURL(ctx, "order-service")
		}
	}
	orders := httpclient.NewOrderClient(orderURL, cfg.OrderServiceTimeout, logger)

	paymentService := service.NewPaymentService(logger, paymentStore, orders, dispatcher, service.Options{
		DefaultAmount:         cfg.DefaultAmount,
		Queue:                 cfg.RabbitMQ.Queue,
		ConfirmPublishTimeout: cfg.ConfirmPublishTimeout,
		AutoConfirmDelay:      cfg.AutoConfirmDelay,
	})
	shutdownMgr.Add("payment_service", platformshutdown.StopWorker(paymentService))

	handler := httpapi.NewHandler(paymentService, logger)
	router := httpapi.NewRouter(handler, checks, logger)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if consul != nil {
		port, err := discovery.PortFromAddr(cfg.HTTPAddr)
		if err != nil {
			return nil, err
		}
		serviceID := "payment-service-" + uuid.NewString()[:8]
		if err := consul.Register(discovery.ServiceConfig{
			Name: "payment-service",
			ID:   serviceID,
			Host: cfg.AdvertiseHost,
			Port: port,
			Tags: []string{"http", "payment"},
		}); err != nil {
			return nil, err
		}
		shutdownMgr.Add("consul_deregister", consul.Deregister(serviceID))
	}

	// HTTP сервер останавливается первым, затем автоподтверждения и dispatcher
	shutdownMgr.Add("http_server", platformshutdown.ShutdownHTTPServer(httpServer))

	ok = true
	return &App{
		logger:      logger,
		httpServer:  httpServer,
		dispatcher:  dispatcher,
		shutdownMgr: shutdownMgr,
	}, nil
}

// Run запускает HTTP сервер и outbox dispatcher, блокируется до получения сигнала shutdown
func (a *App) Run() error {
	defer platformlogging.Sync(a.logger)

	a.logger.Info("starting payment service", zap.String("addr", a.httpServer.Addr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.dispatcher.Start(ctx); err != nil {
			a.logger.Error("outbox dispatcher error", zap.Error(err))
		}
	}()
	go func() {
		defer a.wg.Done()
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	a.shutdownMgr.WaitContext(ctx)

	a.wg.Wait()
	a.logger.Info("payment service stopped")
	return nil
}

// publishRecorder пишет payment_outbox_publish_total через OpenTelemetry
type publishRecorder struct {
	counter metric.Int64Counter
}

func newPublishRecorder() *publishRecorder {
	meter := otel.Meter("payment")
	counter, _ := meter.Int64Counter("payment_outbox_publish_total",
		metric.WithDescription("Outbox publish attempts by result"))
	return &publishRecorder{counter: counter}
}

func (r *publishRecorder) RecordPublish(ctx context.Context, result string) {
	r.counter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
