package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
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
	httpapi "github.com/Le1NZ/car-detailing-project-sub001/services/bonus/internal/api/http"
	"github.com/Le1NZ/car-detailing-project-sub001/services/bonus/internal/config"
	eventrabbitmq "github.com/Le1NZ/car-detailing-project-sub001/services/bonus/internal/event/rabbitmq"
	"github.com/Le1NZ/car-detailing-project-sub001/services/bonus/internal/repository"
	"github.com/Le1NZ/car-detailing-project-sub001/services/bonus/internal/repository/memory"
	redisrepo "github.com/Le1NZ/car-detailing-project-sub001/services/bonus/internal/repository/redis"
	"github.com/Le1NZ/car-detailing-project-sub001/services/bonus/internal/service"
)

// App содержит все зависимости для запуска и корректного shutdown Bonus Service
type App struct {
	logger      *zap.Logger
	httpServer  *http.Server
	consumer    *eventrabbitmq.PaymentSucceededConsumer
	shutdownMgr *platformshutdown.Manager
	wg          sync.WaitGroup
}

// Build создаёт и настраивает все зависимости Bonus Service
func Build(cfg config.Config) (*App, error) {
	ctx := context.Background()

	logger, err := platformlogging.New(platformlogging.Config{
		ServiceName: "bonus",
		Env:         string(cfg.AppEnv),
		Level:       os.Getenv("LOG_LEVEL"),
		Format:      os.Getenv("LOG_FORMAT"),
	})
	if err != nil {
		return nil, err
	}
	logger.Info("building bonus service", zap.String("http_addr", cfg.HTTPAddr), zap.String("storage", string(cfg.Storage)))

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
		ServiceName:           "bonus",
		DeploymentEnvironment: string(cfg.AppEnv),
	})
	if err != nil {
		return nil, err
	}
	shutdownMgr.Add("otel", otelShutdown)

	checks := map[string]platformhealth.Check{}

	// Хранилище балансов
	var bonusRepo repository.BonusRepository
	switch cfg.Storage {
	case config.StorageRedis:
		logger.Info("connecting to redis", zap.String("addr", cfg.RedisAddr))
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		shutdownMgr.Add("redis", platformshutdown.Close(rdb))

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		logger.Info("redis connection established")

		bonusRepo = redisrepo.NewRepository(rdb)
		checks["redis"] = redisrepo.Ping(rdb)
	default:
		bonusRepo = memory.NewMemoryRepository()
	}

	promocodes := repository.NewStaticPromocodes(repository.DefaultPromocodes())
	metrics := newBonusRecorder()
	bonusService := service.NewBonusService(logger, bonusRepo, promocodes, metrics, cfg.AccrualRate)

	// DLQ publisher: при недоступном брокере подключится при первой публикации
	dlqPublisher := rabbitmq.NewPublisher(cfg.RabbitMQ, logger)
	if err := dlqPublisher.Connect(ctx, cfg.RabbitMQ.DLQ); err != nil {
		logger.Warn("rabbitmq unavailable at startup, dlq publisher will reconnect lazily", zap.Error(err))
	}
	shutdownMgr.Add("rabbitmq_dlq", platformshutdown.Close(dlqPublisher))
	dlq := eventrabbitmq.NewDLQPublisher(logger, dlqPublisher, cfg.RabbitMQ.Queue, cfg.RabbitMQ.DLQ)

	consumer := eventrabbitmq.NewPaymentSucceededConsumer(logger, cfg.RabbitMQ, bonusService, dlq, metrics, eventrabbitmq.ConsumerOptions{
		Workers:       cfg.ConsumerWorkers,
		MaxAttempts:   cfg.RetryMaxAttempts,
		BackoffBase:   cfg.RetryBackoffBase,
		HandleTimeout: cfg.HandleTimeout,
	})
	shutdownMgr.Add("rabbitmq_consumer", platformshutdown.StopWorker(consumer))
	checks["rabbitmq"] = consumer.Healthy

	handler := httpapi.NewHandler(bonusService, logger)
	router := httpapi.NewRouter(handler, checks, logger)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.ConsulAddr != "" {
		consul, err := discovery.NewConsulClient(cfg.ConsulAddr, logger)
		if err != nil {
			return nil, err
		}
		port, err := discovery.PortFromAddr(cfg.HTTPAddr)
		if err != nil {
			return nil, err
		}
		serviceID := "bonus-service-" + uuid.NewString()[:8]
		if err := consul.Register(discovery.ServiceConfig{
			Name: "bonus-service",
			ID:   serviceID,
			Host: cfg.AdvertiseHost,
			Port: port,
			Tags: []string{"http", "bonus"},
		}); err != nil {
			return nil, err
		}
		shutdownMgr.Add("consul_deregister", consul.Deregister(serviceID))
	}

	// HTTP сервер останавливается первым, затем consumer дочитывает in-flight сообщения
	shutdownMgr.Add("http_server", platformshutdown.ShutdownHTTPServer(httpServer))

	ok = true
	return &App{
		logger:      logger,
		httpServer:  httpServer,
		consumer:    consumer,
		shutdownMgr: shutdownMgr,
	}, nil
}

// Run запускает HTTP сервер и consumer, блокируется до получения сигнала shutdown
func (a *App) Run() error {
	defer platformlogging.Sync(a.logger)

	a.logger.Info("starting bonus service", zap.String("addr", a.httpServer.Addr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		if err := a.consumer.Start(ctx); err != nil {
			a.logger.Error("rabbitmq consumer error", zap.Error(err))
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
	a.logger.Info("bonus service stopped")
	return nil
}

// bonusRecorder пишет метрики бонусного сервиса через OpenTelemetry
type bonusRecorder struct {
	messages   metric.Int64Counter
	accrued    metric.Int64Counter
	violations metric.Int64Counter
}

func newBonusRecorder() *bonusRecorder {
	meter := otel.Meter("bonus")
	messages, _ := meter.Int64Counter("bonus_messages_total",
		metric.WithDescription("Consumed payment succeeded messages by result"))
	accrued, _ := meter.Int64Counter("bonus_accrued_total",
		metric.WithDescription("Applied bonus accruals"))
	violations, _ := meter.Int64Counter("bonus_invariant_violations_total",
		metric.WithDescription("Negative bonus balances found in storage"))
	return &bonusRecorder{messages: messages, accrued: accrued, violations: violations}
}

func (r *bonusRecorder) RecordMessage(ctx context.Context, result string) {
	r.messages.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (r *bonusRecorder) RecordAccrued(ctx context.Context) {
	r.accrued.Add(ctx, 1)
}

func (r *bonusRecorder) RecordInvariantViolation(ctx context.Context) {
	r.violations.Add(ctx, 1)
}
