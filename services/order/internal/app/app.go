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
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/Le1NZ/car-detailing-project-sub001/platform/discovery"
	platformhealth "github.com/Le1NZ/car-detailing-project-sub001/platform/health/http"
	platformlogging "github.com/Le1NZ/car-detailing-project-sub001/platform/logging"
	platformobservability "github.com/Le1NZ/car-detailing-project-sub001/platform/observability"
	platformshutdown "github.com/Le1NZ/car-detailing-project-sub001/platform/shutdown"
	httpapi "github.com/Le1NZ/car-detailing-project-sub001/services/order/internal/api/http"
	rediscache "github.com/Le1NZ/car-detailing-project-sub001/services/order/internal/cache/redis"
	httpclient "github.com/Le1NZ/car-detailing-project-sub001/services/order/internal/client/http"
	"github.com/Le1NZ/car-detailing-project-sub001/services/order/internal/config"
	"github.com/Le1NZ/car-detailing-project-sub001/services/order/internal/repository"
	"github.com/Le1NZ/car-detailing-project-sub001/services/order/internal/repository/memory"
	mongorepo "github.com/Le1NZ/car-detailing-project-sub001/services/order/internal/repository/mongo"
	"github.com/Le1NZ/car-detailing-project-sub001/services/order/internal/service"
)

// App содержит все зависимости для запуска и корректного shutdown Order Service
type App struct {
	logger      *zap.Logger
	httpServer  *http.Server
	shutdownMgr *platformshutdown.Manager
	wg          sync.WaitGroup
}

// Build создаёт и настраивает все зависимости Order Service
func Build(cfg config.Config) (*App, error) {
	ctx := context.Background()

	logger, err := platformlogging.New(platformlogging.Config{
		ServiceName: "order",
		Env:         string(cfg.AppEnv),
		Level:       os.Getenv("LOG_LEVEL"),
		Format:      os.Getenv("LOG_FORMAT"),
	})
	if err != nil {
		return nil, err
	}
	logger.Info("building order service", zap.String("http_addr", cfg.HTTPAddr), zap.String("storage", string(cfg.Storage)))

	shutdownMgr := platformshutdown.New(cfg.ShutdownTimeout, logger)
	// при ошибке сборки закрываем то, что уже успели открыть
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
		ServiceName:           "order",
		DeploymentEnvironment: string(cfg.AppEnv),
	})
	if err != nil {
		return nil, err
	}
	shutdownMgr.Add("otel", otelShutdown)

	checks := map[string]platformhealth.Check{}

	// Хранилище заказов
	var orderRepo repository.OrderRepository
	switch cfg.Storage {
	case config.StorageMongo:
		logger.Info("connecting to mongodb")
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("mongo connect: %w", err)
		}
		shutdownMgr.Add("mongodb", platformshutdown.DisconnectMongo(client))

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = client.Ping(pingCtx, nil)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("mongo ping: %w", err)
		}

		repo := mongorepo.NewRepository(client, cfg.MongoDBName)
		idxCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = repo.EnsureIndexes(idxCtx)
		cancel()
		if err != nil {
			return nil, err
		}
		logger.Info("mongodb connection established")
		orderRepo = repo
		checks["mongodb"] = mongorepo.Ping(client)
	default:
		orderRepo = memory.NewMemoryRepository()
	}

	// Consul
	var consul *discovery.ConsulClient
	if cfg.ConsulAddr != "" {
		consul, err = discovery.NewConsulClient(cfg.ConsulAddr, logger)
		if err != nil {
			return nil, err
		}
	}

	// Адрес car-service: из конфига или из Consul на каждый запрос
	carURL := httpclient.StaticURL(cfg.CarServiceURL)
	if cfg.CarServiceURL == "" {
		carURL = func(ctx context.Context) (string, error) {
			return consul.ServiceURL(ctx, "car-service")
		}
	}

	var cars service.CarVerifier = httpclient.NewCarClient(carURL, cfg.CarServiceTimeout, logger)
	if cfg.CarCacheRedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.CarCacheRedisAddr})
		shutdownMgr.Add("redis", platformshutdown.Close(rdb))
		cars = rediscache.NewCachedCarVerifier(cars, rdb, cfg.CarCacheTTL, logger)
		// кеш не обязателен: ошибки Redis не влияют на готовность
		logger.Info("car existence cache enabled", zap.String("redis_addr", cfg.CarCacheRedisAddr), zap.Duration("ttl", cfg.CarCacheTTL))
	}

	orderService := service.NewOrderService(logger, cars, orderRepo, service.Options{
		VerifyMaxAttempts: cfg.CarVerifyMaxAttempts,
		VerifyBackoff:     cfg.CarVerifyBackoff,
	})

	handler := httpapi.NewHandler(orderService, logger)
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
		serviceID := "order-service-" + uuid.NewString()[:8]
		if err := consul.Register(discovery.ServiceConfig{
			Name: "order-service",
			ID:   serviceID,
			Host: cfg.AdvertiseHost,
			Port: port,
			Tags: []string{"http", "order"},
		}); err != nil {
			return nil, err
		}
		shutdownMgr.Add("consul_deregister", consul.Deregister(serviceID))
	}

	// HTTP сервер останавливается первым
	shutdownMgr.Add("http_server", platformshutdown.ShutdownHTTPServer(httpServer))

	ok = true
	return &App{
		logger:      logger,
		httpServer:  httpServer,
		shutdownMgr: shutdownMgr,
	}, nil
}

// Run запускает сервис и блокируется до получения сигнала shutdown
func (a *App) Run() error {
	defer platformlogging.Sync(a.logger)

	a.logger.Info("starting order service", zap.String("addr", a.httpServer.Addr))

	// ctx отменяется, если HTTP сервер упал: тогда shutdown запускается без сигнала
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	a.shutdownMgr.WaitContext(ctx)

	a.wg.Wait()
	a.logger.Info("order service stopped")
	return nil
}
