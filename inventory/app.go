package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/timour/orderflow/common/broker"
	"github.com/timour/orderflow/common/metrics"
	"github.com/timour/orderflow/common/outbox"
	"github.com/timour/orderflow/discovery"
	"github.com/timour/orderflow/discovery/consul"
	"github.com/timour/orderflow/discovery/inmem"
)

type App struct {
	registry        discovery.Registry
	instanceID      string
	grpcServer      *grpc.Server
	metricsServer   *http.Server
	store           *PostgresStore
	cache           *ProductCache
	channel         *amqp.Channel
	closeRabbitMQ   func() error
	config          Config
	logger          *zap.Logger
	grpcMetrics     *metrics.GRPCMetrics
	businessMetrics *metrics.BusinessMetrics
	stopHeartbeat   chan struct{}
}

type Config struct {
	ServiceName string
	GRPCAddr    string
	MetricsAddr string
	ConsulAddr  string
	AMQPUser    string
	AMQPPass    string
	AMQPHost    string
	AMQPPort    string
	DatabaseURL string
	RedisAddr   string
	CacheTTL    time.Duration
}

func NewApp(config Config, logger *zap.Logger) (*App, error) {
	registry, err := createRegistry(config.ConsulAddr, logger)
	if err != nil {
		return nil, err
	}

	logger.Info("connecting to postgres")
	store, err := NewPostgresStore(config.DatabaseURL)
	if err != nil {
		return nil, err
	}

	var cache *ProductCache
	if config.RedisAddr != "" {
		cache, err = NewProductCache(config.RedisAddr, config.CacheTTL)
		if err != nil {
			store.Close()
			return nil, err
		}
		logger.Info("connected to redis", zap.String("addr", config.RedisAddr))
	} else {
		logger.Info("redis address not provided, product cache disabled")
	}

	logger.Info("connecting to rabbitmq",
		zap.String("host", config.AMQPHost),
		zap.String("port", config.AMQPPort),
	)
	ch, closeFn, err := broker.Connect(config.AMQPUser, config.AMQPPass, config.AMQPHost, config.AMQPPort)
	if err != nil {
		if cache != nil {
			cache.Close()
		}
		store.Close()
		return nil, err
	}
	logger.Info("rabbitmq connected successfully")

	return &App{
		registry:        registry,
		grpcServer:      grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler())),
		store:           store,
		cache:           cache,
		channel:         ch,
		closeRabbitMQ:   closeFn,
		config:          config,
		logger:          logger,
		grpcMetrics:     metrics.NewGRPCMetrics(config.ServiceName),
		businessMetrics: metrics.NewBusinessMetrics(config.ServiceName),
		stopHeartbeat:   make(chan struct{}),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	// 1. Register with service discovery
	a.instanceID = discovery.GenerateInstanceID(a.config.ServiceName)
	if err := a.registry.Register(ctx, a.instanceID, a.config.ServiceName, a.config.GRPCAddr); err != nil {
		return err
	}
	go a.heartbeat()

	// 2. Business logic; stock reads go through the cache when configured.
	var store InventoryStore = a.store
	if a.cache != nil {
		store = NewCachedStore(a.store, a.cache, a.logger)
	}
	svc := NewTelemetryMiddleware(NewService(store, a.logger, a.businessMetrics))

	// 3. Outbox pumper
	pumper := outbox.NewPumper(
		outbox.NewSQLSource(a.store.DB()),
		outbox.NewBrokerPublisher(a.channel),
	).WithLagGauge(a.businessMetrics.OutboxLag)
	go pumper.Run(ctx)

	// 4. verify-orders consumer
	consumer := NewVerifyConsumer(svc, a.logger)
	go func() {
		if err := consumer.Listen(a.channel); err != nil {
			a.logger.Error("verify consumer stopped", zap.Error(err))
		}
	}()

	// 5. Prometheus metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	a.metricsServer = &http.Server{
		Addr:    a.config.MetricsAddr,
		Handler: metricsMux,
	}
	go func() {
		a.logger.Info("starting metrics server", zap.String("addr", a.config.MetricsAddr))
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// 6. gRPC server
	NewGRPCHandler(a.grpcServer, svc, store, a.channel, newChaosFromEnv(a.logger), a.logger, a.grpcMetrics)

	lis, err := net.Listen("tcp", a.config.GRPCAddr)
	if err != nil {
		return err
	}

	a.logger.Info("starting grpc server", zap.String("addr", a.config.GRPCAddr))
	return a.grpcServer.Serve(lis)
}

func (a *App) heartbeat() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopHeartbeat:
			return
		case <-ticker.C:
			if err := a.registry.HealthCheck(a.instanceID, a.config.ServiceName); err != nil {
				a.logger.Warn("registry health check failed", zap.Error(err))
			}
		}
	}
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down gracefully")

	a.grpcServer.GracefulStop()

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Error("metrics server shutdown error", zap.Error(err))
		}
	}

	if a.closeRabbitMQ != nil {
		if err := a.closeRabbitMQ(); err != nil {
			a.logger.Error("error closing rabbitmq", zap.Error(err))
		}
	}

	if a.cache != nil {
		a.cache.Close()
	}
	if a.store != nil {
		a.store.Close()
	}

	close(a.stopHeartbeat)
	return a.registry.Deregister(ctx, a.instanceID, a.config.ServiceName)
}

// createRegistry falls back to the in-memory registry so the custodian runs
// on a single host without consul.
func createRegistry(addr string, logger *zap.Logger) (discovery.Registry, error) {
	if addr == "" {
		logger.Info("consul address not provided, using in-memory registry")
		return inmem.NewRegistry(), nil
	}
	return consul.NewRegistry(addr)
}
