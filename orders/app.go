package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"google.golang.org/grpc"

	"github.com/timour/orderflow/common/api"
	"github.com/timour/orderflow/common/broker"
	"github.com/timour/orderflow/common/logger"
	"github.com/timour/orderflow/common/metrics"
	"github.com/timour/orderflow/common/outbox"
	"github.com/timour/orderflow/discovery"
	"github.com/timour/orderflow/discovery/consul"
)

type App struct {
	registry        discovery.Registry
	registration    *ServiceRegistration
	httpServer      *http.Server
	metricsServer   *http.Server
	store           *PostgresStore
	channel         *amqp.Channel
	closeRabbitMQ   func() error
	inventoryConn   *grpc.ClientConn
	config          Config
	logger          *slog.Logger
	httpMetrics     *metrics.HTTPMetrics
	businessMetrics *metrics.BusinessMetrics
}

type Config struct {
	ServiceName   string
	InstanceID    string
	HTTPAddr      string
	MetricsAddr   string
	ConsulAddr    string
	AMQPUser      string
	AMQPPass      string
	AMQPHost      string
	AMQPPort      string
	DatabaseURL   string
	InventoryAddr string
}

func NewApp(config Config) (*App, error) {
	log := logger.NewLogger(config.ServiceName)

	registry, err := createRegistry(config.ConsulAddr, log)
	if err != nil {
		return nil, err
	}

	log.Info("connecting to postgres")
	store, err := NewPostgresStore(config.DatabaseURL)
	if err != nil {
		return nil, err
	}

	log.Info("connecting to rabbitmq",
		slog.String("host", config.AMQPHost),
		slog.String("port", config.AMQPPort),
	)
	ch, closeFn, err := broker.Connect(config.AMQPUser, config.AMQPPass, config.AMQPHost, config.AMQPPort)
	if err != nil {
		store.Close()
		return nil, err
	}
	log.Info("rabbitmq connected successfully")

	return &App{
		registry:        registry,
		store:           store,
		channel:         ch,
		closeRabbitMQ:   closeFn,
		config:          config,
		logger:          log,
		httpMetrics:     metrics.NewHTTPMetrics(config.ServiceName),
		businessMetrics: metrics.NewBusinessMetrics(config.ServiceName),
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	// 1. Register with service discovery
	if a.registry != nil {
		registration, err := RegisterService(
			ctx,
			a.registry,
			a.config.InstanceID,
			a.config.ServiceName,
			a.config.HTTPAddr,
			a.logger,
		)
		if err != nil {
			return err
		}
		a.registration = registration
	}

	// 2. Dial the inventory custodian. The connection is lazy: a custodian
	// outage at startup must not keep the coordinator down.
	inventoryClient, err := a.dialInventory(ctx)
	if err != nil {
		return err
	}

	// 3. Business logic
	svc := NewService(a.store, inventoryClient, a.logger, a.businessMetrics)

	// 4. Outbox pumper drains staged events to the broker.
	pumper := outbox.NewPumper(
		outbox.NewSQLSource(a.store.DB()),
		outbox.NewBrokerPublisher(a.channel),
	).WithLagGauge(a.businessMetrics.OutboxLag)
	go pumper.Run(ctx)

	// 5. Inventory-events consumer resolves async outcomes.
	consumer := NewConsumer(a.store, a.logger, a.businessMetrics)
	go func() {
		if err := consumer.Listen(a.channel); err != nil {
			a.logger.Error("consumer stopped", slog.Any("error", err))
		}
	}()

	// 6. Prometheus metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	a.metricsServer = &http.Server{
		Addr:    a.config.MetricsAddr,
		Handler: metricsMux,
	}
	go func() {
		a.logger.Info("starting metrics server", slog.String("addr", a.config.MetricsAddr))
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", slog.Any("error", err))
		}
	}()

	// 7. HTTP API
	mux := http.NewServeMux()
	handler := NewHandler(svc, a.store, inventoryClient, a.channel, a.logger)
	handler.registerRoutes(mux)

	a.httpServer = &http.Server{
		Addr:    a.config.HTTPAddr,
		Handler: a.metricsMiddleware(mux),
	}

	a.logger.Info("starting http server", slog.String("addr", a.config.HTTPAddr))
	return a.httpServer.ListenAndServe()
}

// dialInventory prefers the registry; a static address from configuration is
// the fallback for single-host setups without consul.
func (a *App) dialInventory(ctx context.Context) (api.InventoryServiceClient, error) {
	var (
		conn *grpc.ClientConn
		err  error
	)
	if a.registry != nil {
		conn, err = discovery.ServiceConnection(ctx, "inventory", a.registry)
	} else {
		conn, err = discovery.Dial(a.config.InventoryAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial inventory service: %w", err)
	}
	a.inventoryConn = conn
	return api.NewInventoryServiceClient(conn), nil
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down gracefully")

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Error("http server shutdown error", slog.Any("error", err))
		}
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			a.logger.Error("metrics server shutdown error", slog.Any("error", err))
		}
	}

	if a.inventoryConn != nil {
		a.inventoryConn.Close()
	}

	if a.closeRabbitMQ != nil {
		if err := a.closeRabbitMQ(); err != nil {
			a.logger.Error("error closing rabbitmq", slog.Any("error", err))
		}
	}

	if a.store != nil {
		a.store.Close()
	}

	if a.registration != nil {
		return a.registration.Deregister(ctx)
	}
	return nil
}

func createRegistry(addr string, log *slog.Logger) (discovery.Registry, error) {
	if addr == "" {
		log.Info("consul address not provided, service discovery disabled")
		return nil, nil
	}
	return consul.NewRegistry(addr)
}

func (a *App) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		recorder := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		duration := time.Since(start)
		status := strconv.Itoa(recorder.statusCode)
		a.httpMetrics.RecordHTTPRequest(r.Method, r.URL.Path, status, duration)
	})
}

type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *responseRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}
