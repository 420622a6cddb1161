package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	"github.com/timour/orderflow/common/config"
	"github.com/timour/orderflow/common/tracing"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	zap.ReplaceGlobals(logger)

	cfg := Config{
		ServiceName: config.GetEnv("SERVICE_NAME", "inventory"),
		GRPCAddr:    fmt.Sprintf("%s:%s", config.GetEnv("GRPC_HOST", "localhost"), config.GetEnv("GRPC_PORT", "9000")),
		MetricsAddr: config.GetEnv("METRICS_ADDR", "localhost:9001"),
		ConsulAddr:  config.GetEnv("CONSUL_ADDR", ""),
		AMQPUser:    config.GetEnv("RABBITMQ_USER", "guest"),
		AMQPPass:    config.GetEnv("RABBITMQ_PASS", "guest"),
		AMQPHost:    config.GetEnv("RABBITMQ_HOST", "localhost"),
		AMQPPort:    config.GetEnv("RABBITMQ_PORT", "5672"),
		DatabaseURL: databaseURL(),
		RedisAddr:   config.GetEnv("REDIS_ADDR", ""),
		CacheTTL:    5 * time.Minute,
	}

	logger.Info("starting service",
		zap.String("service", cfg.ServiceName),
		zap.String("grpc_addr", cfg.GRPCAddr),
	)

	shutdown, err := tracing.InitTracer(cfg.ServiceName)
	if err != nil {
		logger.Fatal("failed to initialize tracer", zap.Error(err))
	}
	defer shutdown()

	app, err := NewApp(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create app", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		if err := app.Shutdown(ctx); err != nil {
			logger.Error("error during shutdown", zap.Error(err))
		}
		cancel()
	}()

	if err := app.Start(ctx); err != nil {
		logger.Fatal("failed to start app", zap.Error(err))
	}
}

func databaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable&connect_timeout=5",
		config.GetEnv("DB_USER", "inventory"),
		config.GetEnv("DB_PASSWORD", "inventory"),
		config.GetEnv("DB_HOST", "localhost"),
		config.GetEnv("DB_PORT", "5432"),
		config.GetEnv("DB_NAME", "inventory"),
	)
}
