package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"

	"github.com/timour/orderflow/common/config"
	"github.com/timour/orderflow/common/logger"
	"github.com/timour/orderflow/common/tracing"
)

func main() {
	cfg := Config{
		ServiceName:   config.GetEnv("SERVICE_NAME", "orders"),
		InstanceID:    config.GetEnv("INSTANCE_ID", "orders-1"),
		HTTPAddr:      fmt.Sprintf("%s:%s", config.GetEnv("HTTP_HOST", "localhost"), config.GetEnv("HTTP_PORT", "8080")),
		MetricsAddr:   config.GetEnv("METRICS_ADDR", "localhost:8081"),
		ConsulAddr:    config.GetEnv("CONSUL_ADDR", ""),
		AMQPUser:      config.GetEnv("RABBITMQ_USER", "guest"),
		AMQPPass:      config.GetEnv("RABBITMQ_PASS", "guest"),
		AMQPHost:      config.GetEnv("RABBITMQ_HOST", "localhost"),
		AMQPPort:      config.GetEnv("RABBITMQ_PORT", "5672"),
		DatabaseURL:   databaseURL(),
		InventoryAddr: config.GetEnv("INVENTORY_SERVICE_HOST", "localhost:9000"),
	}

	log := logger.NewLogger(cfg.ServiceName)
	log.Info("starting service",
		slog.String("instance_id", cfg.InstanceID),
		slog.String("http_addr", cfg.HTTPAddr),
	)

	shutdown, err := tracing.InitTracer(cfg.ServiceName)
	if err != nil {
		log.Error("failed to initialize tracer", slog.Any("error", err))
		os.Exit(1)
	}
	defer shutdown()

	app, err := NewApp(cfg)
	if err != nil {
		log.Error("failed to create app", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("received shutdown signal")
		if err := app.Shutdown(ctx); err != nil {
			log.Error("error during shutdown", slog.Any("error", err))
		}
		cancel()
	}()

	if err := app.Start(ctx); err != nil {
		log.Error("failed to start app", slog.Any("error", err))
		os.Exit(1)
	}
}

func databaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable&connect_timeout=5",
		config.GetEnv("DB_USER", "orders"),
		config.GetEnv("DB_PASSWORD", "orders"),
		config.GetEnv("DB_HOST", "localhost"),
		config.GetEnv("DB_PORT", "5432"),
		config.GetEnv("DB_NAME", "orders"),
	)
}
