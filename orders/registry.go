package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/timour/orderflow/discovery"
)

// ServiceRegistration keeps a registry entry alive with a TTL heartbeat.
type ServiceRegistration struct {
	registry    discovery.Registry
	instanceID  string
	serviceName string
	logger      *slog.Logger
	stopChan    chan struct{}
}

func RegisterService(ctx context.Context, registry discovery.Registry, instanceID, serviceName, addr string, logger *slog.Logger) (*ServiceRegistration, error) {
	if err := registry.Register(ctx, instanceID, serviceName, addr); err != nil {
		return nil, err
	}

	sr := &ServiceRegistration{
		registry:    registry,
		instanceID:  instanceID,
		serviceName: serviceName,
		logger:      logger,
		stopChan:    make(chan struct{}),
	}

	go sr.heartbeat()

	return sr, nil
}

func (sr *ServiceRegistration) heartbeat() {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sr.stopChan:
			return
		case <-ticker.C:
			if err := sr.registry.HealthCheck(sr.instanceID, sr.serviceName); err != nil {
				sr.logger.Warn("registry health check failed", slog.Any("error", err))
			}
		}
	}
}

func (sr *ServiceRegistration) Deregister(ctx context.Context) error {
	close(sr.stopChan)
	return sr.registry.Deregister(ctx, sr.instanceID, sr.serviceName)
}
