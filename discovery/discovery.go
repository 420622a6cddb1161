package discovery

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Registry abstracts a service registry so services can run against consul
// in deployment and the in-memory registry in tests or single-host setups.
type Registry interface {
	Register(ctx context.Context, instanceID, serviceName, hostPort string) error
	Deregister(ctx context.Context, instanceID, serviceName string) error
	Discover(ctx context.Context, serviceName string) ([]string, error)
	HealthCheck(instanceID, serviceName string) error
}

// GenerateInstanceID returns a unique registry id for one process instance.
func GenerateInstanceID(serviceName string) string {
	return fmt.Sprintf("%s-%s", serviceName, uuid.New().String())
}
