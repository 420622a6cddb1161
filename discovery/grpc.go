package discovery

import (
	"context"
	"fmt"
	"math/rand"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ServiceConnection discovers a service instance and dials it with the
// otelgrpc stats handler attached, so every RPC carries the caller's trace.
// Instance selection is random; callers close the connection when done.
func ServiceConnection(ctx context.Context, serviceName string, registry Registry) (*grpc.ClientConn, error) {
	addrs, err := registry.Discover(ctx, serviceName)
	if err != nil {
		return nil, err
	}

	if len(addrs) == 0 {
		return nil, fmt.Errorf("no instances found for service %s", serviceName)
	}

	return Dial(addrs[rand.Intn(len(addrs))])
}

// Dial connects to a known address with the same client instrumentation as
// ServiceConnection. Used when the peer address comes from configuration
// instead of the registry.
func Dial(addr string) (*grpc.ClientConn, error) {
	return grpc.NewClient(
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
}
