package main

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	pb "github.com/timour/orderflow/common/api"
	"github.com/timour/orderflow/common/metrics"
)

var testGRPCMetrics = metrics.NewGRPCMetrics("inventory_grpc_test")

// startServer serves the handler over an in-memory listener and returns a
// connected client.
func startServer(t *testing.T, store InventoryStore) pb.InventoryServiceClient {
	t.Helper()

	lis := bufconn.Listen(1024 * 1024)
	server := grpc.NewServer()
	NewGRPCHandler(server, newTestService(store), store, nil, &chaos{}, zap.NewNop(), testGRPCMetrics)

	go server.Serve(lis)
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return pb.NewInventoryServiceClient(conn)
}

func TestReserveStockConfirmed(t *testing.T) {
	client := startServer(t, newMemStore(laptop(10)))

	resp, err := client.ReserveStock(t.Context(), &pb.ReserveStockRequest{
		OrderID:        "order-1",
		ProductID:      "laptop-pro",
		Quantity:       3,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, pb.ReserveStatus_CONFIRMED, resp.Status)
	assert.NotEmpty(t, resp.ReservationID)
	assert.Equal(t, int32(7), resp.RemainingStock)
}

func TestReserveStockReplayReportsAlreadyExists(t *testing.T) {
	client := startServer(t, newMemStore(laptop(10)))

	req := &pb.ReserveStockRequest{
		OrderID:        "order-1",
		ProductID:      "laptop-pro",
		Quantity:       3,
		IdempotencyKey: "key-1",
	}

	first, err := client.ReserveStock(t.Context(), req)
	require.NoError(t, err)

	second, err := client.ReserveStock(t.Context(), req)
	require.NoError(t, err)

	assert.True(t, second.Success)
	assert.Equal(t, pb.ReserveStatus_ALREADY_EXISTS, second.Status)
	assert.Equal(t, first.ReservationID, second.ReservationID)
	assert.Equal(t, int32(7), second.RemainingStock)
}

func TestReserveStockDomainRejectionsAreOKResponses(t *testing.T) {
	client := startServer(t, newMemStore(laptop(2)))

	short, err := client.ReserveStock(t.Context(), &pb.ReserveStockRequest{
		OrderID:        "order-1",
		ProductID:      "laptop-pro",
		Quantity:       5,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err, "insufficient stock is a response, not a gRPC error")
	assert.False(t, short.Success)
	assert.Equal(t, pb.ReserveStatus_INSUFFICIENT_STOCK, short.Status)
	assert.Equal(t, int32(2), short.RemainingStock)
	assert.NotEmpty(t, short.Message)

	missing, err := client.ReserveStock(t.Context(), &pb.ReserveStockRequest{
		OrderID:        "order-2",
		ProductID:      "ghost",
		Quantity:       1,
		IdempotencyKey: "key-2",
	})
	require.NoError(t, err)
	assert.False(t, missing.Success)
	assert.Equal(t, pb.ReserveStatus_PRODUCT_NOT_FOUND, missing.Status)
}

func TestReserveStockValidation(t *testing.T) {
	client := startServer(t, newMemStore(laptop(10)))

	cases := []*pb.ReserveStockRequest{
		{ProductID: "laptop-pro", Quantity: 1, IdempotencyKey: "k"},
		{OrderID: "order-1", Quantity: 1, IdempotencyKey: "k"},
		{OrderID: "order-1", ProductID: "laptop-pro", Quantity: 0, IdempotencyKey: "k"},
		{OrderID: "order-1", ProductID: "laptop-pro", Quantity: -1, IdempotencyKey: "k"},
	}
	for _, req := range cases {
		_, err := client.ReserveStock(t.Context(), req)
		assert.Equal(t, codes.InvalidArgument, status.Code(err), "request %+v", req)
	}
}

func TestReserveStockWithoutKey(t *testing.T) {
	client := startServer(t, newMemStore(laptop(10)))

	// The idempotency key is optional on the wire; legacy clients omit it
	// and simply never get replay protection.
	first, err := client.ReserveStock(t.Context(), &pb.ReserveStockRequest{
		OrderID:   "order-1",
		ProductID: "laptop-pro",
		Quantity:  3,
	})
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, pb.ReserveStatus_CONFIRMED, first.Status)
	assert.Equal(t, int32(7), first.RemainingStock)

	second, err := client.ReserveStock(t.Context(), &pb.ReserveStockRequest{
		OrderID:   "order-2",
		ProductID: "laptop-pro",
		Quantity:  2,
	})
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, pb.ReserveStatus_CONFIRMED, second.Status, "keyless requests must not replay each other")
	assert.NotEqual(t, first.ReservationID, second.ReservationID)
	assert.Equal(t, int32(5), second.RemainingStock)
}

func TestReleaseStockRoundTrip(t *testing.T) {
	store := newMemStore(laptop(10))
	client := startServer(t, store)

	reserved, err := client.ReserveStock(t.Context(), &pb.ReserveStockRequest{
		OrderID:        "order-1",
		ProductID:      "laptop-pro",
		Quantity:       4,
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)

	released, err := client.ReleaseStock(t.Context(), &pb.ReleaseStockRequest{
		OrderID:       "order-1",
		ReservationID: reserved.ReservationID,
		Reason:        "cancelled",
	})
	require.NoError(t, err)
	assert.True(t, released.Success)

	again, err := client.ReleaseStock(t.Context(), &pb.ReleaseStockRequest{
		OrderID:       "order-1",
		ReservationID: reserved.ReservationID,
	})
	require.NoError(t, err)
	assert.False(t, again.Success)
	assert.NotEmpty(t, again.Message)

	p, _ := store.GetProduct(t.Context(), "laptop-pro")
	assert.Equal(t, int32(10), p.Stock)
}

func TestReleaseStockRequiresIdentifier(t *testing.T) {
	client := startServer(t, newMemStore(laptop(10)))

	_, err := client.ReleaseStock(t.Context(), &pb.ReleaseStockRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestCheckStockFoundAndMissing(t *testing.T) {
	client := startServer(t, newMemStore(laptop(7)))

	found, err := client.CheckStock(t.Context(), &pb.CheckStockRequest{ProductID: "laptop-pro"})
	require.NoError(t, err)
	assert.True(t, found.Found)
	assert.Equal(t, int32(7), found.Stock)

	missing, err := client.CheckStock(t.Context(), &pb.CheckStockRequest{ProductID: "ghost"})
	require.NoError(t, err, "a missing product is not a gRPC error")
	assert.False(t, missing.Found)
	assert.Equal(t, "ghost", missing.ProductID)
}

func TestListProducts(t *testing.T) {
	phone := &Product{
		ProductID:         "phone-x",
		Name:              "Phone X",
		Stock:             80,
		LowStockThreshold: 10,
	}
	client := startServer(t, newMemStore(laptop(7), phone))

	resp, err := client.ListProducts(t.Context(), &pb.ListProductsRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Products, 2)

	byID := map[string]*pb.ProductInfo{}
	for _, p := range resp.Products {
		byID[p.ProductID] = p
	}
	require.Contains(t, byID, "laptop-pro")
	assert.Equal(t, int32(7), byID["laptop-pro"].Stock)
	require.Contains(t, byID, "phone-x")
	assert.Equal(t, "Phone X", byID["phone-x"].Name)
	assert.Equal(t, int32(10), byID["phone-x"].LowStockThreshold)
}

func TestHealthCheckBrokerDown(t *testing.T) {
	// No AMQP channel wired: healthy must be false.
	client := startServer(t, newMemStore())

	resp, err := client.HealthCheck(t.Context(), &pb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.False(t, resp.Healthy)
	assert.NotEmpty(t, resp.Message)
}
