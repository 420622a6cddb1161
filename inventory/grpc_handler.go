package main

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pb "github.com/timour/orderflow/common/api"
	"github.com/timour/orderflow/common/metrics"
)

type grpcHandler struct {
	pb.UnimplementedInventoryServiceServer

	service InventoryService
	store   InventoryStore
	channel *amqp.Channel
	chaos   *chaos
	logger  *zap.Logger
	metrics *metrics.GRPCMetrics
}

func NewGRPCHandler(server *grpc.Server, service InventoryService, store InventoryStore, ch *amqp.Channel, chaos *chaos, logger *zap.Logger, m *metrics.GRPCMetrics) {
	handler := &grpcHandler{
		service: service,
		store:   store,
		channel: ch,
		chaos:   chaos,
		logger:  logger,
		metrics: m,
	}
	pb.RegisterInventoryServiceServer(server, handler)
}

func (h *grpcHandler) record(method string, start time.Time, err error) {
	h.metrics.RecordGRPCRequest(method, status.Code(err).String(), time.Since(start))
}

// ReserveStock is the synchronous reservation RPC. Domain rejections come
// back as OK responses with the status enum set; gRPC errors are reserved
// for invalid requests and store failures.
func (h *grpcHandler) ReserveStock(ctx context.Context, req *pb.ReserveStockRequest) (*pb.ReserveStockResponse, error) {
	start := time.Now()
	var err error
	defer func() { h.record("ReserveStock", start, err) }()

	if req.OrderID == "" || req.ProductID == "" {
		err = status.Error(codes.InvalidArgument, "order_id and product_id are required")
		return nil, err
	}
	if req.Quantity <= 0 {
		err = status.Error(codes.InvalidArgument, "quantity must be greater than zero")
		return nil, err
	}

	h.chaos.maybeDelay()

	result, err := h.service.Reserve(ctx, req.OrderID, req.ProductID, req.Quantity, req.IdempotencyKey)
	if err != nil {
		h.logger.Error("reserve stock failed",
			zap.String("order_id", req.OrderID),
			zap.Error(err),
		)
		err = status.Error(codes.Internal, "failed to reserve stock")
		return nil, err
	}

	// The crash window: the reservation is committed, the reply is not out.
	h.chaos.maybeCrash()

	resp := &pb.ReserveStockResponse{
		RemainingStock: result.RemainingStock,
		Message:        result.Message,
	}
	switch result.Outcome {
	case ReserveOK:
		resp.Success = true
		resp.Status = pb.ReserveStatus_CONFIRMED
		resp.ReservationID = result.Reservation.ReservationID
	case ReserveAlreadyExists:
		resp.Success = true
		resp.Status = pb.ReserveStatus_ALREADY_EXISTS
		resp.ReservationID = result.Reservation.ReservationID
	case ReserveInsufficientStock:
		resp.Status = pb.ReserveStatus_INSUFFICIENT_STOCK
	case ReserveProductNotFound:
		resp.Status = pb.ReserveStatus_PRODUCT_NOT_FOUND
	}
	return resp, nil
}

func (h *grpcHandler) ReleaseStock(ctx context.Context, req *pb.ReleaseStockRequest) (*pb.ReleaseStockResponse, error) {
	start := time.Now()
	var err error
	defer func() { h.record("ReleaseStock", start, err) }()

	if req.OrderID == "" && req.ReservationID == "" {
		err = status.Error(codes.InvalidArgument, "order_id or reservation_id is required")
		return nil, err
	}

	released, message, err := h.service.Release(ctx, req.OrderID, req.ReservationID, req.Reason)
	if err != nil {
		h.logger.Error("release stock failed",
			zap.String("order_id", req.OrderID),
			zap.Error(err),
		)
		err = status.Error(codes.Internal, "failed to release stock")
		return nil, err
	}

	return &pb.ReleaseStockResponse{
		Success: released,
		Message: message,
	}, nil
}

func (h *grpcHandler) CheckStock(ctx context.Context, req *pb.CheckStockRequest) (*pb.CheckStockResponse, error) {
	start := time.Now()
	var err error
	defer func() { h.record("CheckStock", start, err) }()

	if req.ProductID == "" {
		err = status.Error(codes.InvalidArgument, "product_id is required")
		return nil, err
	}

	p, err := h.service.CheckStock(ctx, req.ProductID)
	if errors.Is(err, ErrProductNotFound) {
		err = nil
		return &pb.CheckStockResponse{ProductID: req.ProductID}, nil
	}
	if err != nil {
		h.logger.Error("check stock failed", zap.String("product_id", req.ProductID), zap.Error(err))
		err = status.Error(codes.Internal, "failed to check stock")
		return nil, err
	}

	return &pb.CheckStockResponse{
		ProductID:         p.ProductID,
		Name:              p.Name,
		Stock:             p.Stock,
		LowStockThreshold: p.LowStockThreshold,
		Found:             true,
	}, nil
}

func (h *grpcHandler) ListProducts(ctx context.Context, req *pb.ListProductsRequest) (*pb.ListProductsResponse, error) {
	start := time.Now()
	var err error
	defer func() { h.record("ListProducts", start, err) }()

	products, err := h.service.ListProducts(ctx)
	if err != nil {
		h.logger.Error("list products failed", zap.Error(err))
		err = status.Error(codes.Internal, "failed to list products")
		return nil, err
	}

	resp := &pb.ListProductsResponse{}
	for _, p := range products {
		resp.Products = append(resp.Products, &pb.ProductInfo{
			ProductID:         p.ProductID,
			Name:              p.Name,
			Stock:             p.Stock,
			LowStockThreshold: p.LowStockThreshold,
		})
	}
	return resp, nil
}

// HealthCheck reports only this service's own dependencies.
func (h *grpcHandler) HealthCheck(ctx context.Context, req *pb.HealthCheckRequest) (*pb.HealthCheckResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		return &pb.HealthCheckResponse{Healthy: false, Message: "database unreachable"}, nil
	}
	if h.channel == nil || h.channel.IsClosed() {
		return &pb.HealthCheckResponse{Healthy: false, Message: "broker channel closed"}, nil
	}
	return &pb.HealthCheckResponse{Healthy: true}, nil
}
