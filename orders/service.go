package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/timour/orderflow/common/api"
	"github.com/timour/orderflow/common/broker"
	"github.com/timour/orderflow/common/metrics"
	"github.com/timour/orderflow/common/outbox"
)

// reserveTimeout is the hard client-side deadline on the reservation RPC. A
// breach does not fail the order; it reroutes it into verification.
const reserveTimeout = 2 * time.Second

// CreateOutcome classifies a create-order request for the HTTP layer.
type CreateOutcome int

const (
	OutcomeConfirmed CreateOutcome = iota // 201
	OutcomeFailed                         // 400, domain failure
	OutcomePendingVerification            // 202
	OutcomeCached                         // replayed idempotency key
	OutcomeInternalError                  // 500, order left pending
)

type CreateOrderRequest struct {
	CustomerID     string `json:"customerId"`
	ProductID      string `json:"productId"`
	Quantity       int32  `json:"quantity"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// ValidationError carries the offending field back to the client.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (r *CreateOrderRequest) validate() error {
	if r.CustomerID == "" {
		return &ValidationError{Field: "customerId", Message: "is required"}
	}
	if r.ProductID == "" {
		return &ValidationError{Field: "productId", Message: "is required"}
	}
	if r.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Message: "must be greater than zero"}
	}
	return nil
}

// service is the order coordinator: it owns the order lifecycle, drives the
// reservation RPC and decides when to delegate to asynchronous verification.
type service struct {
	store     OrdersStore
	inventory api.InventoryServiceClient
	logger    *slog.Logger
	business  *metrics.BusinessMetrics
}

func NewService(store OrdersStore, inventory api.InventoryServiceClient, logger *slog.Logger, business *metrics.BusinessMetrics) *service {
	return &service{
		store:     store,
		inventory: inventory,
		logger:    logger,
		business:  business,
	}
}

// CreateOrder runs the coordinator's creation path. The returned outcome
// maps one-to-one onto HTTP status codes in the handler.
//
// The idempotency lookup happens before any side effect: a replayed key
// returns the stored order unchanged. The RPC outcome is classified into
// confirmed / failed / pending_verification; a deadline or transport failure
// never surfaces to the client as an error, it becomes a VerifyOrder message.
func (s *service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, CreateOutcome, error) {
	if err := req.validate(); err != nil {
		return nil, OutcomeFailed, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			s.logger.Info("idempotent replay",
				slog.String("order_id", existing.OrderID),
				slog.String("idempotency_key", req.IdempotencyKey),
			)
			return existing, OutcomeCached, nil
		}
		if !errors.Is(err, ErrOrderNotFound) {
			return nil, OutcomeInternalError, err
		}
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.New().String()
	}

	order := &Order{
		OrderID:        uuid.New().String(),
		CustomerID:     req.CustomerID,
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
		Status:         StatusPending,
		IdempotencyKey: key,
	}

	createdEntry, err := outbox.NewEntry(broker.TopicOrderEvents, order.OrderID, broker.EventOrderCreated, broker.OrderCreated{
		OrderID:        order.OrderID,
		CustomerID:     order.CustomerID,
		ProductID:      order.ProductID,
		Quantity:       order.Quantity,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, OutcomeInternalError, err
	}

	if err := s.store.Create(ctx, order, createdEntry); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			// A concurrent create with the same key won the insert race.
			winner, gerr := s.store.GetByIdempotencyKey(ctx, key)
			if gerr != nil {
				return nil, OutcomeInternalError, gerr
			}
			return winner, OutcomeCached, nil
		}
		return nil, OutcomeInternalError, err
	}
	s.business.OrdersCreated.Inc()

	s.logger.Info("order created",
		slog.String("order_id", order.OrderID),
		slog.String("product_id", order.ProductID),
		slog.Int("quantity", int(order.Quantity)),
	)

	rpcCtx, cancel := context.WithTimeout(ctx, reserveTimeout)
	defer cancel()

	resp, err := s.inventory.ReserveStock(rpcCtx, &api.ReserveStockRequest{
		OrderID:        order.OrderID,
		ProductID:      order.ProductID,
		Quantity:       order.Quantity,
		IdempotencyKey: key,
	})

	if err != nil {
		return s.classifyRPCFailure(ctx, order, key, err)
	}

	switch resp.Status {
	case api.ReserveStatus_CONFIRMED, api.ReserveStatus_ALREADY_EXISTS:
		return s.confirm(ctx, order, resp.ReservationID)
	case api.ReserveStatus_INSUFFICIENT_STOCK, api.ReserveStatus_PRODUCT_NOT_FOUND:
		return s.fail(ctx, order, resp.Message)
	default:
		s.logger.Error("unexpected reserve status",
			slog.String("order_id", order.OrderID),
			slog.String("status", resp.Status.String()),
		)
		return order, OutcomeInternalError, fmt.Errorf("unexpected reserve status %s", resp.Status)
	}
}

func (s *service) confirm(ctx context.Context, order *Order, reservationID string) (*Order, CreateOutcome, error) {
	entry, err := outbox.NewEntry(broker.TopicOrderEvents, order.OrderID, broker.EventOrderConfirmed, broker.OrderConfirmed{
		OrderID:       order.OrderID,
		ReservationID: reservationID,
	})
	if err != nil {
		return nil, OutcomeInternalError, err
	}

	updated, applied, err := s.store.ApplyTransition(ctx, order.OrderID, TransitionEvent{
		Kind:          TransitionConfirm,
		ReservationID: reservationID,
	}, entry)
	if err != nil {
		return nil, OutcomeInternalError, err
	}
	if applied {
		s.business.OrdersConfirmed.Inc()
	}

	s.logger.Info("order confirmed",
		slog.String("order_id", updated.OrderID),
		slog.String("reservation_id", reservationID),
	)
	return updated, OutcomeConfirmed, nil
}

func (s *service) fail(ctx context.Context, order *Order, reason string) (*Order, CreateOutcome, error) {
	entry, err := outbox.NewEntry(broker.TopicOrderEvents, order.OrderID, broker.EventOrderFailed, broker.OrderFailed{
		OrderID: order.OrderID,
		Reason:  reason,
	})
	if err != nil {
		return nil, OutcomeInternalError, err
	}

	updated, applied, err := s.store.ApplyTransition(ctx, order.OrderID, TransitionEvent{
		Kind:   TransitionFail,
		Reason: reason,
	}, entry)
	if err != nil {
		return nil, OutcomeInternalError, err
	}
	if applied {
		s.business.OrdersFailed.Inc()
	}

	s.logger.Warn("order failed",
		slog.String("order_id", updated.OrderID),
		slog.String("reason", reason),
	)
	return updated, OutcomeFailed, nil
}

// classifyRPCFailure decides between the verification path and a plain 500.
// TIMEOUT and UNAVAILABLE both mean "the outcome is unknown": the custodian
// may or may not have committed, so the order parks in pending_verification
// and a VerifyOrder message resolves it. Deliberately no client-side retry
// of the RPC — a retry could double-reserve under a crash after commit.
func (s *service) classifyRPCFailure(ctx context.Context, order *Order, key string, rpcErr error) (*Order, CreateOutcome, error) {
	code := status.Code(rpcErr)
	if code != codes.DeadlineExceeded && code != codes.Unavailable {
		s.logger.Error("reserve stock rpc failed",
			slog.String("order_id", order.OrderID),
			slog.String("code", code.String()),
			slog.Any("error", rpcErr),
		)
		return order, OutcomeInternalError, rpcErr
	}

	pendingEntry, err := outbox.NewEntry(broker.TopicOrderEvents, order.OrderID, broker.EventOrderPendingVerification, broker.OrderPendingVerification{
		OrderID: order.OrderID,
	})
	if err != nil {
		return nil, OutcomeInternalError, err
	}
	verifyEntry, err := outbox.NewEntry(broker.QueueVerifyOrders, order.OrderID, broker.EventVerifyOrder, broker.VerifyOrder{
		OrderID:             order.OrderID,
		ProductID:           order.ProductID,
		Quantity:            order.Quantity,
		IdempotencyKey:      key,
		OriginalRequestTime: order.CreatedAt,
	})
	if err != nil {
		return nil, OutcomeInternalError, err
	}

	updated, applied, err := s.store.ApplyTransition(ctx, order.OrderID, TransitionEvent{
		Kind: TransitionPendingVerification,
	}, pendingEntry, verifyEntry)
	if err != nil {
		return nil, OutcomeInternalError, err
	}
	if !applied {
		// The event consumer already resolved the order while the RPC was
		// timing out. Report what actually happened.
		switch updated.Status {
		case StatusConfirmed:
			return updated, OutcomeConfirmed, nil
		case StatusFailed:
			return updated, OutcomeFailed, nil
		}
		return updated, OutcomePendingVerification, nil
	}
	s.business.OrdersPendingVerify.Inc()

	s.logger.Warn("reservation outcome unknown, order pending verification",
		slog.String("order_id", updated.OrderID),
		slog.String("code", code.String()),
	)
	return updated, OutcomePendingVerification, nil
}

// CancelOrder moves the order to cancelled, then releases whatever
// reservation the cancelled row carries. A release failure does not undo the
// cancel: the reservation may already be released, or the custodian may be
// down; an orphaned reservation is reconciled out of band.
func (s *service) CancelOrder(ctx context.Context, orderID string) (*Order, error) {
	order, err := s.store.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == StatusFailed || order.Status == StatusCancelled {
		return order, ErrNotCancellable
	}

	entry, err := outbox.NewEntry(broker.TopicOrderEvents, order.OrderID, broker.EventOrderCancelled, broker.OrderCancelled{
		OrderID: order.OrderID,
	})
	if err != nil {
		return nil, err
	}

	updated, applied, err := s.store.ApplyTransition(ctx, order.OrderID, TransitionEvent{
		Kind: TransitionCancel,
	}, entry)
	if err != nil {
		return nil, err
	}
	if !applied {
		return updated, ErrNotCancellable
	}
	s.business.OrdersCancelled.Inc()

	// Release after the transition, from the row it returned: a confirm that
	// lands between the read above and the cancel records a reservation this
	// order must give back.
	if updated.ReservationID != "" {
		releaseCtx, cancel := context.WithTimeout(ctx, reserveTimeout)
		resp, err := s.inventory.ReleaseStock(releaseCtx, &api.ReleaseStockRequest{
			OrderID:       updated.OrderID,
			ReservationID: updated.ReservationID,
			Reason:        "order cancelled",
		})
		cancel()
		if err != nil {
			s.logger.Warn("release stock failed, order already cancelled",
				slog.String("order_id", updated.OrderID),
				slog.Any("error", err),
			)
		} else if !resp.Success {
			s.logger.Warn("release stock rejected, order already cancelled",
				slog.String("order_id", updated.OrderID),
				slog.String("message", resp.Message),
			)
		}
	}

	s.logger.Info("order cancelled", slog.String("order_id", updated.OrderID))
	return updated, nil
}

func (s *service) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	return s.store.GetByID(ctx, orderID)
}

func (s *service) ListOrders(ctx context.Context, status Status, limit int) ([]*Order, error) {
	if status != "" && !status.Valid() {
		return nil, &ValidationError{Field: "status", Message: "unknown status"}
	}
	return s.store.List(ctx, status, limit)
}
