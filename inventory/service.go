package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/timour/orderflow/common/broker"
	"github.com/timour/orderflow/common/metrics"
	"github.com/timour/orderflow/common/outbox"
)

// service is the custodian's business logic. Domain failures (product
// missing, stock short) are results, not errors; errors mean the attempt
// itself could not run and may be retried.
type service struct {
	store    InventoryStore
	logger   *zap.Logger
	business *metrics.BusinessMetrics
}

func NewService(store InventoryStore, logger *zap.Logger, business *metrics.BusinessMetrics) *service {
	return &service{
		store:    store,
		logger:   logger,
		business: business,
	}
}

func (s *service) Reserve(ctx context.Context, orderID, productID string, quantity int32, idempotencyKey string) (*ReserveResult, error) {
	res, remaining, existed, err := s.store.Reserve(ctx, orderID, productID, quantity, idempotencyKey)

	switch {
	case errors.Is(err, ErrProductNotFound):
		return &ReserveResult{
			Outcome: ReserveProductNotFound,
			Message: fmt.Sprintf("product %s not found", productID),
		}, nil
	case errors.Is(err, ErrInsufficientStock):
		return &ReserveResult{
			Outcome:        ReserveInsufficientStock,
			RemainingStock: remaining,
			Message:        fmt.Sprintf("product %s has %d in stock, %d requested", productID, remaining, quantity),
		}, nil
	case err != nil:
		return nil, err
	}

	if existed {
		s.logger.Info("reservation replayed",
			zap.String("order_id", orderID),
			zap.String("reservation_id", res.ReservationID),
			zap.String("idempotency_key", idempotencyKey),
		)
		return &ReserveResult{
			Outcome:        ReserveAlreadyExists,
			Reservation:    res,
			RemainingStock: remaining,
		}, nil
	}

	s.business.ReservationsCreated.Inc()
	s.logger.Info("stock reserved",
		zap.String("order_id", orderID),
		zap.String("reservation_id", res.ReservationID),
		zap.String("product_id", productID),
		zap.Int32("quantity", quantity),
		zap.Int32("remaining", remaining),
	)
	return &ReserveResult{
		Outcome:        ReserveOK,
		Reservation:    res,
		RemainingStock: remaining,
	}, nil
}

func (s *service) Release(ctx context.Context, orderID, reservationID, reason string) (bool, string, error) {
	res, released, err := s.store.Release(ctx, orderID, reservationID, reason)
	if errors.Is(err, ErrReservationNotFound) {
		return false, "reservation not found", nil
	}
	if err != nil {
		return false, "", err
	}

	if !released {
		return false, fmt.Sprintf("reservation is %s", res.Status), nil
	}

	s.business.ReservationsReleased.Inc()
	s.logger.Info("stock released",
		zap.String("order_id", res.OrderID),
		zap.String("reservation_id", res.ReservationID),
		zap.Int32("quantity", res.Quantity),
		zap.String("reason", reason),
	)
	return true, "", nil
}

func (s *service) CheckStock(ctx context.Context, productID string) (*Product, error) {
	return s.store.GetProduct(ctx, productID)
}

func (s *service) ListProducts(ctx context.Context) ([]*Product, error) {
	return s.store.ListProducts(ctx)
}

// Verify answers a VerifyOrder message. The coordinator sends one when a
// reservation RPC timed out or failed in transit, so the truth lives here: an
// active reservation for the order means the earlier attempt committed. With
// no reservation, a fresh reserve under a derived key settles the order
// either way. The returned verdict is final; errors mean "ask again".
func (s *service) Verify(ctx context.Context, req broker.VerifyOrder) (broker.OrderVerified, error) {
	existing, err := s.store.FindActiveReservation(ctx, req.OrderID)
	if err == nil {
		s.business.VerificationsRecovered.Inc()
		s.logger.Info("verification recovered committed reservation",
			zap.String("order_id", req.OrderID),
			zap.String("reservation_id", existing.ReservationID),
		)
		return broker.OrderVerified{
			OrderID:            req.OrderID,
			Status:             broker.VerifiedStatusConfirmed,
			ReservationID:      existing.ReservationID,
			RecoveredFromCrash: true,
		}, nil
	}
	if !errors.Is(err, ErrReservationNotFound) {
		return broker.OrderVerified{}, err
	}

	// The derived key keeps a verification reserve idempotent across
	// redeliveries without colliding with the original RPC's key.
	result, err := s.Reserve(ctx, req.OrderID, req.ProductID, req.Quantity, "verify-"+req.IdempotencyKey)
	if err != nil {
		return broker.OrderVerified{}, err
	}

	switch result.Outcome {
	case ReserveOK, ReserveAlreadyExists:
		return broker.OrderVerified{
			OrderID:       req.OrderID,
			Status:        broker.VerifiedStatusConfirmed,
			ReservationID: result.Reservation.ReservationID,
		}, nil
	default:
		return broker.OrderVerified{
			OrderID: req.OrderID,
			Status:  broker.VerifiedStatusNotFound,
			Reason:  result.Message,
		}, nil
	}
}

// AppendVerdict stages the OrderVerified event for the pumper. Separate from
// Verify so a crash between reserve-commit and verdict-append just causes a
// redelivery that resolves as recovered.
func (s *service) AppendVerdict(ctx context.Context, verdict broker.OrderVerified) error {
	entry, err := outbox.NewEntry(broker.TopicInventoryEvents, verdict.OrderID, broker.EventOrderVerified, verdict)
	if err != nil {
		return err
	}
	return s.store.AppendOutbox(ctx, entry)
}

var _ InventoryService = (*service)(nil)
