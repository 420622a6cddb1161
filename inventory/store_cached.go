package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/timour/orderflow/common/outbox"
)

// CachedStore wraps the postgres store with cache-aside product reads. Stock
// mutations go to postgres first and invalidate the cache entry afterwards;
// a stale read costs at most one cache TTL and only affects CheckStock,
// never a reservation (those lock the product row).
type CachedStore struct {
	store  *PostgresStore
	cache  *ProductCache
	logger *zap.Logger
}

func NewCachedStore(store *PostgresStore, cache *ProductCache, logger *zap.Logger) *CachedStore {
	return &CachedStore{
		store:  store,
		cache:  cache,
		logger: logger,
	}
}

func (s *CachedStore) GetProduct(ctx context.Context, productID string) (*Product, error) {
	cached, err := s.cache.GetProduct(ctx, productID)
	if err != nil {
		s.logger.Warn("cache read failed, querying database", zap.Error(err))
	} else if cached != nil {
		return cached, nil
	}

	p, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	// Best-effort populate; a cache write failure never fails the read.
	if err := s.cache.SetProduct(ctx, p); err != nil {
		s.logger.Warn("cache populate failed", zap.String("product_id", productID), zap.Error(err))
	}
	return p, nil
}

func (s *CachedStore) ListProducts(ctx context.Context) ([]*Product, error) {
	// Listing always hits the database; keeping a coherent "all products"
	// cache entry is not worth the invalidation traffic.
	return s.store.ListProducts(ctx)
}

func (s *CachedStore) Reserve(ctx context.Context, orderID, productID string, quantity int32, idempotencyKey string) (*Reservation, int32, bool, error) {
	res, remaining, existed, err := s.store.Reserve(ctx, orderID, productID, quantity, idempotencyKey)
	if err == nil && !existed {
		s.invalidate(ctx, productID)
	}
	return res, remaining, existed, err
}

func (s *CachedStore) Release(ctx context.Context, orderID, reservationID, reason string) (*Reservation, bool, error) {
	res, released, err := s.store.Release(ctx, orderID, reservationID, reason)
	if err == nil && released {
		s.invalidate(ctx, res.ProductID)
	}
	return res, released, err
}

func (s *CachedStore) invalidate(ctx context.Context, productID string) {
	if err := s.cache.InvalidateProduct(ctx, productID); err != nil {
		s.logger.Warn("cache invalidate failed", zap.String("product_id", productID), zap.Error(err))
	}
}

func (s *CachedStore) FindActiveReservation(ctx context.Context, orderID string) (*Reservation, error) {
	return s.store.FindActiveReservation(ctx, orderID)
}

func (s *CachedStore) AppendOutbox(ctx context.Context, entries ...outbox.Entry) error {
	return s.store.AppendOutbox(ctx, entries...)
}

func (s *CachedStore) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

var _ InventoryStore = (*CachedStore)(nil)
