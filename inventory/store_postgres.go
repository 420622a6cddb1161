package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/timour/orderflow/common/broker"
	"github.com/timour/orderflow/common/outbox"
)

// PostgresStore owns the products, reservations, stock_audit and outbox
// tables.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(30 * time.Second)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the handle for the outbox source.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) GetProduct(ctx context.Context, productID string) (*Product, error) {
	var p Product
	err := s.db.QueryRowContext(ctx,
		`SELECT product_id, name, stock, low_stock_threshold, updated_at FROM products WHERE product_id = $1`,
		productID,
	).Scan(&p.ProductID, &p.Name, &p.Stock, &p.LowStockThreshold, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) ListProducts(ctx context.Context) ([]*Product, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT product_id, name, stock, low_stock_threshold, updated_at FROM products ORDER BY product_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []*Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ProductID, &p.Name, &p.Stock, &p.LowStockThreshold, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, &p)
	}
	return products, rows.Err()
}

// Reserve runs the exactly-once reservation transaction. The idempotency key
// is checked inside the transaction, the product row is locked, stock is
// deducted, and the reservation, audit row and StockReserved event commit
// atomically. A serialization failure is retried once.
func (s *PostgresStore) Reserve(ctx context.Context, orderID, productID string, quantity int32, idempotencyKey string) (*Reservation, int32, bool, error) {
	res, remaining, existed, err := s.reserveOnce(ctx, orderID, productID, quantity, idempotencyKey)
	if isSerializationFailure(err) {
		res, remaining, existed, err = s.reserveOnce(ctx, orderID, productID, quantity, idempotencyKey)
	}
	return res, remaining, existed, err
}

func (s *PostgresStore) reserveOnce(ctx context.Context, orderID, productID string, quantity int32, idempotencyKey string) (*Reservation, int32, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Replay check first: the same key always yields the same reservation.
	// A request without a key has nothing to replay against.
	if idempotencyKey != "" {
		existing, err := scanReservation(tx.QueryRowContext(ctx,
			reservationColumnsQuery+` WHERE idempotency_key = $1`, idempotencyKey))
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, 0, false, fmt.Errorf("failed to check idempotency key: %w", err)
		}
		if err == nil {
			var stock int32
			if err := tx.QueryRowContext(ctx,
				`SELECT stock FROM products WHERE product_id = $1`, existing.ProductID,
			).Scan(&stock); err != nil {
				return nil, 0, false, fmt.Errorf("failed to read stock: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return nil, 0, false, fmt.Errorf("failed to commit: %w", err)
			}
			return existing, stock, true, nil
		}
	}

	var (
		stock     int32
		threshold int32
		name      string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT name, stock, low_stock_threshold FROM products WHERE product_id = $1 FOR UPDATE`,
		productID,
	).Scan(&name, &stock, &threshold)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, false, ErrProductNotFound
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to lock product: %w", err)
	}

	if stock < quantity {
		return nil, stock, false, ErrInsufficientStock
	}

	remaining := stock - quantity
	if _, err := tx.ExecContext(ctx,
		`UPDATE products SET stock = $2, updated_at = NOW() WHERE product_id = $1`,
		productID, remaining,
	); err != nil {
		return nil, 0, false, fmt.Errorf("failed to deduct stock: %w", err)
	}

	res := &Reservation{
		ReservationID:  uuid.New().String(),
		OrderID:        orderID,
		ProductID:      productID,
		Quantity:       quantity,
		Status:         ReservationActive,
		IdempotencyKey: idempotencyKey,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO reservations (reservation_id, order_id, product_id, quantity, status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`, res.ReservationID, res.OrderID, res.ProductID, res.Quantity, res.Status, nullable(res.IdempotencyKey),
	).Scan(&res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			// A concurrent reserve for the same key or order committed
			// between our replay check and the insert. Retry resolves it as
			// a replay.
			return nil, 0, false, &serializationRetry{cause: err}
		}
		return nil, 0, false, fmt.Errorf("failed to insert reservation: %w", err)
	}

	if err := s.insertAudit(ctx, tx, auditRow{
		ProductID:     productID,
		PreviousStock: stock,
		NewStock:      remaining,
		Change:        -quantity,
		Operation:     "reserve",
		OrderID:       orderID,
		ReservationID: res.ReservationID,
	}); err != nil {
		return nil, 0, false, err
	}

	entries := []outbox.Entry{}
	reserved, err := outbox.NewEntry(broker.TopicInventoryEvents, orderID, broker.EventStockReserved, broker.StockReserved{
		OrderID:        orderID,
		ReservationID:  res.ReservationID,
		ProductID:      productID,
		Quantity:       quantity,
		RemainingStock: remaining,
	})
	if err != nil {
		return nil, 0, false, err
	}
	entries = append(entries, reserved)

	if remaining <= threshold {
		alert, err := outbox.NewEntry(broker.TopicInventoryEvents, orderID, broker.EventLowStockAlert, broker.LowStockAlert{
			ProductID: productID,
			Stock:     remaining,
			Threshold: threshold,
		})
		if err != nil {
			return nil, 0, false, err
		}
		entries = append(entries, alert)
	}

	if err := outbox.Insert(ctx, tx, entries...); err != nil {
		return nil, 0, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, false, fmt.Errorf("failed to commit reservation: %w", err)
	}
	return res, remaining, false, nil
}

// Release returns held stock to the product. Only active reservations
// release; anything else is a no-op so repeated releases converge.
func (s *PostgresStore) Release(ctx context.Context, orderID, reservationID, reason string) (*Reservation, bool, error) {
	res, released, err := s.releaseOnce(ctx, orderID, reservationID, reason)
	if isSerializationFailure(err) {
		res, released, err = s.releaseOnce(ctx, orderID, reservationID, reason)
	}
	return res, released, err
}

func (s *PostgresStore) releaseOnce(ctx context.Context, orderID, reservationID, reason string) (*Reservation, bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := reservationColumnsQuery + ` WHERE reservation_id = $1 FOR UPDATE`
	arg := reservationID
	if reservationID == "" {
		query = reservationColumnsQuery + ` WHERE order_id = $1 AND status = 'active' FOR UPDATE`
		arg = orderID
	}
	res, err := scanReservation(tx.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrReservationNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock reservation: %w", err)
	}

	if res.Status != ReservationActive {
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit: %w", err)
		}
		return res, false, nil
	}

	var stock int32
	err = tx.QueryRowContext(ctx,
		`SELECT stock FROM products WHERE product_id = $1 FOR UPDATE`, res.ProductID,
	).Scan(&stock)
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock product: %w", err)
	}

	newStock := stock + res.Quantity
	if _, err := tx.ExecContext(ctx,
		`UPDATE products SET stock = $2, updated_at = NOW() WHERE product_id = $1`,
		res.ProductID, newStock,
	); err != nil {
		return nil, false, fmt.Errorf("failed to restore stock: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE reservations SET status = 'released', updated_at = NOW() WHERE reservation_id = $1`,
		res.ReservationID,
	); err != nil {
		return nil, false, fmt.Errorf("failed to release reservation: %w", err)
	}
	res.Status = ReservationReleased

	if err := s.insertAudit(ctx, tx, auditRow{
		ProductID:     res.ProductID,
		PreviousStock: stock,
		NewStock:      newStock,
		Change:        res.Quantity,
		Operation:     "release",
		OrderID:       res.OrderID,
		ReservationID: res.ReservationID,
		Reason:        reason,
	}); err != nil {
		return nil, false, err
	}

	entry, err := outbox.NewEntry(broker.TopicInventoryEvents, res.OrderID, broker.EventStockReleased, broker.StockReleased{
		OrderID:       res.OrderID,
		ReservationID: res.ReservationID,
		ProductID:     res.ProductID,
		Quantity:      res.Quantity,
		Reason:        reason,
	})
	if err != nil {
		return nil, false, err
	}
	if err := outbox.Insert(ctx, tx, entry); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit release: %w", err)
	}
	return res, true, nil
}

func (s *PostgresStore) FindActiveReservation(ctx context.Context, orderID string) (*Reservation, error) {
	res, err := scanReservation(s.db.QueryRowContext(ctx,
		reservationColumnsQuery+` WHERE order_id = $1 AND status = 'active'`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find reservation: %w", err)
	}
	return res, nil
}

// AppendOutbox stages events in their own transaction, outside any stock
// mutation. Used by the verify consumer for OrderVerified verdicts.
func (s *PostgresStore) AppendOutbox(ctx context.Context, entries ...outbox.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := outbox.Insert(ctx, tx, entries...); err != nil {
		return err
	}
	return tx.Commit()
}

const reservationColumnsQuery = `
	SELECT reservation_id, order_id, product_id, quantity, status, idempotency_key, created_at, updated_at
	FROM reservations`

func scanReservation(row *sql.Row) (*Reservation, error) {
	var (
		r   Reservation
		key sql.NullString
	)
	err := row.Scan(
		&r.ReservationID, &r.OrderID, &r.ProductID, &r.Quantity,
		&r.Status, &key, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.IdempotencyKey = key.String
	return &r, nil
}

// nullable maps an absent idempotency key to NULL; UNIQUE permits any number
// of NULLs, so keyless reservations never collide with each other.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type auditRow struct {
	ProductID     string
	PreviousStock int32
	NewStock      int32
	Change        int32
	Operation     string
	OrderID       string
	ReservationID string
	Reason        string
}

// insertAudit appends one row to the append-only stock audit log. Replaying
// the log from the initial stock must reproduce the current stock value.
func (s *PostgresStore) insertAudit(ctx context.Context, tx *sql.Tx, a auditRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_audit (product_id, previous_stock, new_stock, quantity_change, operation, order_id, reservation_id, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ProductID, a.PreviousStock, a.NewStock, a.Change, a.Operation, a.OrderID, a.ReservationID, a.Reason)
	if err != nil {
		return fmt.Errorf("failed to insert audit row: %w", err)
	}
	return nil
}

// serializationRetry marks an in-transaction conflict that a retry resolves,
// the same way postgres signals 40001.
type serializationRetry struct {
	cause error
}

func (e *serializationRetry) Error() string {
	return fmt.Sprintf("serialization conflict: %v", e.cause)
}

func isSerializationFailure(err error) bool {
	if err == nil {
		return false
	}
	var retry *serializationRetry
	if errors.As(err, &retry) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// serialization_failure or deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

var _ InventoryStore = (*PostgresStore)(nil)
