package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/timour/orderflow/common/outbox"
)

// PostgresStore owns the orders table and the coordinator's outbox.
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

// Ping is used by the health endpoint.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the handle for the outbox source.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const orderColumns = `order_id, customer_id, product_id, quantity, status,
	idempotency_key, reservation_id, error_message, created_at, updated_at, completed_at`

// Create inserts a new pending order together with its outbox entries. A
// unique-violation on idempotency_key means a concurrent create with the
// same key committed first; the caller re-reads that order instead.
func (s *PostgresStore) Create(ctx context.Context, o *Order, entries ...outbox.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO orders (order_id, customer_id, product_id, quantity, status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`
	err = tx.QueryRowContext(ctx, query,
		o.OrderID, o.CustomerID, o.ProductID, o.Quantity, o.Status, o.IdempotencyKey,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}

	if err := outbox.Insert(ctx, tx, entries...); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) GetByID(ctx context.Context, orderID string) (*Order, error) {
	return s.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID)
}

func (s *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	return s.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key)
}

func (s *PostgresStore) getOne(ctx context.Context, query string, arg interface{}) (*Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return o, nil
}

// List returns recent orders, optionally filtered by status.
func (s *PostgresStore) List(ctx context.Context, status Status, limit int) ([]*Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC LIMIT $1`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+orderColumns+` FROM orders WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ApplyTransition locks the order row, runs the transition function and, when
// the transition applies, persists the new state together with the outbox
// entries — one transaction, so a crash never leaves a state change without
// its events or vice versa.
func (s *PostgresStore) ApplyTransition(ctx context.Context, orderID string, ev TransitionEvent, entries ...outbox.Entry) (*Order, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = $1 FOR UPDATE`, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrOrderNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock order: %w", err)
	}

	next, applied := Apply(o.Status, ev)
	if !applied {
		return o, false, nil
	}

	o.Status = next
	if ev.ReservationID != "" {
		o.ReservationID = ev.ReservationID
	}
	if ev.Reason != "" {
		o.ErrorMessage = ev.Reason
	}
	now := time.Now().UTC()
	o.UpdatedAt = now
	if next.Terminal() {
		o.CompletedAt = &now
	}

	const query = `
		UPDATE orders
		SET status = $2, reservation_id = $3, error_message = $4,
		    updated_at = $5, completed_at = $6
		WHERE order_id = $1
	`
	if _, err := tx.ExecContext(ctx, query,
		o.OrderID, o.Status, nullable(o.ReservationID), nullable(o.ErrorMessage),
		o.UpdatedAt, o.CompletedAt,
	); err != nil {
		return nil, false, fmt.Errorf("failed to update order: %w", err)
	}

	if err := outbox.Insert(ctx, tx, entries...); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transition: %w", err)
	}
	return o, true, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row scannable) (*Order, error) {
	var (
		o              Order
		idempotencyKey sql.NullString
		reservationID  sql.NullString
		errorMessage   sql.NullString
		completedAt    sql.NullTime
	)
	err := row.Scan(
		&o.OrderID, &o.CustomerID, &o.ProductID, &o.Quantity, &o.Status,
		&idempotencyKey, &reservationID, &errorMessage,
		&o.CreatedAt, &o.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	o.IdempotencyKey = idempotencyKey.String
	o.ReservationID = reservationID.String
	o.ErrorMessage = errorMessage.String
	if completedAt.Valid {
		t := completedAt.Time
		o.CompletedAt = &t
	}
	return &o, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

var _ OrdersStore = (*PostgresStore)(nil)
