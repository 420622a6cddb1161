package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/timour/orderflow/common/broker"
)

// Entry is an envelope staged for publication, written inside the same
// transaction as the state change it announces.
type Entry struct {
	Destination   string
	CorrelationID string
	Env           broker.Envelope
}

// NewEntry builds an outbox entry for a typed payload.
func NewEntry(destination, correlationID, eventType string, payload interface{}) (Entry, error) {
	env, err := broker.NewEnvelope(eventType, payload)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Destination: destination, CorrelationID: correlationID, Env: env}, nil
}

// Insert appends entries to the outbox table within tx. Both services use
// the same outbox schema.
func Insert(ctx context.Context, tx *sql.Tx, entries ...Entry) error {
	const query = `
		INSERT INTO outbox (event_id, event_type, destination, correlation_id, payload)
		VALUES ($1, $2, $3, $4, $5)
	`
	for _, e := range entries {
		payload, err := json.Marshal(e.Env)
		if err != nil {
			return fmt.Errorf("marshal outbox envelope %s: %w", e.Env.EventType, err)
		}
		if _, err := tx.ExecContext(ctx, query, e.Env.EventID, e.Env.EventType, e.Destination, e.CorrelationID, payload); err != nil {
			return fmt.Errorf("insert outbox row %s: %w", e.Env.EventType, err)
		}
	}
	return nil
}

// SQLSource reads the outbox table of one service database.
type SQLSource struct {
	db *sql.DB
}

func NewSQLSource(db *sql.DB) *SQLSource {
	return &SQLSource{db: db}
}

func (s *SQLSource) FetchUnpublished(ctx context.Context, limit int) ([]Row, error) {
	const query = `
		SELECT id, event_id, event_type, destination, correlation_id, payload
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
	`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var result []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.EventID, &r.EventType, &r.Destination, &r.CorrelationID, &r.Payload); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *SQLSource) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET published_at = NOW() WHERE id = $1`, id)
	return err
}

func (s *SQLSource) CountUnpublished(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&n)
	return n, err
}

var _ Source = (*SQLSource)(nil)
