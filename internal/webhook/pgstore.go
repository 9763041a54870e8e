package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/statera-io/statera/model"
)

// PgDeliveryStore is a PostgreSQL-backed DeliveryStore using pgx/v5.
type PgDeliveryStore struct {
	pool *pgxpool.Pool
}

// NewPgDeliveryStore creates a new PostgreSQL delivery store.
func NewPgDeliveryStore(pool *pgxpool.Pool) *PgDeliveryStore {
	return &PgDeliveryStore{pool: pool}
}

// HealthCheck verifies database connectivity.
func (s *PgDeliveryStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Enqueue records a new pending delivery.
func (s *PgDeliveryStore) Enqueue(ctx context.Context, d Delivery) error {
	headersJSON, err := json.Marshal(d.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (
			id, url, method, headers, body, status,
			attempt, max_attempts, next_retry_at, last_error,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.URL, d.Method, headersJSON, d.Body, d.Status,
		d.Attempt, d.MaxAttempts, d.NextRetryAt, d.LastError,
		d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}

// Due returns pending deliveries with next_retry_at <= now, oldest first.
func (s *PgDeliveryStore) Due(ctx context.Context, now time.Time, limit int) ([]Delivery, error) {
	query := `
		SELECT id, url, method, headers, body, status,
		       attempt, max_attempts, next_retry_at, last_error,
		       created_at, updated_at
		FROM webhook_deliveries
		WHERE status = 'pending' AND next_retry_at <= $1
		ORDER BY next_retry_at ASC`
	args := []any{now}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query webhook deliveries: %w", err)
	}
	defer rows.Close()

	var due []Delivery
	for rows.Next() {
		var d Delivery
		var headersJSON []byte
		if err := rows.Scan(
			&d.ID, &d.URL, &d.Method, &headersJSON, &d.Body, &d.Status,
			&d.Attempt, &d.MaxAttempts, &d.NextRetryAt, &d.LastError,
			&d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan webhook delivery: %w", err)
		}
		if headersJSON != nil {
			_ = json.Unmarshal(headersJSON, &d.Headers)
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

// Update persists the delivery's attempt state.
func (s *PgDeliveryStore) Update(ctx context.Context, d Delivery) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_deliveries SET
			status = $1,
			attempt = $2,
			next_retry_at = $3,
			last_error = $4,
			updated_at = $5
		WHERE id = $6`,
		d.Status, d.Attempt, d.NextRetryAt, d.LastError,
		time.Now().UTC(), d.ID,
	)
	if err != nil {
		return fmt.Errorf("update webhook delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("delivery %q not found", d.ID))
	}
	return nil
}
