package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couponforge/issuance-engine/internal/model"
)

// EventPoolInterface defines the database operations EventRepository needs.
// This allows for easier testing with mocks.
type EventPoolInterface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// EventRepository materializes the relational record of a coupon
// event: its initial stock, the decrements applied as issued events
// are consumed, and whether the event has been marked exhausted. The
// cache is authoritative for admission decisions, and the status
// endpoint and the repair sweeper do not read this table.
type EventRepository struct {
	pool EventPoolInterface
}

// NewEventRepository creates a new EventRepository with the given pool.
func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

// NewEventRepositoryWithPool creates an EventRepository with a custom
// pool interface. Primarily used for testing.
func NewEventRepositoryWithPool(pool EventPoolInterface) *EventRepository {
	return &EventRepository{pool: pool}
}

// Upsert materializes a coupon_issued event: on first sight of an
// event_id it inserts the row; on a later sight it lowers
// remaining_stock to the smaller of the stored and new values and sets
// is_active in place. stock_exhausted events go through MarkExhausted.
// ON CONFLICT makes
// consumer retries (redelivery, at-least-once Kafka semantics) safe
// to replay without producing duplicate rows.
func (r *EventRepository) Upsert(ctx context.Context, eventID string, totalStock, remainingStock int, isActive bool) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO coupon_events (event_id, total_stock, remaining_stock, is_active)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id) DO UPDATE SET
		   remaining_stock = LEAST(coupon_events.remaining_stock, EXCLUDED.remaining_stock),
		   is_active = EXCLUDED.is_active`,
		eventID, totalStock, remainingStock, isActive)
	if err != nil {
		return fmt.Errorf("upsert coupon event %s: %w", eventID, err)
	}
	return nil
}

// MarkExhausted materializes a stock_exhausted event: it sets the
// event's remaining_stock to the given value and flips is_active off,
// inserting the row if the event_id has not been seen yet.
func (r *EventRepository) MarkExhausted(ctx context.Context, eventID string, remainingStock int) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO coupon_events (event_id, total_stock, remaining_stock, is_active)
		 VALUES ($1, $2, $3, false)
		 ON CONFLICT (event_id) DO UPDATE SET
		   remaining_stock = $3,
		   is_active = false`,
		eventID, remainingStock, remainingStock)
	if err != nil {
		return fmt.Errorf("mark coupon event %s exhausted: %w", eventID, err)
	}
	return nil
}

// GetByID retrieves an event's materialized status.
// Returns nil, nil if the event is not found.
func (r *EventRepository) GetByID(ctx context.Context, eventID string) (*model.CouponEvent, error) {
	query := `SELECT event_id, total_stock, remaining_stock, is_active, created_at FROM coupon_events WHERE event_id = $1`

	var event model.CouponEvent
	err := r.pool.QueryRow(ctx, query, eventID).Scan(
		&event.EventID,
		&event.TotalStock,
		&event.RemainingStock,
		&event.IsActive,
		&event.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get coupon event %s: %w", eventID, err)
	}
	return &event, nil
}

// Exists reports whether an event_id has been materialized at all.
// No caller in this repository uses it.
func (r *EventRepository) Exists(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM coupon_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check coupon event exists %s: %w", eventID, err)
	}
	return exists, nil
}
