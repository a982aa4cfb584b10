package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/couponforge/issuance-engine/internal/model"
)

// ErrCouponAlreadyRecorded is returned by InsertIssued when a
// (user_id, event_id) pair has already been materialized. The cache's
// participant set is the real source of truth for this invariant;
// this error fires when a coupon_issued event is redelivered after it
// was already materialized, which the unique constraint makes safe to
// ignore.
var ErrCouponAlreadyRecorded = errors.New("coupon already recorded for user")

// UserCouponPoolInterface defines the database operations
// UserCouponRepository needs.
type UserCouponPoolInterface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UserCouponRepository materializes issued coupons and their
// redemption usage. It is the consumer's write path: every
// coupon_issued and coupon_redeemed event lands here exactly once,
// idempotently, regardless of Kafka redelivery.
type UserCouponRepository struct {
	pool UserCouponPoolInterface
}

// NewUserCouponRepository creates a new UserCouponRepository with the
// given pool.
func NewUserCouponRepository(pool *pgxpool.Pool) *UserCouponRepository {
	return &UserCouponRepository{pool: pool}
}

// NewUserCouponRepositoryWithPool creates a UserCouponRepository with a
// custom pool interface. Primarily used for testing.
func NewUserCouponRepositoryWithPool(pool UserCouponPoolInterface) *UserCouponRepository {
	return &UserCouponRepository{pool: pool}
}

// InsertIssued records a newly issued coupon. The (user_id, event_id)
// unique constraint is the idempotency guard: a redelivered
// coupon_issued event hits ErrCouponAlreadyRecorded rather than
// creating a second row.
func (r *UserCouponRepository) InsertIssued(ctx context.Context, couponID, userID, eventID string, issuedAt time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO user_coupons (coupon_id, user_id, event_id, issued_at, is_used)
		 VALUES ($1, $2, $3, $4, false)
		 ON CONFLICT (user_id, event_id) DO NOTHING`,
		couponID, userID, eventID, issuedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrCouponAlreadyRecorded
		}
		return fmt.Errorf("insert user coupon %s: %w", couponID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCouponAlreadyRecorded
	}
	return nil
}

// MarkUsed flags a coupon as redeemed and records the usage row.
// ON CONFLICT DO NOTHING on coupon_usage makes a redelivered
// coupon_redeemed event a no-op rather than a duplicate usage row.
func (r *UserCouponRepository) MarkUsed(ctx context.Context, couponID, userID, eventID string, usedAt time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE user_coupons SET is_used = true, used_at = $2 WHERE coupon_id = $1`,
		couponID, usedAt)
	if err != nil {
		return fmt.Errorf("mark user coupon used %s: %w", couponID, err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO coupon_usage (coupon_id, user_id, event_id, used_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (coupon_id) DO NOTHING`,
		couponID, userID, eventID, usedAt)
	if err != nil {
		return fmt.Errorf("insert coupon usage %s: %w", couponID, err)
	}
	return nil
}

// GetByUserAndEvent retrieves a user's coupon for a given event.
// Returns nil, nil if the user has no coupon for that event.
func (r *UserCouponRepository) GetByUserAndEvent(ctx context.Context, userID, eventID string) (*model.UserCoupon, error) {
	query := `SELECT coupon_id, user_id, event_id, issued_at, is_used, used_at
	          FROM user_coupons WHERE user_id = $1 AND event_id = $2`

	var coupon model.UserCoupon
	err := r.pool.QueryRow(ctx, query, userID, eventID).Scan(
		&coupon.CouponID,
		&coupon.UserID,
		&coupon.EventID,
		&coupon.IssuedAt,
		&coupon.IsUsed,
		&coupon.UsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get user coupon %s/%s: %w", userID, eventID, err)
	}
	return &coupon, nil
}

// Exists reports whether a (user_id, event_id) pair has been
// materialized. No caller in this repository uses it; the repair
// sweeper compares per-event counts through CountByEvent instead.
func (r *UserCouponRepository) Exists(ctx context.Context, userID, eventID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM user_coupons WHERE user_id = $1 AND event_id = $2)`,
		userID, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check user coupon exists %s/%s: %w", userID, eventID, err)
	}
	return exists, nil
}

// CountByEvent returns the number of coupons materialized for an event.
// The repair sweeper compares it with the cache's participant-set
// cardinality.
func (r *UserCouponRepository) CountByEvent(ctx context.Context, eventID string) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM user_coupons WHERE event_id = $1`, eventID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count user coupons for event %s: %w", eventID, err)
	}
	return count, nil
}
