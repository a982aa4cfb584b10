// Package model holds the domain types shared across the coupon
// issuance service: request/response DTOs, the admission outcome
// value type, and the Kafka event envelope.
package model

import "time"

// CouponEvent is the relational-store record for one coupon event,
// written by the consumer. The status endpoint reads the cache, not
// this record.
type CouponEvent struct {
	EventID        string    `json:"event_id"`
	TotalStock     int       `json:"total_stock"`
	RemainingStock int       `json:"remaining_stock"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"-"`
}

// EventStatusResponse is the DTO for GET /api/v1/coupons/status/:event_id.
// RemainingStock and TotalParticipants are non-authoritative cache reads.
type EventStatusResponse struct {
	EventID           string `json:"event_id"`
	RemainingStock    int    `json:"remaining_stock"`
	TotalParticipants int64  `json:"total_participants"`
	Status            string `json:"status"`
}

// IssueRequest is the DTO for POST /api/v1/coupons/issue.
type IssueRequest struct {
	UserID  string `json:"user_id" validate:"required,notblank,max=255"`
	EventID string `json:"event_id" validate:"required,notblank,max=255"`
}

// IssueResponse is the DTO returned for an issuance attempt, successful
// or not. Message comes from the outcome and error-code messages in
// handler/issue_handler.go.
type IssueResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	CouponID       string `json:"coupon_id,omitempty"`
	RemainingStock int    `json:"remaining_stock,omitempty"`
}

// InitStockRequest is the DTO for POST /api/v1/admin/events/:event_id/stock.
type InitStockRequest struct {
	InitialStock int `json:"initial_stock" validate:"gte=0"`
}

// InitStockResponse reports whether this call created the stock key.
type InitStockResponse struct {
	EventID      string `json:"event_id"`
	InitialStock int    `json:"initial_stock,omitempty"`
	Message      string `json:"message"`
}

// UserCouponResponse is the DTO for GET /api/v1/coupons/user/:user_id/event/:event_id.
type UserCouponResponse struct {
	UserID   string `json:"user_id"`
	EventID  string `json:"event_id"`
	CouponID string `json:"coupon_id,omitempty"`
	Source   string `json:"source,omitempty"`
	Message  string `json:"message,omitempty"`
}

// UserCoupon is the relational-store record for one issued coupon,
// materialised by the consumer from a coupon_issued event.
type UserCoupon struct {
	CouponID string     `json:"coupon_id"`
	UserID   string     `json:"user_id"`
	EventID  string     `json:"event_id"`
	IssuedAt time.Time  `json:"issued_at"`
	IsUsed   bool       `json:"is_used"`
	UsedAt   *time.Time `json:"used_at,omitempty"`
}

// CouponUsage is the relational-store record for one redemption,
// materialised by the consumer from a coupon_redeemed event.
type CouponUsage struct {
	CouponID string    `json:"coupon_id"`
	UserID   string    `json:"user_id"`
	EventID  string    `json:"event_id"`
	UsedAt   time.Time `json:"used_at"`
}
