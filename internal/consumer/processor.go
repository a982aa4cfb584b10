// Package consumer materializes issuance events from Kafka into the
// relational store: coupon_issued rows become user_coupons,
// coupon_redeemed rows mark them used, and stock_exhausted rows close
// out the coupon_events record.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/couponforge/issuance-engine/internal/model"
	"github.com/couponforge/issuance-engine/internal/repository"
)

// EventRepo is the subset of repository.EventRepository the processor
// depends on.
type EventRepo interface {
	Upsert(ctx context.Context, eventID string, totalStock, remainingStock int, isActive bool) error
	MarkExhausted(ctx context.Context, eventID string, remainingStock int) error
}

// UserCouponRepo is the subset of repository.UserCouponRepository the
// processor depends on.
type UserCouponRepo interface {
	InsertIssued(ctx context.Context, couponID, userID, eventID string, issuedAt time.Time) error
	MarkUsed(ctx context.Context, couponID, userID, eventID string, usedAt time.Time) error
}

// Processor applies one decoded IssuanceEvent to the relational
// store. Unknown event types and malformed payloads are the caller's
// responsibility to route to the dead-letter topic; Processor only
// reports them as errors.
type Processor struct {
	events  EventRepo
	coupons UserCouponRepo
}

// NewProcessor creates a Processor.
func NewProcessor(events EventRepo, coupons UserCouponRepo) *Processor {
	return &Processor{events: events, coupons: coupons}
}

// ErrUnknownEventType is returned for an envelope whose event_type the
// processor does not recognize. Callers route these to the
// dead-letter topic rather than failing the whole batch.
var ErrUnknownEventType = errors.New("consumer: unknown event type")

// Decode parses one Kafka record value into an IssuanceEvent.
func Decode(value []byte) (model.IssuanceEvent, error) {
	var event model.IssuanceEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return model.IssuanceEvent{}, fmt.Errorf("consumer: decode envelope: %w", err)
	}
	return event, nil
}

// Apply materializes one event. It is idempotent: a redelivered event
// either no-ops (unique constraint already satisfied) or converges to
// the same end state (upserts take the minimum remaining stock seen).
func (p *Processor) Apply(ctx context.Context, event model.IssuanceEvent) error {
	switch event.Type {
	case model.EventTypeIssued:
		return p.applyIssued(ctx, event)
	case model.EventTypeRedeemed:
		return p.applyRedeemed(ctx, event)
	case model.EventTypeExhausted:
		return p.applyExhausted(ctx, event)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, event.Type)
	}
}

func (p *Processor) applyIssued(ctx context.Context, event model.IssuanceEvent) error {
	if event.Data.UserID == "" || event.Data.CouponID == "" {
		return fmt.Errorf("consumer: issued event %s missing user_id or coupon_id", event.EventID)
	}
	remaining := 0
	if event.Data.RemainingStock != nil {
		remaining = *event.Data.RemainingStock
	}
	if err := p.events.Upsert(ctx, event.EventID, 0, remaining, true); err != nil {
		return err
	}
	err := p.coupons.InsertIssued(ctx, event.Data.CouponID, event.Data.UserID, event.EventID, event.Timestamp)
	if err != nil && !errors.Is(err, repository.ErrCouponAlreadyRecorded) {
		return err
	}
	return nil
}

func (p *Processor) applyRedeemed(ctx context.Context, event model.IssuanceEvent) error {
	if event.Data.UserID == "" || event.Data.CouponID == "" {
		return fmt.Errorf("consumer: redeemed event %s missing user_id or coupon_id", event.EventID)
	}
	return p.coupons.MarkUsed(ctx, event.Data.CouponID, event.Data.UserID, event.EventID, event.Timestamp)
}

func (p *Processor) applyExhausted(ctx context.Context, event model.IssuanceEvent) error {
	remaining := 0
	if event.Data.RemainingStock != nil {
		remaining = *event.Data.RemainingStock
	}
	return p.events.MarkExhausted(ctx, event.EventID, remaining)
}
