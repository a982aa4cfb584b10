package handler

import (
	"context"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/couponforge/issuance-engine/internal/model"
)

// StockSeeder is the subset of cache.Cache used by the admin stock
// provisioning endpoint.
type StockSeeder interface {
	InitializeStock(ctx context.Context, eventID string, n int) (bool, error)
	GetStock(ctx context.Context, eventID string) (int, bool, error)
	ParticipantCount(ctx context.Context, eventID string) (int64, error)
	GetUserCoupon(ctx context.Context, userID, eventID string) (string, bool, error)
}

// UserCouponLookup is the subset of repository.UserCouponRepository
// used as a relational fallback when the cache entry has expired.
type UserCouponLookup interface {
	GetByUserAndEvent(ctx context.Context, userID, eventID string) (*model.UserCoupon, error)
}

// StatusHandler handles event-status, stock-provisioning, and
// user-coupon-lookup requests.
type StatusHandler struct {
	cache       StockSeeder
	userCoupons UserCouponLookup
	validator   *validator.Validate
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(cache StockSeeder, userCoupons UserCouponLookup, v *validator.Validate) *StatusHandler {
	return &StatusHandler{cache: cache, userCoupons: userCoupons, validator: v}
}

// EventStatus handles GET /api/v1/coupons/status/:event_id.
func (h *StatusHandler) EventStatus(c *fiber.Ctx) error {
	eventID := c.Params("event_id")
	if eventID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request: event_id is required"})
	}

	remaining, present, err := h.cache.GetStock(c.Context(), eventID)
	if err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("failed to read event stock")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "service temporarily unavailable"})
	}
	if !present {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "event not found"})
	}

	participants, err := h.cache.ParticipantCount(c.Context(), eventID)
	if err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("failed to read participant count")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "service temporarily unavailable"})
	}

	status := "active"
	if remaining <= 0 {
		status = "exhausted"
	}

	return c.JSON(model.EventStatusResponse{
		EventID:           eventID,
		RemainingStock:    remaining,
		TotalParticipants: participants,
		Status:            status,
	})
}

// InitStock handles POST /api/v1/admin/events/:event_id/stock. The
// stock is read from the initial_stock query parameter, or from the
// JSON body when that parameter is absent.
func (h *StatusHandler) InitStock(c *fiber.Ctx) error {
	eventID := c.Params("event_id")
	if eventID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request: event_id is required"})
	}

	var req model.InitStockRequest
	if q := c.Query("initial_stock"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request: initial_stock must be an integer"})
		}
		req.InitialStock = n
	} else if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := h.validator.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request: initial_stock must be at least 0"})
	}

	created, err := h.cache.InitializeStock(c.Context(), eventID, req.InitialStock)
	if err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("failed to initialize stock")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "service temporarily unavailable"})
	}
	if !created {
		return c.Status(fiber.StatusConflict).JSON(model.InitStockResponse{
			EventID: eventID,
			Message: "stock already initialized",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(model.InitStockResponse{
		EventID:      eventID,
		InitialStock: req.InitialStock,
		Message:      "stock initialized",
	})
}

// UserCoupon handles GET /api/v1/coupons/user/:user_id/event/:event_id.
// It prefers the cache's hot copy and falls back to the relational
// store once the cache's admission-state TTL has elapsed.
func (h *StatusHandler) UserCoupon(c *fiber.Ctx) error {
	userID := c.Params("user_id")
	eventID := c.Params("event_id")
	if userID == "" || eventID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request: user_id and event_id are required"})
	}

	couponID, found, err := h.cache.GetUserCoupon(c.Context(), userID, eventID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("event_id", eventID).Msg("failed to read cached coupon")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "service temporarily unavailable"})
	}
	if found {
		return c.JSON(model.UserCouponResponse{UserID: userID, EventID: eventID, CouponID: couponID, Source: "cache"})
	}

	coupon, err := h.userCoupons.GetByUserAndEvent(c.Context(), userID, eventID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("event_id", eventID).Msg("failed to read materialized coupon")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "service temporarily unavailable"})
	}
	if coupon == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no coupon found for user and event"})
	}

	return c.JSON(model.UserCouponResponse{UserID: userID, EventID: eventID, CouponID: coupon.CouponID, Source: "database"})
}
