package handler

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/couponforge/issuance-engine/internal/coordinator"
	"github.com/couponforge/issuance-engine/internal/model"
)

// Coordinator is the subset of coordinator.Coordinator the handler
// depends on.
type Coordinator interface {
	Issue(ctx context.Context, userID, eventID string) (model.AdmissionResult, error)
}

// IssueHandler handles HTTP requests for coupon issuance.
type IssueHandler struct {
	coordinator Coordinator
	validator   *validator.Validate
}

// NewIssueHandler creates a new IssueHandler.
func NewIssueHandler(co Coordinator, v *validator.Validate) *IssueHandler {
	return &IssueHandler{coordinator: co, validator: v}
}

// formatIssueValidationError converts validator errors to a stable
// client-facing message.
func formatIssueValidationError(err error) string {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			switch fe.Field() {
			case "UserID":
				return "invalid request: user_id is required"
			case "EventID":
				return "invalid request: event_id is required"
			}
		}
	}
	return "invalid request"
}

// outcomeMessages maps business outcomes to client-facing messages.
var outcomeMessages = map[model.AdmissionOutcome]string{
	model.OutcomeStockNotInitialized:     "event stock has not been initialized",
	model.OutcomeUserAlreadyParticipated: "user already participated in this event",
	model.OutcomeNoStockAvailable:        "no stock remaining for this event",
}

// Issue handles POST /api/v1/coupons/issue.
func (h *IssueHandler) Issue(c *fiber.Ctx) error {
	var req model.IssueRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := h.validator.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": formatIssueValidationError(err)})
	}

	res, err := h.coordinator.Issue(c.Context(), req.UserID, req.EventID)
	if err != nil {
		return h.handleError(c, err, req)
	}

	if !res.Succeeded() {
		message, ok := outcomeMessages[res.Outcome]
		if !ok {
			message = string(res.Outcome)
		}
		// Business outcomes are values, not HTTP errors: a request that
		// was understood and answered definitively is a 200, regardless
		// of whether the answer was "no".
		return c.Status(fiber.StatusOK).JSON(model.IssueResponse{Success: false, Message: message})
	}

	return c.Status(fiber.StatusOK).JSON(model.IssueResponse{
		Success:        true,
		Message:        "coupon issued",
		CouponID:       res.CouponID,
		RemainingStock: res.RemainingStock,
	})
}

func (h *IssueHandler) handleError(c *fiber.Ctx, err error, req model.IssueRequest) error {
	switch {
	case errors.Is(err, coordinator.ErrValidation):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
	case errors.Is(err, coordinator.ErrTimeout):
		return c.Status(fiber.StatusGatewayTimeout).JSON(fiber.Map{"error": "request timed out"})
	case errors.Is(err, coordinator.ErrAmbiguous):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "unable to determine issuance outcome, please retry"})
	case errors.Is(err, coordinator.ErrScriptUnavailable):
		log.Error().Err(err).Str("user_id", req.UserID).Str("event_id", req.EventID).Msg("admission script unavailable")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "service temporarily unavailable"})
	case errors.Is(err, coordinator.ErrKVIO):
		log.Error().Err(err).Str("user_id", req.UserID).Str("event_id", req.EventID).Msg("cache I/O error")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "service temporarily unavailable"})
	default:
		log.Error().Err(err).Str("user_id", req.UserID).Str("event_id", req.EventID).Msg("unexpected issuance error")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
	}
}
