package handler

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// Pinger is an interface for health check ping operations.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check requests. Dependencies is an
// optional set of additional named pingers (cache, broker) checked
// alongside the database; a nil or empty map preserves the
// database-only check.
type HealthHandler struct {
	pool         Pinger
	dependencies map[string]Pinger
}

// NewHealthHandler creates a new HealthHandler with the given database pool.
func NewHealthHandler(pool Pinger) *HealthHandler {
	return &HealthHandler{pool: pool}
}

// WithDependency registers an additional named dependency (e.g.
// "redis", "kafka") to be pinged alongside the database.
func (h *HealthHandler) WithDependency(name string, pinger Pinger) *HealthHandler {
	if h.dependencies == nil {
		h.dependencies = make(map[string]Pinger)
	}
	h.dependencies[name] = pinger
	return h
}

// Check performs a health check by pinging the database and any
// registered dependencies.
// Returns 200 OK with {"status": "healthy"} when every dependency is reachable.
// Returns 503 Service Unavailable with {"status": "unhealthy", "error": "..."} otherwise.
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	if err := h.pool.Ping(c.Context()); err != nil {
		log.Error().Err(err).Msg("health check failed: database unreachable")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unhealthy",
			"error":  "database connection failed",
		})
	}

	for name, pinger := range h.dependencies {
		if err := pinger.Ping(c.Context()); err != nil {
			log.Error().Err(err).Str("dependency", name).Msg("health check failed: dependency unreachable")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "unhealthy",
				"error":  name + " connection failed",
			})
		}
	}

	return c.JSON(fiber.Map{
		"status": "healthy",
	})
}
