package api

import "github.com/gofiber/fiber/v3"

// HealthHandler serves the dependency-free liveness endpoint.
type HealthHandler struct{}

// NewHealthHandler creates a new health handler.
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

// Health handles GET /health. It never touches Valkey or the collaborator: orchestrators use it to decide whether
// the process itself is alive, not whether its dependencies are.
func (h *HealthHandler) Health(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}
