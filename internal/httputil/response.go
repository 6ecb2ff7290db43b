package httputil

import "github.com/gofiber/fiber/v3"

// ErrorBody is the flat JSON error envelope used across the control plane: {"detail": "..."}.
type ErrorBody struct {
	Detail string `json:"detail"`
}

// Success sends a 200 JSON response with the given data.
func Success(c fiber.Ctx, data any) error {
	return c.JSON(data)
}

// SuccessStatus sends a JSON response with a custom status code.
func SuccessStatus(c fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(data)
}

// Fail sends {"detail": message} with the given status code.
func Fail(c fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(ErrorBody{Detail: message})
}
