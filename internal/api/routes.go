package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/asynchttp/dam/internal/integration"
)

// SetupRoutes wires the demo HTTP surface onto app.
func SetupRoutes(app *fiber.App, dam *integration.Dam) {
	h := NewHandler(dam)

	v1 := app.Group("/v1")
	v1.Post("/requests", h.SubmitRequest)
	v1.Get("/state", h.State)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}
