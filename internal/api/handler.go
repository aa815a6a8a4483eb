// Package api exposes a minimal Fiber surface over an
// *integration.Dam, the demo HTTP front door cmd/damworker serves.
// Real callers are expected to embed internal/integration directly
// from within their own worker process; this package exists so the
// binary has something to curl.
//
// Grounded on a prior internal/api/handler.go +
// internal/api/routes.go, narrowed from full namespace/request CRUD
// to submission + health + metrics since results are delivered
// asynchronously through a registered callback, not polled over HTTP.
package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/asynchttp/dam/internal/integration"
	"github.com/asynchttp/dam/pkg/asynchttp"
)

// Handler adapts HTTP requests onto a Dam.
type Handler struct {
	dam *integration.Dam
}

// NewHandler builds a Handler.
func NewHandler(dam *integration.Dam) *Handler {
	return &Handler{dam: dam}
}

type submitRequest struct {
	Method            string            `json:"method"`
	URL               string            `json:"url"`
	Headers           map[string]string `json:"headers"`
	Body              string            `json:"body"`
	TimeoutSeconds    float64           `json:"timeout_seconds"`
	MaxRedirects      int               `json:"max_redirects"`
	CallbackClassName string            `json:"callback_class_name"`
	CallbackArgs      map[string]any    `json:"callback_args"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// SubmitRequest handles POST /v1/requests: build an asynchttp.Request
// from the JSON body and hand it to the Dam.
func (h *Handler) SubmitRequest(c *fiber.Ctx) error {
	var body submitRequest
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid request body"})
	}

	opts := asynchttp.RequestOptions{
		Headers:           asynchttp.NewHeaders(body.Headers),
		Body:              []byte(body.Body),
		MaxRedirects:      body.MaxRedirects,
		CallbackClassName: body.CallbackClassName,
		CallbackArgs:      asynchttp.NewCallbackArgs(body.CallbackArgs),
	}
	if body.TimeoutSeconds > 0 {
		opts.Timeout = secondsToDuration(body.TimeoutSeconds)
	}

	id, err := h.dam.Request(c.Context(), asynchttp.Method(body.Method), body.URL, opts)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: err.Error()})
	}
	return c.Status(fiber.StatusAccepted).JSON(submitResponse{RequestID: id})
}

// State handles GET /v1/state: the processor's lifecycle state and
// in-process metrics snapshot, for operators.
func (h *Handler) State(c *fiber.Ctx) error {
	snap := h.dam.Metrics()
	return c.JSON(fiber.Map{
		"state":             h.dam.State().String(),
		"in_flight":         snap.InFlight,
		"total":             snap.Total,
		"errors_by_kind":    snap.ErrorsByKind,
		"total_duration_s":  snap.TotalDuration,
		"failed_reenqueues": snap.FailedReenqueues,
	})
}
