package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/asynchttp/dam/internal/config"
	"github.com/asynchttp/dam/internal/dispatch"
	"github.com/asynchttp/dam/internal/integration"
	"github.com/asynchttp/dam/pkg/jobqueue/memqueue"
)

func setupTestApp(t *testing.T) (*fiber.App, *integration.Dam, func()) {
	t.Helper()

	cfg := config.DefaultConfig()
	queue := memqueue.New(2, 16)
	callbacks := dispatch.NewRegistry()

	dam, err := integration.Build(integration.Options{
		Config:           cfg,
		Pusher:           queue,
		CallbackRegistry: callbacks,
	})
	if err != nil {
		t.Fatalf("build dam: %v", err)
	}
	queue.Register(dispatch.CallbackJobClass, dam.CallbackJobHandler())

	if err := dam.Start(context.Background()); err != nil {
		t.Fatalf("start dam: %v", err)
	}

	app := fiber.New()
	SetupRoutes(app, dam)

	cleanup := func() {
		_ = dam.Shutdown(0)
	}

	return app, dam, cleanup
}

func TestHealthEndpoint(t *testing.T) {
	app, _, cleanup := setupTestApp(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestSubmitRequestRejectsBadMethod(t *testing.T) {
	app, _, cleanup := setupTestApp(t)
	defer cleanup()

	body := `{"method": "TRACE", "url": "https://example.com"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/requests", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}
}

func TestSubmitRequestAccepted(t *testing.T) {
	app, _, cleanup := setupTestApp(t)
	defer cleanup()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	body := `{"method": "GET", "url": "` + upstream.URL + `"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/requests", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", resp.StatusCode)
	}

	var got submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.RequestID == "" {
		t.Error("request id should not be empty")
	}
}

func TestStateEndpoint(t *testing.T) {
	app, _, cleanup := setupTestApp(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	var state map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if state["state"] != "running" {
		t.Errorf("expected state running, got %v", state["state"])
	}
}
