// Command damworker runs a demo asynchttp.Dam: an HTTP front door for
// submitting async requests plus the in-process job workers that
// drive the processor and deliver callbacks, wiring Fiber to a
// dispatcher the same way, widened to also start the job-worker pool
// and the processor lifecycle.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/asynchttp/dam/internal/api"
	"github.com/asynchttp/dam/internal/config"
	"github.com/asynchttp/dam/internal/dispatch"
	"github.com/asynchttp/dam/internal/integration"
	"github.com/asynchttp/dam/internal/metrics"
	"github.com/asynchttp/dam/internal/obslog"
	"github.com/asynchttp/dam/internal/payloadstore/localstore"
	"github.com/asynchttp/dam/pkg/asynchttp"
	"github.com/asynchttp/dam/pkg/jobqueue/memqueue"
)

const (
	DefaultPort           = ":8080"
	DefaultPayloadDBPath  = "./data/payloads.pebble"
	DefaultJobWorkerCount = 8
	DefaultShutdownWait   = 30 * time.Second
)

func main() {
	port := getEnv("PORT", DefaultPort)
	if port[0] != ':' {
		port = ":" + port
	}

	cfg := config.DefaultConfig()
	cfg.SentryDSN = os.Getenv("SENTRY_DSN")

	payloadStore, err := localstore.New("default", getEnv("PAYLOAD_DB_PATH", DefaultPayloadDBPath), true)
	if err != nil {
		log.Fatalf("Failed to initialize payload store: %v", err)
	}
	cfg.RegisterPayloadStore("default", payloadStore, true)
	cfg.PayloadStoreThreshold = 32 * 1024

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	queue := memqueue.New(DefaultJobWorkerCount, 4096)
	queue.OnError(func(class string, err error) {
		obslog.New("damworker").Error("job failed", err, map[string]any{"class": class})
	})

	callbacks := dispatch.NewRegistry()
	callbacks.Register("LogCallback", logCallback{})

	var redisClient *redis.Client
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr})
	}

	dam, err := integration.Build(integration.Options{
		Config:           cfg,
		Pusher:           queue,
		RedisClient:      redisClient,
		CallbackRegistry: callbacks,
	})
	if err != nil {
		log.Fatalf("Failed to build dam: %v", err)
	}

	queue.Register(dispatch.CallbackJobClass, dam.CallbackJobHandler())
	queue.Register(integration.RequestJobClass, dam.RequestJobHandler())

	prometheus.MustRegister(metrics.NewCollector(dam.RawMetrics()))

	ctx := context.Background()
	if err := dam.Start(ctx); err != nil {
		log.Fatalf("Failed to start dam: %v", err)
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    10 * 1024 * 1024, // 10MB
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
	}))

	api.SetupRoutes(app, dam)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.Shutdown(); err != nil {
			log.Printf("Error during fiber shutdown: %v", err)
		}
		if err := dam.Shutdown(DefaultShutdownWait); err != nil {
			log.Printf("Error during dam shutdown: %v", err)
		}
		queue.Shutdown(context.Background())
	}()

	log.Printf("Starting asynchttp dam on %s", port)
	if err := app.Listen(port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// logCallback is a trivial demo dispatch.Callback so a fresh checkout
// has something registered under a recognizable name.
type logCallback struct{}

func (logCallback) OnComplete(ctx context.Context, resp asynchttp.Response) error {
	obslog.New("demo").Info("request completed", map[string]any{"status": resp.Status()})
	return nil
}

func (logCallback) OnError(ctx context.Context, err error) error {
	obslog.New("demo").Warn("request failed", map[string]any{"error": err.Error()})
	return nil
}
