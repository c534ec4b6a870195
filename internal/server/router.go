package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tierfetch/tierfetch/internal/mimefilter"
	"github.com/tierfetch/tierfetch/internal/resource"
	"github.com/tierfetch/tierfetch/internal/response"
)

// Loader is the cache manager surface the sidecar needs. It allows injecting
// fake managers during tests.
type Loader interface {
	Load(ctx context.Context, req *resource.Request) *response.Response
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, req *resource.Request) *response.Response

// Load makes LoaderFunc satisfy Loader.
func (f LoaderFunc) Load(ctx context.Context, req *resource.Request) *response.Response {
	return f(ctx, req)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger  *logrus.Logger
	Loader  Loader
	Filter  *mimefilter.Filter
	Metrics http.Handler
}

const contextKeyRequestID = "_tierfetch_request_id"

// NewApp builds the Fiber application with request-id middleware, the fetch
// endpoint and the diagnostics routes.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Loader == nil {
		return nil, errors.New("loader is required")
	}
	if opts.Filter == nil {
		return nil, errors.New("mime filter is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	fetchHandler := &fetchHandler{loader: opts.Loader, logger: opts.Logger}
	app.All("/-/fetch", fetchHandler.handle)

	registerFilterRoutes(app, opts.Filter, opts.Logger)

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	if opts.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics))
	}

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID 并写入响应头。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
