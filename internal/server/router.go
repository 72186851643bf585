package server

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-gate/internal/config"
)

// Handler describes the component that serves every non-diagnostic request.
// It allows injecting fake handlers during tests.
type Handler interface {
	Handle(fiber.Ctx) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(fiber.Ctx) error

// Handle makes HandlerFunc satisfy Handler.
func (f HandlerFunc) Handle(c fiber.Ctx) error {
	return f(c)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger  *logrus.Logger
	Handler Handler
	CORS    config.CORSConfig
	// Metrics 非空时挂载 /-/metrics。
	Metrics http.Handler
	// Ready 供 /-/healthz 判断是否已有可用路由表，nil 视为就绪。
	Ready     func() bool
	BodyLimit int
}

const (
	contextKeyRequestID = "_anygate_request_id"
	headerRequestID     = "X-Request-ID"
)

// NewApp builds a Fiber application with request-id, CORS and recover
// middleware, the /-/ diagnostics and a catch-all route into the handler.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("handler is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive:  true,
		BodyLimit:      opts.BodyLimit,
		ErrorHandler:   errorHandler(opts.Logger),
		RequestMethods: requestMethods(),
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())
	if opts.CORS.Enabled() {
		app.Use(cors.New(corsConfig(opts.CORS)))
	}

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return opts.Handler.Handle(c)
	})

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		if opts.Ready != nil && !opts.Ready() {
			return RenderError(c, fiber.StatusServiceUnavailable, "not_ready", "no route table loaded")
		}
		return c.JSON(fiber.Map{"status": "ok"})
	})
	if opts.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(opts.Metrics))
	}

	return app, nil
}

// requestMethods 保持 fiber.DefaultMethods 的顺序，再追加路由允许的扩展方法。
// 不在列表中的方法由 Fiber 直接返回 501。
func requestMethods() []string {
	methods := slices.Clone(fiber.DefaultMethods)
	return append(methods, config.ExtensionMethods...)
}

// requestIDMiddleware 沿用调用方提供的 X-Request-ID，缺失时生成新的 UUID。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := c.Get(headerRequestID)
		if reqID == "" || len(reqID) > 128 {
			reqID = uuid.NewString()
		}
		c.Locals(contextKeyRequestID, reqID)
		c.Set(headerRequestID, reqID)
		return c.Next()
	}
}

func corsConfig(cfg config.CORSConfig) cors.Config {
	out := cors.Config{
		AllowOrigins:     cfg.AllowOrigins,
		AllowMethods:     cfg.AllowMethods,
		AllowHeaders:     cfg.AllowHeaders,
		ExposeHeaders:    cfg.ExposeHeaders,
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           cfg.MaxAge,
	}
	if len(out.ExposeHeaders) == 0 {
		out.ExposeHeaders = []string{headerRequestID}
	}
	return out
}

// errorHandler 把 Fiber 层面的错误（body 过大、panic 等）统一为 JSON 错误体。
func errorHandler(logger *logrus.Logger) fiber.ErrorHandler {
	return func(c fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		kind := "internal_error"
		message := "internal server error"

		var fiberErr *fiber.Error
		if errors.As(err, &fiberErr) {
			status = fiberErr.Code
			message = fiberErr.Message
			switch status {
			case fiber.StatusRequestEntityTooLarge:
				kind = "body_too_large"
			case fiber.StatusMethodNotAllowed:
				kind = "method_not_allowed"
			case fiber.StatusNotFound:
				kind = "no_route"
			default:
				if status < 500 {
					kind = "bad_request"
				}
			}
		}

		if status >= 500 {
			logger.WithFields(logrus.Fields{
				"action":     "request_error",
				"request_id": RequestID(c),
				"path":       string(c.Request().URI().Path()),
			}).WithError(err).Error("unhandled request error")
		}
		return RenderError(c, status, kind, message)
	}
}

// RequestID returns the request identifier stored by the request-id middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// RenderError 输出统一的错误体 {"error","message","request_id"}，不包含堆栈或密钥。
func RenderError(c fiber.Ctx, status int, kind, message string) error {
	reqID := RequestID(c)
	if reqID != "" {
		c.Set(headerRequestID, reqID)
	}
	return c.Status(status).JSON(fiber.Map{
		"error":      kind,
		"message":    message,
		"request_id": reqID,
	})
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
