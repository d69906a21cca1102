package server

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ProxyHandler describes the component that answers a request once its
// upstream target is known. It allows injecting fake handlers during tests.
type ProxyHandler interface {
	Handle(fiber.Ctx, *Target) error
}

// ProxyHandlerFunc adapts a function to the ProxyHandler interface.
type ProxyHandlerFunc func(fiber.Ctx, *Target) error

// Handle makes ProxyHandlerFunc satisfy ProxyHandler.
func (f ProxyHandlerFunc) Handle(c fiber.Ctx, target *Target) error {
	return f(c, target)
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger         *logrus.Logger
	Proxy          ProxyHandler
	ListenPort     int
	UpstreamScheme string
}

const (
	contextKeyTarget    = "_vendorcache_target"
	contextKeyRequestID = "_vendorcache_request_id"
)

// NewApp builds a Fiber application that resolves each request's upstream
// target and hands it to the proxy handler.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Proxy == nil {
		return nil, errors.New("proxy handler is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}
	scheme := opts.UpstreamScheme
	if scheme == "" {
		scheme = "https"
	}
	resolver, err := NewTargetResolver(scheme, opts.ListenPort)
	if err != nil {
		return nil, err
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger, resolver))

	app.All("/*", func(c fiber.Ctx) error {
		target, ok := getTargetFromContext(c)
		if !ok {
			return renderTargetUnresolved(c, opts.Logger, "", errors.New("target missing from context"))
		}
		return opts.Proxy.Handle(c, target)
	})

	return app, nil
}

// requestContextMiddleware assigns a request ID and resolves the upstream
// Target from the request line or the Host header.
func requestContextMiddleware(logger *logrus.Logger, resolver *TargetResolver) fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		requestURI := string(c.Request().Header.RequestURI())
		if isConnectTunnel(c, requestURI) {
			logger.WithFields(logrus.Fields{
				"action": "target_resolve",
				"host":   getHostHeader(c),
			}).Warn("connect tunnel unsupported")
			return c.Status(fiber.StatusMethodNotAllowed).JSON(fiber.Map{
				"error": "connect_unsupported",
			})
		}

		rawHost := getHostHeader(c)
		target, err := resolver.Resolve(requestURI, rawHost)
		if err != nil {
			return renderTargetUnresolved(c, logger, rawHost, err)
		}

		c.Locals(contextKeyTarget, target)
		return c.Next()
	}
}

// isConnectTunnel reports a tunnel request by method or by an authority-form
// (host:port) request target.
func isConnectTunnel(c fiber.Ctx, requestURI string) bool {
	if c.Request().Header.IsConnect() || strings.EqualFold(c.Method(), fiber.MethodConnect) {
		return true
	}
	if requestURI == "" || requestURI == "*" || strings.HasPrefix(requestURI, "/") || strings.Contains(requestURI, "://") {
		return false
	}
	_, port, err := net.SplitHostPort(requestURI)
	return err == nil && port != ""
}

func renderTargetUnresolved(c fiber.Ctx, logger *logrus.Logger, host string, cause error) error {
	logger.WithFields(logrus.Fields{
		"action": "target_resolve",
		"host":   host,
	}).WithError(cause).Warn("target unresolved")

	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
		"error": "target_unresolved",
	})
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func getTargetFromContext(c fiber.Ctx) (*Target, bool) {
	if value := c.Locals(contextKeyTarget); value != nil {
		if target, ok := value.(*Target); ok {
			return target, true
		}
	}
	return nil, false
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
