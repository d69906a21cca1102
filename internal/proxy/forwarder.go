package proxy

import (
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shopialo/vendor-cache/internal/logging"
	"github.com/shopialo/vendor-cache/internal/server"
)

// Forwarder 包装实际的 ProxyHandler，负责缺失 handler 与 panic 的兜底响应。
type Forwarder struct {
	handler server.ProxyHandler
	logger  *logrus.Logger
}

// NewForwarder 创建 Forwarder；handler 为空时所有请求返回 500。
func NewForwarder(handler server.ProxyHandler, logger *logrus.Logger) *Forwarder {
	return &Forwarder{
		handler: handler,
		logger:  logger,
	}
}

// Handle 实现 server.ProxyHandler。
func (f *Forwarder) Handle(c fiber.Ctx, target *server.Target) error {
	requestID := server.RequestID(c)
	if f.handler == nil {
		return f.respondMissingHandler(c, target, requestID)
	}
	return f.invokeHandler(c, target, requestID)
}

func (f *Forwarder) respondMissingHandler(c fiber.Ctx, target *server.Target, requestID string) error {
	f.logHandlerError(c, target, "handler_missing", nil, requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "handler_missing"})
}

func (f *Forwarder) invokeHandler(c fiber.Ctx, target *server.Target, requestID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = f.respondHandlerPanic(c, target, r, requestID)
		}
	}()
	return f.handler.Handle(c, target)
}

func (f *Forwarder) respondHandlerPanic(c fiber.Ctx, target *server.Target, recovered interface{}, requestID string) error {
	f.logHandlerError(c, target, "handler_panic", fmt.Errorf("panic: %v", recovered), requestID)
	setRequestIDHeader(c, requestID)
	return c.Status(fiber.StatusInternalServerError).
		JSON(fiber.Map{"error": "handler_panic"})
}

func setRequestIDHeader(c fiber.Ctx, requestID string) {
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
}

func (f *Forwarder) logHandlerError(c fiber.Ctx, target *server.Target, code string, err error, requestID string) {
	if f.logger == nil {
		return
	}
	fields := targetFields(c, target, requestID)
	fields["action"] = "proxy"
	fields["error"] = code
	if err != nil {
		f.logger.WithFields(fields).Error(err.Error())
		return
	}
	f.logger.WithFields(fields).Error("proxy handler unavailable")
}

func targetFields(c fiber.Ctx, target *server.Target, requestID string) logrus.Fields {
	host := ""
	if target != nil {
		host = target.Host
	}
	fields := logging.RequestFields(host, c.Method(), "")
	if target != nil && target.URL != nil {
		fields["url"] = target.URL.String()
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
