package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/shopialo/vendor-cache/internal/intercept"
	"github.com/shopialo/vendor-cache/internal/logging"
	"github.com/shopialo/vendor-cache/internal/server"
)

// HeaderOutcome 标记响应由 worker 的哪条路径产生；透传请求为 bypassed。
const HeaderOutcome = "X-Vendor-Cache"

// FetchHandler 是 worker 的 fetch 事件入口，返回 OutcomeBypassed 表示不介入。
type FetchHandler interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, intercept.Outcome, error)
}

// Handler 将 fiber 请求转换为 *http.Request 交给 worker；worker 不介入时直接透传到上游。
type Handler struct {
	client *http.Client
	logger *logrus.Logger
	worker FetchHandler
}

// NewHandler constructs a proxy handler with the shared HTTP client, logger and worker.
func NewHandler(client *http.Client, logger *logrus.Logger, worker FetchHandler) *Handler {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		client: client,
		logger: logger,
		worker: worker,
	}
}

// Handle 先询问 worker，未被拦截时透传，所有路径都会输出一条结构化日志。
func (h *Handler) Handle(c fiber.Ctx, target *server.Target) error {
	started := time.Now()
	requestID := server.RequestID(c)
	body := append([]byte(nil), c.Body()...)

	if h.worker != nil {
		req, err := h.buildUpstreamRequest(c, target.URL, body)
		if err != nil {
			h.logResult(c, target, requestID, intercept.OutcomeBypassed, 0, started, err)
			return h.writeError(c, fiber.StatusBadRequest, "request_invalid")
		}
		resp, outcome, err := h.worker.Fetch(req.Context(), req)
		if err != nil {
			h.logResult(c, target, requestID, outcome, 0, started, err)
			return h.writeError(c, fiber.StatusBadGateway, "worker_failed")
		}
		if outcome != intercept.OutcomeBypassed && resp != nil {
			defer resp.Body.Close()
			return h.writeResponse(c, target, resp, outcome, requestID, started)
		}
	}

	return h.passthrough(c, target, body, requestID, started)
}

// passthrough 以默认行为访问上游，不读写任何缓存。
func (h *Handler) passthrough(c fiber.Ctx, target *server.Target, body []byte, requestID string, started time.Time) error {
	req, err := h.buildUpstreamRequest(c, target.URL, body)
	if err != nil {
		h.logResult(c, target, requestID, intercept.OutcomeBypassed, 0, started, err)
		return h.writeError(c, fiber.StatusBadRequest, "request_invalid")
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.logResult(c, target, requestID, intercept.OutcomeBypassed, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()
	return h.writeResponse(c, target, resp, intercept.OutcomeBypassed, requestID, started)
}

func (h *Handler) writeResponse(
	c fiber.Ctx,
	target *server.Target,
	resp *http.Response,
	outcome intercept.Outcome,
	requestID string,
	started time.Time,
) error {
	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderOutcome, string(outcome))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead || resp.Body == nil {
		h.logResult(c, target, requestID, outcome, resp.StatusCode, started, nil)
		return nil
	}

	_, err := io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(c, target, requestID, outcome, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

func (h *Handler) buildUpstreamRequest(c fiber.Ctx, upstream *url.URL, body []byte) (*http.Request, error) {
	if upstream == nil {
		return nil, errors.New("upstream url is required")
	}
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream.String(), reader)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Host")
	req.Header.Del("Accept-Encoding")
	req.Host = upstream.Host
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}

	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	c fiber.Ctx,
	target *server.Target,
	requestID string,
	outcome intercept.Outcome,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(target.Host, c.Method(), string(outcome))
	fields["action"] = "proxy"
	fields["upstream"] = target.URL.String()
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

// copyResponseHeaders 保留多值头（如 Set-Cookie），长度由写出的 body 决定。
func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || http.CanonicalHeaderKey(key) == "Content-Length" {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
