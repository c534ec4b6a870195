package server

import (
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/tierfetch/tierfetch/internal/engine"
	"github.com/tierfetch/tierfetch/internal/fetch"
	"github.com/tierfetch/tierfetch/internal/logging"
	"github.com/tierfetch/tierfetch/internal/resource"
	"github.com/tierfetch/tierfetch/internal/response"
)

// 不随请求转发给管线的头部。
var droppedRequestHeaders = map[string]struct{}{
	"Host":           {},
	"X-Request-Id":   {},
	"Content-Length": {},
	"User-Agent":     {},
}

type fetchHandler struct {
	loader Loader
	logger *logrus.Logger
}

// handle 处理 /-/fetch：不合格请求返回 400，管线无结果返回 502，宿主据此回退到默认加载。
func (h *fetchHandler) handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := RequestID(c)
	rawURL := strings.Clone(strings.TrimSpace(c.Query("url")))

	if !engine.Eligible(c.Method(), rawURL) {
		return writeError(c, fiber.StatusBadRequest, "not_eligible")
	}

	req := buildRequest(c, rawURL)
	mode := "default"
	if req.ForceMode {
		mode = "force"
	}
	fields := logging.RequestFields(requestID, req.URL, req.Key(), mode)

	resp := h.loader.Load(c.Context(), req)
	if resp == nil {
		h.logger.WithFields(fields).WithField("elapsed_ms", time.Since(started).Milliseconds()).Info("fetch_unavailable")
		return writeError(c, fiber.StatusBadGateway, "unavailable")
	}

	writeResponseHeaders(c, resp)
	c.Status(resp.StatusCode)

	var copied int64
	var err error
	if resp.Body != nil {
		copied, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	}
	h.logger.WithFields(fields).WithFields(logrus.Fields{
		"status":     resp.StatusCode,
		"bytes":      copied,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("fetch_served")
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("write body failed: %v", err))
	}
	return nil
}

func buildRequest(c fiber.Ctx, rawURL string) *resource.Request {
	req := resource.NewRequest(rawURL)
	req.Method = c.Method()

	c.Request().Header.VisitAll(func(key, value []byte) {
		name := textproto.CanonicalMIMEHeaderKey(string(key))
		if fetch.IsHopByHopHeader(name) {
			return
		}
		if _, drop := droppedRequestHeaders[name]; drop {
			return
		}
		req.Headers.Add(name, string(value))
	})
	req.UserAgent = string(c.Request().Header.UserAgent())

	req.ForceMode = !strings.EqualFold(strings.TrimSpace(c.Query("mode")), "default")
	req.HostCacheMode = parseHostCacheMode(c.Query("host_cache_mode"))
	return req
}

func parseHostCacheMode(raw string) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return resource.HostCacheDefault
	}
	switch value {
	case resource.HostCacheDefault, resource.HostCacheElseNetwork, resource.HostCacheNoCache, resource.HostCacheOnly:
		return value
	default:
		return resource.HostCacheDefault
	}
}

func writeResponseHeaders(c fiber.Ctx, resp *response.Response) {
	for _, h := range resp.Headers {
		name := textproto.CanonicalMIMEHeaderKey(h.Name)
		if fetch.IsHopByHopHeader(name) || name == "Content-Length" || name == "Content-Type" || name == "X-Request-Id" {
			continue
		}
		c.Response().Header.Add(name, h.Value)
	}
	c.Set(fiber.HeaderContentType, resp.ContentType())
	if resp.ReasonPhrase != "" {
		c.Set("X-Tierfetch-Reason", resp.ReasonPhrase)
	}
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
