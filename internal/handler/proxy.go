// Package handler contains the Echo handlers for the proxy's HTTP surface.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	"airtable-proxy-go/internal/config"
	"airtable-proxy-go/internal/model"
	"airtable-proxy-go/internal/service"
)

// bearerPattern matches bearer credentials embedded in error messages.
var bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[^\s"]+`)

const missingCredentialHint = "Set AIRTABLE_TOKEN in the environment or a .env file, or auth.token in the config file"

// ProxyHandler forwards API requests to the upstream API.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	prefix  string
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		prefix:  "/" + cfg.Upstream.Version() + "/",
	}
}

// Handle proxies the request to the upstream API and writes the relayed response.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	in := &model.InboundRequest{
		Ctx:         req.Context(),
		Method:      req.Method,
		Path:        strings.TrimPrefix(req.URL.EscapedPath(), h.prefix),
		RawQuery:    req.URL.RawQuery,
		ContentType: req.Header.Get(echo.HeaderContentType),
		Body:        req.Body,
	}

	res, err := h.service.Forward(in)
	if err != nil {
		return h.mapError(c, err)
	}

	if res.ContentType == model.ContentJSON {
		return c.Blob(res.StatusCode, echo.MIMEApplicationJSON, res.Body)
	}
	return c.Blob(res.StatusCode, echo.MIMETextPlainCharsetUTF8, res.Body)
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	// Inbound body limit exceeded while reading the request.
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	f, ok := model.AsFailure(err)
	if !ok {
		// Only the inbound body read fails outside a Failure; upstream was
		// never contacted.
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}

	if f.Kind == model.ConfigError {
		return c.JSON(f.HTTPStatus(), map[string]string{
			"error": f.Message,
			"hint":  missingCredentialHint,
		})
	}

	return c.JSON(f.HTTPStatus(), map[string]string{
		"error":   "failed to connect to upstream API",
		"reason":  transportReason(err),
		"details": sanitizeError(err),
	})
}

// transportReason classifies a transport failure for the caller.
func transportReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "upstream request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return "client disconnected"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "upstream host unreachable"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return "upstream request timed out"
		}
		return "upstream connection failed"
	}
	return "upstream request failed"
}

// sanitizeError redacts bearer credentials from error messages.
func sanitizeError(err error) string {
	return bearerPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
