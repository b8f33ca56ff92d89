package handler

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"regexp"

	"github.com/labstack/echo/v4"

	"xroad-gateway/internal/model"
	"xroad-gateway/internal/service"
)

// HeaderWarnings marks a pass-through 400 that carries overridable upstream warnings.
const HeaderWarnings = "X-Xroad-Warnings"

// secretPattern matches API key material that may end up in error messages.
var secretPattern = regexp.MustCompile(`(?i)((?:token=|custom_api_key=))[^&\s"]+`)

// writeResult sends a successful upstream result back to the caller,
// keeping the upstream status code and body bytes.
func writeResult(c echo.Context, res *model.ForwardResult) error {
	copyHeaders(c, res, "Cache-Control", "Etag", "Last-Modified")

	switch res.Kind {
	case model.PayloadEmpty:
		return c.NoContent(res.StatusCode)
	default:
		return c.Blob(res.StatusCode, resultContentType(res), res.Body)
	}
}

// resultContentType keeps the upstream media type (application/problem+json
// included) and falls back to application/json for decoded payloads.
func resultContentType(res *model.ForwardResult) string {
	if res.Kind == model.PayloadJSON {
		if ct := res.Header.Get(echo.HeaderContentType); ct != "" {
			return ct
		}
		return echo.MIMEApplicationJSON
	}
	return res.ContentType
}

// fail translates a failed result. Upstream error bodies are passed through
// verbatim with the upstream status; transport failures go through mapError.
func (h *GatewayHandler) fail(c echo.Context, res *model.ForwardResult) error {
	if res.Kind == model.PayloadError {
		return h.mapError(c, res.Err, res.Error)
	}

	if warnings := res.Warnings(); len(warnings) > 0 {
		codes := make([]string, 0, len(warnings))
		for _, w := range warnings {
			codes = append(codes, w.Code)
		}
		h.logger.Info("upstream reported warnings",
			"path", c.Request().URL.Path,
			"codes", codes,
		)
		c.Response().Header().Set(HeaderWarnings, "true")
	} else {
		h.logger.Warn("upstream error",
			"path", c.Request().URL.Path,
			"status", res.StatusCode,
		)
	}

	if res.Kind == model.PayloadEmpty {
		return c.NoContent(res.StatusCode)
	}
	return c.Blob(res.StatusCode, resultContentType(res), res.Body)
}

// reject answers a call that never reached the upstream.
func (h *GatewayHandler) reject(c echo.Context, err error) error {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, service.ErrTargetOverrideDisabled), errors.Is(err, service.ErrHostNotAllowed):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrMissingAPIKey):
		status = http.StatusUnauthorized
	}

	h.logger.Warn("request rejected",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
		"status", status,
	)
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func (h *GatewayHandler) mapError(c echo.Context, err error, description string) error {
	detail := sanitizeError(errors.New(description))
	h.logger.Error("upstream transport error",
		"err", detail,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error":  "upstream request timed out",
			"detail": detail,
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error":  "client disconnected",
			"detail": detail,
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error":  "upstream host unreachable",
			"detail": detail,
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error":  "upstream connection failed",
			"detail": detail,
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error":  "upstream request failed",
		"detail": detail,
	})
}

func copyHeaders(c echo.Context, res *model.ForwardResult, keys ...string) {
	for _, k := range keys {
		if v := res.Header.Get(k); v != "" {
			c.Response().Header().Set(k, v)
		}
	}
}

// sanitizeError redacts API keys from error messages.
func sanitizeError(err error) string {
	return secretPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
