package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that strips hop-by-hop and
// credential headers from requests and adds security headers to responses.
// Upstream credentials come from configuration only, so an inbound
// Authorization header is dropped too.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			for _, h := range hopByHopHeaders {
				req.Header.Del(h)
			}
			req.Header.Del(echo.HeaderAuthorization)

			res := c.Response()
			res.Before(func() {
				h := res.Header()
				h.Set(echo.HeaderXContentTypeOptions, "nosniff")
				h.Set(echo.HeaderXFrameOptions, "DENY")
				if h.Get(echo.HeaderCacheControl) == "" {
					h.Set(echo.HeaderCacheControl, "no-store")
				}
			})

			return next(c)
		}
	}
}
