package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// hopHeaders are connection-scoped and never reach a handler.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// responseHeaders are set on every response. Relayed Airtable records must
// not be cached or sniffed by browsers.
var responseHeaders = [][2]string{
	{echo.HeaderXContentTypeOptions, "nosniff"},
	{echo.HeaderXFrameOptions, "DENY"},
	{echo.HeaderReferrerPolicy, "no-referrer"},
	{"Cache-Control", "no-store"},
}

// SecurityHeaders strips hop-by-hop headers from the request and sets the
// security headers on the response before the handler runs, so they are
// present however the response is committed.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cleanHopHeaders(c.Request().Header)

			h := c.Response().Header()
			for _, kv := range responseHeaders {
				h.Set(kv[0], kv[1])
			}
			return next(c)
		}
	}
}

// cleanHopHeaders removes the standard hop-by-hop headers and any header the
// client listed in Connection.
func cleanHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for k := range hopHeaders {
		h.Del(k)
	}
}
