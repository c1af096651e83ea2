// Package middleware provides Echo middleware for the proxy and admin listeners.
package middleware

import (
	"net/http"

	"github.com/golang/gddo/httputil/header"
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that apply to a single connection and are not forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopByHop deletes hop-by-hop headers from h, including any header named
// as a token of the Connection header.
func RemoveHopByHop(h http.Header) {
	for _, name := range header.ParseList(h, "Connection") {
		h.Del(name)
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers from the
// inbound request before it reaches the proxy handler.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			RemoveHopByHop(c.Request().Header)
			return next(c)
		}
	}
}
