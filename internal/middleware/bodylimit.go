package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// BodyLimit returns an Echo middleware that caps request bodies at limit
// bytes. A declared Content-Length over the limit is refused with 413 before
// the handler runs. A body of unknown length is wrapped in
// http.MaxBytesReader, so reading past the limit fails with
// *http.MaxBytesError for the handler to map.
//
// The reader is owned by the request, not pooled: the upstream transport may
// still be reading it after the handler has returned.
func BodyLimit(limit int64) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.ContentLength > limit {
				return echo.ErrStatusRequestEntityTooLarge
			}
			if req.Body != nil && req.Body != http.NoBody {
				req.Body = http.MaxBytesReader(c.Response().Writer, req.Body, limit)
			}
			return next(c)
		}
	}
}
