package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const requestIDKey = "request_id"

// maxRequestIDLen bounds client-supplied ids before they reach the logs.
const maxRequestIDLen = 128

// RequestID returns an Echo middleware that assigns each request an id, taken
// from X-Request-Id when the client sent one and generated otherwise.
// The id lives in the Echo context only: it is not added to the request
// forwarded upstream nor to the response.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(echo.HeaderXRequestID)
			if id == "" || len(id) > maxRequestIDLen {
				id = uuid.NewString()
			}
			c.Set(requestIDKey, id)
			return next(c)
		}
	}
}

// GetRequestID returns the id assigned by RequestID, or "" if none.
func GetRequestID(c echo.Context) string {
	id, _ := c.Get(requestIDKey).(string)
	return id
}
