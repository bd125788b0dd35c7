package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"croissant-proxy/internal/middleware"
)

func TestErrorHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(logger)
	e.Use(echomw.Recover())
	e.Use(middleware.BodyLimit(4))
	e.GET("/panic", func(echo.Context) error {
		panic("boom")
	})
	e.GET("/fail", func(echo.Context) error {
		return errors.New("secret detail")
	})
	e.POST("/upload", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{"unknown route", http.MethodGet, "/nope", "", http.StatusNotFound, "Not Found"},
		{"method not allowed", http.MethodDelete, "/fail", "", http.StatusMethodNotAllowed, "Method Not Allowed"},
		{"plain error", http.MethodGet, "/fail", "", http.StatusInternalServerError, "Internal Server Error"},
		{"recovered panic", http.MethodGet, "/panic", "", http.StatusInternalServerError, "Internal Server Error"},
		{"body too large", http.MethodPost, "/upload", "0123456789", http.StatusRequestEntityTooLarge, "Request Entity Too Large"},
		{"head has no body", http.MethodHead, "/nope", "", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader = http.NoBody
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, body))

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if tt.wantBody != "" && !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain") {
				t.Errorf("Content-Type = %q, want text/plain", rec.Header().Get("Content-Type"))
			}
		})
	}
}

func TestErrorHandler_CommittedResponseUntouched(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", http.NoBody), rec)

	if err := c.String(http.StatusOK, "done"); err != nil {
		t.Fatalf("String: %v", err)
	}
	ErrorHandler(logger)(errors.New("late"), c)

	if rec.Code != http.StatusOK || rec.Body.String() != "done" {
		t.Errorf("got %d %q, want 200 %q", rec.Code, rec.Body.String(), "done")
	}
}
