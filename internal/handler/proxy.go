package handler

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/labstack/echo/v4"

	"croissant-proxy/internal/client"
	"croissant-proxy/internal/middleware"
	"croissant-proxy/internal/model"
	"croissant-proxy/internal/service"
)

const (
	proxyErrorBody    = "Proxy Error"
	internalErrorBody = "Internal Server Error"
)

// copyBufferSize is the chunk size used when relaying a flushed stream.
const copyBufferSize = 32 * 1024

// ProxyHandler relays requests under the mount prefix to the upstream.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// MountPrefix returns the path prefix the handler must be mounted under.
func (h *ProxyHandler) MountPrefix() string {
	return h.service.MountPrefix()
}

// Handle forwards the request to the upstream and streams the response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          req.URL.EscapedPath(),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	res := c.Response()
	header := res.Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			header.Add(key, v)
		}
	}
	for key := range resp.Trailer {
		header.Add("Trailer", key)
	}
	// A nil entry stops net/http from sniffing a Content-Type the upstream
	// did not send.
	if _, ok := resp.Header["Content-Type"]; !ok {
		header["Content-Type"] = nil
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusInternalServerError
	}
	res.WriteHeader(status)

	// The status line is on the wire now. A failure past this point can
	// only be signalled by cutting the connection.
	if _, err := copyBody(res, resp.Body, shouldFlush(resp)); err != nil {
		if req.Context().Err() != nil {
			h.logger.Debug("client went away during response",
				"path", req.URL.Path,
				"request_id", middleware.GetRequestID(c),
			)
			return nil
		}
		h.logger.Error("streaming response body",
			"err", err,
			"method", req.Method,
			"path", req.URL.Path,
			"request_id", middleware.GetRequestID(c),
		)
		panic(http.ErrAbortHandler)
	}

	for key, vals := range resp.Trailer {
		for _, v := range vals {
			header.Add(http.TrailerPrefix+key, v)
		}
	}

	return nil
}

// mapError turns a Forward failure into the client-visible response: 413 for a
// body over the configured limit, 502 when the upstream gave no response, 500
// otherwise. The body never carries error detail; the full chain is logged.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	req := c.Request()

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.logger.Warn("request body over limit",
			"limit", tooLarge.Limit,
			"method", req.Method,
			"path", req.URL.Path,
			"request_id", middleware.GetRequestID(c),
		)
		return c.String(http.StatusRequestEntityTooLarge, http.StatusText(http.StatusRequestEntityTooLarge))
	}

	if errors.Is(err, service.ErrUpstream) {
		cause := client.Cause(err)
		level := slog.LevelError
		if cause == client.CauseCanceled {
			level = slog.LevelWarn
		}
		h.logger.Log(req.Context(), level, "upstream request failed",
			"err", err,
			"cause", cause,
			"method", req.Method,
			"path", req.URL.Path,
			"request_id", middleware.GetRequestID(c),
		)
		return c.String(http.StatusBadGateway, proxyErrorBody)
	}

	h.logger.Error("proxy setup failed",
		"err", err,
		"method", req.Method,
		"path", req.URL.Path,
		"request_id", middleware.GetRequestID(c),
	)
	return c.String(http.StatusInternalServerError, internalErrorBody)
}

// shouldFlush reports whether each chunk must be pushed to the client as soon
// as it arrives rather than left to the server's write buffer.
func shouldFlush(resp *model.ProxyResponse) bool {
	if resp.ContentLength < 0 {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && mediaType == "text/event-stream"
}

func copyBody(res *echo.Response, body io.Reader, flush bool) (int64, error) {
	if !flush {
		return io.Copy(res, body)
	}

	buf := make([]byte, copyBufferSize)
	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			wn, werr := res.Write(buf[:n])
			written += int64(wn)
			if werr != nil {
				return written, werr
			}
			res.Flush()
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
