// Package client provides the pooled HTTP client used to reach the upstream.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"croissant-proxy/internal/config"
	"croissant-proxy/internal/metrics"
	"croissant-proxy/internal/model"
	"croissant-proxy/internal/tracing"
)

// Upstream failure causes, used as a log field and metric label.
const (
	CauseCanceled   = "canceled"
	CauseTimeout    = "timeout"
	CauseDNS        = "dns"
	CauseConnection = "connection"
)

// UpstreamClient sends requests to the upstream service.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     *tracing.Tracer
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// The metrics and tracer parameters are optional; pass nil to disable them.
//
// Only the wait for response headers is bounded (upstream.timeout_seconds); the
// body is streamed for as long as the upstream keeps sending it. Redirects are
// returned to the caller instead of being followed, and bodies are never
// transparently decompressed.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, tr *tracing.Tracer) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		DisableCompression:    true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
		tracer:  tr,
	}
}

// Do executes an HTTP request against the upstream and returns the raw response.
// The caller is responsible for closing the response body. The request context
// controls the whole exchange: when it is canceled (e.g. the client
// disconnects), the upstream request and body stream are aborted too.
func (c *UpstreamClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("upstream request",
		"method", req.Method,
		"host", req.Host,
		"path", req.URL.Path,
	)

	var span trace.Span
	if c.tracer != nil {
		var ctx context.Context
		ctx, span = c.tracer.Start(req.Context(), "proxy.upstream",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("http.request.method", req.Method),
				attribute.String("server.address", req.URL.Host),
				attribute.String("url.path", req.URL.Path),
			),
		)
		defer span.End()
		req = req.WithContext(ctx)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		cause := Cause(err)
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
			c.metrics.UpstreamErrors.WithLabelValues(cause).Inc()
		}
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, cause)
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}
	if span != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	}

	return &model.ProxyResponse{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		Trailer:       resp.Trailer,
		ContentLength: resp.ContentLength,
		Body:          resp.Body,
	}, nil
}

// Cause classifies an upstream transport error.
func Cause(err error) string {
	if errors.Is(err, context.Canceled) {
		return CauseCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CauseTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CauseTimeout
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CauseDNS
	}

	return CauseConnection
}
