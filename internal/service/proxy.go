// Package service implements the core proxy forwarding logic.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"croissant-proxy/internal/client"
	"croissant-proxy/internal/config"
	"croissant-proxy/internal/model"
)

var (
	// ErrInvalidTarget is returned when the outbound request cannot be built
	// from the inbound one. Nothing has been sent upstream.
	ErrInvalidTarget = errors.New("invalid upstream target")

	// ErrUpstream is returned when the upstream could not be reached or failed
	// before producing a response.
	ErrUpstream = errors.New("upstream request failed")
)

// ProxyService builds and dispatches the upstream request for each inbound request.
// It holds no per-request state and is safe for concurrent use.
type ProxyService struct {
	client        *client.UpstreamClient
	logger        *slog.Logger
	baseURL       *url.URL
	mountPrefix   string
	escapedPrefix string // mountPrefix as it appears in an escaped path
}

// NewProxyService creates a ProxyService. It fails when the upstream base URL is
// not an absolute http or https URL, so a bad upstream is caught at startup
// rather than on the first request.
func NewProxyService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := config.ParseUpstreamURL(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}

	prefix := config.NormalizeMountPrefix(cfg.Upstream.MountPrefix)

	return &ProxyService{
		client:        c,
		logger:        logger.With("component", "proxy_service"),
		baseURL:       u,
		mountPrefix:   prefix,
		escapedPrefix: (&url.URL{Path: prefix}).EscapedPath(),
	}, nil
}

// MountPrefix returns the path prefix the proxy is mounted under.
func (s *ProxyService) MountPrefix() string {
	return s.mountPrefix
}

// Forward sends a ProxyRequest to the upstream and returns the response.
// The caller is responsible for closing the response body.
//
// Errors wrap ErrInvalidTarget when the request could not be built and
// ErrUpstream when it was dispatched but no response came back. An upstream
// 4xx/5xx is a response, not an error.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target, err := s.buildUpstreamURL(s.forwardedPath(pr.Path), pr.RawQuery)
	if err != nil {
		return nil, err
	}

	req, err := s.newUpstreamRequest(pr, target)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"target_path", target.EscapedPath(),
	)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	return resp, nil
}

// forwardedPath strips the mount prefix from an escaped inbound path.
func (s *ProxyService) forwardedPath(path string) string {
	p := strings.TrimPrefix(path, s.escapedPrefix)
	if p == "" {
		return "/"
	}
	return p
}

// buildUpstreamURL appends the escaped forwarded path to the base URL's path
// and sets the raw query verbatim.
func (s *ProxyService) buildUpstreamURL(path, rawQuery string) (*url.URL, error) {
	escaped := strings.TrimSuffix(s.baseURL.EscapedPath(), "/") + path
	unescaped, err := url.PathUnescape(escaped)
	if err != nil {
		return nil, fmt.Errorf("%w: path %q: %w", ErrInvalidTarget, path, err)
	}

	u := *s.baseURL
	u.Path = unescaped
	u.RawPath = escaped
	u.RawQuery = rawQuery
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return &u, nil
}

func (s *ProxyService) newUpstreamRequest(pr *model.ProxyRequest, target *url.URL) (*http.Request, error) {
	body := pr.Body
	contentLength := pr.ContentLength
	if body == nil || body == http.NoBody || contentLength == 0 {
		body = http.NoBody
		contentLength = 0
	}

	req, err := http.NewRequestWithContext(pr.Ctx, pr.Method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrInvalidTarget, err)
	}
	// Reparsing the string form cuts RawQuery at a literal '#'.
	req.URL = target
	req.ContentLength = contentLength
	req.Header = rewriteHeaders(pr.Header, target.Host)
	req.Host = target.Host

	return req, nil
}

// rewriteHeaders returns a copy of src with Host set to host. Nothing else is
// added or removed; an absent User-Agent is pinned to empty so the Go client
// does not substitute its own.
func rewriteHeaders(src http.Header, host string) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	dst.Set("Host", host)
	if _, ok := dst["User-Agent"]; !ok {
		dst.Set("User-Agent", "")
	}
	return dst
}
