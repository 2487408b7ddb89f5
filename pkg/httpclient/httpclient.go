package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// maxBodyBytes bounds how much of a response body is retained for results.
const maxBodyBytes = 64 * 1024

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Headers map[string]string

	// RequestsPerSecond enables client-side rate limiting when > 0, so test
	// runs do not hammer the target API.
	RequestsPerSecond float64
	Burst             int
}

// Response captures what reporters need from one API call.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Client is a thin wrapper over net/http that resolves paths against a base
// URL, applies default headers, and measures response times.
type Client struct {
	log     logrus.FieldLogger
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a Client from configuration.
func New(log logrus.FieldLogger, cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &Client{
		log:  log.WithField("component", "httpclient"),
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}

		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return c
}

// Do performs one request and returns the captured response.
func (c *Client) Do(
	ctx context.Context,
	method, path string,
	body []byte,
	headers map[string]string,
) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	target, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}

	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	elapsed := time.Since(start)

	c.log.WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": elapsed,
	}).Debug("Request completed")

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       data,
		Duration:   elapsed,
	}, nil
}

// Get performs a GET request.
func (c *Client) Get(ctx context.Context, path string, headers map[string]string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil, headers)
}

// Post performs a POST request.
func (c *Client) Post(ctx context.Context, path string, body []byte, headers map[string]string) (*Response, error) {
	return c.Do(ctx, http.MethodPost, path, body, headers)
}

// resolve joins path with the base URL when the path is relative.
func (c *Client) resolve(path string) (string, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path, nil
	}

	if c.cfg.BaseURL == "" {
		return "", fmt.Errorf("relative path %q requires a base URL", path)
	}

	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}

	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("parsing path %q: %w", path, err)
	}

	return base.ResolveReference(ref).String(), nil
}
