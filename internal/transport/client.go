package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"nbdeploy/internal/telemetry"
)

// ErrRemoteUnavailable is returned when the proxy reports it could not reach
// the remote, or the proxy itself could not be reached in time.
var ErrRemoteUnavailable = errors.New("remote unavailable")

// StatusError carries a non-2xx status relayed by the proxy.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("remote returned status %d", e.Code)
	}
	return fmt.Sprintf("remote returned status %d: %s", e.Code, body)
}

// IsRedirect reports whether err is a relayed 3xx response.
func IsRedirect(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 300 && se.Code < 400
}

type Request struct {
	Method         string
	URL            string
	JSON           any
	Form           map[string]string
	File           *FilePart
	AllowRedirects bool
}

// Caller is the single outbound path used by every remote operation.
type Caller interface {
	Call(ctx context.Context, req Request) ([]byte, error)
}

type Client struct {
	endpoint string
	timeout  time.Duration
	http     *http.Client
	logger   *zap.Logger
	metrics  *telemetry.Metrics
	tracer   trace.Tracer
}

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracer = telemetry.Tracer(tp)
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New returns a client posting to proxyBaseURL + ProxyPath. Every call is
// bounded by timeout and never retried.
func New(proxyBaseURL string, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		endpoint: strings.TrimRight(proxyBaseURL, "/") + ProxyPath,
		timeout:  timeout,
		http: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: zap.NewNop(),
		tracer: telemetry.Tracer(nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Call(ctx context.Context, req Request) ([]byte, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	env := Envelope{
		Method:         method,
		URL:            req.URL,
		Form:           req.Form,
		File:           req.File,
		AllowRedirects: req.AllowRedirects,
	}
	if req.JSON != nil {
		raw, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s payload: %w", method, req.URL, err)
		}
		env.JSON = raw
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode proxy envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "remote.call", trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("remote.url", req.URL),
	))
	defer span.End()

	started := time.Now()
	out, code, err := c.do(ctx, body)
	elapsed := time.Since(started)

	outcome := "ok"
	switch {
	case err != nil:
		outcome = "unavailable"
		span.RecordError(err)
		span.SetStatus(codes.Error, "unavailable")
	case code == http.StatusInternalServerError:
		outcome = "unavailable"
		err = fmt.Errorf("%w: proxy returned 500 for %s %s", ErrRemoteUnavailable, method, req.URL)
		span.SetStatus(codes.Error, "proxy 500")
	case code < 200 || code > 299:
		outcome = "status_" + strconv.Itoa(code)
		err = &StatusError{Code: code, Body: string(out)}
	}
	span.SetAttributes(attribute.Int("http.status_code", code))
	c.metrics.ObserveRemoteCall(method, outcome, elapsed)
	c.logger.Debug("remote call",
		zap.String("method", method),
		zap.String("url", req.URL),
		zap.Int("status", code),
		zap.String("outcome", outcome),
		zap.Duration("elapsed", elapsed),
	)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, body []byte) ([]byte, int, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: build proxy request: %v", ErrRemoteUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read proxy response: %v", ErrRemoteUnavailable, err)
	}
	return out, resp.StatusCode, nil
}
