// Package integration implements the engine's outbound ports as JSON-over-HTTP
// adapters: intent classifier, catalog, shipping, payment gateway, CRM,
// operator escalation and customer notifier.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/salesflow/backend/internal/infrastructure/logger"
	"github.com/salesflow/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseBody = 1 << 20
)

// Call outcomes reported to the CallObserver
const (
	OutcomeOK          = "ok"
	OutcomeTransient   = "transient_error"
	OutcomeRejected    = "rejected"
	OutcomeClientError = "client_error"
)

// CallObserver receives one observation per outbound call
type CallObserver interface {
	ObservePortCall(ctx context.Context, port, outcome string, d time.Duration)
}

// StatusError is a non-2xx answer from a port
type StatusError struct {
	Port       string
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: HTTP %d: %s - %s", e.Port, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: HTTP %d", e.Port, e.StatusCode)
}

// IsTransientStatus reports whether an HTTP status is worth retrying
func IsTransientStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// Endpoint configures one port client
type Endpoint struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client is the shared HTTP transport for port adapters. Network failures,
// timeouts, 408, 429 and 5xx answers come back marked transient; other 4xx
// answers are deterministic *StatusError values.
type Client struct {
	port       string
	baseURL    string
	auth       func(*http.Request)
	httpClient *http.Client
	logger     *zap.Logger
	observer   CallObserver
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithObserver reports every call to o
func WithObserver(o CallObserver) ClientOption {
	return func(c *Client) { c.observer = o }
}

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = h }
}

// WithBasicAuth authenticates with HTTP basic credentials instead of a bearer token
func WithBasicAuth(user, password string) ClientOption {
	return func(c *Client) {
		c.auth = func(r *http.Request) { r.SetBasicAuth(user, password) }
	}
}

// NewClient creates a client for the named port
func NewClient(port string, ep Endpoint, log *zap.Logger, opts ...ClientOption) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		port:       port,
		baseURL:    strings.TrimRight(ep.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     log.Named("port").With(zap.String("port", port)),
	}
	if ep.Token != "" {
		token := ep.Token
		c.auth = func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Port returns the port name used in logs, spans and metrics
func (c *Client) Port() string {
	return c.port
}

// Request describes one call
type Request struct {
	Method    string
	Path      string
	Body      any
	Headers   map[string]string
	Operation string // span name suffix; defaults to the method
}

// Do performs the request and decodes a JSON answer into out when out is not nil
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	op := req.Operation
	if op == "" {
		op = strings.ToLower(req.Method)
	}
	ctx, span := telemetry.StartPortSpan(ctx, c.port, op)
	defer span.End()

	start := time.Now()
	status, err := c.do(ctx, req, out)
	elapsed := time.Since(start)

	outcome := OutcomeOK
	switch {
	case err == nil:
	case sales.IsTransient(err):
		outcome = OutcomeTransient
	case status >= 400:
		outcome = OutcomeRejected
	default:
		outcome = OutcomeClientError
	}
	if status > 0 {
		telemetry.SetAttributes(span, telemetry.SpanAttrHTTPStatus, status)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		logger.WithTraceContext(ctx, c.logger).Warn("Port call failed",
			zap.String("operation", op),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
			zap.Bool("transient", sales.IsTransient(err)),
			zap.Error(err),
		)
	}
	if c.observer != nil {
		c.observer.ObservePortCall(ctx, c.port, outcome, elapsed)
	}
	return err
}

func (c *Client) do(ctx context.Context, req Request, out any) (int, error) {
	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return 0, fmt.Errorf("%s: encode request: %w", c.port, err)
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, body)
	if err != nil {
		return 0, fmt.Errorf("%s: build request: %w", c.port, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.auth != nil {
		c.auth(httpReq)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, ctx.Err()
		}
		return 0, sales.MarkTransient(fmt.Errorf("%s: %w", c.port, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, sales.MarkTransient(fmt.Errorf("%s: read response: %w", c.port, err))
	}

	if resp.StatusCode >= 400 {
		statusErr := &StatusError{Port: c.port, StatusCode: resp.StatusCode}
		var errBody struct {
			Code        string `json:"code"`
			Message     string `json:"message"`
			Description string `json:"description"`
		}
		if json.Unmarshal(raw, &errBody) == nil {
			statusErr.Code = errBody.Code
			statusErr.Message = errBody.Message
			if statusErr.Message == "" {
				statusErr.Message = errBody.Description
			}
		}
		if IsTransientStatus(resp.StatusCode) {
			return resp.StatusCode, sales.MarkTransient(statusErr)
		}
		return resp.StatusCode, statusErr
	}

	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("%s: decode response: %w", c.port, err)
		}
	}
	return resp.StatusCode, nil
}

// statusOf extracts the HTTP status of a port error, or 0
func statusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
