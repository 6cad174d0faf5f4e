package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/lockgov/api"
	"pkt.systems/lockgov/internal/correlation"
	"pkt.systems/lockgov/internal/loggingutil"
	"pkt.systems/pslog"
)

// Default client tuning knobs exposed for callers that want to mirror
// lockgov's defaults.
const (
	DefaultHTTPTimeout         = 15 * time.Second
	DefaultMaxIdleConns        = 256
	DefaultMaxIdleConnsPerHost = 32
)

const defaultEndpointPort = "9441"

// Client is the HTTP transport to a single lockgov server at a time. Host
// selection and retries are the Hub's concern.
type Client struct {
	httpClient  *http.Client
	httpTimeout time.Duration
	logger      pslog.Logger
}

// Option customises client construction.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.logger = loggingutil.WithSubsystem(logger, "client.sdk")
	}
}

// WithHTTPTimeout overrides the per-request timeout.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// New builds a client. The default transport is instrumented with otelhttp.
func New(opts ...Option) *Client {
	c := &Client{
		httpTimeout: DefaultHTTPTimeout,
		logger:      pslog.NoopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.httpClient == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		applyDefaultTransportTuning(tr)
		c.httpClient = &http.Client{Transport: otelhttp.NewTransport(tr)}
	}
	return c
}

func applyDefaultTransportTuning(tr *http.Transport) {
	if tr == nil {
		return
	}
	if tr.MaxIdleConns < DefaultMaxIdleConns {
		tr.MaxIdleConns = DefaultMaxIdleConns
	}
	if tr.MaxIdleConnsPerHost < DefaultMaxIdleConnsPerHost {
		tr.MaxIdleConnsPerHost = DefaultMaxIdleConnsPerHost
	}
}

// Execute submits a transaction to the server at endpoint.
func (c *Client) Execute(ctx context.Context, endpoint string, req api.ExecuteRequest) (*api.LockTransactionResult, error) {
	var out api.LockTransactionResult
	if err := c.do(ctx, http.MethodPost, endpoint, "/v1/lock/execute", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// EndSession ends a session on the server at endpoint.
func (c *Client) EndSession(ctx context.Context, endpoint string, id api.LockSessionID) (*api.EndSessionResponse, error) {
	var out api.EndSessionResponse
	if err := c.do(ctx, http.MethodPost, endpoint, "/v1/lock/end-session", api.EndSessionRequest{SessionID: id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status fetches the server status.
func (c *Client) Status(ctx context.Context, endpoint string) (*api.StatusResponse, error) {
	var out api.StatusResponse
	if err := c.do(ctx, http.MethodGet, endpoint, "/v1/lock/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Tables fetches a diagnostic snapshot of a namespace.
func (c *Client) Tables(ctx context.Context, endpoint, namespace string) (*api.TablesResponse, error) {
	var out api.TablesResponse
	path := "/v1/lock/tables?namespace=" + url.QueryEscape(namespace)
	if err := c.do(ctx, http.MethodGet, endpoint, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if c.httpTimeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, c.httpTimeout)
}

func (c *Client) do(ctx context.Context, method, endpoint, path string, payload, out any) error {
	base, err := NormalizeEndpoint(endpoint)
	if err != nil {
		return err
	}
	var body io.Reader
	if payload != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return err
		}
		body = buf
	}
	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, base+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cid := CorrelationIDFromContext(ctx); cid != "" {
		req.Header.Set(correlation.Header, cid)
	}
	start := time.Now()
	c.logger.Trace("client.http.attempt", "method", method, "endpoint", base, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("client.http.error", "endpoint", base, "path", path, "error", err, "duration", time.Since(start))
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.logger.Debug("client.http.status", "endpoint", base, "path", path, "status", resp.StatusCode, "duration", time.Since(start))
		return decodeError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("lockgov: decode %s response: %w", path, err)
		}
	}
	c.logger.Trace("client.http.success", "endpoint", base, "path", path, "status", resp.StatusCode, "duration", time.Since(start))
	return nil
}

// APIError describes an error response returned by a lockgov server.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body bytes for additional diagnostics.
	Body []byte
	// RetryAfter is the parsed retry delay hint from headers, when provided.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		return fmt.Sprintf("lockgov: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
	}
	return fmt.Sprintf("lockgov: status %d", e.Status)
}

// RetryAfterDuration returns the recommended back-off hinted by the server.
func (e *APIError) RetryAfterDuration() time.Duration {
	if e == nil {
		return 0
	}
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if e.Response.RetryAfterSeconds > 0 {
		return time.Duration(e.Response.RetryAfterSeconds) * time.Second
	}
	return 0
}

func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			return &APIError{Status: resp.StatusCode, Body: data}
		}
	}
	retryAfter := parseRetryAfterHeader(resp.Header.Get("Retry-After"))
	if retryAfter == 0 && errResp.RetryAfterSeconds > 0 {
		retryAfter = time.Duration(errResp.RetryAfterSeconds) * time.Second
	}
	return &APIError{
		Status:     resp.StatusCode,
		Response:   errResp,
		Body:       data,
		RetryAfter: retryAfter,
	}
}

func parseRetryAfterHeader(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if ts, err := http.ParseTime(raw); err == nil {
		delay := time.Until(ts)
		if delay <= 0 {
			return 0
		}
		return delay
	}
	return 0
}

func retryAfterFromError(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfterDuration()
	}
	return 0
}

// NormalizeEndpoint applies the http scheme and default port to bare
// host[:port] endpoints and strips trailing slashes.
func NormalizeEndpoint(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errors.New("lockgov: empty endpoint")
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("lockgov: parse endpoint %q: %w", raw, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("lockgov: endpoint %q has no host", raw)
	}
	port := u.Port()
	if port == "" {
		port = defaultEndpointPort
	}
	u.Host = net.JoinHostPort(host, port)
	return strings.TrimRight(u.String(), "/"), nil
}
