// Copyright 2025 The nuclia-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpclient is the single entry point for talking to the platform:
// it encodes bodies, attaches headers, classifies failures into the errs
// taxonomy, retries rate-limited idempotent calls and exposes the streaming
// variants (NDJSON lines, raw chunks, WebSocket).
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nuclia/nuclia-go/pkg/errs"
)

// Client executes requests. One Client owns one connection pool and is safe
// for concurrent use.
type Client struct {
	client  *http.Client
	backoff Backoff
	limiter *rate.Limiter
	metrics *Metrics
	dialer  *websocket.Dialer
	logger  *slog.Logger
	debug   bool
}

type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithBackoff replaces the retry policy for replayable requests.
func WithBackoff(b Backoff) Option {
	return func(c *Client) {
		c.backoff = b
	}
}

// WithRateLimit throttles outgoing requests on the client side.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithMetrics records request metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithDebugRequests logs every outbound request.
func WithDebugRequests(enabled bool) Option {
	return func(c *Client) {
		c.debug = enabled
	}
}

// WithLogger sets the logger used for retries and debug output.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// New creates a Client. Timeouts are per request, so the default
// *http.Client has none.
func New(opts ...Option) *Client {
	c := &Client{
		client: &http.Client{
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
		},
		backoff: DefaultBackoff(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	// Work on a copy so a caller-supplied client is left untouched.
	hc := *c.client
	if hc.CheckRedirect == nil {
		hc.CheckRedirect = checkRedirect
	}
	if t, ok := hc.Transport.(*http.Transport); ok && t.TLSClientConfig != nil && c.dialer.TLSClientConfig == nil {
		c.dialer.TLSClientConfig = t.TLSClientConfig
	}
	if c.debug {
		next := hc.Transport
		if next == nil {
			next = http.DefaultTransport
		}
		hc.Transport = &loggingTransport{next: next, logger: c.logger}
	}
	c.client = &hc

	return c
}

// Request describes one call.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Header http.Header

	// Body is JSON-encoded unless it is nil, []byte, string, json.RawMessage
	// or an io.Reader, which are sent as is.
	Body any

	// Timeout bounds the whole call for unary requests and each idle
	// interval for streams. Zero means no timeout.
	Timeout time.Duration

	// Retry marks the request as safe to replay on rate limiting.
	Retry bool
}

// Response is a fully read answer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Map decodes the body as a generic JSON object.
func (r *Response) Map() (map[string]any, error) {
	if r == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(r.Body, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrMalformedResponse, err)
	}
	return out, nil
}

// Decode parses the body into T. An absent or empty body yields the zero
// value.
func Decode[T any](r *Response) (T, error) {
	var out T
	if r == nil || len(bytes.TrimSpace(r.Body)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(r.Body, &out); err != nil {
		return out, fmt.Errorf("%w: %v", errs.ErrMalformedResponse, err)
	}
	return out, nil
}

// DoJSON performs req and decodes the answer into T.
func DoJSON[T any](ctx context.Context, c *Client, req *Request) (T, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](resp)
}

// Do performs req, reading the whole body. Non-2xx answers come back as
// *errs.Error. Writes do not follow redirects: a 3xx answer to a write
// returns a nil Response and no error.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	req = withMethod(req)
	body, err := prepareBody(req)
	if err != nil {
		return nil, err
	}

	attempt := func(ctx context.Context) (*Response, error) {
		return c.do(ctx, req, body)
	}
	if !req.Retry {
		return attempt(ctx)
	}
	return Retry(ctx, c.retryPolicy(req.Method), attempt)
}

// withMethod returns req with an empty method defaulted to GET, so metrics
// and retry labels agree.
func withMethod(req *Request) *Request {
	if req.Method != "" {
		return req
	}
	r := *req
	r.Method = http.MethodGet
	return &r
}

func (c *Client) retryPolicy(method string) Backoff {
	b := c.backoff
	next := b.OnRetry
	b.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warn("Rate limited, retrying",
			"method", method,
			"attempt", attempt,
			"max_attempts", b.MaxAttempts,
			"delay", delay)
		c.metrics.retried(method)
		if next != nil {
			next(attempt, delay, err)
		}
	}
	return b
}

func (c *Client) do(ctx context.Context, req *Request, body *requestBody) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	resp, err := c.send(ctx, req, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(ctx, err)
	}

	if isRedirect(resp.StatusCode) && isWrite(req.Method) {
		return nil, nil
	}
	if err := classify(resp.StatusCode, resp.Header, data); err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// send issues one attempt and returns the open response.
func (c *Client) send(ctx context.Context, req *Request, body *requestBody) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, transportError(ctx, err)
		}
	}

	u, err := buildURL(req.URL, req.Query)
	if err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	if isWrite(method) {
		ctx = withoutRedirects(ctx)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u, body.reader())
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if body.contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", body.contentType)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.metrics.observe(method, 0, time.Since(start))
		return nil, transportError(ctx, err)
	}
	c.metrics.observe(method, resp.StatusCode, time.Since(start))
	return resp, nil
}

// CloseIdleConnections releases pooled connections.
func (c *Client) CloseIdleConnections() {
	c.client.CloseIdleConnections()
}

type requestBody struct {
	data        []byte
	stream      io.Reader
	contentType string
}

func (b *requestBody) reader() io.Reader {
	if b == nil {
		return nil
	}
	if b.stream != nil {
		return b.stream
	}
	if b.data != nil {
		return bytes.NewReader(b.data)
	}
	return nil
}

func prepareBody(req *Request) (*requestBody, error) {
	switch b := req.Body.(type) {
	case nil:
		return &requestBody{}, nil
	case []byte:
		return &requestBody{data: b}, nil
	case string:
		return &requestBody{data: []byte(b)}, nil
	case json.RawMessage:
		return &requestBody{data: b, contentType: "application/json"}, nil
	case io.Reader:
		if !req.Retry {
			return &requestBody{stream: b}, nil
		}
		// Replayable requests need the bytes for every attempt.
		data, err := io.ReadAll(b)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %w", err)
		}
		return &requestBody{data: data}, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		return &requestBody{data: data, contentType: "application/json"}, nil
	}
}

func buildURL(raw string, query url.Values) (string, error) {
	if len(query) == 0 {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func isWrite(method string) bool {
	switch strings.ToUpper(method) {
	case "", http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func isRedirect(code int) bool {
	return code >= 300 && code < 400
}

type noRedirectKey struct{}

func withoutRedirects(ctx context.Context) context.Context {
	return context.WithValue(ctx, noRedirectKey{}, true)
}

func checkRedirect(req *http.Request, via []*http.Request) error {
	if v, _ := req.Context().Value(noRedirectKey{}).(bool); v {
		return http.ErrUseLastResponse
	}
	if len(via) >= 10 {
		return errors.New("stopped after 10 redirects")
	}
	return nil
}

// transportError maps a failed round trip into the taxonomy.
func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return &errs.Error{Kind: errs.ErrRemote, Detail: "request timed out"}
		}
		return fmt.Errorf("%w: %w", errs.ErrCancelled, ctxErr)
	}
	return &errs.Error{Kind: errs.ErrRemote, Detail: err.Error()}
}
