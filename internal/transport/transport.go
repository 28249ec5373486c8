// Package transport implements the HTTP transport used to talk to Shelly
// devices. Gen1 devices expose a REST API driven by GET requests; Gen2 and
// later expose a JSON-RPC endpoint at POST /rpc. Both paths share a pooled
// http.Client, a per-attempt timeout and a single retry on transient
// network failure.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	operrors "github.com/frostdev-ops/shelly-fleet-go/pkg/errors"
)

const (
	defaultTimeout      = 5 * time.Second
	defaultRetryBackoff = 250 * time.Millisecond
	defaultIdleTimeout  = 30 * time.Second
	defaultUserAgent    = "shelly-fleet/1.0"
)

// CredentialSource resolves HTTP credentials for a device host. Hosts
// without credentials return ok=false and requests go out unauthenticated.
type CredentialSource interface {
	Credentials(host string) (username, password string, ok bool)
}

// StaticCredentials applies the same username and password to every host.
type StaticCredentials struct {
	Username string
	Password string
}

// Credentials implements CredentialSource.
func (s StaticCredentials) Credentials(string) (string, string, bool) {
	if s.Username == "" && s.Password == "" {
		return "", "", false
	}
	return s.Username, s.Password, true
}

// Client is the shared device transport. It is safe for concurrent use.
type Client struct {
	httpClient      *http.Client
	timeout         time.Duration
	retryBackoff    time.Duration
	idleConnTimeout time.Duration
	userAgent       string
	creds           CredentialSource
	breakers        *operrors.BreakerSet
	logger          *logrus.Logger
	rpcID           atomic.Int64
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-attempt timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.timeout = timeout
	}
}

// WithRetryBackoff sets the delay before the single retry attempt.
func WithRetryBackoff(backoff time.Duration) Option {
	return func(c *Client) {
		c.retryBackoff = backoff
	}
}

// WithUserAgent sets the User-Agent header sent to devices.
func WithUserAgent(userAgent string) Option {
	return func(c *Client) {
		c.userAgent = userAgent
	}
}

// WithCredentials sets the credential source for authenticated devices.
func WithCredentials(src CredentialSource) Option {
	return func(c *Client) {
		c.creds = src
	}
}

// WithHTTPClient replaces the underlying http.Client. Used by tests and by
// callers that need custom pooling behavior.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithIdleConnTimeout sets how long pooled per-host connections are kept
// before being reaped. Ignored when WithHTTPClient is also given.
func WithIdleConnTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.idleConnTimeout = d
		}
	}
}

// WithBreaker arms a per-host circuit breaker: after maxFailures
// consecutive unreachable or timed-out calls the host is refused
// without network traffic until cooldown elapses and a probe succeeds.
// Discovery probes via Identify never consult the breaker.
func WithBreaker(maxFailures int, cooldown time.Duration) Option {
	return func(c *Client) {
		if maxFailures <= 0 || cooldown <= 0 {
			return
		}
		c.breakers = operrors.NewBreakerSet(maxFailures, cooldown, func(host string, from, to operrors.BreakerState) {
			c.logger.WithFields(logrus.Fields{
				"host": host,
				"from": from.String(),
				"to":   to.String(),
			}).Warn("Device circuit state changed")
		})
	}
}

// New creates a device transport client.
func New(logger *logrus.Logger, opts ...Option) *Client {
	c := &Client{
		timeout:         defaultTimeout,
		retryBackoff:    defaultRetryBackoff,
		userAgent:       defaultUserAgent,
		idleConnTimeout: defaultIdleTimeout,
		logger:          logger,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     c.idleConnTimeout,
			},
		}
	}

	return c
}

// RPCRequest is the JSON-RPC envelope sent to Gen2+ devices.
type RPCRequest struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// RPCResponse is the JSON-RPC envelope returned by Gen2+ devices.
type RPCResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is the error object embedded in a failed JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Gen1Call performs a GET against a Gen1 REST endpoint and returns the raw
// response body. Gen1 devices accept writes as GET requests with query
// parameters, so this single entry point covers reads and writes.
func (c *Client) Gen1Call(ctx context.Context, host, path string, query url.Values) (json.RawMessage, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := url.URL{Scheme: "http", Host: host, Path: path}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	status, body, err := c.do(ctx, http.MethodGet, u.String(), nil, host)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, operrors.New(operrors.KindHTTPError, "device %s rejected credentials (HTTP 401)", host)
	}
	if status < 200 || status > 299 {
		return nil, operrors.New(operrors.KindHTTPError, "device %s returned HTTP %d for %s", host, status, path)
	}
	return json.RawMessage(body), nil
}

// Identify fetches /shelly from a host in a single attempt bounded by the
// given timeout. Discovery probes use this instead of Gen1Call so a dead
// address costs one short timeout, never a retry cycle.
func (c *Client) Identify(ctx context.Context, host string, timeout time.Duration) (json.RawMessage, error) {
	probeCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	u := url.URL{Scheme: "http", Host: host, Path: "/shelly"}
	status, body, err := c.attempt(probeCtx, http.MethodGet, u.String(), nil, host)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, operrors.New(operrors.KindHTTPError, "host %s returned HTTP %d for /shelly", host, status)
	}
	return json.RawMessage(body), nil
}

// Gen2Call performs a JSON-RPC call against a Gen2+ device and returns the
// raw result payload. RPC-level errors surface as device-error and are
// never retried.
func (c *Client) Gen2Call(ctx context.Context, host, method string, params interface{}) (json.RawMessage, error) {
	request := RPCRequest{
		ID:     c.rpcID.Add(1),
		Method: method,
		Params: params,
	}
	reqBody, err := json.Marshal(request)
	if err != nil {
		return nil, operrors.Wrap(operrors.KindInternal, err, "marshal rpc request %s", method)
	}

	u := url.URL{Scheme: "http", Host: host, Path: "/rpc"}
	status, body, err := c.do(ctx, http.MethodPost, u.String(), reqBody, host)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, operrors.New(operrors.KindHTTPError, "device %s rejected credentials (HTTP 401)", host)
	}
	if status < 200 || status > 299 {
		return nil, operrors.New(operrors.KindHTTPError, "device %s returned HTTP %d for %s", host, status, method)
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, operrors.Wrap(operrors.KindDeviceError, err, "device %s returned malformed rpc response for %s", host, method)
	}
	if rpcResp.Error != nil {
		return nil, operrors.New(operrors.KindDeviceError, "device %s rpc error %d: %s", host, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// do guards a request with the host's circuit breaker. Any HTTP status
// counts as breaker success: a device that answers is alive, whatever
// it answered. Cancellation is the caller's doing and counts neither
// way.
func (c *Client) do(ctx context.Context, method, rawURL string, reqBody []byte, host string) (int, []byte, error) {
	if c.breakers != nil && !c.breakers.Allow(host) {
		return 0, nil, operrors.New(operrors.KindUnreachable, "device %s skipped while its circuit is open", host)
	}

	status, body, err := c.dispatch(ctx, method, rawURL, reqBody, host)

	if c.breakers != nil {
		switch {
		case err == nil:
			c.breakers.Success(host)
		case operrors.IsKind(err, operrors.KindTimeout) || operrors.IsKind(err, operrors.KindUnreachable):
			c.breakers.Failure(host)
		}
	}
	return status, body, err
}

// dispatch runs one request with the per-attempt timeout and retries
// exactly once on connect-refused or timeout. HTTP status codes are
// returned to the caller without retrying.
func (c *Client) dispatch(ctx context.Context, method, rawURL string, reqBody []byte, host string) (int, []byte, error) {
	var lastErr error
	for attempt := 0; attempt <= 1; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(c.retryBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return 0, nil, operrors.Wrap(operrors.KindCancelled, ctx.Err(), "request to %s cancelled", host)
			case <-timer.C:
			}
			c.logger.WithFields(logrus.Fields{
				"host":   host,
				"method": method,
				"url":    rawURL,
			}).Debug("Retrying device request")
		}

		status, body, err := c.attempt(ctx, method, rawURL, reqBody, host)
		if err == nil {
			return status, body, nil
		}
		lastErr = err
		if !retryable(err) || ctx.Err() != nil {
			return 0, nil, err
		}
	}
	return 0, nil, lastErr
}

func (c *Client) attempt(ctx context.Context, method, rawURL string, reqBody []byte, host string) (int, []byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var bodyReader io.Reader
	if reqBody != nil {
		bodyReader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, rawURL, bodyReader)
	if err != nil {
		return 0, nil, operrors.Wrap(operrors.KindInternal, err, "build request for %s", host)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds != nil {
		if username, password, ok := c.creds.Credentials(host); ok {
			req.SetBasicAuth(username, password)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, c.classify(ctx, host, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, c.classify(ctx, host, err)
	}
	return resp.StatusCode, data, nil
}

// classify maps a transport failure onto the operation error taxonomy.
// Parent-context cancellation wins over the per-attempt deadline.
func (c *Client) classify(ctx context.Context, host string, err error) error {
	if stderrors.Is(ctx.Err(), context.Canceled) || stderrors.Is(err, context.Canceled) {
		return operrors.Wrap(operrors.KindCancelled, err, "request to %s cancelled", host)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return operrors.Wrap(operrors.KindTimeout, err, "request to %s timed out", host)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return operrors.Wrap(operrors.KindTimeout, err, "request to %s timed out", host)
	}
	if stderrors.Is(err, syscall.ECONNREFUSED) {
		return operrors.Wrap(operrors.KindUnreachable, err, "device %s refused connection", host)
	}
	return operrors.Wrap(operrors.KindUnreachable, err, "device %s unreachable", host)
}

// retryable reports whether the failure warrants the single retry. Only
// timeouts and refused connections qualify.
func retryable(err error) bool {
	if operrors.IsKind(err, operrors.KindTimeout) {
		return true
	}
	return stderrors.Is(err, syscall.ECONNREFUSED)
}
