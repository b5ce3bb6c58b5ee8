package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/guseggert/condadev/relay"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Client talks to a dev server: the HTTP API for calls and the relay for progress.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	apiRoot                  string
	wsPath                   string
	customizeRetryableClient func(*retryablehttp.Client)
	relayClient              *relay.Client

	waitInterval time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("devserver_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

func WithClientAPIRoot(p string) ClientOption {
	return func(c *Client) {
		c.apiRoot = p
	}
}

func WithClientWSPath(p string) ClientOption {
	return func(c *Client) {
		c.wsPath = p
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the dev server listening on addr (host:port).
func NewClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) (*Client, error) {
	defaults := DefaultConfig()
	c := &Client{
		Logger:       log.Named("devserver_client"),
		baseURL:      "http://" + addr,
		apiRoot:      defaults.APIRoot,
		wsPath:       defaults.WSPath,
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	// Only connection failures are retried. A response means the CLI may already have run,
	// and calls like install must not run twice.
	retryClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	c.relayClient = &relay.Client{
		HTTPClient: c.HTTPClient,
		URL:        c.baseURL + c.wsPath,
		Logger:     c.Logger.Named("relay_client"),
	}
	return c, nil
}

func readErrorBody(resp *http.Response) string {
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading body: %w", err).Error()
	}
	return string(bytes.TrimSpace(b))
}

// Health fetches the server's health status.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected health status code %d: %s", resp.StatusCode, readErrorBody(resp))
	}
	var health HealthResponse
	err = json.NewDecoder(resp.Body).Decode(&health)
	if err != nil {
		return nil, fmt.Errorf("decoding health response: %w", err)
	}
	return &health, nil
}

func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.Health(ctx)
			if err == nil {
				c.Logger.Debug("health check succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got health check error: %s", err)
		}
	}
}

// CallResult is the outcome of a CLI call made over the HTTP API.
type CallResult struct {
	Result   json.RawMessage
	ExitCode int
}

// Call runs the CLI to completion through the HTTP API, using the verb given (POST if empty).
func (c *Client) Call(ctx context.Context, method string, req relay.CommandRequest) (*CallResult, error) {
	return c.call(ctx, method, c.apiRoot+"/"+url.PathEscape(req.Subcommand), req)
}

// CallInEnv is like Call, for the environment-scoped routes of the REST API.
// kind is "name" or "prefix".
func (c *Client) CallInEnv(ctx context.Context, method, kind, env string, req relay.CommandRequest) (*CallResult, error) {
	if kind == "prefix" {
		env = url.PathEscape(env)
	}
	p := fmt.Sprintf("%s/%s/env/%s/%s", c.apiRoot, url.PathEscape(req.Subcommand), kind, url.PathEscape(env))
	return c.call(ctx, method, p, req)
}

func (c *Client) call(ctx context.Context, method, urlPath string, req relay.CommandRequest) (*CallResult, error) {
	if method == "" {
		method = http.MethodPost
	}
	u := c.baseURL + urlPath

	var body io.Reader
	if method == http.MethodGet {
		q := url.Values{}
		q["flags"] = req.Flags
		q["positional"] = req.Positional
		u += "?" + q.Encode()
	} else {
		b, err := json.Marshal(CallRequest{Flags: req.Flags, Positional: req.Positional})
		if err != nil {
			return nil, fmt.Errorf("marshaling call request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Add("Content-Type", "application/json")

	c.Logger.Debugw("calling", "Method", method, "URL", u)
	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", req.Subcommand, err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("non-200 HTTP status code %d received when calling %s: %s", httpResp.StatusCode, req.Subcommand, readErrorBody(httpResp))
	}

	b, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading call response: %w", err)
	}
	res := &CallResult{Result: b}
	res.ExitCode, err = strconv.Atoi(httpResp.Header.Get(ExitCodeHeader))
	if err != nil {
		return nil, fmt.Errorf("parsing exit code header: %w", err)
	}
	return res, nil
}

// Progress runs the CLI through the progress relay, calling onProgress for each progress value.
func (c *Client) Progress(ctx context.Context, req relay.CommandRequest, onProgress func(json.RawMessage)) (json.RawMessage, error) {
	return c.relayClient.Run(ctx, req, onProgress)
}
