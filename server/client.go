package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Client uploads files to a dump server. Requests are retried only when the
// server cannot be reached; any HTTP response is final.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
	waitInterval             time.Duration
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("dump_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// connectionRetryPolicy retries transport errors, such as a server that is still binding, but never an HTTP response.
func connectionRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return false, nil
}

func NewClient(host string, port int, opts ...ClientOption) (*Client, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	c := &Client{
		Logger:       logger.Named("dump_client").Sugar(),
		baseURL:      "http://" + net.JoinHostPort(host, strconv.Itoa(port)),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.CheckRetry = connectionRetryPolicy
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

// DumpURL returns the URL that uploads to filePath on the server.
func (c *Client) DumpURL(filePath string) string {
	return c.baseURL + "/dump?" + url.Values{"file": []string{filePath}}.Encode()
}

// Dump uploads contents to filePath on the server's host.
func (c *Client) Dump(ctx context.Context, filePath string, contents io.Reader) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.DumpURL(filePath), contents)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending dump over HTTP: %w", err)
	}
	defer httpResp.Body.Close()
	b, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("reading dump response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("non-200 HTTP status code %d received when dumping file: %s", httpResp.StatusCode, string(b))
	}
	return nil
}

// WaitForServer blocks until the server answers HTTP requests.
// Any response counts, since every path but POST /dump is forbidden.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
			if err != nil {
				return fmt.Errorf("building request: %w", err)
			}
			resp, err := c.HTTPClient.Do(req)
			if err == nil {
				resp.Body.Close()
				c.Logger.Debug("server responded, done waiting")
				return nil
			}
			c.Logger.Debugf("server not reachable yet: %s", err)
		}
	}
}
