package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/guseggert/modrelay/agent/process"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Client talks to a RelayAgent: health checks, session management and running modules.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	certs                    *Certs
	customizeRetryableClient func(*retryablehttp.Client)
	runClient                *process.Client

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
		c.Logger = l.Named("relay_client").Sugar()
	}
}

// WithClientCerts makes the client use mTLS with the client half of certs.
func WithClientCerts(certs *Certs) ClientOption {
	return func(c *Client) {
		c.certs = certs
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

// NewClient builds a client for the agent listening on addr (host:port).
func NewClient(log *zap.SugaredLogger, addr string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		Logger:       log.Named("relay_client"),
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			// always dial the real address; with TLS the URL host is only the name certs are issued for
			return dialer.DialContext(ctx, network, addr)
		},
	}
	c.baseURL = "http://" + addr
	if c.certs != nil {
		tlsConfig, err := ClientTLSConfig(c.certs.CA.CertPEMBytes, c.certs.Client.CertPEMBytes, c.certs.Client.KeyPEMBytes)
		if err != nil {
			return nil, fmt.Errorf("building client TLS config: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("parsing agent address: %w", err)
		}
		c.baseURL = fmt.Sprintf("https://%s:%s", tlsServerName, port)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: transport}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	c.runClient = &process.Client{
		HTTPClient: c.HTTPClient,
		URL:        c.baseURL + "/run",
		Logger:     c.Logger.Named("run_client"),
	}
	return c, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Close = true

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var body string
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			body = fmt.Errorf("error reading body: %w", err).Error()
		} else {
			body = string(b)
		}
		return &StatusError{Code: resp.StatusCode, Body: body}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// StatusError is a non-2xx response from the agent.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status code %d: %s", e.Code, e.Body)
}

func (c *Client) SendHeartbeat(ctx context.Context) (*HeartbeatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var resp HeartbeatResponse
	if err := c.do(ctx, http.MethodGet, "/heartbeat", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitForServer polls the heartbeat endpoint until it succeeds or ctx is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.SendHeartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}

func (c *Client) Sessions(ctx context.Context) ([]SessionStatus, error) {
	var sessions []SessionStatus
	if err := c.do(ctx, http.MethodGet, "/sessions", &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// KillSession tears down a live session, killing its child.
func (c *Client) KillSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+id, nil)
}

// Run runs module on the agent, passing every event to handle, and returns the child's exit code.
func (c *Client) Run(ctx context.Context, module string, handle process.EventHandler) (int, error) {
	return c.runClient.Run(ctx, module, handle)
}
