package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"iptv-relay/work/config"
	"iptv-relay/work/logger"
	"iptv-relay/work/utils"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"
)

// maxFollowedRedirects bounds redirect chains for API style fetches.
const maxFollowedRedirects = 10

// ErrTooLarge is returned by Fetch when the body exceeds the caller's limit.
var ErrTooLarge = errors.New("response body too large")

// StatusError reports a non-2xx upstream response from Fetch.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream responded with status %d", e.StatusCode)
}

// HeaderSettingClient wraps http.Client to automatically set headers, apply the
// idle socket timeout on every upstream connection and rate limit API traffic per host.
type HeaderSettingClient struct {
	Client   *http.Client // follows redirects
	Direct   *http.Client // never follows redirects; the relay answers 3xx itself
	browser  *http.Client // browser TLS fingerprint for configured image hosts
	config   *config.Config
	limiters *xsync.MapOf[string, ratelimit.Limiter]
}

// NewHeaderSettingClient builds the shared upstream client from configuration.
func NewHeaderSettingClient(cfg *config.Config) *HeaderSettingClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           idleTimeoutDialer(cfg.StreamTimeout),
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableKeepAlives:     false,
		ResponseHeaderTimeout: cfg.StreamTimeout, // only bounds the wait for headers
		DisableCompression:    true,              // bodies are relayed byte for byte
	}

	return &HeaderSettingClient{
		Client: &http.Client{
			Timeout:   0, // no overall timeout for streaming
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxFollowedRedirects {
					return fmt.Errorf("stopped after %d redirects", maxFollowedRedirects)
				}
				return nil
			},
		},
		Direct: &http.Client{
			Timeout:   0,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		browser: &http.Client{
			Timeout:   cfg.StreamTimeout,
			Transport: newBrowserRoundTripper(cfg.StreamTimeout),
		},
		config:   cfg,
		limiters: xsync.NewMapOf[string, ratelimit.Limiter](),
	}
}

// Do sends req following redirects, routing hosts listed in browserTLSHosts
// through the browser fingerprint transport.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	if hsc.config.UsesBrowserTLS(req.URL.Hostname()) {
		logger.Debug("{client - Do} Using browser TLS transport for %s", req.URL.Host)
		return hsc.browser.Do(req)
	}
	return hsc.Client.Do(req)
}

// DoDirect sends req without following redirects.
func (hsc *HeaderSettingClient) DoDirect(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req)
	return hsc.Direct.Do(req)
}

// setHeaders fills in the defaults every upstream expects, leaving
// caller-provided values alone.
func (hsc *HeaderSettingClient) setHeaders(req *http.Request) {
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", hsc.config.UserAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "*/*")
	}
	req.Header.Set("Connection", "keep-alive")
}

// Wait blocks until the per-host limiter admits another API request.
func (hsc *HeaderSettingClient) Wait(host string) {
	limiter, loaded := hsc.limiters.LoadOrCompute(strings.ToLower(host), func() ratelimit.Limiter {
		return ratelimit.New(hsc.config.UpstreamRateLimit)
	})
	if !loaded {
		logger.Debug("{client - Wait} Created rate limiter for %s: %d req/sec", host, hsc.config.UpstreamRateLimit)
	}
	limiter.Take()
}

// Fetch performs a rate-limited GET and returns at most maxBytes of body.
// Non-2xx responses come back as *StatusError.
func (hsc *HeaderSettingClient) Fetch(ctx context.Context, rawURL string, header http.Header, maxBytes int64) ([]byte, http.Header, error) {
	return hsc.get(ctx, rawURL, header, maxBytes, true)
}

// Get is Fetch without the per-host rate limit, for image traffic.
func (hsc *HeaderSettingClient) Get(ctx context.Context, rawURL string, header http.Header, maxBytes int64) ([]byte, http.Header, error) {
	return hsc.get(ctx, rawURL, header, maxBytes, false)
}

func (hsc *HeaderSettingClient) get(ctx context.Context, rawURL string, header http.Header, maxBytes int64, limited bool) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	if limited {
		hsc.Wait(req.URL.Host)
	}

	resp, err := hsc.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Debug("{client - Fetch} HTTP error %d when fetching %s", resp.StatusCode, utils.LogURL(hsc.config, rawURL))
		return nil, resp.Header, &StatusError{StatusCode: resp.StatusCode, URL: rawURL}
	}

	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return nil, resp.Header, ErrTooLarge
	}

	reader := io.Reader(resp.Body)
	if maxBytes > 0 {
		reader = io.LimitReader(resp.Body, maxBytes+1)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, resp.Header, fmt.Errorf("read body: %w", err)
	}
	if maxBytes > 0 && int64(len(body)) > maxBytes {
		return nil, resp.Header, ErrTooLarge
	}

	return body, resp.Header, nil
}

// idleTimeoutDialer returns a DialContext whose connections fail any read or
// write that stalls longer than timeout.
func idleTimeoutDialer(timeout time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &idleTimeoutConn{Conn: conn, timeout: timeout}, nil
	}
}

// idleTimeoutConn pushes the deadline forward before every read and write.
type idleTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleTimeoutConn) Read(b []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(b)
}

func (c *idleTimeoutConn) Write(b []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Write(b)
}
