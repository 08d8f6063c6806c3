// Package protocol provides the transport used to read the upstream update repository.
package protocol

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/net/proxy"
)

// DefaultTimeout matches the upstream client default.
const DefaultTimeout = 10 * time.Second

// maxTextSize bounds listing pages and small text endpoints.
const maxTextSize = 32 << 20

// Fetcher is the capability every transport offers.
type Fetcher interface {
	FetchText(ctx context.Context, rawURL string) (string, error)
	FetchInt(ctx context.Context, rawURL string) (int, error)
	FetchStream(ctx context.Context, rawURL string) (io.ReadCloser, error)
	Close() error
}

var (
	_ Fetcher = (*HTTPClient)(nil)
	_ Fetcher = (*HTTP3Client)(nil)
)

// HTTPClient is a pooled HTTP/1.1 and HTTP/2 transport
type HTTPClient struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	headers   map[string]string
}

// HTTPClientOption is a function that configures HTTPClient
type HTTPClientOption func(*HTTPClient)

// WithTimeout sets how long a request may wait for the server to answer or
// to send the next part of the body. Transfers of any length are allowed as
// long as data keeps arriving.
func WithTimeout(timeout time.Duration) HTTPClientOption {
	return func(c *HTTPClient) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithUserAgent sets the User-Agent header
func WithUserAgent(ua string) HTTPClientOption {
	return func(c *HTTPClient) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithHeader adds a custom header
func WithHeader(key, value string) HTTPClientOption {
	return func(c *HTTPClient) {
		c.headers[key] = value
	}
}

// WithBasicAuth sets Basic authentication
func WithBasicAuth(username, password string) HTTPClientOption {
	return func(c *HTTPClient) {
		if username != "" {
			c.headers["Authorization"] = "Basic " + basicAuth(username, password)
		}
	}
}

func basicAuth(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}

// WithPoolSize sizes the connection pool. Every worker must be able to hold
// a connection at once, so callers pass the largest worker count.
func WithPoolSize(n int) HTTPClientOption {
	return func(c *HTTPClient) {
		if n <= 0 {
			return
		}
		transport := c.getTransport()
		transport.MaxConnsPerHost = n
		transport.MaxIdleConnsPerHost = n
		if transport.MaxIdleConns < n {
			transport.MaxIdleConns = n
		}
	}
}

// WithProxy sets an HTTP, HTTPS or SOCKS5 proxy
func WithProxy(proxyURL string) HTTPClientOption {
	return func(c *HTTPClient) {
		if proxyURL == "" {
			return
		}
		if strings.HasPrefix(proxyURL, "socks5://") {
			WithSOCKS5Proxy(proxyURL, nil)(c)
			return
		}

		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return
		}

		transport := c.getTransport()
		transport.Proxy = http.ProxyURL(parsed)
	}
}

// WithSOCKS5Proxy sets a SOCKS5 proxy
func WithSOCKS5Proxy(proxyAddr string, auth *proxy.Auth) HTTPClientOption {
	return func(c *HTTPClient) {
		if proxyAddr == "" {
			return
		}

		if strings.HasPrefix(proxyAddr, "socks5://") {
			parsed, err := url.Parse(proxyAddr)
			if err != nil {
				return
			}
			proxyAddr = parsed.Host
			if parsed.User != nil {
				password, _ := parsed.User.Password()
				auth = &proxy.Auth{
					User:     parsed.User.Username(),
					Password: password,
				}
			}
		}

		dialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, proxy.Direct)
		if err != nil {
			return
		}

		transport := c.getTransport()
		transport.Proxy = nil
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := dialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		}
	}
}

// WithInsecureSkipVerify disables TLS certificate verification
func WithInsecureSkipVerify(skip bool) HTTPClientOption {
	return func(c *HTTPClient) {
		if !skip {
			return
		}
		transport := c.getTransport()
		if transport.TLSClientConfig == nil {
			transport.TLSClientConfig = &tls.Config{}
		}
		transport.TLSClientConfig.InsecureSkipVerify = true
	}
}

// getTransport returns the underlying transport, creating one if needed
func (c *HTTPClient) getTransport() *http.Transport {
	if t, ok := c.client.Transport.(*http.Transport); ok {
		return t
	}
	t := newTransport()
	c.client.Transport = t
	return t
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
}

// NewHTTPClient creates a new HTTP client with the given options
func NewHTTPClient(opts ...HTTPClientOption) *HTTPClient {
	c := &HTTPClient{
		client: &http.Client{
			Transport: newTransport(),
		},
		timeout:   DefaultTimeout,
		userAgent: DefaultUserAgent(),
		headers:   make(map[string]string),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// FetchText retrieves a page and decodes it as UTF-8 text.
func (c *HTTPClient) FetchText(ctx context.Context, rawURL string) (string, error) {
	body, err := c.FetchStream(ctx, rawURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	return readText(rawURL, body)
}

// FetchInt retrieves a page holding a single integer.
func (c *HTTPClient) FetchInt(ctx context.Context, rawURL string) (int, error) {
	text, err := c.FetchText(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	return parseInt(rawURL, text)
}

// FetchStream opens the body of rawURL. The caller must close it.
func (c *HTTPClient) FetchStream(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	return get(ctx, c.client, c.timeout, rawURL, c.userAgent, c.headers)
}

// Close releases idle pooled connections.
func (c *HTTPClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// DefaultUserAgent returns the User-Agent sent when none is configured.
func DefaultUserAgent() string {
	return "swupd-mirror/" + userAgentVersion
}

// userAgentVersion is overridden by main from build metadata.
var userAgentVersion = "dev"

// SetUserAgentVersion records the build version used in DefaultUserAgent.
func SetUserAgentVersion(v string) {
	if v != "" {
		userAgentVersion = v
	}
}

// get issues a GET whose answer and every body read must arrive within timeout
func get(ctx context.Context, client *http.Client, timeout time.Duration, rawURL, userAgent string, headers map[string]string) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	body := &idleBody{url: rawURL, timeout: timeout, cancel: cancel}
	if timeout > 0 {
		body.timer = time.AfterFunc(timeout, body.expire)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		body.stop()
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("creating GET request: %w", err)}
	}

	setHeaders(req, userAgent, headers)

	resp, err := client.Do(req)
	if err != nil {
		body.stop()
		if body.expired.Load() {
			return nil, &FetchError{URL: rawURL, Err: ErrIdleTimeout}
		}
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("executing GET request: %w", err)}
	}

	if err := checkStatus(rawURL, resp); err != nil {
		body.stop()
		return nil, err
	}

	// The clock only runs inside Read, so a slow consumer is never taken
	// for a stalled server.
	body.pause()
	body.rc = resp.Body
	return body, nil
}

// idleBody cancels its request when a read waits longer than timeout for data
type idleBody struct {
	rc      io.ReadCloser
	url     string
	timeout time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
	expired atomic.Bool
}

func (b *idleBody) expire() {
	b.expired.Store(true)
	b.cancel()
}

func (b *idleBody) pause() {
	if b.timer != nil {
		b.timer.Stop()
	}
}

func (b *idleBody) stop() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.cancel()
}

func (b *idleBody) Read(p []byte) (int, error) {
	if b.timer != nil {
		b.timer.Reset(b.timeout)
		defer b.pause()
	}
	n, err := b.rc.Read(p)
	if err != nil && err != io.EOF && b.expired.Load() {
		err = &FetchError{URL: b.url, Err: ErrIdleTimeout}
	}
	return n, err
}

func (b *idleBody) Close() error {
	b.stop()
	return b.rc.Close()
}

func setHeaders(req *http.Request, userAgent string, headers map[string]string) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")
	// Mirrored files must be byte-identical to upstream.
	req.Header.Set("Accept-Encoding", "identity")

	for key, value := range headers {
		req.Header.Set(key, value)
	}
}

func checkStatus(rawURL string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return &FetchError{URL: rawURL, StatusCode: resp.StatusCode, Status: resp.Status}
}

func readText(rawURL string, body io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxTextSize+1))
	if err != nil {
		return "", &FetchError{URL: rawURL, Err: fmt.Errorf("reading body: %w", err)}
	}
	if len(data) > maxTextSize {
		return "", &FetchError{URL: rawURL, Err: fmt.Errorf("body exceeds %d bytes", maxTextSize)}
	}
	if !utf8.Valid(data) {
		return "", &FetchError{URL: rawURL, Err: ErrInvalidEncoding}
	}
	return string(data), nil
}

func parseInt(rawURL, text string) (int, error) {
	trimmed := strings.TrimSpace(text)
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) {
			err = numErr.Err
		}
		return 0, &ParseError{URL: rawURL, Text: trimmed, Err: err}
	}
	return n, nil
}
