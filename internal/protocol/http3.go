package protocol

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/quic-go/quic-go/http3"
)

// HTTP3Client is an HTTP/3 (QUIC) transport with the same fetch contract as HTTPClient
type HTTP3Client struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	headers   map[string]string
}

// HTTP3ClientOption configures HTTP3Client
type HTTP3ClientOption func(*HTTP3Client)

// WithHTTP3Timeout sets the timeout
func WithHTTP3Timeout(timeout time.Duration) HTTP3ClientOption {
	return func(c *HTTP3Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithHTTP3UserAgent sets the User-Agent
func WithHTTP3UserAgent(ua string) HTTP3ClientOption {
	return func(c *HTTP3Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithHTTP3BasicAuth sets Basic authentication
func WithHTTP3BasicAuth(username, password string) HTTP3ClientOption {
	return func(c *HTTP3Client) {
		if username != "" {
			c.headers["Authorization"] = "Basic " + basicAuth(username, password)
		}
	}
}

// WithHTTP3InsecureSkipVerify disables TLS certificate verification
func WithHTTP3InsecureSkipVerify(skip bool) HTTP3ClientOption {
	return func(c *HTTP3Client) {
		if t, ok := c.client.Transport.(*http3.Transport); ok {
			t.TLSClientConfig.InsecureSkipVerify = skip
		}
	}
}

// NewHTTP3Client creates a new HTTP/3 client.
// QUIC multiplexes every request over one connection per host, so there is no pool to size.
func NewHTTP3Client(opts ...HTTP3ClientOption) *HTTP3Client {
	c := &HTTP3Client{
		client: &http.Client{
			Transport: &http3.Transport{
				TLSClientConfig: &tls.Config{},
			},
		},
		timeout:   DefaultTimeout,
		userAgent: DefaultUserAgent() + " (HTTP/3)",
		headers:   make(map[string]string),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Supports checks if this client supports the URL
func (c *HTTP3Client) Supports(u *url.URL) bool {
	// HTTP/3 only works with HTTPS
	return u.Scheme == "https"
}

// FetchText retrieves a page and decodes it as UTF-8 text.
func (c *HTTP3Client) FetchText(ctx context.Context, rawURL string) (string, error) {
	body, err := c.FetchStream(ctx, rawURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	return readText(rawURL, body)
}

// FetchInt retrieves a page holding a single integer.
func (c *HTTP3Client) FetchInt(ctx context.Context, rawURL string) (int, error) {
	text, err := c.FetchText(ctx, rawURL)
	if err != nil {
		return 0, err
	}
	return parseInt(rawURL, text)
}

// FetchStream opens the body of rawURL. The caller must close it.
func (c *HTTP3Client) FetchStream(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	return get(ctx, c.client, c.timeout, rawURL, c.userAgent, c.headers)
}

// Close closes the HTTP/3 client
func (c *HTTP3Client) Close() error {
	if t, ok := c.client.Transport.(*http3.Transport); ok {
		return t.Close()
	}
	return nil
}
