package registry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
)

// Client is an HTTP client for the registry API V2. It attaches the configured credentials to every request and
// applies the TLS verification policy. The upload and manifest protocols are built on top of it.
type Client struct {
	base   *url.URL
	cfg    Config
	client *http.Client
}

// NewClient creates a registry client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse registry URL: %w", err)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.SkipTLSVerify, //nolint:gosec
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in CA file '%s'", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	transport.TLSClientConfig = tlsConfig

	if cfg.SkipTLSVerify {
		logrus.WithField("registry", base.Host).Warn("TLS certificate verification is disabled for the registry.")
	}

	return &Client{
		base:   base,
		cfg:    cfg,
		client: &http.Client{Transport: transport},
	}, nil
}

// Host returns the host (and port) of the registry.
func (c *Client) Host() string {
	return c.base.Host
}

// Endpoint returns the absolute URL of the registry API path built from the given elements. A trailing slash of the
// last element is preserved.
func (c *Client) Endpoint(elem ...string) string {
	u := *c.base
	p := path.Join(append([]string{u.Path, "/v2"}, elem...)...)
	if len(elem) > 0 && strings.HasSuffix(elem[len(elem)-1], "/") {
		p += "/"
	}
	u.Path = p
	u.RawPath = ""
	return u.String()
}

// NewRequest creates a request with the registry credentials attached.
func (c *Client) NewRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	return req, nil
}

// Do sends the request to the registry.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	log := logrus.WithFields(logrus.Fields{
		"method": req.Method,
		"url":    redact(req.URL),
	})

	resp, err := c.client.Do(req)
	if err != nil {
		log.WithError(err).Debug("Registry request failed.")
		return nil, err
	}
	log.WithField("status", resp.StatusCode).Debug("Registry request completed.")

	return resp, nil
}

// Location returns the absolute URL from the Location header of the response. Relative locations are resolved
// against the request URL.
func Location(resp *http.Response) (string, error) {
	loc, err := resp.Location()
	if err != nil {
		return "", err
	}
	return loc.String(), nil
}

// Discard drains and closes the response body so the connection can be reused.
func Discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// redact strips the query from an upload URL. Upload locations carry opaque state tokens that are useless in logs.
func redact(u *url.URL) string {
	if u == nil {
		return ""
	}
	r := *u
	r.RawQuery = ""
	r.User = nil
	return r.String()
}
