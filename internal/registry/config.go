package registry

import (
	"fmt"
	"net/url"
)

// Config represents the connection settings for the target registry.
type Config struct {
	// URL is the base URL of the registry, e.g. https://registry.example.com:5000.
	URL string
	// Username and Password are sent as HTTP basic credentials with every request when Username is set.
	Username string
	Password string
	// SkipTLSVerify disables verification of the registry TLS certificate.
	SkipTLSVerify bool
	// CAFile is an optional path to a PEM bundle used to verify the registry certificate.
	CAFile string
}

// Validate checks that the configuration describes a reachable registry endpoint.
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("registry URL is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("parse registry URL '%s': %w", c.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid registry URL '%s': scheme must be 'http' or 'https'", c.URL)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid registry URL '%s': host is missing", c.URL)
	}
	if c.Password != "" && c.Username == "" {
		return fmt.Errorf("registry password is set without a username")
	}
	return nil
}
