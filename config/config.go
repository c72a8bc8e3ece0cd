// Package config builds the server configuration and run descriptor for one
// invocation from the config file, command line flags and environment
// overrides.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/perfgo/loadrun/runerr"
)

const (
	maxURLLength    = 80
	maxTenantLength = 20

	// DefaultInitiator is sent with every started run.
	DefaultInitiator = "loadrun"
)

// ServerConfig is everything needed to talk to the remote service. It is
// built once per invocation and never persisted.
type ServerConfig struct {
	BaseURL     string
	TenantID    string
	Credentials Credentials
	Proxy       *ProxyConfig
	// Initiator is reported to the service as the origin of the run.
	Initiator string
}

// Credentials is a closed set: BasicAuth or OAuthClientCredentials.
type Credentials interface {
	// AuthMode returns "basic" or "oauth".
	AuthMode() string
	credentials()
}

// BasicAuth logs in with a user name and password.
type BasicAuth struct {
	Username string
	Password string
}

func (BasicAuth) AuthMode() string { return "basic" }
func (BasicAuth) credentials()     {}

// OAuthClientCredentials logs in with an OAuth client id and secret.
type OAuthClientCredentials struct {
	ClientID     string
	ClientSecret string
}

func (OAuthClientCredentials) AuthMode() string { return "oauth" }
func (OAuthClientCredentials) credentials()     {}

// IsOAuthClientID reports whether a user name is really an OAuth client id.
// Such ids are issued as "oauth2-...@microfocus.com".
func IsOAuthClientID(username string) bool {
	return len(username) >= 42 &&
		strings.HasPrefix(username, "oauth2-") &&
		strings.HasSuffix(username, "@microfocus.com")
}

// NewCredentials decides the credential variant once. OAuth is used when
// requested explicitly, or when the user name is an OAuth client id.
func NewCredentials(s ServerSettings) Credentials {
	if s.UseOAuth {
		return OAuthClientCredentials{ClientID: s.ClientID, ClientSecret: s.ClientSecret}
	}
	if IsOAuthClientID(s.Username) {
		return OAuthClientCredentials{ClientID: s.Username, ClientSecret: s.Password}
	}
	return BasicAuth{Username: s.Username, Password: s.Password}
}

// ProxyConfig routes all requests through an HTTP proxy.
type ProxyConfig struct {
	URL      *url.URL
	Username string
	Password string
}

// NewProxyConfig returns nil when no proxy host is configured.
func NewProxyConfig(p ProxySettings) (*ProxyConfig, error) {
	host := strings.TrimSpace(p.Host)
	if host == "" {
		return nil, nil
	}
	port := p.Port
	if port == 0 {
		port = 80
	}
	if port < 0 || port > 65535 {
		return nil, runerr.Configuration("invalid proxy port %d", port)
	}
	u := &url.URL{Scheme: "http", Host: net.JoinHostPort(host, strconv.Itoa(port))}
	if strings.Contains(host, "://") {
		parsed, err := url.Parse(host)
		if err != nil {
			return nil, runerr.Configuration("invalid proxy host %q", host)
		}
		if parsed.Port() == "" {
			parsed.Host = net.JoinHostPort(parsed.Hostname(), strconv.Itoa(port))
		}
		u = parsed
	}
	return &ProxyConfig{
		URL:      u,
		Username: strings.TrimSpace(p.Username),
		Password: p.Password,
	}, nil
}

// Validate checks the server configuration without touching the network.
func (c ServerConfig) Validate() error {
	if err := validateURL(c.BaseURL); err != nil {
		return err
	}
	tenant := strings.TrimSpace(c.TenantID)
	if tenant == "" {
		return runerr.Configuration("tenant id is required")
	}
	if len(tenant) > maxTenantLength {
		return runerr.Configuration("tenant id is longer than %d characters", maxTenantLength)
	}
	switch cred := c.Credentials.(type) {
	case BasicAuth:
		if cred.Username == "" || cred.Password == "" {
			return runerr.Configuration("username and password are required")
		}
	case OAuthClientCredentials:
		if cred.ClientID == "" || cred.ClientSecret == "" {
			return runerr.Configuration("client id and client secret are required")
		}
	default:
		return runerr.Configuration("no credentials configured")
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return runerr.Configuration("server url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return runerr.Configuration("invalid server url %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return runerr.Configuration("server url %q must use http or https", raw)
	}
	if len(raw) > maxURLLength {
		return runerr.Configuration("server url is longer than %d characters", maxURLLength)
	}
	return nil
}

// String describes the configuration with secrets removed.
func (c ServerConfig) String() string {
	s := fmt.Sprintf("url=%s tenant=%s auth=%s", c.BaseURL, c.TenantID, c.authMode())
	switch cred := c.Credentials.(type) {
	case BasicAuth:
		s += " user=" + cred.Username
	case OAuthClientCredentials:
		s += " client_id=" + Mask(cred.ClientID)
	}
	if c.Proxy != nil {
		s += " proxy=" + c.Proxy.URL.Host
	}
	return s
}

func (c ServerConfig) authMode() string {
	if c.Credentials == nil {
		return "none"
	}
	return c.Credentials.AuthMode()
}

// Mask keeps the first and last four characters of a secret.
func Mask(s string) string {
	const keep = 4
	if len(s) <= 2*keep {
		return strings.Repeat("*", len(s))
	}
	return s[:keep] + strings.Repeat("*", len(s)-2*keep) + s[len(s)-keep:]
}
