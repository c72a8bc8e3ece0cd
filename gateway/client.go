// Package gateway talks to the remote load testing service over its REST API.
//
// A Client is opened for one orchestration, logs in once, and is closed when the
// orchestration ends. Every call goes through a bounded retry with exponential
// backoff; errors are classified with the sentinels of the runerr package.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/perfgo/loadrun/config"
	"github.com/perfgo/loadrun/runerr"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultReportDelay = 5 * time.Second

	tenantParam = "TENANTID"
	cookieName  = "LWSSO_COOKIE_KEY"
)

// RetryPolicy bounds the retries of a single remote call.
type RetryPolicy struct {
	Attempts     uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy matches the configuration defaults.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:     config.DefaultRetryAttempts,
	InitialDelay: config.DefaultRetryDelay,
	MaxDelay:     config.DefaultRetryMaxDelay,
}

// Client is the gateway to one remote service tenant.
type Client struct {
	logger  zerolog.Logger
	baseURL *url.URL
	tenant  string
	creds   config.Credentials

	initiator string
	retry     RetryPolicy

	// auth carries the login calls, api everything after login. With OAuth
	// credentials api adds the bearer token to every request.
	auth *http.Client
	api  *http.Client

	reportTypes    []string
	reportInterval time.Duration
	reportTries    map[string]int

	// oauth exchanges client credentials for tokens; nil for basic auth.
	oauth *clientTokenSource
	// life bounds token refreshes made on behalf of requests. Close ends it.
	life     context.Context
	stopLife context.CancelFunc

	mu       sync.Mutex
	cookie   string
	closed   bool
	tokenSrc oauth2.TokenSource
}

// Option configures a Client.
type Option func(*Client)

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		c.retry = p
	}
}

// WithHTTPClient uses hc for every request instead of a client built from the
// proxy configuration.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.auth = hc
	}
}

// WithReportInterval sets the wait between report readiness checks.
func WithReportInterval(d time.Duration) Option {
	return func(c *Client) {
		c.reportInterval = d
	}
}

// WithReportTries bounds the readiness checks for one report type.
func WithReportTries(reportType string, tries int) Option {
	return func(c *Client) {
		c.reportTries[reportType] = tries
	}
}

// WithReportTypes sets the report types listed for a finished run.
func WithReportTypes(types ...string) Option {
	return func(c *Client) {
		c.reportTypes = types
	}
}

// Open prepares a client for cfg. No request is made until Login or the first
// call.
func Open(cfg config.ServerConfig, logger zerolog.Logger, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, runerr.Configuration("invalid server url %q", cfg.BaseURL)
	}

	initiator := cfg.Initiator
	if initiator == "" {
		initiator = config.DefaultInitiator
	}

	c := &Client{
		logger:         logger.With().Str("component", "gateway").Logger(),
		baseURL:        base,
		tenant:         cfg.TenantID,
		creds:          cfg.Credentials,
		initiator:      initiator,
		retry:          DefaultRetryPolicy,
		reportTypes:    []string{ReportTypeCSV, ReportTypePDF},
		reportInterval: defaultReportDelay,
		reportTries: map[string]int{
			ReportTypeCSV: 30,
			ReportTypePDF: 60,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.auth == nil {
		c.auth = &http.Client{
			Timeout:   defaultTimeout,
			Transport: newTransport(cfg.Proxy),
		}
	}
	if c.retry.Attempts == 0 {
		c.retry.Attempts = 1
	}

	c.life, c.stopLife = context.WithCancel(context.Background())
	c.api = c.auth
	if oc, ok := cfg.Credentials.(config.OAuthClientCredentials); ok {
		c.oauth = &clientTokenSource{client: c, creds: oc}
		c.tokenSrc = oauth2.ReuseTokenSource(nil, c.oauth)
		c.api = &http.Client{
			Timeout: c.auth.Timeout,
			Transport: &oauth2.Transport{
				Source: cachedTokenSource{client: c},
				Base:   c.auth.Transport,
			},
		}
	}

	c.logger.Debug().
		Str("server", cfg.String()).
		Msg("Opened gateway")

	return c, nil
}

// newTransport clones the default transport and routes it through the proxy,
// if one is configured.
func newTransport(proxy *config.ProxyConfig) http.RoundTripper {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if proxy == nil {
		return t
	}
	u := *proxy.URL
	if proxy.Username != "" {
		u.User = url.UserPassword(proxy.Username, proxy.Password)
	}
	t.Proxy = http.ProxyURL(&u)
	return t
}

// Close releases idle connections. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.stopLife()
	c.auth.CloseIdleConnections()
	if c.api != c.auth {
		c.api.CloseIdleConnections()
	}
	c.logger.Debug().Msg("Closed gateway")
	return nil
}

// Login authenticates and validates the tenant by listing its projects.
func (c *Client) Login(ctx context.Context) error {
	switch cred := c.creds.(type) {
	case config.BasicAuth:
		token, err := c.login(ctx, "v1/auth", map[string]string{
			"user":     cred.Username,
			"password": cred.Password,
		})
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.cookie = token.AccessToken
		c.mu.Unlock()
	case config.OAuthClientCredentials:
		token, err := c.login(ctx, "v1/auth-client", c.oauth.body())
		if err != nil {
			return err
		}
		c.setToken(token)
	default:
		return runerr.Configuration("no credentials configured")
	}

	c.logger.Info().
		Str("auth", c.creds.AuthMode()).
		Msg("Logged in")

	return c.validateTenant(ctx)
}

func (c *Client) validateTenant(ctx context.Context) error {
	var projects []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	err := c.withRetry(ctx, "validate tenant", func() error {
		return c.getJSON(ctx, "v1/projects", nil, &projects)
	})
	if err != nil {
		return fmt.Errorf("failed to retrieve projects from tenant %s: %w", c.tenant, err)
	}
	c.logger.Debug().
		Str("tenant", c.tenant).
		Int("projects", len(projects)).
		Msg("Validated tenant")
	return nil
}

// clientTokenSource exchanges OAuth client credentials for an access token.
// It is wrapped in an oauth2.ReuseTokenSource, so it only runs when the
// cached token is missing or expired. Refreshes end when the client is closed.
type clientTokenSource struct {
	client *Client
	creds  config.OAuthClientCredentials
}

func (s *clientTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(s.client.life, defaultTimeout)
	defer cancel()

	s.client.logger.Debug().Msg("Requesting OAuth access token")
	return s.client.login(ctx, "v1/auth-client", s.body())
}

// cachedTokenSource reads the current token cache of the client, which Login
// seeds and invalidateToken resets.
type cachedTokenSource struct {
	client *Client
}

func (s cachedTokenSource) Token() (*oauth2.Token, error) {
	s.client.mu.Lock()
	src := s.client.tokenSrc
	s.client.mu.Unlock()
	return src.Token()
}

func (s *clientTokenSource) body() map[string]string {
	return map[string]string{
		"client_id":     s.creds.ClientID,
		"client_secret": s.creds.ClientSecret,
	}
}

// setToken seeds the token cache with a token issued by Login.
func (c *Client) setToken(token *oauth2.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenSrc = oauth2.ReuseTokenSource(token, c.oauth)
}

// invalidateToken drops the cached token after the service rejected it with
// 401, so the next request authenticates again. Tokens issued without an
// expiry would otherwise be reused forever. It reports whether a retry makes
// sense.
func (c *Client) invalidateToken(err error) bool {
	if c.oauth == nil || !isStatus(err, func(code int) bool { return code == http.StatusUnauthorized }) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenSrc = oauth2.ReuseTokenSource(nil, c.oauth)
	return true
}

// isRejection reports whether a login status means the credentials were
// refused. Rate limiting is not a rejection.
func isRejection(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn,omitempty"`
}

// login posts credentials and returns the issued token. Any client error is
// treated as a rejection of the credentials.
func (c *Client) login(ctx context.Context, path string, body any) (*oauth2.Token, error) {
	var resp loginResponse
	err := c.retryDo(ctx, "login", func() error {
		req, err := c.newRequest(ctx, http.MethodPost, path, nil, body)
		if err != nil {
			return err
		}
		return c.do(c.auth, req, &resp)
	})
	if err != nil {
		if isStatus(err, isRejection) {
			return nil, fmt.Errorf("failed to login: %w: %w", runerr.ErrAuth, err)
		}
		return nil, fmt.Errorf("failed to login: %w", err)
	}
	if resp.Token == "" {
		return nil, fmt.Errorf("failed to login: %w: no token in response", runerr.ErrAuth)
	}

	token := &oauth2.Token{AccessToken: resp.Token, TokenType: "Bearer"}
	if resp.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return token, nil
}
