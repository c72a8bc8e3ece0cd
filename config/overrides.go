package config

import (
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/perfgo/loadrun/model"
	"github.com/perfgo/loadrun/runerr"
)

// Environment keys that override the static job configuration.
const (
	EnvProjectID    = "LRC_PROJECT_ID"
	EnvTestID       = "LRC_TEST_ID"
	EnvSendEmail    = "LRC_SEND_EMAIL"
	EnvSkipLogin    = "SRL_CLI_SKIP_LOGIN"
	EnvSkipPDF      = "LRC_SKIP_PDF_REPORT"
	EnvDebugLog     = "LRC_DEBUG_LOG"
	EnvURL          = "LRC_URL"
	EnvTenantID     = "LRC_TENANT_ID"
	EnvUsername     = "LRC_USERNAME"
	EnvPassword     = "LRC_PASSWORD"
	EnvClientID     = "LRC_CLIENT_ID"
	EnvClientSecret = "LRC_CLIENT_SECRET"
)

// Resolver merges environment overrides over static settings. Environment
// values win. Every override is logged once for the lifetime of the
// Resolver, which is scoped to a single run.
type Resolver struct {
	logger zerolog.Logger
	env    map[string]string
	logged map[string]struct{}
}

// NewResolver creates a resolver for one run.
func NewResolver(logger zerolog.Logger, env map[string]string) *Resolver {
	if env == nil {
		env = map[string]string{}
	}
	return &Resolver{
		logger: logger,
		env:    env,
		logged: map[string]struct{}{},
	}
}

// EnvMap converts os.Environ() style pairs to a map.
func EnvMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// lookup returns a non-blank override and logs it the first time it is read.
func (r *Resolver) lookup(key string, secret bool) (string, bool) {
	v := strings.TrimSpace(r.env[key])
	if v == "" {
		return "", false
	}
	if _, seen := r.logged[key]; !seen {
		r.logged[key] = struct{}{}
		shown := v
		if secret {
			shown = Mask(v)
		}
		r.logger.Info().Str("key", key).Str("value", shown).Msg("Read override from environment")
	}
	return v, true
}

// flag reads a boolean override. Anything other than blank, "0" or "false"
// enables the flag.
func (r *Resolver) flag(key string, fallback bool) bool {
	v, ok := r.lookup(key, false)
	if !ok {
		return fallback
	}
	return v != "0" && !strings.EqualFold(v, "false")
}

// intOverride reads an integer override. Range checks are left to
// RunDescriptor.Validate.
func (r *Resolver) intOverride(key string, fallback int) (int, error) {
	v, ok := r.lookup(key, false)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, runerr.Configuration("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

// Descriptor builds the run descriptor from the job parameters and the
// environment overrides. Id validation is left to RunDescriptor.Validate.
func (r *Resolver) Descriptor(job JobParams) (model.RunDescriptor, error) {
	projectID, err := r.intOverride(EnvProjectID, job.ProjectID)
	if err != nil {
		return model.RunDescriptor{}, err
	}
	testID, err := r.intOverride(EnvTestID, job.TestID)
	if err != nil {
		return model.RunDescriptor{}, err
	}
	return model.NewRunDescriptor(testID, projectID, model.DescriptorOptions{
		SendEmail:            r.flag(EnvSendEmail, job.SendEmail),
		SkipLogin:            r.flag(EnvSkipLogin, false),
		SkipReportGeneration: r.flag(EnvSkipPDF, false),
		DebugLogging:         r.flag(EnvDebugLog, false),
	}), nil
}

// Server builds the server configuration, applying overrides for the url,
// tenant and credentials. The credential variant is decided here, once.
func (r *Resolver) Server(s ServerSettings) (ServerConfig, error) {
	if v, ok := r.lookup(EnvURL, false); ok {
		s.URL = strings.TrimRight(v, "/")
	}
	if v, ok := r.lookup(EnvTenantID, false); ok {
		s.TenantID = v
	}
	if v, ok := r.lookup(EnvUsername, false); ok {
		s.Username = v
	}
	if v, ok := r.lookup(EnvPassword, true); ok {
		s.Password = v
	}
	if v, ok := r.lookup(EnvClientID, true); ok {
		s.ClientID = v
	}
	if v, ok := r.lookup(EnvClientSecret, true); ok {
		s.ClientSecret = v
	}

	proxy, err := NewProxyConfig(s.Proxy)
	if err != nil {
		return ServerConfig{}, err
	}
	initiator := s.Initiator
	if initiator == "" {
		initiator = DefaultInitiator
	}
	return ServerConfig{
		BaseURL:     s.URL,
		TenantID:    s.TenantID,
		Credentials: NewCredentials(s),
		Proxy:       proxy,
		Initiator:   initiator,
	}, nil
}
