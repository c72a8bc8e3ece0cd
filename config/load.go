package config

import (
	stderrors "errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the static job configuration: the config file merged with
// command line flags. Environment overrides are applied later by a Resolver.
type Settings struct {
	Server              ServerSettings `mapstructure:"server"`
	Job                 JobParams      `mapstructure:"job"`
	Poll                PollSettings   `mapstructure:"poll"`
	Retry               RetrySettings  `mapstructure:"retry"`
	OutputDir           string         `mapstructure:"output_dir"`
	FailOnArtifactError bool           `mapstructure:"fail_on_artifact_error"`
}

// ServerSettings holds the raw server fields as configured.
type ServerSettings struct {
	URL          string        `mapstructure:"url"`
	TenantID     string        `mapstructure:"tenant_id"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	UseOAuth     bool          `mapstructure:"use_oauth"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Initiator    string        `mapstructure:"initiator"`
	Proxy        ProxySettings `mapstructure:"proxy"`
}

// ProxySettings holds the raw proxy fields as configured.
type ProxySettings struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// JobParams are the statically configured job parameters.
type JobParams struct {
	ProjectID int  `mapstructure:"project_id"`
	TestID    int  `mapstructure:"test_id"`
	SendEmail bool `mapstructure:"send_email"`
}

// PollSettings controls the status poller.
type PollSettings struct {
	Interval         time.Duration `mapstructure:"interval"`
	UnknownThreshold int           `mapstructure:"unknown_threshold"`
	ReportInterval   time.Duration `mapstructure:"report_interval"`
}

// RetrySettings controls gateway retries.
type RetrySettings struct {
	Attempts     uint          `mapstructure:"attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

const (
	DefaultPollInterval     = 20 * time.Second
	DefaultUnknownThreshold = 5
	DefaultReportInterval   = 5 * time.Second
	DefaultRetryAttempts    = 4
	DefaultRetryDelay       = time.Second
	DefaultRetryMaxDelay    = 15 * time.Second
	DefaultOutputDir        = "."
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.initiator", DefaultInitiator)
	v.SetDefault("server.proxy.port", 80)
	v.SetDefault("poll.interval", DefaultPollInterval)
	v.SetDefault("poll.unknown_threshold", DefaultUnknownThreshold)
	v.SetDefault("poll.report_interval", DefaultReportInterval)
	v.SetDefault("retry.attempts", DefaultRetryAttempts)
	v.SetDefault("retry.initial_delay", DefaultRetryDelay)
	v.SetDefault("retry.max_delay", DefaultRetryMaxDelay)
	v.SetDefault("output_dir", DefaultOutputDir)
}

// Defaults returns the settings used when no config file is given.
func Defaults() *Settings {
	v := viper.New()
	setDefaults(v)
	var s Settings
	// Defaults are static; decoding them cannot fail.
	_ = v.Unmarshal(&s)
	return &s
}

// Load reads a YAML (or any viper supported format) config file. An empty
// path returns the defaults. Environment variables are not bound
// here: overrides go through a Resolver so each one is logged.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if stderrors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	s.Server.URL = strings.TrimRight(strings.TrimSpace(s.Server.URL), "/")
	s.Server.TenantID = strings.TrimSpace(s.Server.TenantID)
	return &s, nil
}
