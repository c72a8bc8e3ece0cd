package cli

// This file contains the flags shared by the commands and the merging of
// flag values over the config file.

import (
	"github.com/urfave/cli/v2"

	"github.com/perfgo/loadrun/config"
)

func outputDirFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "output-dir",
		Aliases: []string{"o"},
		Usage:   "Directory reports and run records are written to",
		Value:   config.DefaultOutputDir,
	}
}

func serverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "YAML config file; flags override its values",
		},
		&cli.StringFlag{Name: "url", Usage: "Base URL of the load testing service"},
		&cli.StringFlag{Name: "tenant", Usage: "Tenant id"},
		&cli.StringFlag{Name: "username", Usage: "User name, or an OAuth client id"},
		&cli.StringFlag{Name: "password", Usage: "Password, or the OAuth client secret"},
		&cli.BoolFlag{Name: "use-oauth", Usage: "Authenticate with --client-id and --client-secret"},
		&cli.StringFlag{Name: "client-id", Usage: "OAuth client id"},
		&cli.StringFlag{Name: "client-secret", Usage: "OAuth client secret"},
		&cli.StringFlag{Name: "proxy", Usage: "HTTP proxy host"},
		&cli.IntFlag{Name: "proxy-port", Usage: "HTTP proxy port (default: 80)"},
		&cli.StringFlag{Name: "proxy-username", Usage: "HTTP proxy user name"},
		&cli.StringFlag{Name: "proxy-password", Usage: "HTTP proxy password"},
		&cli.StringFlag{Name: "initiator", Usage: "Origin reported to the service for started runs"},
		&cli.UintFlag{Name: "retry-attempts", Usage: "Attempts per remote call before giving up"},
	}
}

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "project-id", Usage: "Project of the load test"},
		&cli.IntFlag{Name: "test-id", Usage: "Load test to run"},
		&cli.BoolFlag{Name: "send-email", Usage: "Ask the service to email the results"},
		outputDirFlag(),
		&cli.DurationFlag{Name: "poll-interval", Usage: "Interval between status polls (default: 20s)"},
		&cli.IntFlag{Name: "unknown-threshold", Usage: "Consecutive polls without a known status before giving up (default: 5)"},
		&cli.DurationFlag{Name: "report-interval", Usage: "Interval between report readiness checks (default: 5s)"},
		&cli.BoolFlag{Name: "fail-on-artifact-error", Usage: "Fail the job when a report cannot be downloaded"},
	}
}

// loadSettings reads the config file, if any, and applies the flags that were
// set explicitly.
func loadSettings(ctx *cli.Context) (*config.Settings, error) {
	s := config.Defaults()
	if path := ctx.String("config"); path != "" {
		var err error
		if s, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	setString := func(name string, dst *string) {
		if ctx.IsSet(name) {
			*dst = ctx.String(name)
		}
	}
	setInt := func(name string, dst *int) {
		if ctx.IsSet(name) {
			*dst = ctx.Int(name)
		}
	}
	setBool := func(name string, dst *bool) {
		if ctx.IsSet(name) {
			*dst = ctx.Bool(name)
		}
	}

	srv := &s.Server
	setString("url", &srv.URL)
	setString("tenant", &srv.TenantID)
	setString("username", &srv.Username)
	setString("password", &srv.Password)
	setBool("use-oauth", &srv.UseOAuth)
	setString("client-id", &srv.ClientID)
	setString("client-secret", &srv.ClientSecret)
	setString("proxy", &srv.Proxy.Host)
	setInt("proxy-port", &srv.Proxy.Port)
	setString("proxy-username", &srv.Proxy.Username)
	setString("proxy-password", &srv.Proxy.Password)
	setString("initiator", &srv.Initiator)

	setInt("project-id", &s.Job.ProjectID)
	setInt("test-id", &s.Job.TestID)
	setBool("send-email", &s.Job.SendEmail)
	setString("output-dir", &s.OutputDir)
	setInt("unknown-threshold", &s.Poll.UnknownThreshold)
	setBool("fail-on-artifact-error", &s.FailOnArtifactError)

	if ctx.IsSet("poll-interval") {
		s.Poll.Interval = ctx.Duration("poll-interval")
	}
	if ctx.IsSet("report-interval") {
		s.Poll.ReportInterval = ctx.Duration("report-interval")
	}
	if ctx.IsSet("retry-attempts") {
		s.Retry.Attempts = ctx.Uint("retry-attempts")
	}
	return s, nil
}
