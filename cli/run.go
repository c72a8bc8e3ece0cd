package cli

// This file contains the run command: it starts a load test through the
// orchestrator and records the result next to the reports.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/perfgo/loadrun/collector"
	"github.com/perfgo/loadrun/config"
	"github.com/perfgo/loadrun/gateway"
	"github.com/perfgo/loadrun/history"
	"github.com/perfgo/loadrun/model"
	"github.com/perfgo/loadrun/orchestrator"
	"github.com/perfgo/loadrun/poller"
	"github.com/perfgo/loadrun/runerr"
)

// Exit codes of the run command.
const (
	exitFailed        = 1
	exitConfiguration = 2
)

func (a *App) run(ctx *cli.Context) error {
	startTime := time.Now()
	invocation := uuid.NewString()
	logger := a.logger.With().Str("invocation", invocation[:8]).Logger()

	settings, err := loadSettings(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load configuration")
		return cli.Exit(err.Error(), exitConfiguration)
	}

	resolver := config.NewResolver(logger, config.EnvMap(a.environ))
	descriptor, err := resolver.Descriptor(settings.Job)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid job parameters")
		return cli.Exit(err.Error(), exitConfiguration)
	}
	server, err := resolver.Server(settings.Server)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid server configuration")
		return cli.Exit(err.Error(), exitConfiguration)
	}

	if descriptor.DebugLogging() {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	sink, err := collector.NewDirSink(settings.OutputDir)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to prepare output directory")
		return cli.Exit(err.Error(), exitConfiguration)
	}

	open := a.opener
	if open == nil {
		open = gatewayOpener(logger, settings)
	}

	p := poller.New(logger)
	p.Interval = settings.Poll.Interval
	p.UnknownThreshold = settings.Poll.UnknownThreshold

	// SIGINT and SIGTERM cancel the run and stop it remotely.
	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	o := orchestrator.New(logger, open,
		orchestrator.WithPoller(p),
		orchestrator.WithSink(sink),
	)
	outcome := o.Execute(runCtx, server, descriptor)

	success := outcome.Success(settings.FailOnArtifactError)
	exitCode := 0
	if !success {
		exitCode = exitFailed
		if errors.Is(outcome.FatalError, runerr.ErrConfiguration) {
			exitCode = exitConfiguration
		}
	}

	record := newHistory(invocation, startTime, server, descriptor, outcome)
	record.ExitCode = exitCode
	if commit, branch, err := a.getGitInfo(ctx.Context); err == nil {
		record.Git = &model.Git{Commit: commit, Branch: branch}
	} else {
		logger.Debug().Err(err).Msg("No git information")
	}
	record.Duration = time.Since(startTime)

	if path, err := history.Save(settings.OutputDir, record); err != nil {
		logger.Warn().Err(err).Msg("Failed to record run")
	} else {
		logger.Debug().Str("path", path).Msg("Recorded run")
	}

	event := logger.Info()
	if !success {
		event = logger.Error()
	}
	event.
		Int("run", outcome.RunID).
		Stringer("state", outcome.FinalState).
		Int("reports", outcome.ReportFiles.Len()).
		Int("report_errors", len(outcome.PerFileErrors)).
		Dur("duration", record.Duration.Round(time.Millisecond)).
		Bool("success", success).
		Msg("Load test done")

	if !success {
		msg := fmt.Sprintf("load test finished in state %s", outcome.FinalState)
		if err := outcome.Err(); err != nil {
			msg = fmt.Sprintf("%s: %v", msg, err)
		}
		return cli.Exit(msg, exitCode)
	}
	return nil
}

// gatewayOpener opens HTTP gateways configured from settings.
func gatewayOpener(logger zerolog.Logger, settings *config.Settings) orchestrator.Opener {
	return func(cfg config.ServerConfig, d model.RunDescriptor) (orchestrator.Gateway, error) {
		opts := []gateway.Option{
			gateway.WithRetryPolicy(gateway.RetryPolicy{
				Attempts:     settings.Retry.Attempts,
				InitialDelay: settings.Retry.InitialDelay,
				MaxDelay:     settings.Retry.MaxDelay,
			}),
			gateway.WithReportInterval(settings.Poll.ReportInterval),
		}
		if d.SkipReportGeneration() {
			opts = append(opts, gateway.WithReportTypes(gateway.ReportTypeCSV))
		}
		c, err := gateway.Open(cfg, logger, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// newHistory builds the run record of one invocation.
func newHistory(id string, start time.Time, server config.ServerConfig, d model.RunDescriptor, out *model.Outcome) *model.History {
	h := &model.History{
		ID:        id,
		Timestamp: start,
		Args:      os.Args,
		Server: &model.Server{
			URL:      server.BaseURL,
			TenantID: server.TenantID,
		},
		Run: &model.RunRecord{
			RunID:      out.RunID,
			TestID:     d.TestID(),
			ProjectID:  d.ProjectID(),
			FinalState: out.FinalState,
			ErrorKind:  runerr.Kind(out.Cause()),
			Options:    d.Options(),
		},
	}
	if server.Credentials != nil {
		h.Server.AuthMode = server.Credentials.AuthMode()
	}
	if server.Proxy != nil {
		h.Server.Proxy = server.Proxy.URL.Host
	}

	for _, name := range out.ReportFiles.Names() {
		data, _ := out.ReportFiles.Get(name)
		h.Artifacts = append(h.Artifacts, model.Artifact{
			Size: uint64(len(data)),
			File: name,
		})
	}

	errs := map[string]string{}
	if out.FatalError != nil {
		errs["fatal"] = out.FatalError.Error()
	}
	if out.Canceled != nil {
		errs["canceled"] = out.Canceled.Error()
	}
	if out.CollectionError != nil {
		errs["collection"] = out.CollectionError.Error()
	}
	names := make([]string, 0, len(out.PerFileErrors))
	for name := range out.PerFileErrors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		errs[name] = out.PerFileErrors[name].Error()
	}
	if len(errs) > 0 {
		h.Errors = errs
	}
	return h
}

func (a *App) ping(ctx *cli.Context) error {
	settings, err := loadSettings(ctx)
	if err != nil {
		return cli.Exit(err.Error(), exitConfiguration)
	}
	resolver := config.NewResolver(a.logger, config.EnvMap(a.environ))
	server, err := resolver.Server(settings.Server)
	if err != nil {
		return cli.Exit(err.Error(), exitConfiguration)
	}

	open := a.opener
	if open == nil {
		open = gatewayOpener(a.logger, settings)
	}
	gw, err := open(server, model.RunDescriptor{})
	if err != nil {
		if errors.Is(err, runerr.ErrConfiguration) {
			return cli.Exit(err.Error(), exitConfiguration)
		}
		return cli.Exit(err.Error(), exitFailed)
	}
	defer gw.Close()

	pingCtx, cancel := context.WithTimeout(ctx.Context, 2*time.Minute)
	defer cancel()

	if err := gw.Login(pingCtx); err != nil {
		a.logger.Error().
			Err(err).
			Str("kind", runerr.Kind(err)).
			Msg("Connection failed")
		return cli.Exit(err.Error(), exitFailed)
	}

	a.logger.Info().
		Str("server", server.String()).
		Msg("Connection OK")
	return nil
}
