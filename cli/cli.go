package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/perfgo/loadrun/orchestrator"
)

const AppName = "loadrun"

type App struct {
	logger zerolog.Logger
	cli    *cli.App

	// stderr receives console logs, stdout the list and view output.
	stderr io.Writer
	stdout io.Writer
	// environ is the process environment consulted for overrides.
	environ []string
	// opener overrides how gateways are opened, for tests.
	opener orchestrator.Opener

	logFile io.Closer
}

func New() *App {

	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	app := &App{
		stderr:  os.Stderr,
		stdout:  os.Stdout,
		environ: os.Environ(),
	}
	app.logger = app.newLogger(nil)

	app.cli = &cli.App{
		Name:  AppName,
		Usage: "Run load tests on a remote load testing service from a CI pipeline",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable verbose (debug) logging",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Also write logs to this file, rotated when it grows large",
			},
		},
		Before: app.setupLogging,
		After: func(ctx *cli.Context) error {
			if app.logFile != nil {
				return app.logFile.Close()
			}
			return nil
		},
		ExitErrHandler: func(ctx *cli.Context, err error) {},
	}

	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "run",
		Usage:  "Start a load test, wait for it to finish and download its reports",
		Action: app.run,
		Flags:  append(serverFlags(), runFlags()...),
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "ping",
		Usage:  "Log in and check that the tenant is reachable",
		Action: app.ping,
		Flags:  serverFlags(),
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "list",
		Usage:  "List previous runs recorded in the output directory",
		Action: app.list,
		Flags: []cli.Flag{
			outputDirFlag(),
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Limit number of results",
				Value:   20,
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:            "view",
		Usage:           "View a previous run recorded in the output directory",
		ArgsUsage:       "[--output-dir DIR] [INDEX|RUN-ID|ID]",
		Action:          app.view,
		SkipFlagParsing: true,
		Description: `View a previous run.

Arguments:
  0           View the last run (default)
  -1          View the 2nd last run
  <run-id>    View the run with this remote run id
  <hex-id>    View the run whose record id starts with this prefix

Examples:
  loadrun view           # View the last run
  loadrun view -1        # View the 2nd last run
  loadrun view 1001      # View remote run 1001
  loadrun view 3f2a      # View the record with id starting with 3f2a`,
	})
	return app
}

func (a *App) Run(args []string) error {
	return a.cli.Run(args)
}

// SetVersion sets the version information for the CLI application
func (a *App) SetVersion(version, commit, date string) {
	a.cli.Version = version
	if commit != "none" && len(commit) >= 8 {
		a.cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit[:8], date)
	}
}

func (a *App) newLogger(file io.Writer) zerolog.Logger {
	var w io.Writer = zerolog.ConsoleWriter{
		Out:        a.stderr,
		TimeFormat: time.RFC3339Nano,
	}
	if file != nil {
		w = zerolog.MultiLevelWriter(w, file)
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

func (a *App) setupLogging(ctx *cli.Context) error {
	if ctx.Bool("verbose") {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	path := ctx.String("log-file")
	if path == "" {
		a.logger = a.newLogger(nil)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
	a.logFile = lj
	a.logger = a.newLogger(lj)
	return nil
}
