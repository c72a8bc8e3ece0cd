// Package orchestrator runs one load test end to end: validate, log in,
// start the run, follow it to completion and collect its reports.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/perfgo/loadrun/clock"
	"github.com/perfgo/loadrun/collector"
	"github.com/perfgo/loadrun/config"
	"github.com/perfgo/loadrun/model"
	"github.com/perfgo/loadrun/poller"
	"github.com/perfgo/loadrun/runerr"
)

// DefaultCancelTimeout bounds the best-effort stop request sent when polling
// ends without a terminal state.
const DefaultCancelTimeout = 30 * time.Second

// Gateway is the remote service as seen by one orchestration.
type Gateway interface {
	Login(ctx context.Context) error
	StartRun(ctx context.Context, d model.RunDescriptor) (model.RunHandle, error)
	GetStatus(ctx context.Context, h model.RunHandle) (model.RunState, error)
	ListArtifacts(ctx context.Context, h model.RunHandle) ([]model.ArtifactRef, error)
	FetchArtifact(ctx context.Context, ref model.ArtifactRef) ([]byte, error)
	CancelRun(ctx context.Context, h model.RunHandle) error
	Close() error
}

// Opener creates the gateway for one orchestration.
type Opener func(cfg config.ServerConfig, d model.RunDescriptor) (Gateway, error)

// Orchestrator executes load test runs. It holds no per-run state, so one
// Orchestrator can serve several Execute calls.
type Orchestrator struct {
	logger        zerolog.Logger
	open          Opener
	poller        *poller.Poller
	collector     *collector.Collector
	clock         clock.Clock
	cancelTimeout time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPoller replaces the default poller.
func WithPoller(p *poller.Poller) Option {
	return func(o *Orchestrator) {
		o.poller = p
	}
}

// WithSink sends collected reports to sink.
func WithSink(sink collector.ReportSink) Option {
	return func(o *Orchestrator) {
		o.collector = collector.New(o.logger, sink)
	}
}

// WithClock sets the clock used for run timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) {
		o.clock = c
	}
}

// WithCancelTimeout bounds the stop request sent for an abandoned run.
func WithCancelTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.cancelTimeout = d
	}
}

// New returns an orchestrator that opens gateways with open.
func New(logger zerolog.Logger, open Opener, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:        logger,
		open:          open,
		poller:        poller.New(logger),
		collector:     collector.New(logger, nil),
		clock:         clock.Real{},
		cancelTimeout: DefaultCancelTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute runs the load test described by d against the service in cfg.
//
// It always returns an outcome. Configuration problems are reported before
// any network call. Login and start failures produce a Failed outcome without
// polling. When polling stops without the service reporting a terminal state,
// one stop request is sent for the run. Reports are collected for every
// terminal state except Aborted. Cancellation at any point yields Aborted with
// the cause in Outcome.Canceled. The gateway is closed on every path.
func (o *Orchestrator) Execute(ctx context.Context, cfg config.ServerConfig, d model.RunDescriptor) *model.Outcome {
	out := model.NewOutcome()

	if err := d.Validate(); err != nil {
		out.Fail(err)
		return out
	}
	if err := cfg.Validate(); err != nil {
		out.Fail(err)
		return out
	}

	logger := o.logger.With().
		Int("test", d.TestID()).
		Int("project", d.ProjectID()).
		Logger()

	gw, err := o.open(cfg, d)
	if err != nil {
		out.Fail(runerr.Fatal("open gateway", err))
		return out
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Warn().
				Err(err).
				Msg("Failed to close gateway")
		}
	}()

	if d.SkipLogin() {
		logger.Info().Msg("Skipping login")
	} else if err := gw.Login(ctx); err != nil {
		o.failBeforeRun(ctx, logger, out, "login", err)
		return out
	}

	logger.Info().
		Bool("send_email", d.SendEmail()).
		Msg("Starting load test")

	h, err := gw.StartRun(ctx, d)
	if err != nil {
		o.failBeforeRun(ctx, logger, out, "start run", err)
		return out
	}

	out.RunID = h.RunID
	run := model.NewLoadTestRun(h, o.clock.Now())
	logger = logger.With().Int("run", h.RunID).Logger()

	state, err := o.poller.Run(ctx, gw, run)
	if err != nil {
		o.stop(ctx, logger, gw, h)
		if errors.Is(err, runerr.ErrCanceled) {
			out.Abort(err)
		} else {
			out.Fail(err)
		}
		logger.Error().
			Err(err).
			Stringer("state", out.FinalState).
			Msg("Run did not complete")
		return out
	}

	out.FinalState = state
	if state != model.RunStateAborted {
		o.collector.Collect(ctx, gw, run, out)
		// The remote run is terminal already, so there is nothing to stop.
		if ctxErr := ctx.Err(); ctxErr != nil {
			out.Abort(fmt.Errorf("collecting reports of run %d: %w: %w", h.RunID, runerr.ErrCanceled, ctxErr))
			logger.Warn().
				Stringer("remote_state", state).
				Msg("Canceled while collecting reports")
		}
	}

	logger.Info().
		Stringer("state", out.FinalState).
		Int("reports", out.ReportFiles.Len()).
		Int("report_errors", len(out.PerFileErrors)).
		Dur("elapsed", o.clock.Now().Sub(run.StartedAt)).
		Msg("Load test finished")

	return out
}

// failBeforeRun records a failure that happened before a run existed.
// Cancellation yields Aborted, anything else Failed.
func (o *Orchestrator) failBeforeRun(ctx context.Context, logger zerolog.Logger, out *model.Outcome, op string, err error) {
	switch {
	case errors.Is(err, runerr.ErrCanceled):
		out.Abort(fmt.Errorf("%s: %w", op, err))
	case ctx.Err() != nil:
		out.Abort(fmt.Errorf("%s: %w: %w", op, runerr.ErrCanceled, err))
	default:
		out.Fail(runerr.Fatal(op, err))
	}
	logger.Error().
		Err(err).
		Str("op", op).
		Str("kind", runerr.Kind(out.Cause())).
		Msg("Load test could not be started")
}

// stop asks the service to stop a run that is no longer followed. The request
// outlives ctx, which is usually already canceled. Its error is only logged.
func (o *Orchestrator) stop(ctx context.Context, logger zerolog.Logger, gw Gateway, h model.RunHandle) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cancelTimeout)
	defer cancel()

	logger.Info().Msg("Stopping remote run")
	if err := gw.CancelRun(stopCtx, h); err != nil {
		logger.Warn().
			Err(err).
			Msg("Failed to stop remote run")
	}
}
