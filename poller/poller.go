// Package poller follows a started run until it reaches a terminal state.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/perfgo/loadrun/clock"
	"github.com/perfgo/loadrun/model"
	"github.com/perfgo/loadrun/runerr"
)

const (
	DefaultInterval         = 20 * time.Second
	DefaultUnknownThreshold = 5
)

// StatusSource reports the current state of a run.
type StatusSource interface {
	GetStatus(ctx context.Context, h model.RunHandle) (model.RunState, error)
}

// Transition is a change of the run's state observed by the poller.
type Transition struct {
	RunID int
	From  model.RunState
	To    model.RunState
	At    time.Time
}

// Poller polls a StatusSource at a fixed interval.
type Poller struct {
	// Interval between two polls
	Interval time.Duration
	// UnknownThreshold is how many consecutive polls may fail to produce a
	// known state before the run is given up as failed.
	UnknownThreshold int
	Clock            clock.Clock
	Logger           zerolog.Logger
	// OnTransition, if set, is called once for every state change.
	OnTransition func(Transition)
}

// New returns a poller with the default interval and threshold.
func New(logger zerolog.Logger) *Poller {
	return &Poller{
		Interval:         DefaultInterval,
		UnknownThreshold: DefaultUnknownThreshold,
		Clock:            clock.Real{},
		Logger:           logger,
	}
}

// Run polls until run reaches a terminal state and returns that state.
//
// The returned error is nil only when the service itself reported the
// terminal state. Cancellation of ctx returns Aborted with an error wrapping
// runerr.ErrCanceled. Too many consecutive polls without a known state return
// Failed with runerr.ErrStatusUnreachable, and auth or fatal errors from the
// source return Failed at once. Run never cancels the remote run.
func (p *Poller) Run(ctx context.Context, src StatusSource, run *model.LoadTestRun) (model.RunState, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	logger := p.Logger.With().Int("run", run.ID).Logger()
	h := run.Handle()

	// States already reported in this call.
	seen := map[model.RunState]bool{run.CurrentState: true}

	var (
		unknown int
		lastErr error
	)

	for {
		if err := ctx.Err(); err != nil {
			return p.canceled(logger, run, err)
		}

		state, err := src.GetStatus(ctx, h)
		run.LastPolledAt = clk.Now()

		switch {
		case err != nil && ctx.Err() != nil:
			return p.canceled(logger, run, ctx.Err())
		case err != nil && !errors.Is(err, runerr.ErrTransient):
			logger.Error().
				Err(err).
				Str("kind", runerr.Kind(err)).
				Msg("Status poll failed")
			return model.RunStateFailed, fmt.Errorf("polling run %d: %w", run.ID, err)
		case err != nil:
			unknown++
			lastErr = err
			logger.Warn().
				Err(err).
				Int("consecutive", unknown).
				Msg("Status poll failed")
		case state == model.RunStateUnknown:
			unknown++
			lastErr = nil
			logger.Warn().
				Int("consecutive", unknown).
				Msg("Run status is unknown")
		default:
			unknown = 0
			p.advance(logger, run, state, seen)
		}

		if unknown > p.UnknownThreshold {
			err := fmt.Errorf("%w: run %d has had no known status for %d polls", runerr.ErrStatusUnreachable, run.ID, unknown)
			if lastErr != nil {
				err = fmt.Errorf("%w: %w", err, lastErr)
			}
			logger.Error().
				Err(err).
				Msg("Giving up on run status")
			return model.RunStateFailed, err
		}

		if run.CurrentState.IsTerminal() {
			logger.Info().
				Stringer("state", run.CurrentState).
				Dur("elapsed", run.LastPolledAt.Sub(run.StartedAt)).
				Msg("Run finished")
			return run.CurrentState, nil
		}

		select {
		case <-ctx.Done():
			return p.canceled(logger, run, ctx.Err())
		case <-time.After(interval):
		}
	}
}

// advance moves the run forward to state. States that do not rank above the
// current one are ignored.
func (p *Poller) advance(logger zerolog.Logger, run *model.LoadTestRun, state model.RunState, seen map[model.RunState]bool) {
	from := run.CurrentState
	if state == from {
		return
	}
	if state.Rank() <= from.Rank() {
		logger.Debug().
			Stringer("current", from).
			Stringer("reported", state).
			Msg("Ignoring state regression")
		return
	}

	run.CurrentState = state
	if seen[state] {
		return
	}
	seen[state] = true

	logger.Info().
		Stringer("from", from).
		Stringer("to", state).
		Msg("Run state changed")

	if p.OnTransition != nil {
		p.OnTransition(Transition{RunID: run.ID, From: from, To: state, At: run.LastPolledAt})
	}
}

func (p *Poller) canceled(logger zerolog.Logger, run *model.LoadTestRun, cause error) (model.RunState, error) {
	logger.Warn().
		Stringer("state", run.CurrentState).
		Msg("Polling canceled")
	return model.RunStateAborted, fmt.Errorf("polling run %d: %w: %w", run.ID, runerr.ErrCanceled, cause)
}
