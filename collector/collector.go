// Package collector downloads the result files of a finished run.
package collector

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/perfgo/loadrun/model"
	"github.com/perfgo/loadrun/runerr"
)

// Source lists and fetches the result files of a run.
type Source interface {
	ListArtifacts(ctx context.Context, h model.RunHandle) ([]model.ArtifactRef, error)
	FetchArtifact(ctx context.Context, ref model.ArtifactRef) ([]byte, error)
}

// ReportSink receives every file as soon as it is fetched.
type ReportSink interface {
	WriteReport(name string, data []byte) error
}

// Discard is a sink that drops everything.
var Discard ReportSink = discard{}

type discard struct{}

func (discard) WriteReport(string, []byte) error { return nil }

// Collector fetches artifacts one at a time, in the order they are listed.
type Collector struct {
	logger zerolog.Logger
	sink   ReportSink
}

// New returns a collector writing to sink. A nil sink discards files.
func New(logger zerolog.Logger, sink ReportSink) *Collector {
	if sink == nil {
		sink = Discard
	}
	return &Collector{
		logger: logger.With().Str("component", "collector").Logger(),
		sink:   sink,
	}
}

// Collect fetches every artifact of run into out. Each fetched file is
// written to the sink and stored in out.ReportFiles and run.Reports. A file
// that cannot be fetched or written is recorded in out.PerFileErrors and does
// not stop collection. A listing failure is recorded as out.CollectionError.
// Collection stops between files when ctx is done.
func (c *Collector) Collect(ctx context.Context, src Source, run *model.LoadTestRun, out *model.Outcome) {
	logger := c.logger.With().Int("run", run.ID).Logger()

	refs, err := src.ListArtifacts(ctx, run.Handle())
	if err != nil {
		out.CollectionError = fmt.Errorf("failed to list artifacts: %w", err)
		logger.Error().
			Err(err).
			Msg("Failed to list artifacts")
		return
	}

	logger.Info().
		Int("count", len(refs)).
		Msg("Collecting artifacts")

	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			out.CollectionError = fmt.Errorf("collection stopped before %s: %w: %w", ref.Name, runerr.ErrCanceled, err)
			logger.Warn().
				Int("remaining", len(refs)-i).
				Msg("Collection canceled")
			return
		}

		data, err := src.FetchArtifact(ctx, ref)
		if err == nil {
			err = c.sink.WriteReport(ref.Name, data)
		}
		if err != nil {
			out.PerFileErrors[ref.Name] = runerr.Artifact(ref.Name, err)
			logger.Warn().
				Err(err).
				Str("file", ref.Name).
				Str("kind", ref.Kind.String()).
				Msg("Failed to collect artifact")
			continue
		}

		out.ReportFiles.Put(ref.Name, data)
		run.Reports.Put(ref.Name, data)
		logger.Info().
			Str("file", ref.Name).
			Int("bytes", len(data)).
			Msg("Collected artifact")
	}
}
