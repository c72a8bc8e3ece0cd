package model

import (
	"sort"

	"github.com/hashicorp/go-multierror"
)

// Outcome is the result of one orchestration call.
type Outcome struct {
	RunID      int
	FinalState RunState
	// Successfully collected files, in discovery order
	ReportFiles *Files
	// Files that could not be fetched or written, keyed by file name
	PerFileErrors map[string]error
	// Set when the orchestration could not complete. FinalState is Failed then.
	FatalError error
	// Set when artifacts could not be enumerated at all
	CollectionError error
	// Set when the orchestration was canceled. FinalState is Aborted then.
	Canceled error
}

// NewOutcome returns an empty outcome in the Unknown state.
func NewOutcome() *Outcome {
	return &Outcome{
		ReportFiles:   NewFiles(),
		PerFileErrors: map[string]error{},
	}
}

// Fail records a fatal error and forces the Failed state.
func (o *Outcome) Fail(err error) {
	o.FatalError = err
	o.FinalState = RunStateFailed
}

// Abort records a cancellation and forces the Aborted state. A canceled
// orchestration is not a failure, so FatalError is left untouched.
func (o *Outcome) Abort(err error) {
	o.Canceled = err
	o.FinalState = RunStateAborted
}

// Cause returns the error that ended the orchestration early: the fatal
// error, else the cancellation, else nil.
func (o *Outcome) Cause() error {
	if o.FatalError != nil {
		return o.FatalError
	}
	return o.Canceled
}

// Success reports whether the calling job should be marked successful.
// Artifact failures only count when failOnArtifactError is set.
func (o *Outcome) Success(failOnArtifactError bool) bool {
	if o.FatalError != nil || !o.FinalState.IsSuccess() {
		return false
	}
	if failOnArtifactError && (len(o.PerFileErrors) > 0 || o.CollectionError != nil) {
		return false
	}
	return true
}

// Err aggregates every error recorded on the outcome, or returns nil.
func (o *Outcome) Err() error {
	var result *multierror.Error
	if o.FatalError != nil {
		result = multierror.Append(result, o.FatalError)
	}
	if o.Canceled != nil {
		result = multierror.Append(result, o.Canceled)
	}
	if o.CollectionError != nil {
		result = multierror.Append(result, o.CollectionError)
	}
	names := make([]string, 0, len(o.PerFileErrors))
	for name := range o.PerFileErrors {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		result = multierror.Append(result, o.PerFileErrors[name])
	}
	return result.ErrorOrNil()
}
