package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfgo/loadrun/runerr"
)

func TestRunDescriptorValidate(t *testing.T) {
	tests := []struct {
		name      string
		testID    int
		projectID int
		wantErr   bool
	}{
		{name: "valid", testID: 42, projectID: 7},
		{name: "zero test id", testID: 0, projectID: 7, wantErr: true},
		{name: "negative test id", testID: -3, projectID: 7, wantErr: true},
		{name: "zero project id", testID: 42, projectID: 0, wantErr: true},
		{name: "negative project id", testID: 42, projectID: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRunDescriptor(tt.testID, tt.projectID, DescriptorOptions{}).Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, runerr.ErrConfiguration)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRunDescriptorOptionsRoundTrip(t *testing.T) {
	opts := DescriptorOptions{SendEmail: true, SkipReportGeneration: true}
	d := NewRunDescriptor(1, 2, opts)

	assert.Equal(t, opts, d.Options())
	assert.True(t, d.SendEmail())
	assert.False(t, d.SkipLogin())
	assert.True(t, d.SkipReportGeneration())
	assert.False(t, d.DebugLogging())
}

func TestRunStateRank(t *testing.T) {
	order := []RunState{RunStateQueued, RunStateInitializing, RunStateRunning, RunStateStopping, RunStatePassed}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, order[i].Rank(), order[i-1].Rank(), "%s should rank above %s", order[i], order[i-1])
	}
	assert.Equal(t, 0, RunStateUnknown.Rank())
	assert.Equal(t, RunStatePassed.Rank(), RunStateAborted.Rank())

	assert.True(t, RunStateFailed.IsTerminal())
	assert.False(t, RunStateStopping.IsTerminal())
	assert.False(t, RunStateUnknown.IsTerminal())
}

func TestRunStateText(t *testing.T) {
	data, err := json.Marshal(RunRecord{FinalState: RunStatePassed})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"final_state":"Passed"`)

	var rec RunRecord
	require.NoError(t, json.Unmarshal([]byte(`{"final_state":"aborted"}`), &rec))
	assert.Equal(t, RunStateAborted, rec.FinalState)

	assert.Equal(t, RunStateUnknown, ParseRunState("exploded"))
}

func TestFilesKeepInsertionOrder(t *testing.T) {
	f := NewFiles()
	f.Put("b.csv", []byte("b"))
	f.Put("a.pdf", []byte("a"))
	f.Put("b.csv", []byte("b2"))

	assert.Equal(t, []string{"b.csv", "a.pdf"}, f.Names())
	got, ok := f.Get("b.csv")
	require.True(t, ok)
	assert.Equal(t, "b2", string(got))
	assert.Equal(t, 2, f.Len())
}

func TestOutcomeSuccess(t *testing.T) {
	o := NewOutcome()
	o.FinalState = RunStatePassed
	assert.True(t, o.Success(false))
	assert.NoError(t, o.Err())

	o.PerFileErrors["a.pdf"] = runerr.Artifact("a.pdf", errors.New("timeout"))
	assert.True(t, o.Success(false))
	assert.False(t, o.Success(true))
	assert.ErrorIs(t, o.Err(), runerr.ErrArtifact)

	o.Fail(errors.New("boom"))
	assert.Equal(t, RunStateFailed, o.FinalState)
	assert.False(t, o.Success(false))
}

func TestOutcomeAbortKeepsFatalErrorEmpty(t *testing.T) {
	o := NewOutcome()
	o.FinalState = RunStateRunning
	o.Abort(fmt.Errorf("polling run 1001: %w", runerr.ErrCanceled))

	assert.Equal(t, RunStateAborted, o.FinalState)
	assert.NoError(t, o.FatalError)
	assert.ErrorIs(t, o.Cause(), runerr.ErrCanceled)
	assert.ErrorIs(t, o.Err(), runerr.ErrCanceled)
	assert.False(t, o.Success(false))

	o.Fail(errors.New("boom"))
	assert.EqualError(t, o.Cause(), "boom")
}
