package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/perfgo/loadrun/model"
	"github.com/perfgo/loadrun/runerr"
)

// rawStates maps the service's status strings onto the local lifecycle.
// Strings not listed here are Unknown.
var rawStates = map[string]model.RunState{
	"PENDING":         model.RunStateQueued,
	"QUEUED":          model.RunStateQueued,
	"INITIALIZING":    model.RunStateInitializing,
	"RUNNING":         model.RunStateRunning,
	"CHECKING_STATUS": model.RunStateRunning,
	"STOPPING":        model.RunStateStopping,
	"PASSED":          model.RunStatePassed,
	"FAILED":          model.RunStateFailed,
	"HALTED":          model.RunStateFailed,
	"SYSTEM_ERROR":    model.RunStateFailed,
	"ABORTED":         model.RunStateAborted,
}

// MapStatus converts a raw status string reported by the service.
func MapStatus(raw string) model.RunState {
	if state, ok := rawStates[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return state
	}
	return model.RunStateUnknown
}

// StartRun starts the load test described by d.
func (c *Client) StartRun(ctx context.Context, d model.RunDescriptor) (model.RunHandle, error) {
	path := fmt.Sprintf("v1/projects/%d/load-tests/%d/runs", d.ProjectID(), d.TestID())
	query := url.Values{
		"sendEmail": {strconv.FormatBool(d.SendEmail())},
		"initiator": {c.initiator},
	}

	var resp struct {
		RunID int `json:"runId"`
	}
	err := c.withRetry(ctx, "start run", func() error {
		req, err := c.newRequest(ctx, http.MethodPost, path, query, struct{}{})
		if err != nil {
			return err
		}
		return c.do(c.api, req, &resp)
	})
	if err != nil {
		return model.RunHandle{}, fmt.Errorf("failed to start test %d: %w", d.TestID(), err)
	}
	if resp.RunID <= 0 {
		return model.RunHandle{}, fmt.Errorf("failed to start test %d: %w: no run id in response", d.TestID(), runerr.ErrFatal)
	}

	h := model.RunHandle{RunID: resp.RunID, TestID: d.TestID(), ProjectID: d.ProjectID()}
	c.logger.Info().
		Int("run", h.RunID).
		Int("test", h.TestID).
		Int("project", h.ProjectID).
		Msg("Started run")
	return h, nil
}

// GetStatus returns the mapped state of a run.
func (c *Client) GetStatus(ctx context.Context, h model.RunHandle) (model.RunState, error) {
	path := fmt.Sprintf("v1/projects/%d/load-tests/%d/runs/%d/status", h.ProjectID, h.TestID, h.RunID)

	var resp struct {
		Status         string `json:"status"`
		DetailedStatus string `json:"detailedStatus"`
	}
	err := c.withRetry(ctx, "get status", func() error {
		return c.getJSON(ctx, path, nil, &resp)
	})
	if err != nil {
		return model.RunStateUnknown, fmt.Errorf("failed to get status of run %d: %w", h.RunID, err)
	}

	state := MapStatus(resp.Status)
	c.logger.Debug().
		Int("run", h.RunID).
		Str("status", resp.Status).
		Str("detailed", resp.DetailedStatus).
		Stringer("state", state).
		Msg("Polled run status")
	return state, nil
}

// CancelRun asks the service to stop a run.
func (c *Client) CancelRun(ctx context.Context, h model.RunHandle) error {
	path := fmt.Sprintf("v1/test-runs/%d/status", h.RunID)
	query := url.Values{"action": {"STOP"}}

	err := c.withRetry(ctx, "cancel run", func() error {
		req, err := c.newRequest(ctx, http.MethodPut, path, query, struct{}{})
		if err != nil {
			return err
		}
		return c.do(c.api, req, nil)
	})
	if err != nil {
		return fmt.Errorf("failed to stop run %d: %w", h.RunID, err)
	}

	c.logger.Info().
		Int("run", h.RunID).
		Msg("Requested run stop")
	return nil
}
