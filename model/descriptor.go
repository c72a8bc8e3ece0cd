package model

import "github.com/perfgo/loadrun/runerr"

// RunDescriptor describes which load test to run and how. It is immutable:
// fields are only readable through getters once constructed.
type RunDescriptor struct {
	testID               int
	projectID            int
	sendEmail            bool
	skipLogin            bool
	skipReportGeneration bool
	debugLogging         bool
}

// DescriptorOptions carries the optional flags of a RunDescriptor.
type DescriptorOptions struct {
	SendEmail bool `json:"send_email"`
	SkipLogin bool `json:"skip_login"`
	// SkipReportGeneration skips the PDF report, which is slow to generate.
	SkipReportGeneration bool `json:"skip_report_generation"`
	DebugLogging         bool `json:"debug_logging"`
}

// NewRunDescriptor builds a descriptor. It does not validate; call Validate
// before using it against the remote service.
func NewRunDescriptor(testID, projectID int, opts DescriptorOptions) RunDescriptor {
	return RunDescriptor{
		testID:               testID,
		projectID:            projectID,
		sendEmail:            opts.SendEmail,
		skipLogin:            opts.SkipLogin,
		skipReportGeneration: opts.SkipReportGeneration,
		debugLogging:         opts.DebugLogging,
	}
}

func (d RunDescriptor) TestID() int                { return d.testID }
func (d RunDescriptor) ProjectID() int             { return d.projectID }
func (d RunDescriptor) SendEmail() bool            { return d.sendEmail }
func (d RunDescriptor) SkipLogin() bool            { return d.skipLogin }
func (d RunDescriptor) SkipReportGeneration() bool { return d.skipReportGeneration }
func (d RunDescriptor) DebugLogging() bool         { return d.debugLogging }

// Options returns the optional flags the descriptor was built with.
func (d RunDescriptor) Options() DescriptorOptions {
	return DescriptorOptions{
		SendEmail:            d.sendEmail,
		SkipLogin:            d.skipLogin,
		SkipReportGeneration: d.skipReportGeneration,
		DebugLogging:         d.debugLogging,
	}
}

// Validate checks that both ids are positive.
func (d RunDescriptor) Validate() error {
	if d.testID <= 0 {
		return runerr.Configuration("test id must be a positive integer, got %d", d.testID)
	}
	if d.projectID <= 0 {
		return runerr.Configuration("project id must be a positive integer, got %d", d.projectID)
	}
	return nil
}
