package model

import "time"

// History is the record written next to the reports after every `loadrun run`.
type History struct {
	// Unique ID for this invocation (uuid)
	ID string `json:"id"`
	// Timestamp when the invocation started
	Timestamp time.Time `json:"timestamp"`
	// Command-line arguments (including command name)
	Args []string `json:"args"`
	// Exit code of the invocation
	ExitCode int `json:"exit_code"`
	// Duration of the invocation
	Duration time.Duration `json:"duration"`
	// Git information of the pipeline checkout, if any
	Git *Git `json:"git,omitempty"`
	// Server the run was executed on
	Server *Server `json:"server,omitempty"`
	// Run that was executed
	Run *RunRecord `json:"run,omitempty"`
	// Reports written to the output directory
	Artifacts []Artifact `json:"artifacts,omitempty"`
	// Errors recorded during the invocation, keyed by file name or "fatal"
	Errors map[string]string `json:"errors,omitempty"`
}

// Git contains git repository information
type Git struct {
	// Git commit hash at time of execution
	Commit string `json:"commit,omitempty"`
	// Git branch at time of execution
	Branch string `json:"branch,omitempty"`
}

// Server describes the remote service, without credentials.
type Server struct {
	URL      string `json:"url"`
	TenantID string `json:"tenant_id"`
	// "basic" or "oauth"
	AuthMode string `json:"auth_mode"`
	Proxy    string `json:"proxy,omitempty"`
}

// RunRecord describes the remote run and its final classification.
type RunRecord struct {
	RunID      int      `json:"run_id,omitempty"`
	TestID     int      `json:"test_id"`
	ProjectID  int      `json:"project_id"`
	FinalState RunState `json:"final_state"`
	// Classification of the fatal error, if any
	ErrorKind string            `json:"error_kind,omitempty"`
	Options   DescriptorOptions `json:"options"`
}

// Artifact represents a report file written to the output directory
type Artifact struct {
	Size uint64 `json:"size"`
	File string `json:"file"` // relative to output dir
}
