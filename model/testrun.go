package model

import "time"

// RunHandle identifies a started run on the remote service.
type RunHandle struct {
	RunID     int `json:"run_id"`
	TestID    int `json:"test_id"`
	ProjectID int `json:"project_id"`
}

// LoadTestRun is the record accumulated while one run is polled. It lives for
// the duration of a single orchestration call.
type LoadTestRun struct {
	// Remote run id
	ID        int
	TestID    int
	ProjectID int
	// Last known lifecycle state
	CurrentState RunState
	// Time the run was started
	StartedAt time.Time
	// Time of the last status poll
	LastPolledAt time.Time
	// Reports collected for this run, in discovery order
	Reports *Files
}

// NewLoadTestRun starts a record for a run that was just created.
func NewLoadTestRun(h RunHandle, startedAt time.Time) *LoadTestRun {
	return &LoadTestRun{
		ID:           h.RunID,
		TestID:       h.TestID,
		ProjectID:    h.ProjectID,
		CurrentState: RunStateQueued,
		StartedAt:    startedAt,
		Reports:      NewFiles(),
	}
}

// Handle returns the handle of the run.
func (r *LoadTestRun) Handle() RunHandle {
	return RunHandle{RunID: r.ID, TestID: r.TestID, ProjectID: r.ProjectID}
}

// ArtifactKind identifies how an artifact is produced by the remote service.
type ArtifactKind uint8

const (
	// Report generated on demand by the service (csv, pdf)
	ArtifactKindReport ArtifactKind = iota
	// Transactions table rendered locally as CSV
	ArtifactKindTransactions
	// Run results summary as returned by the service
	ArtifactKindSummary
)

func (k ArtifactKind) String() string {
	switch k {
	case ArtifactKindReport:
		return "report"
	case ArtifactKindTransactions:
		return "transactions"
	case ArtifactKindSummary:
		return "summary"
	default:
		return "unknown"
	}
}

// ArtifactRef names one result file of a run.
type ArtifactRef struct {
	Name string
	Kind ArtifactKind
	// Report type requested from the service (csv, pdf), only for reports
	ReportType string
	Run        RunHandle
}

// Files is a filename to content mapping that remembers insertion order.
type Files struct {
	names []string
	data  map[string][]byte
}

func NewFiles() *Files {
	return &Files{data: map[string][]byte{}}
}

// Put stores content under name. Re-putting a name keeps its original position.
func (f *Files) Put(name string, content []byte) {
	if _, ok := f.data[name]; !ok {
		f.names = append(f.names, name)
	}
	f.data[name] = content
}

func (f *Files) Get(name string) ([]byte, bool) {
	content, ok := f.data[name]
	return content, ok
}

// Names returns the file names in insertion order.
func (f *Files) Names() []string {
	out := make([]string, len(f.names))
	copy(out, f.names)
	return out
}

func (f *Files) Len() int {
	if f == nil {
		return 0
	}
	return len(f.names)
}
