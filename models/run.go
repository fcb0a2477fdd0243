package models

// Execution modes of one network instance.
const (
	ModeRemote = "remote"
	ModeLocal  = "local"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// Event kinds recorded against a run.
const (
	EventKindBuild       = "build"
	EventKindFallback    = "fallback"
	EventKindRemoteFault = "remote_fault"
	EventKindClosed      = "closed"
)

// Event severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Run is one built network instance, local or offloaded.
type Run struct {
	RunID     string `json:"run_id"`
	Device    string `json:"device"`
	Mode      string `json:"mode"`
	StartedAt int64  `json:"started_at"`
	EndedAt   int64  `json:"ended_at"`
	Status    string `json:"status"`
	Error     string `json:"error"`
}

// RunEvent is a diagnostic recorded during a run.
type RunEvent struct {
	ID        int64  `json:"id"`
	RunID     string `json:"run_id"`
	Device    string `json:"device"`
	Kind      string `json:"kind"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}
