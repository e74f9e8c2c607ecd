package state

import "time"

// Status is the lifecycle state of a session record.
type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusStopped  Status = "stopped"
	StatusStale    Status = "stale"
)

// Terminal reports whether the status can no longer change on its own.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusStopped, StatusStale:
		return true
	}
	return false
}

// Record is one named task-execution session. Name is the unique key and
// never changes after creation.
type Record struct {
	Name             string    `json:"name"`
	Directory        string    `json:"directory,omitempty"`
	TaskDocument     string    `json:"taskDocument,omitempty"`
	AgentPID         int       `json:"agentPid,omitempty"`
	TmuxSession      string    `json:"tmuxSession,omitempty"`
	StartedAt        time.Time `json:"startedAt,omitempty"`
	Iteration        int       `json:"iteration"`
	MaxIterations    int       `json:"maxIterations,omitempty"`
	Status           Status    `json:"status,omitempty"`
	RemainingTasks   int       `json:"remainingTasks"`
	CompletionMarker string    `json:"completionMarker,omitempty"`
	LogFile          string    `json:"logFile,omitempty"`
	RawLogFile       string    `json:"rawLogFile,omitempty"`
	LastError        string    `json:"lastError,omitempty"`
	LastLogLine      string    `json:"lastLogLine,omitempty"`
	LastTaskID       string    `json:"lastTaskID,omitempty"`
}
