package process

// Status represents the lifecycle state of a spawned child.
type Status int

const (
	// StatusPending indicates the process has not yet started.
	StatusPending Status = iota
	// StatusRunning indicates the process is alive.
	StatusRunning
	// StatusExited indicates the process exited with status zero.
	StatusExited
	// StatusFailed indicates the process exited non-zero or could not be waited on.
	StatusFailed
	// StatusKilled indicates the process was stopped by us.
	StatusKilled
)

// String returns a human-readable string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusExited:
		return "exited"
	case StatusFailed:
		return "failed"
	case StatusKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true once the process can no longer run.
func (s Status) IsTerminal() bool {
	return s == StatusExited || s == StatusFailed || s == StatusKilled
}
