package presentation

import (
	"encoding/json"
	"io"
)

// Formatter handles output formatting
type Formatter struct {
	writer io.Writer
}

// NewFormatter creates a new formatter
func NewFormatter(writer io.Writer) *Formatter {
	return &Formatter{
		writer: writer,
	}
}

// FormatSessions formats a list of sessions as JSON
func (f *Formatter) FormatSessions(sessions []SessionDTO) error {
	if sessions == nil {
		sessions = []SessionDTO{}
	}
	return f.Format(sessions)
}

// FormatCheckpoints formats a list of checkpoints as JSON
func (f *Formatter) FormatCheckpoints(checkpoints []CheckpointDTO) error {
	if checkpoints == nil {
		checkpoints = []CheckpointDTO{}
	}
	return f.Format(checkpoints)
}

// Format writes any value as indented JSON
func (f *Formatter) Format(v any) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
