// Package session maps session ids to a project directory, an agent bridge
// and an optional terminal.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnknownSession is returned for an id that was never started.
	ErrUnknownSession = errors.New("unknown session")
	// ErrNoBridge is returned when the session has no running agent.
	ErrNoBridge = errors.New("session has no running agent")
	// ErrUnsupported is returned when the session's agent lacks the operation.
	ErrUnsupported = errors.New("operation not supported by agent")
)

// Agent names the CLI a session talks to.
type Agent string

const (
	AgentCodex  Agent = "codex"
	AgentClaude Agent = "claude"
)

// Valid reports whether a is a known agent.
func (a Agent) Valid() bool {
	return a == AgentCodex || a == AgentClaude
}

// Bridge is the agent side of a session.
type Bridge interface {
	Start(dir string) error
	Send(input string) error
	Stop() error
	IsRunning() bool
}

// Interrupter is implemented by bridges that can abort a turn.
type Interrupter interface {
	Interrupt() error
}

// Approver is implemented by bridges that surface permission requests.
type Approver interface {
	ResolvePermission(requestID string, allow bool, scope string) error
	PendingPermissions() []string
}

// BridgeFactory creates an unstarted bridge for a session.
type BridgeFactory func(sessionID string, agent Agent) (Bridge, error)

// TerminalCloser releases a terminal attached to a session.
type TerminalCloser interface {
	Close(id string) error
}

// Record is the persisted form of a session.
type Record struct {
	ID        string
	Dir       string
	Agent     Agent
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists session records so sessions survive a backend restart.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	All(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, id string) error
}

// Info is a point-in-time view of a session.
type Info struct {
	ID         string `json:"id"`
	Dir        string `json:"dir"`
	Agent      Agent  `json:"agent"`
	TerminalID string `json:"terminalId,omitempty"`
	Running    bool   `json:"running"`
}
