// Package events defines the notifications the backend emits to its
// consumers and the emitters that deliver them.
package events

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of a Notification.
type Type string

const (
	TypeModelUpdate       Type = "model:update"
	TypeAssistantDelta    Type = "assistant:delta"
	TypeAssistantComplete Type = "assistant:complete"
	TypeThinking          Type = "thinking"
	TypeToolStart         Type = "tool:start"
	TypeToolOutput        Type = "tool:output"
	TypePermissionRequest Type = "permission:request"
	TypeEditProposed      Type = "edit:proposed"
	TypeEditApplied       Type = "edit:applied"
	TypeEditRejected      Type = "edit:rejected"
	TypeTokens            Type = "telemetry:tokens"
	TypeRaw               Type = "raw"
	TypeStderr            Type = "stderr"
	TypeLine              Type = "line"
	TypeTerminalOutput    Type = "terminal:output"
	TypeTerminalExit      Type = "terminal:exit"
	TypeSettingsChanged   Type = "settings:changed"
	TypeLog               Type = "log"
)

// Topics notifications are published on.
const (
	TopicCodexStream  = "codex:stream"
	TopicCodexError   = "codex:error"
	TopicClaudeStream = "claude:stream"
	TopicClaudeError  = "claude:error"
	TopicSettings     = "settings:changed"
	TopicLog          = "log"
)

// ModelStream is the topic for stdout lines of a model handler.
func ModelStream(model string) string { return model + ":stream" }

// ModelError is the topic for stderr lines of a model handler.
func ModelError(model string) string { return model + ":error" }

// TerminalOutput is the topic for output of terminal id.
func TerminalOutput(id string) string { return "terminal:output:" + id }

// TerminalExit is the topic signalled once when terminal id ends.
func TerminalExit(id string) string { return "terminal:exit:" + id }

// TokenUsage holds the raw counters reported by the agent.
type TokenUsage struct {
	Input       int64 `json:"input"`
	CachedInput int64 `json:"cachedInput"`
	Output      int64 `json:"output"`
	Reasoning   int64 `json:"reasoning"`
	Total       int64 `json:"total"`
}

// Notification is a single event delivered to consumers. Only the fields
// relevant to Type are populated.
type Notification struct {
	Type      Type   `json:"type"`
	Topic     string `json:"-"`
	SessionID string `json:"sessionId,omitempty"`

	ID       string `json:"id,omitempty"`
	ParentID string `json:"parentId,omitempty"`
	Sequence int    `json:"sequence,omitempty"`
	Text     string `json:"text,omitempty"`
	FullText string `json:"fullText,omitempty"`
	Chunk    string `json:"chunk,omitempty"`
	Done     bool   `json:"done,omitempty"`
	Model    string `json:"model,omitempty"`

	// tool lifecycle
	Tool     string         `json:"tool,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	Stream   string         `json:"stream,omitempty"`
	ExitCode *int           `json:"exitCode,omitempty"`

	// permission requests
	Tools   []string       `json:"tools,omitempty"`
	Scope   string         `json:"scope,omitempty"`
	Details map[string]any `json:"details,omitempty"`

	// edits
	File   string  `json:"file,omitempty"`
	Kind   string  `json:"kind,omitempty"`
	Before *string `json:"before,omitempty"`
	After  *string `json:"after,omitempty"`

	// token telemetry
	TokensIn               *int64      `json:"tokensIn,omitempty"`
	TokensOut              *int64      `json:"tokensOut,omitempty"`
	TokenUsage             *TokenUsage `json:"tokenUsage,omitempty"`
	ContextWindow          *int64      `json:"contextWindow,omitempty"`
	ContextEffective       *int64      `json:"contextEffective,omitempty"`
	ContextUsedTokens      *int64      `json:"contextUsedTokens,omitempty"`
	ContextRemainingTokens *int64      `json:"contextRemainingTokens,omitempty"`
	ContextUsedPct         *float64    `json:"contextUsedPct,omitempty"`
	ContextRemainingPct    *float64    `json:"contextRemainingPct,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
	Message string          `json:"message,omitempty"`
	Line    string          `json:"line,omitempty"`

	TerminalID string `json:"terminalId,omitempty"`
	Data       string `json:"data,omitempty"`

	TS int64 `json:"ts"`
}

// Stamp sets TS to now in unix milliseconds if it is unset.
func (n *Notification) Stamp(now time.Time) {
	if n.TS == 0 {
		n.TS = now.UnixMilli()
	}
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }
