package codex

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event is one inbound line from the child.
type Event struct {
	// ID is the submission the event relates to.
	ID  string
	Msg EventMsg
}

// EventMsg is the closed set of event payloads. Kinds the bridge does not
// understand decode to Unknown.
type EventMsg interface {
	EventType() string
}

// SessionConfigured reports the model the agent settled on.
type SessionConfigured struct {
	SessionID string `json:"session_id"`
	Model     string `json:"model"`
}

// AgentMessageDelta is a streamed piece of assistant text.
type AgentMessageDelta struct {
	Delta string `json:"delta"`
}

// AgentMessage is the complete assistant text.
type AgentMessage struct {
	Message string `json:"message"`
}

// AgentReasoningDelta is a streamed piece of reasoning summary.
type AgentReasoningDelta struct {
	Delta string `json:"delta"`
}

// AgentReasoningRawContentDelta is a streamed piece of raw reasoning.
type AgentReasoningRawContentDelta struct {
	Delta string `json:"delta"`
}

// AgentReasoning is the final chunk of reasoning summary.
type AgentReasoning struct {
	Text string `json:"text"`
}

// AgentReasoningRawContent is the final chunk of raw reasoning.
type AgentReasoningRawContent struct {
	Text string `json:"text"`
}

// AgentReasoningSectionBreak separates reasoning sections.
type AgentReasoningSectionBreak struct{}

// ExecCommandBegin reports a command about to run.
type ExecCommandBegin struct {
	CallID  string   `json:"call_id"`
	Command []string `json:"command"`
	Cwd     string   `json:"cwd"`
}

// ExecCommandOutputDelta carries a chunk of command output.
type ExecCommandOutputDelta struct {
	CallID string `json:"call_id"`
	Stream string `json:"stream"`
	Chunk  Bytes  `json:"chunk"`
}

// ExecCommandEnd reports a finished command.
type ExecCommandEnd struct {
	CallID           string `json:"call_id"`
	Stdout           string `json:"stdout"`
	Stderr           string `json:"stderr"`
	AggregatedOutput string `json:"aggregated_output"`
	FormattedOutput  string `json:"formatted_output"`
	ExitCode         int    `json:"exit_code"`
}

// ExecApprovalRequest asks permission to run a command.
type ExecApprovalRequest struct {
	CallID  string   `json:"call_id"`
	Command []string `json:"command"`
	Cwd     string   `json:"cwd"`
	Reason  *string  `json:"reason"`
}

// ApplyPatchApprovalRequest asks permission to apply file changes.
type ApplyPatchApprovalRequest struct {
	CallID    string                `json:"call_id"`
	Changes   map[string]FileChange `json:"changes"`
	Reason    *string               `json:"reason"`
	GrantRoot *string               `json:"grant_root"`
}

// PatchApplyEnd reports whether a patch was applied.
type PatchApplyEnd struct {
	CallID  string `json:"call_id"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	Success bool   `json:"success"`
}

// TokenUsage is one set of token counters.
type TokenUsage struct {
	InputTokens           int64 `json:"input_tokens"`
	CachedInputTokens     int64 `json:"cached_input_tokens"`
	OutputTokens          int64 `json:"output_tokens"`
	ReasoningOutputTokens int64 `json:"reasoning_output_tokens"`
	TotalTokens           int64 `json:"total_tokens"`
}

// TokenUsageInfo is the usage payload of a token count event.
type TokenUsageInfo struct {
	TotalTokenUsage    TokenUsage `json:"total_token_usage"`
	LastTokenUsage     TokenUsage `json:"last_token_usage"`
	ModelContextWindow *int64     `json:"model_context_window"`
}

// TokenCount reports token usage. Info is absent before the first turn.
type TokenCount struct {
	Info *TokenUsageInfo `json:"info"`
}

// ErrorEvent reports an agent-side error.
type ErrorEvent struct {
	Message string `json:"message"`
}

// TaskComplete ends a task.
type TaskComplete struct {
	LastAgentMessage *string `json:"last_agent_message"`
}

// Unknown carries an event kind the bridge does not interpret.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (SessionConfigured) EventType() string             { return "session_configured" }
func (AgentMessageDelta) EventType() string             { return "agent_message_delta" }
func (AgentMessage) EventType() string                  { return "agent_message" }
func (AgentReasoningDelta) EventType() string           { return "agent_reasoning_delta" }
func (AgentReasoningRawContentDelta) EventType() string { return "agent_reasoning_raw_content_delta" }
func (AgentReasoning) EventType() string                { return "agent_reasoning" }
func (AgentReasoningRawContent) EventType() string      { return "agent_reasoning_raw_content" }
func (AgentReasoningSectionBreak) EventType() string    { return "agent_reasoning_section_break" }
func (ExecCommandBegin) EventType() string              { return "exec_command_begin" }
func (ExecCommandOutputDelta) EventType() string        { return "exec_command_output_delta" }
func (ExecCommandEnd) EventType() string                { return "exec_command_end" }
func (ExecApprovalRequest) EventType() string           { return "exec_approval_request" }
func (ApplyPatchApprovalRequest) EventType() string     { return "apply_patch_approval_request" }
func (PatchApplyEnd) EventType() string                 { return "patch_apply_end" }
func (TokenCount) EventType() string                    { return "token_count" }
func (ErrorEvent) EventType() string                    { return "error" }
func (TaskComplete) EventType() string                  { return "task_complete" }
func (u Unknown) EventType() string                     { return u.Type }

// decoders maps an event type to a constructor of its payload.
var decoders = map[string]func() EventMsg{
	"session_configured":                func() EventMsg { return &SessionConfigured{} },
	"agent_message_delta":               func() EventMsg { return &AgentMessageDelta{} },
	"agent_message":                     func() EventMsg { return &AgentMessage{} },
	"agent_reasoning_delta":             func() EventMsg { return &AgentReasoningDelta{} },
	"agent_reasoning_raw_content_delta": func() EventMsg { return &AgentReasoningRawContentDelta{} },
	"agent_reasoning":                   func() EventMsg { return &AgentReasoning{} },
	"agent_reasoning_raw_content":       func() EventMsg { return &AgentReasoningRawContent{} },
	"agent_reasoning_section_break":     func() EventMsg { return &AgentReasoningSectionBreak{} },
	"exec_command_begin":                func() EventMsg { return &ExecCommandBegin{} },
	"exec_command_output_delta":         func() EventMsg { return &ExecCommandOutputDelta{} },
	"exec_command_end":                  func() EventMsg { return &ExecCommandEnd{} },
	"exec_approval_request":             func() EventMsg { return &ExecApprovalRequest{} },
	"apply_patch_approval_request":      func() EventMsg { return &ApplyPatchApprovalRequest{} },
	"patch_apply_end":                   func() EventMsg { return &PatchApplyEnd{} },
	"token_count":                       func() EventMsg { return &TokenCount{} },
	"error":                             func() EventMsg { return &ErrorEvent{} },
	"task_complete":                     func() EventMsg { return &TaskComplete{} },
}

var errMissingType = errors.New("event msg has no type")

// ParseEvent decodes one inbound line. Unrecognized kinds decode to Unknown
// so new agent events never break the stream.
func ParseEvent(line []byte) (Event, error) {
	var envelope struct {
		ID  string          `json:"id"`
		Msg json.RawMessage `json:"msg"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return Event{}, fmt.Errorf("parse event: %w", err)
	}
	if len(envelope.Msg) == 0 {
		return Event{}, fmt.Errorf("parse event: missing msg")
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(envelope.Msg, &head); err != nil {
		return Event{}, fmt.Errorf("parse event msg: %w", err)
	}
	if head.Type == "" {
		return Event{}, errMissingType
	}

	newMsg, ok := decoders[head.Type]
	if !ok {
		return Event{ID: envelope.ID, Msg: Unknown{Type: head.Type, Raw: envelope.Msg}}, nil
	}
	msg := newMsg()
	if err := json.Unmarshal(envelope.Msg, msg); err != nil {
		return Event{}, fmt.Errorf("parse %s: %w", head.Type, err)
	}
	return Event{ID: envelope.ID, Msg: deref(msg)}, nil
}

// deref turns the pointer produced by a decoder into its value type so
// callers switch on values.
func deref(msg EventMsg) EventMsg {
	switch m := msg.(type) {
	case *SessionConfigured:
		return *m
	case *AgentMessageDelta:
		return *m
	case *AgentMessage:
		return *m
	case *AgentReasoningDelta:
		return *m
	case *AgentReasoningRawContentDelta:
		return *m
	case *AgentReasoning:
		return *m
	case *AgentReasoningRawContent:
		return *m
	case *AgentReasoningSectionBreak:
		return *m
	case *ExecCommandBegin:
		return *m
	case *ExecCommandOutputDelta:
		return *m
	case *ExecCommandEnd:
		return *m
	case *ExecApprovalRequest:
		return *m
	case *ApplyPatchApprovalRequest:
		return *m
	case *PatchApplyEnd:
		return *m
	case *TokenCount:
		return *m
	case *ErrorEvent:
		return *m
	case *TaskComplete:
		return *m
	default:
		return msg
	}
}

// Bytes is command output. The agent encodes it either as a base64 string
// or as an array of byte values.
type Bytes []byte

// UnmarshalJSON accepts a base64 string, a plain string, or a byte array.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
			*b = decoded
		} else {
			*b = []byte(s)
		}
		return nil
	}
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return fmt.Errorf("chunk: %w", err)
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// ChangeKind distinguishes file change forms in a patch.
type ChangeKind string

const (
	ChangeAdd    ChangeKind = "add"
	ChangeDelete ChangeKind = "delete"
	ChangeUpdate ChangeKind = "update"
)

// FileChange is one file in a patch approval request.
type FileChange struct {
	Kind        ChangeKind
	Content     string
	UnifiedDiff string
	MovePath    *string
}

type fileChangeBody struct {
	Type        string  `json:"type"`
	Content     string  `json:"content"`
	UnifiedDiff string  `json:"unified_diff"`
	MovePath    *string `json:"move_path"`
}

// UnmarshalJSON accepts both {"add":{...}} and {"type":"add",...} encodings.
func (c *FileChange) UnmarshalJSON(data []byte) error {
	var body fileChangeBody
	if err := json.Unmarshal(data, &body); err != nil {
		return err
	}
	kind := body.Type
	if kind == "" {
		var outer map[string]json.RawMessage
		if err := json.Unmarshal(data, &outer); err != nil {
			return err
		}
		if len(outer) != 1 {
			return fmt.Errorf("file change: expected a single variant, got %d keys", len(outer))
		}
		for k, v := range outer {
			kind = k
			body = fileChangeBody{}
			if err := json.Unmarshal(v, &body); err != nil {
				return fmt.Errorf("file change %s: %w", k, err)
			}
		}
	}
	switch ChangeKind(strings.ToLower(kind)) {
	case ChangeAdd, ChangeDelete, ChangeUpdate:
	default:
		return fmt.Errorf("file change: unknown kind %q", kind)
	}
	*c = FileChange{
		Kind:        ChangeKind(strings.ToLower(kind)),
		Content:     body.Content,
		UnifiedDiff: body.UnifiedDiff,
		MovePath:    body.MovePath,
	}
	return nil
}

// BeforeAfter returns the text pair shown for the change: new files have no
// before, deleted files have no after, and updates carry their diff as after.
func (c FileChange) BeforeAfter() (before, after string) {
	switch c.Kind {
	case ChangeAdd:
		return "", c.Content
	case ChangeDelete:
		return c.Content, ""
	default:
		return "", c.UnifiedDiff
	}
}
