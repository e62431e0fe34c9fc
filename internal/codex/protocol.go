package codex

import (
	"encoding/json"
	"fmt"
)

// Submission is one outbound line written to the child's stdin.
type Submission struct {
	ID string `json:"id"`
	Op Op     `json:"op"`
}

// Op is the closed set of operations a Submission can carry.
type Op interface {
	OpType() string
}

// InputItem is one element of a user turn.
type InputItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Path string `json:"path,omitempty"`
}

// TextItem returns a text input item.
func TextItem(text string) InputItem { return InputItem{Type: "text", Text: text} }

// LocalImageItem returns an image input item referencing a file on disk.
func LocalImageItem(path string) InputItem { return InputItem{Type: "local_image", Path: path} }

// ApprovalPolicy controls when the agent asks before running commands.
type ApprovalPolicy string

const (
	ApprovalOnRequest     ApprovalPolicy = "on-request"
	ApprovalOnFailure     ApprovalPolicy = "on-failure"
	ApprovalNever         ApprovalPolicy = "never"
	ApprovalUnlessTrusted ApprovalPolicy = "untrusted"
)

// Sandbox modes.
const (
	SandboxDangerFullAccess = "danger-full-access"
	SandboxReadOnly         = "read-only"
	SandboxWorkspaceWrite   = "workspace-write"
)

// SandboxPolicy restricts what commands run by the agent may touch.
// The workspace fields are only meaningful for SandboxWorkspaceWrite.
type SandboxPolicy struct {
	Mode                string
	WritableRoots       []string
	NetworkAccess       bool
	ExcludeTmpdirEnvVar bool
	ExcludeSlashTmp     bool
}

// MarshalJSON encodes the policy tagged by mode.
func (p SandboxPolicy) MarshalJSON() ([]byte, error) {
	if p.Mode != SandboxWorkspaceWrite {
		return json.Marshal(struct {
			Mode string `json:"mode"`
		}{p.Mode})
	}
	roots := p.WritableRoots
	if roots == nil {
		roots = []string{}
	}
	return json.Marshal(struct {
		Mode                string   `json:"mode"`
		WritableRoots       []string `json:"writable_roots"`
		NetworkAccess       bool     `json:"network_access"`
		ExcludeTmpdirEnvVar bool     `json:"exclude_tmpdir_env_var"`
		ExcludeSlashTmp     bool     `json:"exclude_slash_tmp"`
	}{p.Mode, roots, p.NetworkAccess, p.ExcludeTmpdirEnvVar, p.ExcludeSlashTmp})
}

// ReasoningEffort is the requested reasoning depth.
type ReasoningEffort string

const (
	EffortMinimal ReasoningEffort = "minimal"
	EffortLow     ReasoningEffort = "low"
	EffortMedium  ReasoningEffort = "medium"
	EffortHigh    ReasoningEffort = "high"
)

// ReasoningSummary controls whether reasoning summaries are streamed.
type ReasoningSummary string

const (
	SummaryAuto ReasoningSummary = "auto"
	SummaryNone ReasoningSummary = "none"
)

// ReviewDecision answers an approval request.
type ReviewDecision string

const (
	DecisionApproved           ReviewDecision = "approved"
	DecisionApprovedForSession ReviewDecision = "approved_for_session"
	DecisionDenied             ReviewDecision = "denied"
)

// UserTurn submits user input together with the per-turn settings.
type UserTurn struct {
	Items          []InputItem      `json:"items"`
	Cwd            string           `json:"cwd"`
	ApprovalPolicy ApprovalPolicy   `json:"approval_policy"`
	SandboxPolicy  SandboxPolicy    `json:"sandbox_policy"`
	Model          string           `json:"model"`
	Effort         *ReasoningEffort `json:"effort,omitempty"`
	Summary        ReasoningSummary `json:"summary"`
}

// ExecApproval answers an exec approval request.
type ExecApproval struct {
	ID       string         `json:"id"`
	Decision ReviewDecision `json:"decision"`
}

// PatchApproval answers a patch approval request.
type PatchApproval struct {
	ID       string         `json:"id"`
	Decision ReviewDecision `json:"decision"`
}

// Interrupt asks the agent to abort the current task.
type Interrupt struct{}

func (UserTurn) OpType() string      { return "user_turn" }
func (ExecApproval) OpType() string  { return "exec_approval" }
func (PatchApproval) OpType() string { return "patch_approval" }
func (Interrupt) OpType() string     { return "interrupt" }

func (o UserTurn) MarshalJSON() ([]byte, error) {
	type plain UserTurn
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{o.OpType(), plain(o)})
}

func (o ExecApproval) MarshalJSON() ([]byte, error) {
	type plain ExecApproval
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{o.OpType(), plain(o)})
}

func (o PatchApproval) MarshalJSON() ([]byte, error) {
	type plain PatchApproval
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{o.OpType(), plain(o)})
}

func (o Interrupt) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{o.OpType()})
}

// Encode renders a submission as a single JSON line without the newline.
func (s Submission) Encode() ([]byte, error) {
	if s.Op == nil {
		return nil, fmt.Errorf("submission %s has no op", s.ID)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize submission: %w", err)
	}
	return data, nil
}
