package codex

import (
	"encoding/json"

	"github.com/zjrosen/banshee/internal/log"
)

// CodexOptions are UI display preferences sent alongside a message.
type CodexOptions struct {
	ShowReasoning *bool `json:"showReasoning"`
}

// SendPayload is the structured form of a send request. A request that is
// not a JSON object with currentMessage is treated as bare message text.
type SendPayload struct {
	CurrentMessage *string       `json:"currentMessage"`
	CodexOptions   *CodexOptions `json:"codex_options"`
	Images         []string      `json:"images"`
	Model          *string       `json:"model"`
	Effort         *string       `json:"effort"`
	ApprovalPolicy *string       `json:"approvalPolicy"`
	SandboxMode    *string       `json:"sandboxMode"`
}

// ParseSendPayload decodes input, falling back to using it verbatim.
func ParseSendPayload(input string) SendPayload {
	var p SendPayload
	if err := json.Unmarshal([]byte(input), &p); err != nil || p.CurrentMessage == nil {
		text := input
		return SendPayload{CurrentMessage: &text}
	}
	return p
}

// Message returns the message text.
func (p SendPayload) Message() string {
	if p.CurrentMessage == nil {
		return ""
	}
	return *p.CurrentMessage
}

// Items builds the turn input: the text first, then one item per image.
func (p SendPayload) Items() []InputItem {
	items := make([]InputItem, 0, 1+len(p.Images))
	items = append(items, TextItem(p.Message()))
	for _, img := range p.Images {
		items = append(items, LocalImageItem(img))
	}
	return items
}

// Summary maps showReasoning to a summary preference, defaulting to auto.
func (p SendPayload) Summary() ReasoningSummary {
	if p.CodexOptions != nil && p.CodexOptions.ShowReasoning != nil && !*p.CodexOptions.ShowReasoning {
		return SummaryNone
	}
	return SummaryAuto
}

// ParseApprovalPolicy maps a UI policy string. Absent or unrecognized values
// fall back to on-request.
func ParseApprovalPolicy(value *string) ApprovalPolicy {
	if value == nil {
		return ApprovalOnRequest
	}
	switch *value {
	case "on-request":
		return ApprovalOnRequest
	case "on-failure":
		return ApprovalOnFailure
	case "never":
		return ApprovalNever
	case "unless-trusted":
		return ApprovalUnlessTrusted
	default:
		log.Warn(log.CatBridge, "unrecognized approval policy, using on-request", "value", *value)
		return ApprovalOnRequest
	}
}

// ParseSandboxPolicy maps a UI sandbox string. Anything other than the two
// explicit modes yields a workspace-write sandbox rooted at projectDir.
func ParseSandboxPolicy(value *string, projectDir string) SandboxPolicy {
	if value != nil {
		switch *value {
		case SandboxDangerFullAccess:
			return SandboxPolicy{Mode: SandboxDangerFullAccess}
		case SandboxReadOnly:
			return SandboxPolicy{Mode: SandboxReadOnly}
		case SandboxWorkspaceWrite, "":
		default:
			log.Warn(log.CatBridge, "unrecognized sandbox mode, using workspace-write", "value", *value)
		}
	}
	return SandboxPolicy{
		Mode:          SandboxWorkspaceWrite,
		WritableRoots: []string{projectDir},
		NetworkAccess: true,
	}
}

// ParseEffort maps an effort level; unknown levels leave effort unset.
func ParseEffort(value *string) *ReasoningEffort {
	if value == nil {
		return nil
	}
	var e ReasoningEffort
	switch *value {
	case "minimal":
		e = EffortMinimal
	case "low":
		e = EffortLow
	case "medium":
		e = EffortMedium
	case "high":
		e = EffortHigh
	default:
		log.Warn(log.CatBridge, "unrecognized reasoning effort, leaving unset", "value", *value)
		return nil
	}
	return &e
}
