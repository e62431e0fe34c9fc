package codex

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zjrosen/banshee/internal/events"
	"github.com/zjrosen/banshee/internal/log"
)

// handleLine decodes one stdout line and emits the notifications it maps to.
// Malformed lines are logged and dropped.
func (b *Bridge) handleLine(line []byte) {
	ev, err := ParseEvent(line)
	if err != nil {
		log.Warn(log.CatBridge, "dropping unparseable proto line",
			"session", b.sessionID, "error", err, "line", truncate(string(line), 200))
		return
	}
	b.dispatch(ev)
}

func (b *Bridge) handleStderr(line []byte) {
	msg := string(line)
	log.Debug(log.CatBridge, "codex stderr", "session", b.sessionID, "line", msg)
	b.emitOn(events.TopicCodexError, events.Notification{Type: events.TypeStderr, Message: msg})
}

func (b *Bridge) emit(n events.Notification) {
	b.emitOn(events.TopicCodexStream, n)
}

func (b *Bridge) emitOn(topic string, n events.Notification) {
	n.Topic = topic
	n.SessionID = b.sessionID
	n.Stamp(b.now())
	b.emitter.Emit(n)
}

func (b *Bridge) dispatch(ev Event) {
	sid := ev.ID
	switch msg := ev.Msg.(type) {
	case SessionConfigured:
		b.setModel(msg.Model)
		b.emit(events.Notification{Type: events.TypeModelUpdate, Model: msg.Model})

	case AgentMessageDelta:
		b.emit(events.Notification{Type: events.TypeAssistantDelta, ID: sid, Chunk: msg.Delta})

	case AgentMessage:
		b.emit(events.Notification{Type: events.TypeAssistantComplete, ID: sid, Text: msg.Message})

	case AgentReasoningDelta:
		b.emitReasoning(sid, msg.Delta, false)
	case AgentReasoningRawContentDelta:
		b.emitReasoning(sid, msg.Delta, false)
	case AgentReasoning:
		b.emitReasoning(sid, msg.Text, true)
	case AgentReasoningRawContent:
		b.emitReasoning(sid, msg.Text, true)
	case AgentReasoningSectionBreak:
		b.emitReasoning(sid, "\n\n", false)

	case ExecCommandBegin:
		b.emit(events.Notification{
			Type: events.TypeToolStart,
			ID:   msg.CallID,
			Tool: "bash",
			Args: map[string]any{
				"command":      ShellJoin(msg.Command),
				"cwd":          msg.Cwd,
				"submissionId": sid,
			},
		})

	case ExecCommandOutputDelta:
		stream := "stdout"
		if msg.Stream == "stderr" {
			stream = "stderr"
		}
		b.emit(events.Notification{
			Type:   events.TypeToolOutput,
			ID:     msg.CallID,
			Chunk:  strings.ToValidUTF8(string(msg.Chunk), "�"),
			Stream: stream,
		})

	case ExecCommandEnd:
		b.emit(events.Notification{
			Type:     events.TypeToolOutput,
			ID:       msg.CallID,
			Chunk:    execOutput(msg),
			Done:     true,
			ExitCode: events.Ptr(msg.ExitCode),
		})

	case ExecApprovalRequest:
		b.emitExecPermission(sid, msg)

	case ApplyPatchApprovalRequest:
		b.emitPatchPermission(sid, msg)

	case PatchApplyEnd:
		typ := events.TypeEditRejected
		if msg.Success {
			typ = events.TypeEditApplied
		}
		for _, id := range b.edits.pop(msg.CallID) {
			b.emit(events.Notification{Type: typ, ID: id})
		}

	case TokenCount:
		if msg.Info != nil {
			b.emit(b.tokenNotification(*msg.Info))
		}

	case ErrorEvent:
		b.emit(events.Notification{Type: events.TypeAssistantComplete, ID: sid, Text: "⚠️ " + msg.Message})

	case TaskComplete:
		if msg.LastAgentMessage != nil {
			b.emit(events.Notification{Type: events.TypeAssistantComplete, ID: sid, Text: *msg.LastAgentMessage})
		}

	case Unknown:
		payload, err := json.Marshal(struct {
			ID    string          `json:"id"`
			Event json.RawMessage `json:"event"`
		}{sid, msg.Raw})
		if err != nil {
			log.ErrorErr(log.CatBridge, "encode passthrough event", err, "type", msg.Type)
			return
		}
		b.emit(events.Notification{Type: events.TypeRaw, Payload: payload})
	}
}

func (b *Bridge) emitReasoning(sid, chunk string, done bool) {
	seq, full := b.reasoning.append(sid, chunk, done)
	b.emit(events.Notification{
		Type:     events.TypeThinking,
		ID:       fmt.Sprintf("%s::%d", sid, seq),
		ParentID: sid,
		Sequence: seq,
		Text:     chunk,
		FullText: full,
		Done:     done,
	})
}

// execOutput picks the first non-empty output field of a finished command.
func execOutput(end ExecCommandEnd) string {
	for _, s := range []string{end.FormattedOutput, end.AggregatedOutput, end.Stdout, end.Stderr} {
		if s != "" {
			return s
		}
	}
	return fmt.Sprintf("Command exited with code %d", end.ExitCode)
}

func (b *Bridge) emitExecPermission(sid string, req ExecApprovalRequest) {
	id := fmt.Sprintf("exec:%s:%s", sid, req.CallID)
	b.permissions.put(id, permissionContext{submissionID: sid, kind: PermissionExec})

	b.emit(events.Notification{
		Type:  events.TypePermissionRequest,
		ID:    id,
		Tools: []string{"bash"},
		Scope: "session",
		Details: map[string]any{
			"command": ShellJoin(req.Command),
			"cwd":     b.relPath(req.Cwd),
			"reason":  req.Reason,
		},
	})
}

// emitPatchPermission emits one edit:proposed per changed file, then the
// permission request itself.
func (b *Bridge) emitPatchPermission(sid string, req ApplyPatchApprovalRequest) {
	id := fmt.Sprintf("patch:%s:%s", sid, req.CallID)
	b.permissions.put(id, permissionContext{submissionID: sid, kind: PermissionPatch})

	paths := make([]string, 0, len(req.Changes))
	for p := range req.Changes {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	editIDs := make([]string, 0, len(paths))
	files := make([]string, 0, len(paths))
	for _, p := range paths {
		change := req.Changes[p]
		before, after := change.BeforeAfter()
		editID := "edit-" + b.newID()
		editIDs = append(editIDs, editID)
		file := b.relPath(p)
		files = append(files, file)
		b.emit(events.Notification{
			Type:   events.TypeEditProposed,
			ID:     editID,
			File:   file,
			Kind:   string(change.Kind),
			Before: events.Ptr(before),
			After:  events.Ptr(after),
		})
	}
	b.edits.put(req.CallID, editIDs)

	var grantRoot *string
	if req.GrantRoot != nil {
		grantRoot = events.Ptr(b.relPath(*req.GrantRoot))
	}
	b.emit(events.Notification{
		Type:  events.TypePermissionRequest,
		ID:    id,
		Tools: []string{"write"},
		Scope: "session",
		Details: map[string]any{
			"files":     files,
			"reason":    req.Reason,
			"grantRoot": grantRoot,
		},
	})
}

func (b *Bridge) tokenNotification(info TokenUsageInfo) events.Notification {
	last := info.LastTokenUsage
	n := events.Notification{
		Type:      events.TypeTokens,
		TokensIn:  events.Ptr(last.InputTokens + last.CachedInputTokens),
		TokensOut: events.Ptr(last.OutputTokens + last.ReasoningOutputTokens),
		TokenUsage: &events.TokenUsage{
			Input:       last.InputTokens,
			CachedInput: last.CachedInputTokens,
			Output:      last.OutputTokens,
			Reasoning:   last.ReasoningOutputTokens,
			Total:       last.TotalTokens,
		},
	}
	if info.ModelContextWindow != nil {
		usage := ComputeContextUsage(last, *info.ModelContextWindow, b.cfg.BaselineTokens)
		n.ContextWindow = events.Ptr(*info.ModelContextWindow)
		n.ContextEffective = events.Ptr(usage.Effective)
		n.ContextUsedTokens = events.Ptr(usage.Used)
		n.ContextRemainingTokens = events.Ptr(usage.Remaining)
		n.ContextUsedPct = usage.UsedPct
		n.ContextRemainingPct = usage.RemainingPct
	}
	return n
}

// relPath shows p relative to the project directory when it lies inside it.
func (b *Bridge) relPath(p string) string {
	dir := b.ProjectDir()
	if dir == "" || !filepath.IsAbs(p) {
		return p
	}
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	return rel
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
