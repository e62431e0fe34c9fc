package presentation

import (
	"fmt"
	"time"

	"github.com/zjrosen/banshee/internal/checkpoint"
	"github.com/zjrosen/banshee/internal/session"
)

// SessionDTO represents an indexed agent session for presentation
type SessionDTO struct {
	ID      string `json:"id"`
	Agent   string `json:"agent"`
	Dir     string `json:"dir"`
	Running bool   `json:"running"`
}

// CheckpointDTO represents checkpoint metadata for presentation
type CheckpointDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Type      string `json:"type"`
	Trigger   string `json:"trigger,omitempty"`
	Files     int    `json:"files"`
	Branch    string `json:"branch,omitempty"`
	Commit    string `json:"commit,omitempty"`
	CreatedAt string `json:"created_at"`
	Age       string `json:"age"`
}

// FromSessionInfo converts session info to a DTO.
func FromSessionInfo(info session.Info) SessionDTO {
	return SessionDTO{
		ID:      info.ID,
		Agent:   string(info.Agent),
		Dir:     info.Dir,
		Running: info.Running,
	}
}

// FromSessionInfos converts a list of session info to DTOs.
func FromSessionInfos(infos []session.Info) []SessionDTO {
	dtos := make([]SessionDTO, len(infos))
	for i, info := range infos {
		dtos[i] = FromSessionInfo(info)
	}
	return dtos
}

// FromCheckpointMetadata converts checkpoint metadata to a DTO. Age is
// measured against now.
func FromCheckpointMetadata(m checkpoint.Metadata, now time.Time) CheckpointDTO {
	return CheckpointDTO{
		ID:        m.ID,
		Name:      deref(m.Name),
		Type:      m.CheckpointType,
		Trigger:   deref(m.Trigger),
		Files:     m.FileCount,
		Branch:    deref(m.GitBranch),
		Commit:    shortCommit(deref(m.GitCommit)),
		CreatedAt: m.Timestamp.UTC().Format(time.RFC3339),
		Age:       age(now.Sub(m.Timestamp)),
	}
}

// FromCheckpointList converts checkpoint metadata to DTOs, keeping order.
func FromCheckpointList(list []checkpoint.Metadata, now time.Time) []CheckpointDTO {
	dtos := make([]CheckpointDTO, len(list))
	for i, m := range list {
		dtos[i] = FromCheckpointMetadata(m, now)
	}
	return dtos
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func shortCommit(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func age(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d/time.Hour))
	default:
		return fmt.Sprintf("%dd ago", int(d/(24*time.Hour)))
	}
}
