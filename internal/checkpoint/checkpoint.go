// Package checkpoint snapshots sets of edited files under the project root
// so they can be diffed and restored later.
//
// Layout, per checkpoint:
//
//	<root>/.banshee/checkpoints/<id>/metadata.json
//	<root>/.banshee/checkpoints/<id>/file_mapping.json
//	<root>/.banshee/checkpoints/<id>/files/file_<n>.json
//	<root>/.banshee/checkpoints/<id>/files/content_<n>.txt
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	// ErrCheckpointNotFound is returned for a checkpoint id with no directory.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrFileNotInCheckpoint is returned for a path the checkpoint did not capture.
	ErrFileNotInCheckpoint = errors.New("file not found in checkpoint")
	// ErrInvalidID is returned for checkpoint ids that are not a single path element.
	ErrInvalidID = errors.New("invalid checkpoint id")
)

// TypeAuto tags checkpoints taken automatically around agent edits.
const TypeAuto = "auto"

// FileSnapshot is one captured file.
type FileSnapshot struct {
	Path            string  `json:"path"`
	OriginalContent string  `json:"original_content"`
	CurrentContent  string  `json:"current_content"`
	Checksum        *string `json:"checksum"`
}

// FileData is a captured file as returned to callers.
type FileData struct {
	Path            string `json:"path"`
	OriginalContent string `json:"original_content"`
	CurrentContent  string `json:"current_content"`
}

// Metadata describes a checkpoint.
type Metadata struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	Name           *string   `json:"name"`
	CheckpointType string    `json:"checkpoint_type"`
	Trigger        *string   `json:"trigger"`
	FileCount      int       `json:"file_count"`
	GitBranch      *string   `json:"git_branch"`
	GitCommit      *string   `json:"git_commit"`
}

// Mode selects which side of a snapshot Restore writes back.
type Mode string

const (
	ModeOriginal Mode = "original"
	ModeCurrent  Mode = "current"
)

// ParseMode maps "current" to ModeCurrent and anything else to ModeOriginal.
func ParseMode(s string) Mode {
	if s == string(ModeCurrent) {
		return ModeCurrent
	}
	return ModeOriginal
}

func (s FileSnapshot) content(m Mode) string {
	if m == ModeCurrent {
		return s.CurrentContent
	}
	return s.OriginalContent
}

// Checksum returns the hex SHA-256 of content.
func Checksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
