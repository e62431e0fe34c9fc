// Package git runs the handful of git commands the backend needs.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/zjrosen/banshee/internal/log"
)

var (
	// ErrNotGitRepo indicates the directory is not inside a git repository.
	ErrNotGitRepo = errors.New("not a git repository")
	// ErrPathAlreadyExists indicates a clone destination is not empty.
	ErrPathAlreadyExists = errors.New("destination already exists")
	// ErrRepoNotFound indicates the remote repository does not exist.
	ErrRepoNotFound = errors.New("repository not found")
)

// Info is the branch and commit of a working tree.
type Info struct {
	Branch string `json:"branch"`
	Commit string `json:"commit"`
}

// Executor is the git surface used by checkpoints and repo cloning.
type Executor interface {
	IsRepo(ctx context.Context, dir string) bool
	CurrentBranch(ctx context.Context, dir string) (string, error)
	HeadCommit(ctx context.Context, dir string) (string, error)
	Clone(ctx context.Context, url, dest string, depth int) error
}

var _ Executor = (*CLI)(nil)

// CLI implements Executor by running the git binary.
type CLI struct {
	binary string
}

// NewCLI creates a CLI executor. An empty binary means "git" on PATH.
func NewCLI(binary string) *CLI {
	if binary == "" {
		binary = "git"
	}
	return &CLI{binary: binary}
}

func (c *CLI) output(ctx context.Context, dir string, args ...string) (string, error) {
	//nolint:gosec // G204: args come from controlled sources
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", parseGitError(msg, err)
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// parseGitError maps git's stderr to the package's sentinel errors.
func parseGitError(stderr string, err error) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "not a git repository"):
		return fmt.Errorf("%w: %s", ErrNotGitRepo, stderr)
	case strings.Contains(lower, "already exists and is not an empty directory"):
		return fmt.Errorf("%w: %s", ErrPathAlreadyExists, stderr)
	case strings.Contains(lower, "repository") && strings.Contains(lower, "not found"),
		strings.Contains(lower, "does not appear to be a git repository"):
		return fmt.Errorf("%w: %s", ErrRepoNotFound, stderr)
	}
	return fmt.Errorf("git error: %s: %w", stderr, err)
}

// IsRepo reports whether dir is inside a work tree.
func (c *CLI) IsRepo(ctx context.Context, dir string) bool {
	out, err := c.output(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CurrentBranch returns the checked out branch, or "HEAD" when detached.
func (c *CLI) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return c.output(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// HeadCommit returns the full hash of HEAD.
func (c *CLI) HeadCommit(ctx context.Context, dir string) (string, error) {
	return c.output(ctx, dir, "rev-parse", "HEAD")
}

// Clone clones url into dest. A depth above zero makes a shallow clone.
func (c *CLI) Clone(ctx context.Context, url, dest string, depth int) error {
	args := []string{"clone"}
	if depth > 0 {
		args = append(args, "--depth", strconv.Itoa(depth))
	}
	args = append(args, url, dest)
	if _, err := c.output(ctx, "", args...); err != nil {
		log.ErrorErr(log.CatGit, "clone failed", err, "url", url, "dest", dest)
		return err
	}
	log.Info(log.CatGit, "cloned repository", "url", url, "dest", dest)
	return nil
}

// Lookup returns the branch and commit of dir. Either may be empty when
// git cannot answer; ErrNotGitRepo is returned outside a repository.
func Lookup(ctx context.Context, e Executor, dir string) (Info, error) {
	if !e.IsRepo(ctx, dir) {
		return Info{}, fmt.Errorf("%w: %s", ErrNotGitRepo, dir)
	}
	var info Info
	if branch, err := e.CurrentBranch(ctx, dir); err == nil {
		info.Branch = branch
	}
	if commit, err := e.HeadCommit(ctx, dir); err == nil {
		info.Commit = commit
	}
	return info, nil
}
