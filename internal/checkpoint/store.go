package checkpoint

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/banshee/internal/cachemanager"
	"github.com/zjrosen/banshee/internal/fsutil"
	"github.com/zjrosen/banshee/internal/git"
	"github.com/zjrosen/banshee/internal/log"
	"github.com/zjrosen/banshee/internal/tracing"
)

// ErrPathEscapes is returned for a relative file path that leaves the
// project root.
var ErrPathEscapes = errors.New("path escapes project root")

const (
	// DefaultDir is where checkpoints live, relative to the project root.
	DefaultDir = ".banshee/checkpoints"
	// DefaultGitTTL is how long git branch and commit lookups are reused.
	DefaultGitTTL = 5 * time.Second

	metadataFile = "metadata.json"
	mappingFile  = "file_mapping.json"
	filesDir     = "files"
	lockFile     = ".lock"
	lockRetry    = 25 * time.Millisecond
)

// ProjectDirs resolves a session to its project root.
type ProjectDirs interface {
	ProjectDir(sessionID string) (string, bool)
}

// Store reads and writes checkpoints below each session's project root.
type Store struct {
	dirs   ProjectDirs
	subdir string
	getwd  func() (string, error)
	git    *cachemanager.Loader[string, git.Info, string]
	tracer trace.Tracer
	now    func() time.Time
}

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	dirs   ProjectDirs
	subdir string
	exec   git.Executor
	gitTTL time.Duration
	tracer trace.Tracer
}

// WithProjectDirs sets how sessions map to project roots. Sessions it does
// not know use the working directory.
func WithProjectDirs(d ProjectDirs) Option {
	return func(o *storeOptions) { o.dirs = d }
}

// WithDir overrides DefaultDir. An empty rel keeps the default.
func WithDir(rel string) Option {
	return func(o *storeOptions) {
		if rel != "" {
			o.subdir = rel
		}
	}
}

// WithGit sets the git executor and how long its answers are cached.
func WithGit(e git.Executor, ttl time.Duration) Option {
	return func(o *storeOptions) {
		o.exec = e
		if ttl > 0 {
			o.gitTTL = ttl
		}
	}
}

// WithTracer sets the tracer for save and restore spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *storeOptions) { o.tracer = t }
}

// NewStore creates a Store.
func NewStore(opts ...Option) *Store {
	o := storeOptions{
		subdir: DefaultDir,
		exec:   git.NewCLI(""),
		gitTTL: DefaultGitTTL,
		tracer: tracing.Noop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	exec := o.exec
	cache := cachemanager.NewMemory[string, git.Info]("git-info", o.gitTTL, cachemanager.DefaultCleanupInterval)
	return &Store{
		dirs:   o.dirs,
		subdir: o.subdir,
		getwd:  os.Getwd,
		git: cachemanager.NewLoader(cache, o.gitTTL, func(ctx context.Context, dir string) (git.Info, error) {
			return git.Lookup(ctx, exec, dir)
		}),
		tracer: o.tracer,
		now:    time.Now,
	}
}

// ProjectRoot returns the directory checkpoints of sessionID are relative to.
func (s *Store) ProjectRoot(sessionID string) (string, error) {
	if s.dirs != nil {
		if dir, ok := s.dirs.ProjectDir(sessionID); ok && strings.TrimSpace(dir) != "" {
			return strings.TrimSpace(dir), nil
		}
	}
	wd, err := s.getwd()
	if err != nil {
		return "", fmt.Errorf("resolve current directory: %w", err)
	}
	return wd, nil
}

func (s *Store) baseDir(sessionID string) (root, base string, err error) {
	root, err = s.ProjectRoot(sessionID)
	if err != nil {
		return "", "", err
	}
	return root, filepath.Join(root, s.subdir), nil
}

func (s *Store) checkpointDir(sessionID, id string) (root, dir string, err error) {
	if err := validateID(id); err != nil {
		return "", "", err
	}
	root, base, err := s.baseDir(sessionID)
	if err != nil {
		return "", "", err
	}
	return root, filepath.Join(base, id), nil
}

func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// resolveTarget maps a captured path onto root. Absolute paths inside root
// keep their relative location; other absolute paths land in root under
// their base name. Relative paths must stay inside root.
func resolveTarget(root, p string) (string, error) {
	if filepath.IsAbs(p) {
		if rel, err := filepath.Rel(root, p); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return filepath.Join(root, rel), nil
		}
		name := filepath.Base(p)
		if name == string(filepath.Separator) || name == "." {
			return "", fmt.Errorf("%w: %s", ErrPathEscapes, p)
		}
		return filepath.Join(root, name), nil
	}
	target := filepath.Join(root, p)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, p)
	}
	return target, nil
}

// lock takes the cross-process lock for the session's checkpoint directory.
func (s *Store) lock(ctx context.Context, base string) (func(), error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoints directory: %w", err)
	}
	fl := flock.New(filepath.Join(base, lockFile))
	ok, err := fl.TryLockContext(ctx, lockRetry)
	if err != nil {
		return nil, fmt.Errorf("lock checkpoints: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("lock checkpoints: %w", ctx.Err())
	}
	return func() { _ = fl.Unlock() }, nil
}

// Save writes a checkpoint of files, replacing any checkpoint with the same id.
func (s *Store) Save(ctx context.Context, sessionID, id string, files []FileSnapshot, trigger string) (_ Metadata, err error) {
	ctx, span := s.tracer.Start(ctx, tracing.SpanCheckpointSave, trace.WithAttributes(
		attribute.String(tracing.AttrSessionID, sessionID),
		attribute.String(tracing.AttrCheckpointID, id),
		attribute.Int(tracing.AttrFileCount, len(files)),
	))
	defer func() { tracing.End(span, err) }()

	root, dir, err := s.checkpointDir(sessionID, id)
	if err != nil {
		return Metadata{}, err
	}
	for _, f := range files {
		if _, err := resolveTarget(root, f.Path); err != nil {
			return Metadata{}, err
		}
	}

	unlock, err := s.lock(ctx, filepath.Dir(dir))
	if err != nil {
		return Metadata{}, err
	}
	defer unlock()

	if err := os.RemoveAll(dir); err != nil {
		return Metadata{}, fmt.Errorf("replace checkpoint %s: %w", id, err)
	}

	mapping := make(map[string]int, len(files))
	for i, f := range files {
		if f.Checksum == nil {
			sum := Checksum(f.CurrentContent)
			f.Checksum = &sum
		}
		if err := fsutil.WriteJSON(snapshotPath(dir, i), f); err != nil {
			return Metadata{}, fmt.Errorf("write file snapshot: %w", err)
		}
		if err := fsutil.WriteFile(contentPath(dir, i), []byte(f.CurrentContent), 0o644); err != nil {
			return Metadata{}, fmt.Errorf("write file content: %w", err)
		}
		mapping[f.Path] = i
	}
	if err := fsutil.WriteJSON(filepath.Join(dir, mappingFile), mapping); err != nil {
		return Metadata{}, fmt.Errorf("write file mapping: %w", err)
	}

	meta := Metadata{
		ID:             id,
		Timestamp:      s.now().UTC(),
		CheckpointType: TypeAuto,
		FileCount:      len(files),
	}
	if trigger != "" {
		meta.Trigger = &trigger
	}
	if info, err := s.git.Get(ctx, root, root); err == nil {
		if info.Branch != "" {
			meta.GitBranch = &info.Branch
		}
		if info.Commit != "" {
			meta.GitCommit = &info.Commit
		}
	}
	// Metadata goes last so List never sees a half-written checkpoint.
	if err := fsutil.WriteJSON(filepath.Join(dir, metadataFile), meta); err != nil {
		return Metadata{}, fmt.Errorf("write metadata: %w", err)
	}

	log.Info(log.CatCheckpoint, "checkpoint saved", "session", sessionID, "id", id, "files", len(files))
	return meta, nil
}

// Restore writes every captured file back to the project root.
func (s *Store) Restore(ctx context.Context, sessionID, id string, mode Mode) error {
	return s.restore(ctx, sessionID, id, nil, mode)
}

// RestoreFiles writes back only paths. Every path must be in the checkpoint;
// nothing is written otherwise.
func (s *Store) RestoreFiles(ctx context.Context, sessionID, id string, paths []string, mode Mode) error {
	if paths == nil {
		paths = []string{}
	}
	return s.restore(ctx, sessionID, id, paths, mode)
}

func (s *Store) restore(ctx context.Context, sessionID, id string, only []string, mode Mode) (err error) {
	ctx, span := s.tracer.Start(ctx, tracing.SpanCheckpointLoad, trace.WithAttributes(
		attribute.String(tracing.AttrSessionID, sessionID),
		attribute.String(tracing.AttrCheckpointID, id),
		attribute.String("checkpoint.mode", string(mode)),
	))
	defer func() { tracing.End(span, err) }()

	root, dir, err := s.checkpointDir(sessionID, id)
	if err != nil {
		return err
	}
	if err := requireDir(dir, id); err != nil {
		return err
	}
	mapping, err := readMapping(dir)
	if err != nil {
		return err
	}

	paths := only
	if paths == nil {
		paths = sortedKeys(mapping)
	}
	for _, p := range paths {
		if _, ok := mapping[p]; !ok {
			return fmt.Errorf("%w: %s", ErrFileNotInCheckpoint, p)
		}
	}

	unlock, err := s.lock(ctx, filepath.Dir(dir))
	if err != nil {
		return err
	}
	defer unlock()

	for _, p := range paths {
		snap, err := readSnapshot(dir, mapping[p])
		if err != nil {
			return err
		}
		target, err := resolveTarget(root, p)
		if err != nil {
			return err
		}
		perm := fs.FileMode(0o644)
		if info, err := os.Stat(target); err == nil {
			perm = info.Mode().Perm()
		}
		if err := fsutil.WriteFile(target, []byte(snap.content(mode)), perm); err != nil {
			return fmt.Errorf("restore file %s: %w", p, err)
		}
	}
	span.SetAttributes(attribute.Int(tracing.AttrFileCount, len(paths)))
	log.Info(log.CatCheckpoint, "checkpoint restored", "session", sessionID, "id", id, "mode", mode, "files", len(paths))
	return nil
}

// GetFile returns one captured file.
func (s *Store) GetFile(sessionID, id, path string) (FileData, error) {
	_, dir, err := s.checkpointDir(sessionID, id)
	if err != nil {
		return FileData{}, err
	}
	if err := requireDir(dir, id); err != nil {
		return FileData{}, err
	}
	mapping, err := readMapping(dir)
	if err != nil {
		return FileData{}, err
	}
	idx, ok := mapping[path]
	if !ok {
		return FileData{}, fmt.Errorf("%w: %s", ErrFileNotInCheckpoint, path)
	}
	snap, err := readSnapshot(dir, idx)
	if err != nil {
		return FileData{}, err
	}
	return FileData{Path: snap.Path, OriginalContent: snap.OriginalContent, CurrentContent: snap.CurrentContent}, nil
}

// Diff returns a unified diff from a captured file's original content to
// its current content.
func (s *Store) Diff(sessionID, id, path string) (string, error) {
	f, err := s.GetFile(sessionID, id, path)
	if err != nil {
		return "", err
	}
	return UnifiedDiff(f.Path, f.OriginalContent, f.CurrentContent, DiffContext), nil
}

// Delete removes a checkpoint. Deleting a missing checkpoint is not an error.
func (s *Store) Delete(ctx context.Context, sessionID, id string) error {
	_, dir, err := s.checkpointDir(sessionID, id)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	unlock, err := s.lock(ctx, filepath.Dir(dir))
	if err != nil {
		return err
	}
	defer unlock()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	log.Info(log.CatCheckpoint, "checkpoint deleted", "session", sessionID, "id", id)
	return nil
}

// List returns every readable checkpoint, newest first.
func (s *Store) List(sessionID string) ([]Metadata, error) {
	_, base, err := s.baseDir(sessionID)
	if err != nil {
		return []Metadata{}, nil
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Metadata{}, nil
		}
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	out := make([]Metadata, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var meta Metadata
		if err := fsutil.ReadJSON(filepath.Join(base, e.Name(), metadataFile), &meta); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.Warn(log.CatCheckpoint, "skipping unreadable checkpoint", "dir", e.Name(), "error", err)
			}
			continue
		}
		out = append(out, meta)
	}
	slices.SortFunc(out, func(a, b Metadata) int {
		if c := b.Timestamp.Compare(a.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	return out, nil
}

// ListFiles returns the captured paths of a checkpoint, sorted.
func (s *Store) ListFiles(sessionID, id string) ([]string, error) {
	_, dir, err := s.checkpointDir(sessionID, id)
	if err != nil {
		return nil, err
	}
	if err := requireDir(dir, id); err != nil {
		return nil, err
	}
	mapping, err := readMapping(dir)
	if err != nil {
		return nil, err
	}
	return sortedKeys(mapping), nil
}

// Metadata returns a checkpoint's metadata.
func (s *Store) Metadata(sessionID, id string) (Metadata, error) {
	_, dir, err := s.checkpointDir(sessionID, id)
	if err != nil {
		return Metadata{}, err
	}
	var meta Metadata
	if err := fsutil.ReadJSON(filepath.Join(dir, metadataFile), &meta); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Metadata{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
		}
		return Metadata{}, fmt.Errorf("read metadata: %w", err)
	}
	return meta, nil
}

// GitInfo returns the branch and commit of the session's project root,
// omitting whichever git cannot report.
func (s *Store) GitInfo(ctx context.Context, sessionID string) map[string]string {
	out := map[string]string{}
	root, err := s.ProjectRoot(sessionID)
	if err != nil {
		log.Warn(log.CatCheckpoint, "git info without project root", "session", sessionID, "error", err)
		return out
	}
	info, err := s.git.Get(ctx, root, root)
	if err != nil {
		return out
	}
	if info.Branch != "" {
		out["branch"] = info.Branch
	}
	if info.Commit != "" {
		out["commit"] = info.Commit
	}
	return out
}

// Clean deletes all but the keep newest checkpoints and reports how many
// were removed.
func (s *Store) Clean(ctx context.Context, sessionID string, keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep count must not be negative: %d", keep)
	}
	all, err := s.List(sessionID)
	if err != nil {
		return 0, err
	}
	if len(all) <= keep {
		return 0, nil
	}
	_, base, err := s.baseDir(sessionID)
	if err != nil {
		return 0, err
	}
	unlock, err := s.lock(ctx, base)
	if err != nil {
		return 0, err
	}
	defer unlock()

	removed := 0
	for _, meta := range all[keep:] {
		if err := validateID(meta.ID); err != nil {
			continue
		}
		if err := os.RemoveAll(filepath.Join(base, meta.ID)); err != nil {
			return removed, fmt.Errorf("delete old checkpoint %s: %w", meta.ID, err)
		}
		removed++
	}
	log.Info(log.CatCheckpoint, "old checkpoints cleaned", "session", sessionID, "kept", keep, "removed", removed)
	return removed, nil
}

func requireDir(dir, id string) error {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
	}
	return nil
}

func readMapping(dir string) (map[string]int, error) {
	mapping := map[string]int{}
	if err := fsutil.ReadJSON(filepath.Join(dir, mappingFile), &mapping); err != nil {
		return nil, fmt.Errorf("read file mapping: %w", err)
	}
	return mapping, nil
}

func readSnapshot(dir string, idx int) (FileSnapshot, error) {
	var snap FileSnapshot
	if err := fsutil.ReadJSON(snapshotPath(dir, idx), &snap); err != nil {
		return FileSnapshot{}, fmt.Errorf("read file snapshot: %w", err)
	}
	return snap, nil
}

func snapshotPath(dir string, idx int) string {
	return filepath.Join(dir, filesDir, "file_"+strconv.Itoa(idx)+".json")
}

func contentPath(dir string, idx int) string {
	return filepath.Join(dir, filesDir, "content_"+strconv.Itoa(idx)+".txt")
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
