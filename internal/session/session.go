// Package session ties a project archive, its tree and the editor together.
//
// A Session opens (or creates) a project archive, loads its manifest into a
// tree, stages unsaved editor text per node in temp files and commits
// everything back into the archive on Save. All exported methods are safe to
// call from multiple goroutines.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/schaermu/storypack/internal/archive"
	"github.com/schaermu/storypack/internal/index"
	"github.com/schaermu/storypack/internal/tree"
)

const (
	// ManifestName is the archive entry holding the serialised tree
	ManifestName = "story.xml"

	// Extension is the conventional project file extension
	Extension = ".story"
)

// Mode selects how a missing project is created
type Mode uint8

const (
	// ModeOpen creates an empty project if none exists
	ModeOpen Mode = iota
	// ModeSample seeds a new project with the bundled sample
	ModeSample
)

// Archiver is the archive layer a Session commits to
type Archiver interface {
	Create(ctx context.Context, archivePath string, entries []archive.Entry) error
	Read(ctx context.Context, archivePath, internal string) ([]byte, bool, error)
	Has(archivePath, internal string) bool
	ExtractAll(ctx context.Context, archivePath, dest string) error
	Extract(ctx context.Context, archivePath, prefix, dest string) error
	Add(ctx context.Context, archivePath string, entries []archive.Entry) error
	AddBytes(ctx context.Context, archivePath, internal string, data []byte) error
	Rename(ctx context.Context, archivePath string, renames map[string]string) error
	Delete(ctx context.Context, archivePath string, paths []string) error
	CreateBlanks(ctx context.Context, archivePath string, blanks map[string]archive.Kind) error
}

// Options configures a Session
type Options struct {
	// TempRoot holds the per-project staging directories
	TempRoot string
	// RollbackDir holds pre-save backups
	RollbackDir string
	// KeepBackups is the number of backups kept per project; 0 keeps all
	KeepBackups int
	Archiver    Archiver
	Logger      *slog.Logger
	// Now is the clock used for backup names
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.TempRoot == "" {
		o.TempRoot = filepath.Join(os.TempDir(), "storypack")
	}
	if o.RollbackDir == "" {
		o.RollbackDir = filepath.Join(o.TempRoot, "rollback")
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Archiver == nil {
		o.Archiver = archive.NewStore(archive.WithLogger(o.Logger))
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Session is one open project
type Session struct {
	mu sync.Mutex

	path       string
	name       string
	stagingDir string
	opts       Options
	store      Archiver
	logger     *slog.Logger

	tree      *tree.Tree
	activeKey string
	clean     string
	dirty     []string
}

// Open opens the project archive at archivePath, creating it first if it does not
// exist. Archives without a usable manifest are migrated.
func Open(ctx context.Context, archivePath string, mode Mode, opts Options) (*Session, error) {
	opts.applyDefaults()

	abs, err := filepath.Abs(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project path: %w", err)
	}

	name := ProjectName(abs)
	s := &Session{
		path:       abs,
		name:       name,
		stagingDir: filepath.Join(opts.TempRoot, name),
		opts:       opts,
		store:      opts.Archiver,
		logger:     opts.Logger.With("project", name),
	}

	if _, err := os.Stat(abs); errors.Is(err, os.ErrNotExist) {
		if err := s.create(ctx, mode); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat project: %w", err)
	}

	t, err := s.loadTree(ctx)
	if err != nil {
		return nil, err
	}
	s.tree = t

	if err := os.MkdirAll(s.stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: failed to create staging directory: %w", ErrIO, err)
	}

	s.logger.Info("project opened", "path", abs, "nodes", t.Len())
	return s, nil
}

// ProjectName derives the project name from an archive path
func ProjectName(archivePath string) string {
	base := filepath.Base(archivePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Path returns the archive path
func (s *Session) Path() string { return s.path }

// Name returns the project name
func (s *Session) Name() string { return s.name }

// Close removes the session's staging directory
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.stagingDir); err != nil {
		return fmt.Errorf("%w: failed to remove staging directory: %w", ErrIO, err)
	}
	s.activeKey = ""
	s.clean = ""
	s.dirty = nil
	s.logger.Debug("project closed")
	return nil
}

// Items returns a hierarchical snapshot of the tree
func (s *Session) Items() []tree.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Items()
}

// Find returns a snapshot of one node
func (s *Session) Find(key string) (tree.Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Find(key)
}

// Walk visits every live node in pre-order. fn must not call back into
// the Session.
func (s *Session) Walk(fn func(n tree.Node, depth int) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Walk(fn)
}

// IDOf returns the tree-view id of key
func (s *Session) IDOf(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.IDOf(key)
}

// KeyOf resolves a tree-view id
func (s *Session) KeyOf(id uint64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.KeyOf(id)
}

// RowOf returns key's row among its siblings
func (s *Session) RowOf(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.RowOf(key)
}

// ChildCount returns the number of children of parent
func (s *Session) ChildCount(parent string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.ChildCount(parent)
}

// ChildAt returns the child of parent at index
func (s *Session) ChildAt(parent string, index int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.ChildAt(parent, index)
}

// IndexStats describes the tree-view index
func (s *Session) IndexStats() index.Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.CacheStats()
}

// Rename stages a rename
func (s *Session) Rename(key, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Rename(key, name)
}

// Move stages a move
func (s *Session) Move(pivot, fulcrum string, pos tree.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Move(pivot, fulcrum, pos)
}

// Add stages a new node and returns its key
func (s *Session) Add(name string, kind tree.Kind, parent string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Add(name, kind, parent)
}

// SetExpanded records a directory's display hint
func (s *Session) SetExpanded(key string, expanded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.SetExpanded(key, expanded)
}

// ActiveKey returns the key open for editing, or "" if none
func (s *Session) ActiveKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeKey
}

// SwitchActive makes newKey the active file and returns the text to show.
// The previous active file's liveText is flushed to its staging file first.
// Staged text from an earlier edit wins over the committed content.
func (s *Session) SwitchActive(ctx context.Context, newKey, liveText string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.tree.Find(newKey)
	if !ok {
		return "", fmt.Errorf("failed to open %s: %w", newKey, tree.ErrNotFound)
	}
	if n.Kind != tree.File {
		return "", fmt.Errorf("failed to open %q: %w", n.Path, ErrNotAFile)
	}

	if s.activeKey != "" {
		if err := s.flushActive(liveText); err != nil {
			return "", err
		}
	}

	clean := ""
	if n.OriginalPath != "" {
		data, found, err := s.store.Read(ctx, s.path, contentPath(n.OriginalPath))
		if err != nil {
			return "", fmt.Errorf("failed to read %q: %w", n.OriginalPath, err)
		}
		if found {
			clean = string(data)
		}
	}

	s.activeKey = newKey
	s.clean = clean

	staged, found, err := s.readStaging(newKey)
	if err != nil {
		s.logger.Warn("failed to read staged text, using committed content", "key", newKey, "error", err)
		return clean, nil
	}
	if !found {
		return clean, nil
	}
	if staged != clean {
		s.markDirty(newKey)
	}
	s.logger.Debug("restored staged text", "key", newKey, "path", n.Path)
	return staged, nil
}

// flushActive stages text for the active key, or drops a stale staging file
// when the text matches the committed content
func (s *Session) flushActive(text string) error {
	if text == s.clean {
		s.unmarkDirty(s.activeKey)
		if err := s.removeStaging(s.activeKey); err != nil {
			s.logger.Warn("failed to remove stale staging file", "key", s.activeKey, "error", err)
		}
		return nil
	}
	if err := s.writeStaging(s.activeKey, text); err != nil {
		return err
	}
	s.markDirty(s.activeKey)
	return nil
}

// AutoSave writes text to the active file's staging file.
// The archive is not touched.
func (s *Session) AutoSave(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeKey == "" {
		return ErrNoActive
	}
	return s.writeStaging(s.activeKey, text)
}

// NoteEdits marks the active file dirty iff text differs from its committed
// content and returns the dirty keys
func (s *Session) NoteEdits(text string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.activeKey != "" {
		if text != s.clean {
			s.markDirty(s.activeKey)
		} else {
			s.unmarkDirty(s.activeKey)
		}
	}
	return slices.Clone(s.dirty)
}

// Dirty returns the keys with uncommitted text
func (s *Session) Dirty() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.dirty)
}

// HasChanges reports whether anything awaits a save
func (s *Session) HasChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty) > 0 || s.tree.HasPendingChanges()
}

// Cut stages the removal of key and its subtree. It returns every affected
// key and whether the active file was among them, in which case there is no
// active file any more.
func (s *Session) Cut(key string) ([]string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	affected, err := s.tree.Cut(key)
	if err != nil {
		return nil, false, err
	}

	activeRemoved := false
	for _, k := range affected {
		s.unmarkDirty(k)
		if k == s.activeKey {
			activeRemoved = true
		}
	}
	if activeRemoved {
		s.activeKey = ""
		s.clean = ""
	}

	s.logger.Debug("nodes cut", "key", key, "affected", len(affected), "active_removed", activeRemoved)
	return affected, activeRemoved, nil
}

func (s *Session) markDirty(key string) {
	if !slices.Contains(s.dirty, key) {
		s.dirty = append(s.dirty, key)
	}
}

func (s *Session) unmarkDirty(key string) {
	if i := slices.Index(s.dirty, key); i >= 0 {
		s.dirty = slices.Delete(s.dirty, i, i+1)
	}
}

// contentPath maps a node path to its archive entry
func contentPath(p string) string {
	return tree.ContentRoot + "/" + p
}

// cutPath is the soft-cut location of a file
func cutPath(key, originalPath string) string {
	return tree.CutDir + "/" + key + "/" + path.Base(originalPath)
}
