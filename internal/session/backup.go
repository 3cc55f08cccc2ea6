package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

const backupTimeFormat = "2006-01-02 15:04:05.000000000"

// backupName returns the file name of a backup taken at ts
func backupName(project string, ts time.Time) string {
	return project + Extension + "." + sanitizeTimestamp(ts.Format(backupTimeFormat)) + ".bak"
}

// sanitizeTimestamp makes a timestamp usable in a file name on every platform
func sanitizeTimestamp(ts string) string {
	ts = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return '_'
		}
		return r
	}, ts)
	for strings.Contains(ts, "__") {
		ts = strings.ReplaceAll(ts, "__", "_")
	}
	return strings.ToLower(ts)
}

// backup copies the archive into the rollback directory
func (s *Session) backup() (string, error) {
	if err := os.MkdirAll(s.opts.RollbackDir, 0755); err != nil {
		return "", err
	}
	dst := filepath.Join(s.opts.RollbackDir, backupName(s.name, s.opts.Now()))
	if err := copyFile(s.path, dst); err != nil {
		return "", err
	}
	s.logger.Debug("backup written", "backup", dst)
	return dst, nil
}

// Backups lists this project's backups, oldest first
func (s *Session) Backups() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backups()
}

func (s *Session) backups() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.opts.RollbackDir, s.name+Extension+".*.bak"))
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}
	slices.Sort(matches)
	return matches, nil
}

// pruneBackups removes the oldest backups beyond KeepBackups
func (s *Session) pruneBackups() {
	if s.opts.KeepBackups <= 0 {
		return
	}
	all, err := s.backups()
	if err != nil {
		s.logger.Warn("failed to list backups for pruning", "error", err)
		return
	}
	if len(all) <= s.opts.KeepBackups {
		return
	}
	for _, p := range all[:len(all)-s.opts.KeepBackups] {
		if err := os.Remove(p); err != nil {
			s.logger.Warn("failed to remove old backup", "backup", p, "error", err)
			continue
		}
		s.logger.Debug("old backup removed", "backup", p)
	}
}

// RestoreBackup replaces the archive with a backup and reloads the tree.
// Pending changes and the active file are discarded; staging files are kept.
func (s *Session) RestoreBackup(ctx context.Context, backupPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := copyFile(backupPath, s.path); err != nil {
		return fmt.Errorf("%w: failed to restore backup: %w", ErrIO, err)
	}

	t, err := s.loadTree(ctx)
	if err != nil {
		return err
	}
	s.tree = t
	s.activeKey = ""
	s.clean = ""
	s.dirty = nil

	s.logger.Info("backup restored", "backup", backupPath)
	return nil
}

// restoreArchive puts a backup back in place without touching session state.
// s.mu must be held.
func (s *Session) restoreArchive(backupPath string) error {
	if err := copyFile(backupPath, s.path); err != nil {
		return fmt.Errorf("%w: failed to restore backup: %w", ErrIO, err)
	}
	s.logger.Info("archive restored from backup", "backup", backupPath)
	return nil
}
