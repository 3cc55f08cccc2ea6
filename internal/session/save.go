package session

import (
	"context"
	"fmt"
	"slices"

	"github.com/schaermu/storypack/internal/archive"
	"github.com/schaermu/storypack/internal/tree"
)

// SaveReport summarises a save. BackupPath is set as soon as the backup is
// written, so it is available even when a later step fails.
type SaveReport struct {
	BackupPath string
	HardCuts   int
	SoftCuts   int
	Renames    int
	Blanks     int
	Written    int
}

// commitPlan is the set of archive operations a save performs
type commitPlan struct {
	deletes []string
	softCut map[string]string
	renames map[string]string
	blanks  map[string]archive.Kind
	writes  []archive.Entry
	written []string

	// cut files with staged text, cleaned up once the cut is committed
	cutStaged []string
}

// Save commits staged structure and text into the archive.
//
// The archive is backed up first; a failed backup aborts the save. Later
// steps are not transactional: a failure leaves the archive partly updated
// and the backup named in the report is the way back. Session state only
// changes once every step succeeded, so a failed save can be retried.
func (s *Session) Save(ctx context.Context, currentText string) (*SaveReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, currentText)
}

// save runs the commit steps. s.mu must be held.
func (s *Session) save(ctx context.Context, currentText string) (*SaveReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &SaveReport{}

	// (1) backup
	backupPath, err := s.backup()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to back up project, save aborted: %w", ErrIO, err)
	}
	report.BackupPath = backupPath

	// (2) stage the active file
	if s.activeKey != "" {
		if currentText != s.clean {
			s.markDirty(s.activeKey)
		}
		if s.isDirty(s.activeKey) {
			if err := s.writeStaging(s.activeKey, currentText); err != nil {
				return report, fmt.Errorf("failed to stage active file (backup at %s): %w", backupPath, err)
			}
		}
	}

	plan := s.buildPlan()
	s.logger.Info("save plan",
		"hard_cuts", len(plan.deletes),
		"soft_cuts", len(plan.softCut),
		"renames", len(plan.renames),
		"blanks", len(plan.blanks),
		"writes", len(plan.writes))

	// (3) cuts
	if err := s.store.Rename(ctx, s.path, plan.softCut); err != nil {
		return report, fmt.Errorf("failed to soft-cut files (backup at %s): %w", backupPath, err)
	}
	report.SoftCuts = len(plan.softCut)
	if err := s.store.Delete(ctx, s.path, plan.deletes); err != nil {
		return report, fmt.Errorf("failed to delete cut entries (backup at %s): %w", backupPath, err)
	}
	report.HardCuts = len(plan.deletes)

	// (4) renames and new entries
	if err := s.store.Rename(ctx, s.path, plan.renames); err != nil {
		return report, fmt.Errorf("failed to rename entries (backup at %s): %w", backupPath, err)
	}
	report.Renames = len(plan.renames)
	if err := s.store.CreateBlanks(ctx, s.path, plan.blanks); err != nil {
		return report, fmt.Errorf("failed to create new entries (backup at %s): %w", backupPath, err)
	}
	report.Blanks = len(plan.blanks)

	// (5) staged text
	if err := s.store.Add(ctx, s.path, plan.writes); err != nil {
		return report, fmt.Errorf("failed to write staged text (backup at %s): %w", backupPath, err)
	}
	report.Written = len(plan.writes)

	// (6) manifest; it only records live paths, so staged state is not needed
	manifest, err := s.tree.Manifest()
	if err == nil {
		err = s.store.AddBytes(ctx, s.path, ManifestName, manifest)
	}
	if err != nil {
		return report, fmt.Errorf("failed to write manifest (backup at %s): %w", backupPath, err)
	}
	s.tree.DropCuts()
	s.tree.PendingStructuralChanges(true)

	// (7) the saved text is the new baseline
	if s.activeKey != "" {
		s.clean = currentText
	}
	for _, key := range slices.Concat(plan.written, plan.cutStaged) {
		if err := s.removeStaging(key); err != nil {
			s.logger.Warn("failed to remove committed staging file", "key", key, "error", err)
		}
	}
	s.dirty = nil

	s.pruneBackups()

	s.logger.Info("project saved",
		"backup", backupPath,
		"renames", report.Renames,
		"written", report.Written)
	return report, nil
}

// buildPlan turns pending cuts, structural changes and dirty keys into
// archive operations
func (s *Session) buildPlan() *commitPlan {
	plan := &commitPlan{
		softCut: make(map[string]string),
		renames: make(map[string]string),
		blanks:  make(map[string]archive.Kind),
	}

	for _, c := range s.tree.PendingCuts() {
		if c.Kind == tree.File && s.hasStaging(c.Key) {
			plan.cutStaged = append(plan.cutStaged, c.Key)
		}
		if c.OriginalPath == "" {
			// never committed
			continue
		}
		internal := contentPath(c.OriginalPath)
		if c.Kind == tree.File && s.hasStaging(c.Key) {
			plan.softCut[internal] = cutPath(c.Key, c.OriginalPath)
			continue
		}
		plan.deletes = append(plan.deletes, internal)
	}

	for _, ch := range s.tree.PendingStructuralChanges(false) {
		switch ch.State {
		case tree.Renamed:
			plan.renames[contentPath(ch.OriginalPath)] = contentPath(ch.Path)
		case tree.New:
			kind := archive.KindFile
			if ch.Kind == tree.Directory {
				kind = archive.KindDir
			}
			plan.blanks[contentPath(ch.Path)] = kind
		}
	}

	for _, key := range s.dirty {
		n, ok := s.tree.Find(key)
		if !ok || n.Kind != tree.File {
			continue
		}
		if !s.hasStaging(key) {
			s.logger.Warn("dirty file has no staged text, skipping", "key", key, "path", n.Path)
			continue
		}
		plan.writes = append(plan.writes, archive.Entry{
			Path:   contentPath(n.Path),
			Source: s.stagingPath(key),
			Kind:   archive.KindFile,
		})
		plan.written = append(plan.written, key)
	}

	return plan
}

func (s *Session) isDirty(key string) bool {
	return slices.Contains(s.dirty, key)
}
