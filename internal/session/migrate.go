package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/storypack/internal/archive"
	"github.com/schaermu/storypack/internal/sample"
	"github.com/schaermu/storypack/internal/tree"
)

// create builds a new archive, seeded with the sample project in ModeSample
func (s *Session) create(ctx context.Context, mode Mode) error {
	entries := []archive.Entry{{Path: tree.ContentRoot, Kind: archive.KindDir}}

	if mode == ModeSample {
		scratch, err := os.MkdirTemp("", "storypack-sample-*")
		if err != nil {
			return fmt.Errorf("%w: failed to create scratch directory: %w", ErrIO, err)
		}
		defer func() {
			_ = os.RemoveAll(scratch)
		}()

		files, err := sample.WriteTo(scratch)
		if err != nil {
			return err
		}
		for _, f := range files {
			e := archive.Entry{Path: contentPath(f.Path), Kind: archive.KindDir}
			if !f.Dir {
				e.Kind = archive.KindFile
				e.Source = filepath.Join(scratch, filepath.FromSlash(f.Path))
			}
			entries = append(entries, e)
		}
	}

	if err := s.store.Create(ctx, s.path, entries); err != nil {
		return fmt.Errorf("failed to create project archive: %w", err)
	}
	s.logger.Info("project created", "path", s.path, "sample", mode == ModeSample)
	return nil
}

// loadTree reads the manifest, migrating the archive when the manifest is
// missing or corrupt
func (s *Session) loadTree(ctx context.Context) (*tree.Tree, error) {
	if !s.store.Has(s.path, ManifestName) {
		s.logger.Info("no manifest found, migrating legacy project")
		return s.migrate(ctx)
	}
	data, _, err := s.store.Read(ctx, s.path, ManifestName)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	t, err := tree.Load(data)
	if errors.Is(err, tree.ErrManifestCorruption) {
		s.logger.Warn("manifest is corrupt, rebuilding it from archive contents", "error", err)
		return s.migrate(ctx)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// migrate rebuilds the manifest from the archive's content root, assigning
// fresh keys, and writes it back
func (s *Session) migrate(ctx context.Context) (*tree.Tree, error) {
	scratch, err := os.MkdirTemp("", "storypack-migrate-*")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create scratch directory: %w", ErrIO, err)
	}
	defer func() {
		_ = os.RemoveAll(scratch)
	}()

	if err := s.store.ExtractAll(ctx, s.path, scratch); err != nil {
		return nil, fmt.Errorf("failed to extract project: %w", err)
	}

	entries, err := discoverEntries(filepath.Join(scratch, tree.ContentRoot))
	if err != nil {
		return nil, fmt.Errorf("failed to scan project content: %w", err)
	}

	t, err := tree.FromEntries(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild project tree: %w", err)
	}

	manifest, err := t.Manifest()
	if err != nil {
		return nil, err
	}
	if err := s.store.AddBytes(ctx, s.path, ManifestName, manifest); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	s.logger.Info("project migrated", "nodes", t.Len())
	return t, nil
}

// discoverEntries lists every file and directory below root.
// Hidden files and directories (names starting with ".") are skipped.
func discoverEntries(root string) ([]tree.Entry, error) {
	var entries []tree.Entry

	if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		// Skip hidden files and directories (e.g. leftover staging files)
		if strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		kind := tree.File
		if info.IsDir() {
			kind = tree.Directory
		}
		entries = append(entries, tree.Entry{Path: filepath.ToSlash(rel), Kind: kind})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}
