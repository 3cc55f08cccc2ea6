package testutil

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/schaermu/storypack/internal/archive"
)

// Logger returns a logger that only reports errors
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// LegacyArchive writes a project archive without a manifest. files maps
// archive entry paths to content; entries ending in "/" are directories.
// Parent directory entries are added for every file.
func LegacyArchive(t *testing.T, dir, name string, files map[string]string) string {
	t.Helper()

	src := t.TempDir()
	dirs := make(map[string]bool)
	var entries []archive.Entry

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	for _, p := range paths {
		clean := strings.TrimSuffix(p, "/")
		for parent := filepath.ToSlash(filepath.Dir(clean)); parent != "." && !dirs[parent]; parent = filepath.ToSlash(filepath.Dir(parent)) {
			dirs[parent] = true
		}
		if strings.HasSuffix(p, "/") {
			dirs[clean] = true
			continue
		}

		source := filepath.Join(src, strings.ReplaceAll(clean, "/", "_"))
		if err := os.WriteFile(source, []byte(files[p]), 0644); err != nil {
			t.Fatalf("failed to write fixture source: %v", err)
		}
		entries = append(entries, archive.Entry{Path: clean, Source: source, Kind: archive.KindFile})
	}

	dirList := make([]string, 0, len(dirs))
	for d := range dirs {
		dirList = append(dirList, d)
	}
	slices.Sort(dirList)
	for i := len(dirList) - 1; i >= 0; i-- {
		entries = slices.Insert(entries, 0, archive.Entry{Path: dirList[i], Kind: archive.KindDir})
	}

	archivePath := filepath.Join(dir, name)
	if err := archive.NewStore().Create(context.Background(), archivePath, entries); err != nil {
		t.Fatalf("failed to create fixture archive: %v", err)
	}
	return archivePath
}
