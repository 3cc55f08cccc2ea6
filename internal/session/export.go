package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/storypack/internal/tree"
)

// Format selects an export layout
type Format string

const (
	// FormatDirectory extracts the committed content root into a folder
	FormatDirectory Format = "dir"
	// FormatPlainText joins every file in tree order into one text file
	FormatPlainText Format = "text"
)

// ParseFormat validates an export format name
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(name)); f {
	case FormatDirectory, FormatPlainText:
		return f, nil
	default:
		return "", fmt.Errorf("unknown export format %q (must be dir or text)", name)
	}
}

// Export writes the project out of the archive.
//
// FormatDirectory extracts the last saved content into dest/<project>.
// FormatPlainText writes dest as a single file, using staged text where
// there is any, with files separated by a blank line.
func (s *Session) Export(ctx context.Context, dest string, format Format) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch format {
	case FormatDirectory:
		target := filepath.Join(dest, s.name)
		if err := s.store.Extract(ctx, s.path, tree.ContentRoot, target); err != nil {
			return "", fmt.Errorf("failed to export project: %w", err)
		}
		s.logger.Info("project exported", "format", format, "dest", target)
		return target, nil

	case FormatPlainText:
		var parts []string
		err := s.tree.Walk(func(n tree.Node, _ int) error {
			if n.Kind != tree.File {
				return nil
			}
			text, err := s.textOf(ctx, n)
			if err != nil {
				return err
			}
			parts = append(parts, strings.TrimRight(text, "\n"))
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to export project: %w", err)
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return "", fmt.Errorf("%w: failed to create export directory: %w", ErrIO, err)
		}
		out := strings.Join(parts, "\n\n")
		if out != "" {
			out += "\n"
		}
		if err := writeFileAtomic(dest, []byte(out), 0644); err != nil {
			return "", fmt.Errorf("%w: failed to write export: %w", ErrIO, err)
		}
		s.logger.Info("project exported", "format", format, "dest", dest, "files", len(parts))
		return dest, nil

	default:
		return "", fmt.Errorf("unknown export format %q", format)
	}
}
