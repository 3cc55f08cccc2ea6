package session

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/schaermu/storypack/internal/tree"
)

// Counts are text statistics over a project
type Counts struct {
	Files      int
	Lines      int
	Words      int
	Characters int
}

// Add accumulates the statistics of one text
func (c *Counts) Add(text string) {
	c.Files++
	if text == "" {
		return
	}
	c.Lines += strings.Count(text, "\n") + 1
	if strings.HasSuffix(text, "\n") {
		c.Lines--
	}
	c.Words += len(strings.Fields(text))
	c.Characters += utf8.RuneCountInString(text)
}

// TotalCounts counts lines, words and characters over every file, preferring
// staged text over committed content
func (s *Session) TotalCounts(ctx context.Context) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total Counts
	err := s.tree.Walk(func(n tree.Node, _ int) error {
		if n.Kind != tree.File {
			return nil
		}
		text, err := s.textOf(ctx, n)
		if err != nil {
			return err
		}
		total.Add(text)
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count project text: %w", err)
	}
	return total, nil
}

// textOf returns a file's staged text, or its committed content if nothing
// is staged
func (s *Session) textOf(ctx context.Context, n tree.Node) (string, error) {
	staged, found, err := s.readStaging(n.Key)
	if err != nil {
		return "", err
	}
	if found {
		return staged, nil
	}
	if n.OriginalPath == "" {
		return "", nil
	}
	data, _, err := s.store.Read(ctx, s.path, contentPath(n.OriginalPath))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
