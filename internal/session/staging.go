package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const stagingSuffix = ".txt~"

func (s *Session) stagingPath(key string) string {
	return filepath.Join(s.stagingDir, key+stagingSuffix)
}

// hasStaging reports whether key has staged text
func (s *Session) hasStaging(key string) bool {
	_, err := os.Stat(s.stagingPath(key))
	return err == nil
}

func (s *Session) readStaging(key string) (string, bool, error) {
	data, err := os.ReadFile(s.stagingPath(key))
	if errors.Is(err, os.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: failed to read staging file: %w", ErrIO, err)
	}
	return string(data), true, nil
}

// writeStaging replaces key's staging file atomically
func (s *Session) writeStaging(key, text string) error {
	if err := os.MkdirAll(s.stagingDir, 0755); err != nil {
		return fmt.Errorf("%w: failed to create staging directory: %w", ErrIO, err)
	}
	if err := writeFileAtomic(s.stagingPath(key), []byte(text), 0644); err != nil {
		return fmt.Errorf("%w: failed to write staging file: %w", ErrIO, err)
	}
	return nil
}

func (s *Session) removeStaging(key string) error {
	err := os.Remove(s.stagingPath(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: failed to remove staging file: %w", ErrIO, err)
	}
	return nil
}
