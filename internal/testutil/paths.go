package testutil

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// ModulePath is the import path declared in the repository's go.mod
const ModulePath = "github.com/schaermu/storypack"

var errNoModule = errors.New("storypack go.mod not found above the caller")

// ModuleRoot returns the directory holding the storypack go.mod, searching
// upwards from the caller's source file. Nested modules on the way are
// skipped.
func ModuleRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(1)
	if !ok {
		return "", errors.New("no caller information")
	}

	for dir := filepath.Dir(filename); ; {
		declared, err := moduleOf(filepath.Join(dir, "go.mod"))
		if err != nil {
			return "", err
		}
		if declared == ModulePath {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errNoModule
		}
		dir = parent
	}
}

// moduleOf returns the module path declared in a go.mod, or "" if the file
// does not exist
func moduleOf(goMod string) (string, error) {
	f, err := os.Open(goMod)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", goMod, err)
	}
	defer func() {
		_ = f.Close()
	}()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "module "); ok {
			return strings.Trim(strings.TrimSpace(rest), `"`), nil
		}
	}
	return "", sc.Err()
}
