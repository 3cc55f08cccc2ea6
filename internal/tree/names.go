package tree

import (
	"fmt"
	"path"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// CutDir is the reserved top-level namespace holding soft-cut content
const CutDir = ".cut"

// canonical returns the form used to compare sibling names.
// Names that differ only in Unicode normalisation or case collide.
func canonical(name string) string {
	return cases.Fold().String(norm.NFC.String(name))
}

// validateName checks that name is usable as a path segment under parent
func validateName(name, parent string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case parent == Root && canonical(name) == canonical(CutDir):
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	}
	return nil
}

func baseName(p string) string {
	if p == "" {
		return ""
	}
	return path.Base(p)
}

func joinPath(parentPath, name string) string {
	if parentPath == "" {
		return name
	}
	return parentPath + "/" + name
}
