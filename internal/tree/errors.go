package tree

import "errors"

var (
	// ErrManifestCorruption is returned when a manifest cannot be parsed or
	// describes an invalid tree
	ErrManifestCorruption = errors.New("manifest corrupt")

	// ErrStructuralConflict is returned when a mutation would break the tree,
	// such as a sibling name collision or moving a node into itself
	ErrStructuralConflict = errors.New("structural conflict")

	// ErrNotFound is returned when a key is not in the live tree
	ErrNotFound = errors.New("node not found")

	// ErrInvalidName is returned for names that cannot be used as a path segment
	ErrInvalidName = errors.New("invalid name")
)
