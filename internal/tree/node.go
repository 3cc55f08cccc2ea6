package tree

import "fmt"

// Root is the key of the invisible root container
const Root = ""

// Kind is the type of a node
type Kind uint8

const (
	File Kind = iota
	Directory
)

func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case Directory:
		return "dir"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// State is the staged mutation state of a node, derived from its paths
type State uint8

const (
	Clean State = iota
	Renamed
	New
	Cut
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Renamed:
		return "renamed"
	case New:
		return "new"
	case Cut:
		return "cut"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Position places a moved node relative to another one
type Position uint8

const (
	Above Position = iota
	Below
	Inside
	// End appends to the top level, ignoring the fulcrum
	End
)

// ParsePosition converts a position name into a Position
func ParsePosition(name string) (Position, error) {
	switch name {
	case "above":
		return Above, nil
	case "below":
		return Below, nil
	case "inside":
		return Inside, nil
	case "end", "root":
		return End, nil
	default:
		return 0, fmt.Errorf("unknown position %q (must be above, below, inside, or end)", name)
	}
}

// node is the arena record owned by Tree
type node struct {
	key      string
	kind     Kind
	path     string
	original string
	expanded bool
	parent   string
	children []string
}

func (n *node) state() State {
	switch {
	case n.original == "":
		return New
	case n.original != n.path:
		return Renamed
	default:
		return Clean
	}
}

// Node is a read-only snapshot of one tree node
type Node struct {
	Key          string
	Kind         Kind
	Path         string
	OriginalPath string
	Expanded     bool
	Parent       string
	Children     []string
	State        State
}

// Name returns the final path segment
func (n Node) Name() string {
	return baseName(n.Path)
}

func (n *node) snapshot() Node {
	kids := make([]string, len(n.children))
	copy(kids, n.children)
	return Node{
		Key:          n.key,
		Kind:         n.kind,
		Path:         n.path,
		OriginalPath: n.original,
		Expanded:     n.expanded,
		Parent:       n.parent,
		Children:     kids,
		State:        n.state(),
	}
}

// CutRecord describes a node removed by Cut, awaiting commit
type CutRecord struct {
	Key          string
	Kind         Kind
	Path         string
	OriginalPath string
}

// Change describes a Renamed or New node awaiting commit
type Change struct {
	Key          string
	Kind         Kind
	Path         string
	OriginalPath string
	State        State
}

// Item is one entry of the hierarchical snapshot handed to tree views
type Item struct {
	Key         string
	ID          uint64
	Kind        Kind
	Name        string
	Path        string
	Expanded    bool
	HasChildren bool
	Children    []Item
}
