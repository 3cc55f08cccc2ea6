// Package tree holds the in-memory project tree.
//
// A Tree owns every node in an arena keyed by stable UUID keys, tracks staged
// renames, moves, additions and cuts until they are committed, and keeps a
// private index cache in step with every mutation. The index cache is only
// reachable through the query methods on Tree, so it cannot drift from the
// nodes it describes.
package tree

import (
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/schaermu/storypack/internal/index"
)

// Tree is a project tree. It is not safe for concurrent use.
type Tree struct {
	nodes map[string]*node
	cuts  []CutRecord
	cache *index.Cache
}

// newTree returns an empty tree
func newTree() *Tree {
	t := &Tree{
		nodes: map[string]*node{
			Root: {key: Root, kind: Directory},
		},
	}
	t.cache = index.New(source{t})
	return t
}

// source exposes the arena to the index cache
type source struct{ t *Tree }

func (s source) Children(parent string) []string {
	n, ok := s.t.nodes[parent]
	if !ok {
		return nil
	}
	return n.children
}

func (s source) Parent(key string) (string, bool) {
	if key == Root {
		return "", false
	}
	n, ok := s.t.nodes[key]
	if !ok {
		return "", false
	}
	return n.parent, true
}

// Len returns the number of live nodes, excluding the root
func (t *Tree) Len() int {
	return len(t.nodes) - 1
}

// Find returns a snapshot of the node with key.
// Cut nodes and the root are not found.
func (t *Tree) Find(key string) (Node, bool) {
	if key == Root {
		return Node{}, false
	}
	n, ok := t.nodes[key]
	if !ok {
		return Node{}, false
	}
	return n.snapshot(), true
}

// Children returns the ordered child keys of parent
func (t *Tree) Children(parent string) []string {
	n, ok := t.nodes[parent]
	if !ok {
		return nil
	}
	return slices.Clone(n.children)
}

// Walk visits every live node in pre-order. Returning an error stops the walk.
func (t *Tree) Walk(fn func(n Node, depth int) error) error {
	return t.walk(Root, 0, fn)
}

func (t *Tree) walk(key string, depth int, fn func(Node, int) error) error {
	for _, k := range t.nodes[key].children {
		n := t.nodes[k]
		if err := fn(n.snapshot(), depth); err != nil {
			return err
		}
		if err := t.walk(k, depth+1, fn); err != nil {
			return err
		}
	}
	return nil
}

// Items returns a hierarchical snapshot of the live tree
func (t *Tree) Items() []Item {
	return t.items(Root)
}

func (t *Tree) items(parent string) []Item {
	kids := t.nodes[parent].children
	if len(kids) == 0 {
		return nil
	}
	out := make([]Item, 0, len(kids))
	for _, k := range kids {
		n := t.nodes[k]
		out = append(out, Item{
			Key:         n.key,
			ID:          t.cache.IDOf(n.key),
			Kind:        n.kind,
			Name:        baseName(n.path),
			Path:        n.path,
			Expanded:    n.expanded,
			HasChildren: len(n.children) > 0,
			Children:    t.items(k),
		})
	}
	return out
}

// IDOf returns the stable numeric id of key (0 for the root)
func (t *Tree) IDOf(key string) uint64 { return t.cache.IDOf(key) }

// KeyOf resolves a numeric id back to its key
func (t *Tree) KeyOf(id uint64) (string, bool) { return t.cache.KeyOf(id) }

// RowOf returns key's index among its siblings, or -1
func (t *Tree) RowOf(key string) int { return t.cache.RowOf(key) }

// ChildCount returns the number of children of parent
func (t *Tree) ChildCount(parent string) int { return t.cache.ChildCount(parent) }

// ChildAt returns the child of parent at index
func (t *Tree) ChildAt(parent string, index int) (string, bool) {
	return t.cache.ChildAt(parent, index)
}

// CacheStats returns statistics about the index cache
func (t *Tree) CacheStats() index.Stats { return t.cache.Stats() }

// Rename changes the final path segment of key and rewrites the paths of
// every descendant
func (t *Tree) Rename(key, name string) error {
	n, err := t.live(key)
	if err != nil {
		return err
	}
	if baseName(n.path) == name {
		return nil
	}
	if err := validateName(name, n.parent); err != nil {
		return err
	}
	if t.collides(n.parent, name, key) {
		return fmt.Errorf("%w: %q already exists", ErrStructuralConflict, joinPath(t.nodes[n.parent].path, name))
	}

	t.relocate(key, joinPath(t.nodes[n.parent].path, name))
	return nil
}

// Move reparents pivot relative to fulcrum. With End the fulcrum is ignored
// and pivot is appended to the top level.
func (t *Tree) Move(pivot, fulcrum string, pos Position) error {
	pn, err := t.live(pivot)
	if err != nil {
		return err
	}

	newParent := Root
	if pos != End {
		if fulcrum == pivot {
			if pos == Inside {
				return fmt.Errorf("%w: cannot move %q into itself", ErrStructuralConflict, pn.path)
			}
			return nil
		}
		fn, err := t.live(fulcrum)
		if err != nil {
			return err
		}
		if t.isAncestor(pivot, fulcrum) {
			return fmt.Errorf("%w: cannot move %q into its own descendant", ErrStructuralConflict, pn.path)
		}
		switch pos {
		case Inside:
			if fn.kind != Directory {
				return fmt.Errorf("%w: cannot move into file %q", ErrStructuralConflict, fn.path)
			}
			newParent = fulcrum
		case Above, Below:
			newParent = fn.parent
		default:
			return fmt.Errorf("%w: unknown position %d", ErrStructuralConflict, pos)
		}
	}

	name := baseName(pn.path)
	if newParent != pn.parent {
		if err := validateName(name, newParent); err != nil {
			return err
		}
		if t.collides(newParent, name, pivot) {
			return fmt.Errorf("%w: %q already exists", ErrStructuralConflict, joinPath(t.nodes[newParent].path, name))
		}
	}

	oldParent := pn.parent
	t.detach(pivot)

	siblings := t.nodes[newParent].children
	at := len(siblings)
	switch pos {
	case Above:
		at = slices.Index(siblings, fulcrum)
	case Below:
		at = slices.Index(siblings, fulcrum) + 1
	}
	t.attach(pivot, newParent, at)
	t.cache.RecordMove(oldParent, newParent, pivot, at)

	t.relocate(pivot, joinPath(t.nodes[newParent].path, name))
	return nil
}

// Add creates a new node and returns its key. A file parent places the new
// node directly below that file in the file's directory.
func (t *Tree) Add(name string, kind Kind, parent string) (string, error) {
	p, ok := t.nodes[parent]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, parent)
	}

	at := -1
	if p.kind == File {
		at = slices.Index(t.nodes[p.parent].children, parent) + 1
		parent = p.parent
		p = t.nodes[parent]
	}
	if at < 0 {
		at = len(p.children)
	}

	if err := validateName(name, parent); err != nil {
		return "", err
	}
	if t.collides(parent, name, "") {
		return "", fmt.Errorf("%w: %q already exists", ErrStructuralConflict, joinPath(p.path, name))
	}

	key := uuid.NewString()
	t.nodes[key] = &node{
		key:  key,
		kind: kind,
		path: joinPath(p.path, name),
	}
	t.attach(key, parent, at)
	t.cache.RecordInsertion(parent, key, at)
	return key, nil
}

// Cut detaches key and its subtree from the live tree and stages their
// removal. It returns every affected key in pre-order.
func (t *Tree) Cut(key string) ([]string, error) {
	n, err := t.live(key)
	if err != nil {
		return nil, err
	}

	var affected []string
	t.preorder(key, func(k string) { affected = append(affected, k) })

	// the cache walks the subtree, so purge before detaching
	t.cache.PurgeSubtree(key)
	parent := n.parent
	t.detach(key)
	t.cache.RecordRemoval(parent, key)

	for _, k := range affected {
		c := t.nodes[k]
		t.cuts = append(t.cuts, CutRecord{
			Key:          c.key,
			Kind:         c.kind,
			Path:         c.path,
			OriginalPath: c.original,
		})
		delete(t.nodes, k)
	}
	return affected, nil
}

// PendingCuts returns the cut nodes awaiting commit, each subtree in pre-order
func (t *Tree) PendingCuts() []CutRecord {
	return slices.Clone(t.cuts)
}

// DropCuts forgets committed cuts
func (t *Tree) DropCuts() {
	t.cuts = nil
}

// PendingStructuralChanges returns every Renamed or New node in pre-order.
// With finalize the nodes are marked Clean.
func (t *Tree) PendingStructuralChanges(finalize bool) []Change {
	var changes []Change
	t.preorder(Root, func(k string) {
		if k == Root {
			return
		}
		n := t.nodes[k]
		st := n.state()
		if st == Clean {
			return
		}
		changes = append(changes, Change{
			Key:          n.key,
			Kind:         n.kind,
			Path:         n.path,
			OriginalPath: n.original,
			State:        st,
		})
		if finalize {
			n.original = n.path
		}
	})
	return changes
}

// HasPendingChanges reports whether any node is Renamed, New or Cut
func (t *Tree) HasPendingChanges() bool {
	if len(t.cuts) > 0 {
		return true
	}
	for k, n := range t.nodes {
		if k != Root && n.state() != Clean {
			return true
		}
	}
	return false
}

// SetExpanded records the display hint for a directory
func (t *Tree) SetExpanded(key string, expanded bool) error {
	n, err := t.live(key)
	if err != nil {
		return err
	}
	n.expanded = expanded
	return nil
}

func (t *Tree) live(key string) (*node, error) {
	if key == Root {
		return nil, fmt.Errorf("%w: the root cannot be changed", ErrStructuralConflict)
	}
	n, ok := t.nodes[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return n, nil
}

// collides reports whether parent has a child other than self named name
func (t *Tree) collides(parent, name, self string) bool {
	want := canonical(name)
	for _, k := range t.nodes[parent].children {
		if k == self {
			continue
		}
		if canonical(baseName(t.nodes[k].path)) == want {
			return true
		}
	}
	return false
}

// isAncestor reports whether anc is key or one of key's ancestors
func (t *Tree) isAncestor(anc, key string) bool {
	for k := key; k != Root; k = t.nodes[k].parent {
		if k == anc {
			return true
		}
	}
	return false
}

func (t *Tree) detach(key string) {
	n := t.nodes[key]
	p := t.nodes[n.parent]
	if i := slices.Index(p.children, key); i >= 0 {
		p.children = slices.Delete(p.children, i, i+1)
	}
	n.parent = Root
}

func (t *Tree) attach(key, parent string, at int) {
	p := t.nodes[parent]
	if at < 0 || at > len(p.children) {
		at = len(p.children)
	}
	p.children = slices.Insert(p.children, at, key)
	t.nodes[key].parent = parent
}

// relocate sets key's path and recomputes every descendant path in one pass
func (t *Tree) relocate(key, newPath string) {
	n := t.nodes[key]
	n.path = newPath
	for _, k := range n.children {
		t.relocate(k, joinPath(newPath, baseName(t.nodes[k].path)))
	}
}

func (t *Tree) preorder(key string, fn func(string)) {
	fn(key)
	for _, k := range t.nodes[key].children {
		t.preorder(k, fn)
	}
}
