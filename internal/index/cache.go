// Package index caches the structure of a live tree for tree-view queries.
//
// The cache maps each node key to a stable numeric id and to its row (the
// node's position among its siblings), and keeps a snapshot of each parent's
// children. Entries are populated lazily from a Source on first query and then
// maintained incrementally through the Record* hooks, which must be called
// immediately after every structural change to the source tree.
//
// A cached row is always either correct or -1 (unknown). A known row implies
// the parent's children snapshot is populated.
package index

// Root is the key of the invisible root container
const Root = ""

// NoID is the id reserved for "no node"
const NoID uint64 = 0

// Source is the live tree the cache is built over
type Source interface {
	// Children returns the ordered child keys of parent (Root for top level)
	Children(parent string) []string
	// Parent returns the parent key of key, or false if key is not in the tree
	Parent(key string) (string, bool)
}

// Stats describes the cache contents
type Stats struct {
	Entries   int
	Populated int
	NextID    uint64
}

type entry struct {
	id        uint64
	row       int
	populated bool
	children  []string
}

// Cache is an incremental structural index over a Source.
// It is not safe for concurrent use.
type Cache struct {
	src     Source
	nextID  uint64
	entries map[string]*entry
	keys    map[uint64]string
}

// New creates an empty cache over src
func New(src Source) *Cache {
	return &Cache{
		src:     src,
		nextID:  1,
		entries: make(map[string]*entry),
		keys:    make(map[uint64]string),
	}
}

// entry returns the entry for key, creating it if needed
func (c *Cache) entry(key string) *entry {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{row: -1}
		c.entries[key] = e
	}
	return e
}

// IDOf returns the stable id for key, allocating one on first use.
// Root has no id.
func (c *Cache) IDOf(key string) uint64 {
	if key == Root {
		return NoID
	}
	e := c.entry(key)
	if e.id == NoID {
		e.id = c.nextID
		c.nextID++
		c.keys[e.id] = key
	}
	return e.id
}

// KeyOf resolves an id handed out by IDOf
func (c *Cache) KeyOf(id uint64) (string, bool) {
	key, ok := c.keys[id]
	return key, ok
}

// RowOf returns key's index among its siblings, or -1 if key is not in the tree
func (c *Cache) RowOf(key string) int {
	if key == Root {
		return -1
	}
	if e, ok := c.entries[key]; ok && e.row >= 0 {
		return e.row
	}

	parent, ok := c.src.Parent(key)
	if !ok {
		return -1
	}
	c.ensurePopulated(parent)

	if e, ok := c.entries[key]; ok {
		return e.row
	}
	return -1
}

// ChildCount returns the number of children of parent
func (c *Cache) ChildCount(parent string) int {
	return len(c.ensurePopulated(parent).children)
}

// ChildAt returns the child of parent at index
func (c *Cache) ChildAt(parent string, index int) (string, bool) {
	pe := c.ensurePopulated(parent)
	if index < 0 || index >= len(pe.children) {
		return "", false
	}
	return pe.children[index], true
}

// ensurePopulated snapshots parent's children from the source and derives
// every child's row. Populated parents are left alone.
func (c *Cache) ensurePopulated(parent string) *entry {
	pe := c.entry(parent)
	if pe.populated {
		return pe
	}

	kids := c.src.Children(parent)
	pe.children = make([]string, len(kids))
	copy(pe.children, kids)
	for i, k := range pe.children {
		c.entry(k).row = i
	}
	pe.populated = true
	return pe
}

// RecordInsertion notes that child was inserted under parent at position
func (c *Cache) RecordInsertion(parent, child string, position int) {
	ce := c.entry(child)
	pe, ok := c.entries[parent]
	if !ok || !pe.populated {
		ce.row = -1
		return
	}

	if position < 0 || position > len(pe.children) {
		position = len(pe.children)
	}
	pe.children = append(pe.children, "")
	copy(pe.children[position+1:], pe.children[position:])
	pe.children[position] = child

	c.reindex(pe, position)
}

// RecordRemoval notes that child was removed from parent
func (c *Cache) RecordRemoval(parent, child string) {
	if ce, ok := c.entries[child]; ok {
		ce.row = -1
	}

	pe, ok := c.entries[parent]
	if !ok || !pe.populated {
		return
	}

	at := -1
	for i, k := range pe.children {
		if k == child {
			at = i
			break
		}
	}
	if at < 0 {
		return
	}
	pe.children = append(pe.children[:at], pe.children[at+1:]...)

	c.reindex(pe, at)
}

// RecordMove notes that child moved from oldParent to newParent at position.
// position is the child's index in newParent after the move.
func (c *Cache) RecordMove(oldParent, newParent, child string, position int) {
	c.RecordRemoval(oldParent, child)
	c.RecordInsertion(newParent, child, position)
}

// InvalidateChildren forgets parent's children snapshot and the rows derived
// from it. Ids are kept.
func (c *Cache) InvalidateChildren(parent string) {
	pe, ok := c.entries[parent]
	if !ok || !pe.populated {
		return
	}
	for _, k := range pe.children {
		if e, ok := c.entries[k]; ok {
			e.row = -1
		}
	}
	pe.children = nil
	pe.populated = false
}

// PurgeSubtree drops key and all its descendants, children first.
// It must run while key is still attached to the source tree, since it walks
// the source to find the descendants. Purged ids are never handed out again.
func (c *Cache) PurgeSubtree(key string) {
	if key == Root {
		return
	}

	seen := make(map[string]bool)
	for _, k := range c.src.Children(key) {
		seen[k] = true
		c.PurgeSubtree(k)
	}
	if e, ok := c.entries[key]; ok {
		for _, k := range e.children {
			if !seen[k] {
				c.PurgeSubtree(k)
			}
		}
		if e.id != NoID {
			delete(c.keys, e.id)
		}
		delete(c.entries, key)
	}
}

// Stats returns the current cache statistics
func (c *Cache) Stats() Stats {
	st := Stats{Entries: len(c.entries), NextID: c.nextID}
	for _, e := range c.entries {
		if e.populated {
			st.Populated++
		}
	}
	return st
}

func (c *Cache) reindex(pe *entry, from int) {
	for i := from; i < len(pe.children); i++ {
		c.entry(pe.children[i]).row = i
	}
}
