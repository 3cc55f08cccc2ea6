package tree

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/google/uuid"
)

const (
	// ManifestVersion is written into every manifest
	ManifestVersion = 1

	// ContentRoot is the archive folder holding file content
	ContentRoot = "story"

	tagRoot         = "root"
	tagDir          = "dir"
	tagDirectoryOld = "directory"
	tagFile         = "file"
)

type xmlRoot struct {
	XMLName     xml.Name  `xml:"root"`
	Version     int       `xml:"version,attr,omitempty"`
	ContentRoot string    `xml:"relative_path,attr"`
	Nodes       []xmlNode `xml:",any"`
}

type xmlNode struct {
	XMLName  xml.Name
	Key      string    `xml:"key,attr"`
	Path     string    `xml:"relative_path,attr"`
	Expanded string    `xml:"expanded,attr"`
	Nodes    []xmlNode `xml:",any"`
}

// Load parses a manifest into a committed tree
func Load(manifest []byte) (*Tree, error) {
	var doc xmlRoot
	if err := xml.Unmarshal(manifest, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestCorruption, err)
	}
	if doc.Version > ManifestVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrManifestCorruption, doc.Version)
	}
	if doc.ContentRoot != "" && doc.ContentRoot != ContentRoot {
		return nil, fmt.Errorf("%w: unexpected content root %q", ErrManifestCorruption, doc.ContentRoot)
	}

	t := newTree()
	for _, xn := range doc.Nodes {
		if err := t.load(xn, Root); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrManifestCorruption, err)
		}
	}
	return t, nil
}

func (t *Tree) load(xn xmlNode, parent string) error {
	var kind Kind
	switch xn.XMLName.Local {
	case tagDir, tagDirectoryOld:
		kind = Directory
	case tagFile:
		kind = File
	default:
		return fmt.Errorf("unknown tag <%s>", xn.XMLName.Local)
	}

	if _, err := uuid.Parse(xn.Key); err != nil {
		return fmt.Errorf("invalid key %q: %v", xn.Key, err)
	}
	if _, dup := t.nodes[xn.Key]; dup {
		return fmt.Errorf("duplicate key %q", xn.Key)
	}

	p := t.nodes[parent]
	name := baseName(xn.Path)
	if xn.Path == "" || joinPath(p.path, name) != xn.Path {
		return fmt.Errorf("path %q does not belong under %q", xn.Path, p.path)
	}
	if err := validateName(name, parent); err != nil {
		return err
	}
	if t.collides(parent, name, "") {
		return fmt.Errorf("duplicate path %q", xn.Path)
	}
	if kind == File && len(xn.Nodes) > 0 {
		return fmt.Errorf("file %q has children", xn.Path)
	}

	t.nodes[xn.Key] = &node{
		key:      xn.Key,
		kind:     kind,
		path:     xn.Path,
		original: xn.Path,
		expanded: strings.EqualFold(xn.Expanded, "true"),
		parent:   parent,
	}
	p.children = append(p.children, xn.Key)

	for _, child := range xn.Nodes {
		if err := t.load(child, xn.Key); err != nil {
			return err
		}
	}
	return nil
}

// Manifest serialises the live tree. Staged paths are written as they are,
// so the result describes the tree as it will be once committed.
func (t *Tree) Manifest() ([]byte, error) {
	doc := xmlRoot{
		Version:     ManifestVersion,
		ContentRoot: ContentRoot,
		Nodes:       t.xmlNodes(Root),
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func (t *Tree) xmlNodes(parent string) []xmlNode {
	kids := t.nodes[parent].children
	if len(kids) == 0 {
		return nil
	}
	out := make([]xmlNode, 0, len(kids))
	for _, k := range kids {
		n := t.nodes[k]
		tag := tagFile
		if n.kind == Directory {
			tag = tagDir
		}
		out = append(out, xmlNode{
			XMLName:  xml.Name{Local: tag},
			Key:      n.key,
			Path:     n.path,
			Expanded: fmt.Sprintf("%t", n.expanded),
			Nodes:    t.xmlNodes(k),
		})
	}
	return out
}

// Entry is a path found on disk or in an archive, used to build a tree
// without a manifest
type Entry struct {
	Path string
	Kind Kind
}

// FromEntries builds a committed tree from a flat list of paths, assigning a
// fresh key to every node. Missing parent directories are created. Siblings
// are ordered directories first, then by name.
func FromEntries(entries []Entry) (*Tree, error) {
	sorted := slices.Clone(entries)
	for i := range sorted {
		sorted[i].Path = strings.Trim(path.Clean("/"+strings.ReplaceAll(sorted[i].Path, `\`, "/")), "/")
	}
	slices.SortStableFunc(sorted, func(a, b Entry) int {
		return strings.Compare(a.Path, b.Path)
	})

	t := newTree()
	byPath := map[string]string{"": Root}

	var ensure func(p string, kind Kind) (string, error)
	ensure = func(p string, kind Kind) (string, error) {
		if key, ok := byPath[p]; ok {
			if kind == Directory && t.nodes[key].kind != Directory {
				return "", fmt.Errorf("%w: %q is both a file and a directory", ErrStructuralConflict, p)
			}
			return key, nil
		}
		parent, err := ensure(parentPath(p), Directory)
		if err != nil {
			return "", err
		}
		name := baseName(p)
		if err := validateName(name, parent); err != nil {
			return "", err
		}
		if t.collides(parent, name, "") {
			return "", fmt.Errorf("%w: %q collides with a sibling", ErrStructuralConflict, p)
		}

		key := uuid.NewString()
		t.nodes[key] = &node{key: key, kind: kind, path: p, original: p, parent: parent}
		pn := t.nodes[parent]
		pn.children = append(pn.children, key)
		byPath[p] = key
		return key, nil
	}

	for _, e := range sorted {
		if e.Path == "" {
			continue
		}
		if _, err := ensure(e.Path, e.Kind); err != nil {
			return nil, err
		}
	}

	t.sortChildren(Root)
	return t, nil
}

func (t *Tree) sortChildren(key string) {
	n := t.nodes[key]
	slices.SortStableFunc(n.children, func(a, b string) int {
		na, nb := t.nodes[a], t.nodes[b]
		if na.kind != nb.kind {
			if na.kind == Directory {
				return -1
			}
			return 1
		}
		return strings.Compare(canonical(baseName(na.path)), canonical(baseName(nb.path)))
	})
	for _, k := range n.children {
		t.sortChildren(k)
	}
}

func parentPath(p string) string {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return ""
	}
	return p[:i]
}
