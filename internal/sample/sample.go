// Package sample ships the demo project used for new sample archives
package sample

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

//go:embed content
var content embed.FS

const contentDir = "content"

// File is one sample entry, relative to the content root
type File struct {
	Path string
	Dir  bool
	Data []byte
}

// Files returns the sample tree in walk order (parents before children)
func Files() ([]File, error) {
	var files []File
	err := fs.WalkDir(content, contentDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == contentDir {
			return nil
		}
		rel := p[len(contentDir)+1:]
		if d.IsDir() {
			files = append(files, File{Path: rel, Dir: true})
			return nil
		}
		data, err := content.ReadFile(p)
		if err != nil {
			return err
		}
		files = append(files, File{Path: rel, Data: data})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read sample content: %w", err)
	}
	return files, nil
}

// WriteTo materialises the sample tree below dir and returns its files
func WriteTo(dir string) ([]File, error) {
	files, err := Files()
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		target := filepath.Join(dir, filepath.FromSlash(f.Path))
		if f.Dir {
			if err := os.MkdirAll(target, 0755); err != nil {
				return nil, fmt.Errorf("failed to create sample directory: %w", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return nil, fmt.Errorf("failed to create sample directory: %w", err)
		}
		if err := os.WriteFile(target, f.Data, 0644); err != nil {
			return nil, fmt.Errorf("failed to write sample file: %w", err)
		}
	}
	return files, nil
}
