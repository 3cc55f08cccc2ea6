// Package archive stores a project inside a single compressed ZIP archive.
//
// Every operation opens the archive, does its work and closes it again; no
// handle is kept between calls. Edits (add, rename, delete) rewrite the archive
// into a temp file next to it by copying untouched entries in their compressed
// form, then atomically rename the temp file over the original.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the codec used for newly written entries
type Compression string

const (
	CompressionStore   Compression = "store"
	CompressionDeflate Compression = "deflate"
	CompressionZstd    Compression = "zstd"
)

// Kind distinguishes file entries from directory entries
type Kind uint8

const (
	KindFile Kind = iota
	KindDir
)

// Entry is one item to write into an archive.
// Directories carry no source. A file with an empty Source is written empty.
type Entry struct {
	Path   string
	Source string
	Kind   Kind
}

// Info describes an entry already present in an archive
type Info struct {
	Path           string
	Kind           Kind
	Size           uint64
	CompressedSize uint64
	Modified       time.Time
}

// Store implements archive operations on ZIP files
type Store struct {
	compression Compression
	level       int
	logger      *slog.Logger
}

// Option configures a Store
type Option func(*Store)

// WithCompression sets the codec and level for new entries.
// The level is only used by deflate; zero means the codec default.
func WithCompression(c Compression, level int) Option {
	return func(s *Store) {
		s.compression = c
		s.level = level
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates a new archive store
func NewStore(opts ...Option) *Store {
	s := &Store{
		compression: CompressionDeflate,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	return s
}

// ParseCompression validates a compression name
func ParseCompression(name string) (Compression, error) {
	switch c := Compression(strings.ToLower(name)); c {
	case CompressionStore, CompressionDeflate, CompressionZstd:
		return c, nil
	default:
		return "", fmt.Errorf("unknown compression %q (must be store, deflate, or zstd)", name)
	}
}

func (s *Store) method() uint16 {
	switch s.compression {
	case CompressionStore:
		return zip.Store
	case CompressionZstd:
		return zstd.ZipMethodWinZip
	default:
		return zip.Deflate
	}
}

func (s *Store) registerCompressors(w *zip.Writer) {
	level := s.level
	if level == 0 {
		level = flate.DefaultCompression
	}
	w.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})
	w.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor())
}

func registerDecompressors(r *zip.Reader) {
	r.RegisterDecompressor(zip.Deflate, flate.NewReader)
	r.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())
}

// Create builds a new archive at archivePath seeded with entries,
// replacing any file already there.
func (s *Store) Create(ctx context.Context, archivePath string, entries []Entry) error {
	if err := os.MkdirAll(filepath.Dir(archivePath), 0755); err != nil {
		return wrap("create", archivePath, "", err)
	}

	tmpPath, err := s.writeTemp(archivePath, 0644, func(zw *zip.Writer) error {
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.writeEntry(zw, e); err != nil {
				return wrap("create", archivePath, e.Path, err)
			}
		}
		return nil
	})
	if err != nil {
		return wrap("create", archivePath, "", err)
	}
	if err := commitTemp(tmpPath, archivePath); err != nil {
		return wrap("create", archivePath, "", err)
	}

	s.logger.Debug("archive created", "archive", archivePath, "entries", len(entries))
	return nil
}

// Read returns the bytes of one file entry.
// A missing entry is reported as found == false with a nil error.
func (s *Store) Read(ctx context.Context, archivePath, internal string) ([]byte, bool, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, false, wrap("read", archivePath, internal, err)
	}
	defer func() {
		_ = zr.Close()
	}()
	registerDecompressors(&zr.Reader)

	want := entryName(internal)
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, false, wrap("read", archivePath, internal, err)
		}
		if f.Name != want {
			continue
		}
		data, err := readFile(f)
		if err != nil {
			return nil, false, wrap("read", archivePath, internal, err)
		}
		return data, true, nil
	}

	return nil, false, nil
}

// Has reports whether the archive holds an entry (file or directory).
// Any failure to open the archive counts as not found.
func (s *Store) Has(archivePath, internal string) bool {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		s.logger.Debug("existence probe failed", "archive", archivePath, "entry", internal, "error", err)
		return false
	}
	defer func() {
		_ = zr.Close()
	}()

	want := entryName(internal)
	for _, f := range zr.File {
		if f.Name == want || f.Name == want+"/" {
			return true
		}
	}
	return false
}

// ExtractAll extracts every entry into dest
func (s *Store) ExtractAll(ctx context.Context, archivePath, dest string) error {
	return s.Extract(ctx, archivePath, "", dest)
}

// Extract extracts the entries below prefix into dest, stripping the prefix.
// An empty prefix extracts everything.
func (s *Store) Extract(ctx context.Context, archivePath, prefix, dest string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return wrap("extract", archivePath, "", err)
	}
	defer func() {
		_ = zr.Close()
	}()
	registerDecompressors(&zr.Reader)

	root, err := filepath.Abs(dest)
	if err != nil {
		return wrap("extract", archivePath, "", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return wrap("extract", archivePath, "", err)
	}

	if prefix != "" {
		prefix = entryName(prefix) + "/"
	}

	count := 0
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return wrap("extract", archivePath, "", err)
		}
		if !strings.HasPrefix(f.Name, prefix) {
			continue
		}
		rel := strings.TrimPrefix(f.Name, prefix)
		if rel == "" {
			continue
		}

		target := filepath.Join(root, filepath.FromSlash(rel))
		if target != root && !strings.HasPrefix(target, root+string(filepath.Separator)) {
			return wrap("extract", archivePath, f.Name, fmt.Errorf("entry escapes destination"))
		}

		if strings.HasSuffix(f.Name, "/") {
			if err := os.MkdirAll(target, 0755); err != nil {
				return wrap("extract", archivePath, f.Name, err)
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return wrap("extract", archivePath, f.Name, err)
		}
		count++
	}

	s.logger.Debug("archive extracted", "archive", archivePath, "prefix", prefix, "dest", root, "files", count)
	return nil
}

// List returns every entry in archive order
func (s *Store) List(ctx context.Context, archivePath string) ([]Info, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, wrap("list", archivePath, "", err)
	}
	defer func() {
		_ = zr.Close()
	}()

	infos := make([]Info, 0, len(zr.File))
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return nil, wrap("list", archivePath, "", err)
		}
		info := Info{
			Path:           strings.TrimSuffix(f.Name, "/"),
			Kind:           KindFile,
			Size:           f.UncompressedSize64,
			CompressedSize: f.CompressedSize64,
			Modified:       f.Modified,
		}
		if strings.HasSuffix(f.Name, "/") {
			info.Kind = KindDir
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Add writes entries into an existing archive, replacing entries with the
// same path. Unrelated entries are copied without recompression.
func (s *Store) Add(ctx context.Context, archivePath string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	replaced := make(map[string]bool, len(entries))
	for _, e := range entries {
		replaced[entryName(e.Path)] = true
	}

	err := s.rewrite(ctx, "add", archivePath, func(files []*zip.File, zw *zip.Writer) error {
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return err
			}
			if replaced[strings.TrimSuffix(f.Name, "/")] {
				continue
			}
			if err := zw.Copy(f); err != nil {
				return wrap("add", archivePath, f.Name, err)
			}
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := s.writeEntry(zw, e); err != nil {
				return wrap("add", archivePath, e.Path, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("archive entries added", "archive", archivePath, "count", len(entries))
	return nil
}

// AddBytes writes data as a single file entry, staged through a temp file
func (s *Store) AddBytes(ctx context.Context, archivePath, internal string, data []byte) error {
	tmp, err := os.CreateTemp("", ".storypack-entry-*")
	if err != nil {
		return wrap("add", archivePath, internal, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return wrap("add", archivePath, internal, err)
	}
	if err := tmp.Close(); err != nil {
		return wrap("add", archivePath, internal, err)
	}

	return s.Add(ctx, archivePath, []Entry{{Path: internal, Source: tmpPath, Kind: KindFile}})
}

// Rename renames entries in place. All renames apply at once, so swaps and
// chains are safe. Directory entries match with or without a trailing slash.
// An existing entry occupying a rename target is replaced. Missing sources are
// skipped.
func (s *Store) Rename(ctx context.Context, archivePath string, renames map[string]string) error {
	if len(renames) == 0 {
		return nil
	}

	targets := make(map[string]string, len(renames))
	for from, to := range renames {
		targets[entryName(from)] = entryName(to)
	}

	renamed := 0
	err := s.rewrite(ctx, "rename", archivePath, func(files []*zip.File, zw *zip.Writer) error {
		// only renames whose source exists may evict an occupant
		occupied := make(map[string]bool, len(targets))
		for _, f := range files {
			if to, ok := targets[strings.TrimSuffix(f.Name, "/")]; ok {
				occupied[to] = true
			}
		}

		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return err
			}

			name := strings.TrimSuffix(f.Name, "/")
			to, ok := targets[name]
			if !ok {
				if occupied[name] {
					// replaced by a renamed entry
					continue
				}
				if err := zw.Copy(f); err != nil {
					return wrap("rename", archivePath, f.Name, err)
				}
				continue
			}

			if strings.HasSuffix(f.Name, "/") {
				to += "/"
			}
			if err := copyRaw(zw, f, to); err != nil {
				return wrap("rename", archivePath, f.Name, err)
			}
			renamed++
		}
		return nil
	})
	if err != nil {
		return err
	}

	if renamed < len(targets) {
		s.logger.Debug("some rename sources were not found", "archive", archivePath, "requested", len(targets), "renamed", renamed)
	}
	s.logger.Debug("archive entries renamed", "archive", archivePath, "count", renamed)
	return nil
}

// Delete removes entries in place. Missing entries are ignored.
func (s *Store) Delete(ctx context.Context, archivePath string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}

	doomed := make(map[string]bool, len(paths))
	for _, p := range paths {
		doomed[entryName(p)] = true
	}

	deleted := 0
	err := s.rewrite(ctx, "delete", archivePath, func(files []*zip.File, zw *zip.Writer) error {
		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return err
			}
			if doomed[strings.TrimSuffix(f.Name, "/")] {
				deleted++
				continue
			}
			if err := zw.Copy(f); err != nil {
				return wrap("delete", archivePath, f.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug("archive entries deleted", "archive", archivePath, "count", deleted)
	return nil
}

// CreateBlanks materialises empty files and directories
func (s *Store) CreateBlanks(ctx context.Context, archivePath string, blanks map[string]Kind) error {
	if len(blanks) == 0 {
		return nil
	}

	kinds := make(map[string]Kind, len(blanks))
	for p, k := range blanks {
		kinds[entryName(p)] = k
	}
	// parents sort before their children
	names := slices.Sorted(maps.Keys(kinds))

	entries := make([]Entry, 0, len(names))
	for _, name := range names {
		entries = append(entries, Entry{Path: name, Kind: kinds[name]})
	}
	return s.Add(ctx, archivePath, entries)
}

// rewrite streams the archive through plan into a temp file and swaps it in
func (s *Store) rewrite(ctx context.Context, op, archivePath string, plan func(files []*zip.File, zw *zip.Writer) error) error {
	if err := ctx.Err(); err != nil {
		return wrap(op, archivePath, "", err)
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return wrap(op, archivePath, "", err)
	}

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return wrap(op, archivePath, "", err)
	}
	registerDecompressors(&zr.Reader)

	tmpPath, err := s.writeTemp(archivePath, info.Mode().Perm(), func(zw *zip.Writer) error {
		return plan(zr.File, zw)
	})
	// the reader must be closed before the temp file replaces the archive
	_ = zr.Close()
	if err != nil {
		return wrap(op, archivePath, "", err)
	}

	if err := commitTemp(tmpPath, archivePath); err != nil {
		return wrap(op, archivePath, "", err)
	}
	return nil
}

// writeTemp writes a new archive through fill into a temp file beside
// archivePath and returns the temp file's path
func (s *Store) writeTemp(archivePath string, mode fs.FileMode, fill func(zw *zip.Writer) error) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(archivePath), ".storypack-tmp-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	fail := func(err error) (string, error) {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}

	zw := zip.NewWriter(tmp)
	s.registerCompressors(zw)

	if err := fill(zw); err != nil {
		_ = zw.Close()
		return fail(err)
	}
	if err := zw.Close(); err != nil {
		return fail(err)
	}
	if err := tmp.Chmod(mode); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	return tmpPath, nil
}

// commitTemp atomically replaces archivePath with tmpPath
func commitTemp(tmpPath, archivePath string) error {
	if err := os.Rename(tmpPath, archivePath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *Store) writeEntry(zw *zip.Writer, e Entry) error {
	name := entryName(e.Path)
	if name == "" {
		return errors.New("empty entry path")
	}

	if e.Kind == KindDir {
		_, err := zw.CreateHeader(&zip.FileHeader{
			Name:     name + "/",
			Method:   zip.Store,
			Modified: time.Now(),
		})
		return err
	}

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   s.method(),
		Modified: time.Now(),
	})
	if err != nil {
		return err
	}
	if e.Source == "" {
		return nil
	}

	src, err := os.Open(e.Source)
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()

	_, err = io.Copy(w, src)
	return err
}

// copyRaw copies f under a new name without recompressing it
func copyRaw(zw *zip.Writer, f *zip.File, name string) error {
	fh := f.FileHeader
	fh.Name = name

	w, err := zw.CreateRaw(&fh)
	if err != nil {
		return err
	}
	r, err := f.OpenRaw()
	if err != nil {
		return err
	}
	_, err = io.Copy(w, r)
	return err
}

func readFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rc.Close()
	}()
	return io.ReadAll(rc)
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() {
		_ = rc.Close()
	}()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// entryName normalises an internal path to its archive form, without a
// trailing slash
func entryName(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = path.Clean("/" + p)
	return strings.TrimPrefix(p, "/")
}
