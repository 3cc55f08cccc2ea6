package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schaermu/storypack/internal/archive"
	"github.com/schaermu/storypack/internal/testutil"
	"github.com/schaermu/storypack/internal/tree"
)

var errInjected = errors.New("injected failure")

// faultyArchiver fails the named operation
type faultyArchiver struct {
	Archiver
	failOn string
}

func (f *faultyArchiver) fail(op, archivePath string) error {
	return &archive.Error{Op: op, Archive: archivePath, Err: errInjected}
}

func (f *faultyArchiver) Add(ctx context.Context, archivePath string, entries []archive.Entry) error {
	if f.failOn == "add" {
		return f.fail("add", archivePath)
	}
	return f.Archiver.Add(ctx, archivePath, entries)
}

func (f *faultyArchiver) Rename(ctx context.Context, archivePath string, renames map[string]string) error {
	if f.failOn == "rename" {
		return f.fail("rename", archivePath)
	}
	return f.Archiver.Rename(ctx, archivePath, renames)
}

// blockingArchiver parks the first Rename until its context is cancelled
type blockingArchiver struct {
	Archiver
	entered chan struct{}
	once    sync.Once
}

func (b *blockingArchiver) Rename(ctx context.Context, archivePath string, renames map[string]string) error {
	b.once.Do(func() {
		close(b.entered)
		<-ctx.Done()
	})
	if err := ctx.Err(); err != nil {
		return &archive.Error{Op: "rename", Archive: archivePath, Err: err}
	}
	return b.Archiver.Rename(ctx, archivePath, renames)
}

// blanksBlockingArchiver parks the first CreateBlanks, which runs after the
// renames have already reached the archive, until its context is cancelled
type blanksBlockingArchiver struct {
	Archiver
	entered chan struct{}
	once    sync.Once
}

func (b *blanksBlockingArchiver) CreateBlanks(ctx context.Context, archivePath string, blanks map[string]archive.Kind) error {
	b.once.Do(func() {
		close(b.entered)
		<-ctx.Done()
	})
	if err := ctx.Err(); err != nil {
		return &archive.Error{Op: "create", Archive: archivePath, Err: err}
	}
	return b.Archiver.CreateBlanks(ctx, archivePath, blanks)
}

// readCountingArchiver counts reads of each archive entry
type readCountingArchiver struct {
	Archiver
	reads map[string]int
}

func (r *readCountingArchiver) Read(ctx context.Context, archivePath, internal string) ([]byte, bool, error) {
	r.reads[internal]++
	return r.Archiver.Read(ctx, archivePath, internal)
}

type env struct {
	dir  string
	opts Options
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	return &env{
		dir: dir,
		opts: Options{
			TempRoot:    filepath.Join(dir, "tmp"),
			RollbackDir: filepath.Join(dir, "rollback"),
			Logger:      testutil.Logger(),
		},
	}
}

func (e *env) open(t *testing.T, archivePath string) *Session {
	t.Helper()
	s, err := Open(context.Background(), archivePath, ModeOpen, e.opts)
	require.NoError(t, err)
	return s
}

// project writes a legacy archive holding the given content files
func (e *env) project(t *testing.T, files map[string]string) string {
	t.Helper()
	entries := make(map[string]string, len(files))
	for p, content := range files {
		entries[contentPath(p)] = content
	}
	return testutil.LegacyArchive(t, e.dir, "novel.story", entries)
}

func keyOf(t *testing.T, s *Session, p string) string {
	t.Helper()
	var key string
	require.NoError(t, s.Walk(func(n tree.Node, _ int) error {
		if n.Path == p {
			key = n.Key
		}
		return nil
	}))
	require.NotEmpty(t, key, "no node at %q", p)
	return key
}

func readEntry(t *testing.T, archivePath, internal string) (string, bool) {
	t.Helper()
	data, found, err := archive.NewStore().Read(context.Background(), archivePath, internal)
	require.NoError(t, err)
	return string(data), found
}

func entryNames(t *testing.T, archivePath string) []string {
	t.Helper()
	infos, err := archive.NewStore().List(context.Background(), archivePath)
	require.NoError(t, err)
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.Path)
	}
	return out
}

type shape struct {
	Key  string
	Path string
	Kind tree.Kind
}

func shapeOf(t *testing.T, s *Session) []shape {
	t.Helper()
	var out []shape
	require.NoError(t, s.Walk(func(n tree.Node, _ int) error {
		out = append(out, shape{n.Key, n.Path, n.Kind})
		return nil
	}))
	return out
}

func TestOpen_CreatesEmptyProject(t *testing.T) {
	e := newEnv(t)
	archivePath := filepath.Join(e.dir, "projects", "empty.story")

	s := e.open(t, archivePath)
	require.Equal(t, "empty", s.Name())
	require.Empty(t, s.Items())
	require.False(t, s.HasChanges())

	_, found := readEntry(t, archivePath, ManifestName)
	require.True(t, found)
	require.DirExists(t, filepath.Join(e.opts.TempRoot, "empty"))
}

func TestOpen_Sample(t *testing.T) {
	e := newEnv(t)
	archivePath := filepath.Join(e.dir, "Candide.story")

	s, err := Open(context.Background(), archivePath, ModeSample, e.opts)
	require.NoError(t, err)

	items := s.Items()
	require.Len(t, items, 2)
	require.Equal(t, "Candide", items[0].Name)
	require.Equal(t, tree.Directory, items[0].Kind)
	require.Len(t, items[0].Children, 2)
	require.Equal(t, "Notes.txt", items[1].Name)

	text, err := s.SwitchActive(context.Background(), keyOf(t, s, "Candide/Chapter 1.txt"), "")
	require.NoError(t, err)
	require.Contains(t, text, "Westphalia")
}

func TestOpen_MigratesLegacyArchive(t *testing.T) {
	e := newEnv(t)
	archivePath := testutil.LegacyArchive(t, e.dir, "legacy.story", map[string]string{
		"story/Chapters/Ch1.txt": "one",
		"story/.Ch1.txt~":        "stray staging file",
		"story/Empty/":           "",
	})

	s := e.open(t, archivePath)
	require.Equal(t, []shape{
		{keyOf(t, s, "Chapters"), "Chapters", tree.Directory},
		{keyOf(t, s, "Chapters/Ch1.txt"), "Chapters/Ch1.txt", tree.File},
		{keyOf(t, s, "Empty"), "Empty", tree.Directory},
	}, shapeOf(t, s))
	require.False(t, s.HasChanges())

	// the synthesized manifest is persisted, so keys survive a reopen
	again := e.open(t, archivePath)
	require.Equal(t, shapeOf(t, s), shapeOf(t, again))
}

func TestOpen_ChecksManifestBeforeReading(t *testing.T) {
	e := newEnv(t)
	archivePath := e.project(t, map[string]string{"Ch1.txt": "one"})
	counting := &readCountingArchiver{Archiver: archive.NewStore(), reads: map[string]int{}}
	e.opts.Archiver = counting

	e.open(t, archivePath)
	require.Zero(t, counting.reads[ManifestName], "a legacy archive has no manifest to read")

	e.open(t, archivePath)
	require.Equal(t, 1, counting.reads[ManifestName])
}

func TestOpen_CorruptManifestTriggersMigration(t *testing.T) {
	e := newEnv(t)
	archivePath := testutil.LegacyArchive(t, e.dir, "corrupt.story", map[string]string{
		"story/Ch1.txt": "one",
		ManifestName:    "<root><file key=\"not-a-uuid\"",
	})

	s := e.open(t, archivePath)
	require.Len(t, shapeOf(t, s), 1)

	data, found := readEntry(t, archivePath, ManifestName)
	require.True(t, found)
	_, err := tree.Load([]byte(data))
	require.NoError(t, err)
}

func TestSwitchActive_DirtyTracking(t *testing.T) {
	e := newEnv(t)
	s := e.open(t, e.project(t, map[string]string{"Ch1.txt": "clean text"}))
	key := keyOf(t, s, "Ch1.txt")
	ctx := context.Background()

	text, err := s.SwitchActive(ctx, key, "")
	require.NoError(t, err)
	require.Equal(t, "clean text", text)
	require.Equal(t, key, s.ActiveKey())

	require.Equal(t, []string{key}, s.NoteEdits("edited"))
	require.True(t, s.HasChanges())
	require.Empty(t, s.NoteEdits("clean text"))
	require.False(t, s.HasChanges())
}

func TestSwitchActive_Errors(t *testing.T) {
	e := newEnv(t)
	s := e.open(t, e.project(t, map[string]string{"Chapters/Ch1.txt": "x"}))
	ctx := context.Background()

	_, err := s.SwitchActive(ctx, keyOf(t, s, "Chapters"), "")
	require.ErrorIs(t, err, ErrNotAFile)

	_, err = s.SwitchActive(ctx, "missing", "")
	require.ErrorIs(t, err, tree.ErrNotFound)

	require.ErrorIs(t, s.AutoSave("text"), ErrNoActive)
}

func TestSwitchActive_FlushesAndRestoresStagedText(t *testing.T) {
	e := newEnv(t)
	archivePath := e.project(t, map[string]string{"A.txt": "alpha", "B.txt": "beta"})
	s := e.open(t, archivePath)
	a, b := keyOf(t, s, "A.txt"), keyOf(t, s, "B.txt")
	ctx := context.Background()

	_, err := s.SwitchActive(ctx, a, "")
	require.NoError(t, err)

	// leaving A with edits stages them
	text, err := s.SwitchActive(ctx, b, "alpha, edited")
	require.NoError(t, err)
	require.Equal(t, "beta", text)
	require.FileExists(t, filepath.Join(e.opts.TempRoot, "novel", a+".txt~"))

	text, err = s.SwitchActive(ctx, a, "beta")
	require.NoError(t, err)
	require.Equal(t, "alpha, edited", text)
	require.Contains(t, s.Dirty(), a)

	// leaving B unchanged does not stage it
	require.NoFileExists(t, filepath.Join(e.opts.TempRoot, "novel", b+".txt~"))

	// reverting A removes the stale staging file
	_, err = s.SwitchActive(ctx, b, "alpha")
	require.NoError(t, err)
	require.NoFileExists(t, filepath.Join(e.opts.TempRoot, "novel", a+".txt~"))
	require.NotContains(t, s.Dirty(), a)
}

func TestAutoSave_SurvivesCrash(t *testing.T) {
	e := newEnv(t)
	archivePath := e.project(t, map[string]string{"Ch1.txt": "committed"})
	ctx := context.Background()

	s := e.open(t, archivePath)
	key := keyOf(t, s, "Ch1.txt")
	_, err := s.SwitchActive(ctx, key, "")
	require.NoError(t, err)
	require.NoError(t, s.AutoSave("unsaved draft"))

	// no Close: the process died
	again := e.open(t, archivePath)
	text, err := again.SwitchActive(ctx, key, "")
	require.NoError(t, err)
	require.Equal(t, "unsaved draft", text)
	require.Equal(t, []string{key}, again.Dirty())

	got, _ := readEntry(t, archivePath, "story/Ch1.txt")
	require.Equal(t, "committed", got)
}

func TestCut_ReportsAffectedAndActive(t *testing.T) {
	e := newEnv(t)
	s := e.open(t, e.project(t, map[string]string{
		"Chapters/Ch1.txt":      "one",
		"Chapters/Part/Ch2.txt": "two",
		"Notes.txt":             "notes",
	}))
	ctx := context.Background()
	dir := keyOf(t, s, "Chapters")
	ch2 := keyOf(t, s, "Chapters/Part/Ch2.txt")

	_, err := s.SwitchActive(ctx, ch2, "")
	require.NoError(t, err)
	s.NoteEdits("two, edited")

	affected, activeRemoved, err := s.Cut(dir)
	require.NoError(t, err)
	require.Len(t, affected, 4)
	require.Equal(t, dir, affected[0])
	require.Contains(t, affected, ch2)
	require.True(t, activeRemoved)
	require.Empty(t, s.ActiveKey())
	require.Empty(t, s.Dirty())
	require.True(t, s.HasChanges())

	_, found := s.Find(ch2)
	require.False(t, found)
	require.Equal(t, 1, s.ChildCount(tree.Root))

	affected, activeRemoved, err = s.Cut(keyOf(t, s, "Notes.txt"))
	require.NoError(t, err)
	require.Len(t, affected, 1)
	require.False(t, activeRemoved)
}

func TestSave_ScenarioA_DirectoryRename(t *testing.T) {
	e := newEnv(t)
	archivePath := e.project(t, map[string]string{"Chapters/Ch1.txt": "one"})
	s := e.open(t, archivePath)
	a, b := keyOf(t, s, "Chapters"), keyOf(t, s, "Chapters/Ch1.txt")

	require.NoError(t, s.Rename(a, "Book"))
	n, _ := s.Find(b)
	require.Equal(t, "Book/Ch1.txt", n.Path)

	report, err := s.Save(context.Background(), "")
	require.NoError(t, err)
	require.FileExists(t, report.BackupPath)
	require.Equal(t, 2, report.Renames)

	names := entryNames(t, archivePath)
	require.Contains(t, names, "story/Book/Ch1.txt")
	require.Contains(t, names, "story/Book")
	require.NotContains(t, names, "story/Chapters")
	require.NotContains(t, names, "story/Chapters/Ch1.txt")

	got, _ := readEntry(t, archivePath, "story/Book/Ch1.txt")
	require.Equal(t, "one", got)

	n, _ = s.Find(b)
	require.Equal(t, tree.Clean, n.State)
	require.False(t, s.HasChanges())
}

func TestSave_ScenarioB_SoftAndHardCuts(t *testing.T) {
	e := newEnv(t)
	archivePath := e.project(t, map[string]string{"B.txt": "bee", "C.txt": "sea"})
	s := e.open(t, archivePath)
	kb, kc := keyOf(t, s, "B.txt"), keyOf(t, s, "C.txt")
	ctx := context.Background()

	// C gets staged edits, B stays clean
	_, err := s.SwitchActive(ctx, kc, "")
	require.NoError(t, err)
	s.NoteEdits("sea, edited")
	_, err = s.SwitchActive(ctx, kb, "sea, edited")
	require.NoError(t, err)

	_, activeRemoved, err := s.Cut(kb)
	require.NoError(t, err)
	require.True(t, activeRemoved)
	_, _, err = s.Cut(kc)
	require.NoError(t, err)

	report, err := s.Save(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, report.HardCuts)
	require.Equal(t, 1, report.SoftCuts)

	names := entryNames(t, archivePath)
	require.NotContains(t, names, "story/B.txt")
	require.NotContains(t, names, ".cut/"+kb+"/B.txt")
	require.NotContains(t, names, "story/C.txt")

	got, found := readEntry(t, archivePath, ".cut/"+kc+"/C.txt")
	require.True(t, found)
	require.Equal(t, "sea", got)
	require.False(t, s.HasChanges())
	require.NoFileExists(t, s.stagingPath(kc))

	// the reserved namespace never shows up in the tree
	again := e.open(t, archivePath)
	require.Empty(t, again.Items())
}

func TestSave_RemovesStagingOfCutFiles(t *testing.T) {
	e := newEnv(t)
	archivePath := e.project(t, map[string]string{"Book/Ch1.txt": "one", "Notes.txt": "notes"})
	s := e.open(t, archivePath)
	book, ch1, notes := keyOf(t, s, "Book"), keyOf(t, s, "Book/Ch1.txt"), keyOf(t, s, "Notes.txt")
	ctx := context.Background()

	draft, err := s.Add("Draft.txt", tree.File, tree.Root)
	require.NoError(t, err)
	_, err = s.SwitchActive(ctx, ch1, "")
	require.NoError(t, err)
	_, err = s.SwitchActive(ctx, draft, "edited chapter")
	require.NoError(t, err)
	_, err = s.SwitchActive(ctx, notes, "edited draft")
	require.NoError(t, err)
	require.FileExists(t, s.stagingPath(ch1))
	require.FileExists(t, s.stagingPath(draft))

	_, _, err = s.Cut(book)
	require.NoError(t, err)
	_, _, err = s.Cut(draft)
	require.NoError(t, err)

	_, err = s.Save(ctx, "notes")
	require.NoError(t, err)
	require.NoFileExists(t, s.stagingPath(ch1))
	require.NoFileExists(t, s.stagingPath(draft))
	require.False(t, s.HasChanges())
}

func TestSave_ScenarioC_NewFile(t *testing.T) {
	e := newEnv(t)
	archivePath := e.project(t, map[string]string{"Ch1.txt": "one"})
	s := e.open(t, archivePath)

	d, err := s.Add("Notes.txt", tree.File, tree.Root)
	require.NoError(t, err)
	n, _ := s.Find(d)
	require.Equal(t, tree.New, n.State)
	require.Empty(t, n.OriginalPath)
	require.True(t, s.HasChanges())

	_, err = s.Save(context.Background(), "")
	require.NoError(t, err)

	got, found := readEntry(t, archivePath, "story/Notes.txt")
	require.True(t, found)
	require.Empty(t, got)

	n, _ = s.Find(d)
	require.Equal(t, tree.Clean, n.State)
	require.Equal(t, "Notes.txt", n.OriginalPath)
	require.False(t, s.HasChanges())
}

func TestSave_WritesDirtyText(t *testing.T) {
	e := newEnv(t)
	archivePath := e.project(t, map[string]string{"Ch1.txt": "one", "Ch2.txt": "two"})
	s := e.open(t, archivePath)
	k1, k2 := keyOf(t, s, "Ch1.txt"), keyOf(t, s, "Ch2.txt")
	ctx := context.Background()

	_, err := s.SwitchActive(ctx, k1, "")
	require.NoError(t, err)
	_, err = s.SwitchActive(ctx, k2, "one, revised")
	require.NoError(t, err)
	require.NoError(t, s.Rename(k2, "Two.txt"))

	report, err := s.Save(ctx, "two, revised")
	require.NoError(t, err)
	require.Equal(t, 2, report.Written)

	got, _ := readEntry(t, archivePath, "story/Ch1.txt")
	require.Equal(t, "one, revised", got)
	got, _ = readEntry(t, archivePath, "story/Two.txt")
	require.Equal(t, "two, revised", got)

	require.Empty(t, s.Dirty())
	require.NoFileExists(t, filepath.Join(e.opts.TempRoot, "novel", k1+".txt~"))
	require.Empty(t, s.NoteEdits("two, revised"))
}

func TestSave_RoundTrip(t *testing.T) {
	e := newEnv(t)
	archivePath := filepath.Join(e.dir, "Candide.story")
	s, err := Open(context.Background(), archivePath, ModeSample, e.opts)
	require.NoError(t, err)

	book := keyOf(t, s, "Candide")
	notes := keyOf(t, s, "Notes.txt")
	require.NoError(t, s.Rename(book, "Book"))
	require.NoError(t, s.Move(notes, book, tree.Inside))
	drafts, err := s.Add("Drafts", tree.Directory, tree.Root)
	require.NoError(t, err)
	_, err = s.Add("Idea.txt", tree.File, drafts)
	require.NoError(t, err)
	require.NoError(t, s.SetExpanded(book, true))

	want := shapeOf(t, s)
	_, err = s.Save(context.Background(), "")
	require.NoError(t, err)

	again := e.open(t, archivePath)
	require.Equal(t, want, shapeOf(t, again))
	require.False(t, again.HasChanges())
	require.NoError(t, again.Walk(func(n tree.Node, _ int) error {
		require.Equal(t, tree.Clean, n.State, n.Path)
		return nil
	}))
	n, _ := again.Find(book)
	require.True(t, n.Expanded)

	text, err := again.SwitchActive(context.Background(), notes, "")
	require.NoError(t, err)
	require.Contains(t, text, "Public domain")
}

func TestSave_BackupFailureAborts(t *testing.T) {
	e := newEnv(t)
	archivePath := e.project(t, map[string]string{"Ch1.txt": "one"})

	// a file where the rollback directory should be
	blocker := filepath.Join(e.dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	e.opts.RollbackDir = filepath.Join(blocker, "rollback")

	s := e.open(t, archivePath)
	require.NoError(t, s.Rename(keyOf(t, s, "Ch1.txt"), "One.txt"))

	report, err := s.Save(context.Background(), "")
	require.ErrorIs(t, err, ErrIO)
	require.Nil(t, report)

	require.Contains(t, entryNames(t, archivePath), "story/Ch1.txt")
	require.True(t, s.HasChanges())
}

func TestSave_FailureLeavesRestorableBackup(t *testing.T) {
	e := newEnv(t)
	archivePath := e.project(t, map[string]string{"Chapters/Ch1.txt": "one"})
	e.opts.Archiver = &faultyArchiver{Archiver: archive.NewStore(), failOn: "add"}

	s := e.open(t, archivePath)
	before := shapeOf(t, s)
	ch1 := keyOf(t, s, "Chapters/Ch1.txt")
	require.NoError(t, s.Rename(keyOf(t, s, "Chapters"), "Book"))
	_, err := s.SwitchActive(context.Background(), ch1, "")
	require.NoError(t, err)

	report, err := s.Save(context.Background(), "one, revised")
	require.Error(t, err)
	require.ErrorIs(t, err, archive.ErrArchiveFailure)
	require.ErrorIs(t, err, errInjected)
	require.NotNil(t, report)
	require.Contains(t, err.Error(), report.BackupPath)

	// the rename step already ran
	require.Contains(t, entryNames(t, archivePath), "story/Book/Ch1.txt")
	// and the session still holds everything that was pending
	require.True(t, s.HasChanges())
	require.Contains(t, s.Dirty(), ch1)

	require.NoError(t, s.RestoreBackup(context.Background(), report.BackupPath))
	require.Equal(t, before, shapeOf(t, s))
	require.False(t, s.HasChanges())

	got, found := readEntry(t, archivePath, "story/Chapters/Ch1.txt")
	require.True(t, found)
	require.Equal(t, "one", got)
}

func TestSave_PrunesBackups(t *testing.T) {
	e := newEnv(t)
	e.opts.KeepBackups = 2
	clock := time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)
	e.opts.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	s := e.open(t, e.project(t, map[string]string{"Ch1.txt": "one"}))
	for i := 0; i < 3; i++ {
		_, err := s.Save(context.Background(), "")
		require.NoError(t, err)
	}

	backups, err := s.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 2)
	require.Equal(t, "novel.story.2026-10-15_09_30_02.000000000.bak", filepath.Base(backups[0]))
	require.Equal(t, "novel.story.2026-10-15_09_30_03.000000000.bak", filepath.Base(backups[1]))
}

func TestSaveAsync_CancelRestoresBackup(t *testing.T) {
	e := newEnv(t)
	archivePath := e.project(t, map[string]string{"Ch1.txt": "one"})
	blocking := &blockingArchiver{Archiver: archive.NewStore(), entered: make(chan struct{})}
	e.opts.Archiver = blocking

	s := e.open(t, archivePath)
	require.NoError(t, s.Rename(keyOf(t, s, "Ch1.txt"), "One.txt"))
	original, err := os.ReadFile(archivePath)
	require.NoError(t, err)

	job := s.SaveAsync(context.Background(), "")
	select {
	case <-blocking.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("save never reached the archive")
	}
	job.Cancel()

	report, err := job.Wait()
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, report)
	require.FileExists(t, report.BackupPath)

	restored, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	require.Equal(t, original, restored)
	require.True(t, s.HasChanges())
}

func TestSaveAsync_CancelRestoresBeforeNextSave(t *testing.T) {
	e := newEnv(t)
	archivePath := e.project(t, map[string]string{"Ch1.txt": "one"})
	blocking := &blanksBlockingArchiver{Archiver: archive.NewStore(), entered: make(chan struct{})}
	e.opts.Archiver = blocking

	s := e.open(t, archivePath)
	require.NoError(t, s.Rename(keyOf(t, s, "Ch1.txt"), "One.txt"))
	_, err := s.Add("Draft.txt", tree.File, tree.Root)
	require.NoError(t, err)
	original, err := os.ReadFile(archivePath)
	require.NoError(t, err)

	job := s.SaveAsync(context.Background(), "")
	select {
	case <-blocking.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("save never reached the archive")
	}

	type result struct {
		report *SaveReport
		err    error
	}
	next := make(chan result, 1)
	go func() {
		report, err := s.Save(context.Background(), "")
		next <- result{report, err}
	}()
	// let the second save queue up behind the first
	time.Sleep(20 * time.Millisecond)
	job.Cancel()

	_, err = job.Wait()
	require.ErrorIs(t, err, context.Canceled)

	var r result
	select {
	case r = <-next:
	case <-time.After(5 * time.Second):
		t.Fatal("second save never finished")
	}
	require.NoError(t, r.err)

	// the second save backed up the restored archive, not a half-renamed one
	backedUp, err := os.ReadFile(r.report.BackupPath)
	require.NoError(t, err)
	require.Equal(t, original, backedUp)

	names := entryNames(t, archivePath)
	require.Contains(t, names, "story/One.txt")
	require.Contains(t, names, "story/Draft.txt")
	require.False(t, s.HasChanges())
}

func TestSaveAsync_Completes(t *testing.T) {
	e := newEnv(t)
	archivePath := e.project(t, map[string]string{"Ch1.txt": "one"})
	s := e.open(t, archivePath)
	require.NoError(t, s.Rename(keyOf(t, s, "Ch1.txt"), "One.txt"))

	job := s.SaveAsync(context.Background(), "")
	<-job.Done()
	report, err := job.Wait()
	require.NoError(t, err)
	require.Equal(t, 1, report.Renames)
	require.Contains(t, entryNames(t, archivePath), "story/One.txt")
}

func TestClose_RemovesStaging(t *testing.T) {
	e := newEnv(t)
	s := e.open(t, e.project(t, map[string]string{"Ch1.txt": "one"}))
	_, err := s.SwitchActive(context.Background(), keyOf(t, s, "Ch1.txt"), "")
	require.NoError(t, err)
	require.NoError(t, s.AutoSave("draft"))

	require.NoError(t, s.Close())
	require.NoDirExists(t, filepath.Join(e.opts.TempRoot, "novel"))
	require.Empty(t, s.ActiveKey())
}

func TestIndexQueries(t *testing.T) {
	e := newEnv(t)
	s := e.open(t, e.project(t, map[string]string{"A.txt": "a", "B.txt": "b"}))
	a, b := keyOf(t, s, "A.txt"), keyOf(t, s, "B.txt")

	require.Equal(t, 2, s.ChildCount(tree.Root))
	require.Equal(t, 1, s.RowOf(b))

	require.NoError(t, s.Move(b, a, tree.Above))
	require.Equal(t, 0, s.RowOf(b))
	require.Equal(t, 1, s.RowOf(a))
	got, ok := s.ChildAt(tree.Root, 0)
	require.True(t, ok)
	require.Equal(t, b, got)

	id := s.IDOf(a)
	key, ok := s.KeyOf(id)
	require.True(t, ok)
	require.Equal(t, a, key)

	st := s.IndexStats()
	require.Greater(t, st.NextID, id)
	require.Positive(t, st.Populated)
}

func TestSanitizeTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2026-10-15 13:04:05", "2026-10-15_13_04_05"},
		{"Mon Jan  2", "mon_jan_2"},
		{`a<b>c"d|e?f*g\h/i`, "a_b_c_d_e_f_g_h_i"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, sanitizeTimestamp(tt.in))
	}
}
