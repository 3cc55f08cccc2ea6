package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/storypack/internal/archive"
	"github.com/schaermu/storypack/internal/config"
	"github.com/schaermu/storypack/internal/session"
	"github.com/schaermu/storypack/internal/tree"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// logOutput is where the logger writes; stdout carries command output
	logOutput io.Writer = os.Stderr
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "storypack",
	Short: "Manage story project archives",
	Long: `storypack edits writing projects stored as single .story archives.

A project is a ZIP archive holding a story.xml manifest and the text files of
the story. Structural edits (add, rename, move, cut) and text edits are staged
and committed into the archive in one save, after a backup has been taken.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "storypack %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/storypack/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(versionCmd)
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(logOutput, opts)
	} else {
		handler = slog.NewTextHandler(logOutput, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	if cfgFile != "" {
		logger.Info("loading configuration", "path", cfgFile)
		return config.Load(cfgFile)
	}

	configPath, err := config.DefaultPath()
	if err != nil {
		return nil, err
	}

	cfg, found, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, err
	}
	if !found {
		logger.Debug("no configuration file, using defaults", "path", configPath)
	}

	logger.Debug("configuration loaded",
		"temp_dir", cfg.Paths.TempDir,
		"rollback_dir", cfg.Paths.RollbackDir,
		"compression", cfg.Archive.Compression,
		"keep_backups", cfg.Session.KeepBackups)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}

// app bundles what every project command needs
type app struct {
	ctx    context.Context
	cfg    *config.Config
	logger *slog.Logger
}

func newApp(ctx context.Context) (*app, error) {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &app{ctx: ctx, cfg: cfg, logger: logger}, nil
}

func (a *app) open(projectPath string, mode session.Mode) (*session.Session, error) {
	store := archive.NewStore(append(a.cfg.ArchiveOptions(), archive.WithLogger(a.logger))...)
	return session.Open(a.ctx, projectPath, mode, session.Options{
		TempRoot:    a.cfg.Paths.TempDir,
		RollbackDir: a.cfg.Paths.RollbackDir,
		KeepBackups: a.cfg.Session.KeepBackups,
		Archiver:    store,
		Logger:      a.logger,
	})
}

// save commits pending changes. An interrupt cancels the save and puts the
// pre-save backup back in place.
func (a *app) save(s *session.Session, currentText string) error {
	report, err := s.SaveAsync(a.ctx, currentText).Wait()
	if err != nil {
		if report != nil && report.BackupPath != "" {
			a.logger.Error("save failed", "backup", report.BackupPath, "error", err)
		}
		return fmt.Errorf("failed to save %s: %w", s.Name(), err)
	}
	return nil
}

// close drops the staging directory once nothing is pending, so staged text
// from an interrupted command survives until it is committed
func (a *app) close(s *session.Session) {
	if s.HasChanges() {
		a.logger.Warn("uncommitted changes kept in staging", "project", s.Name())
		return
	}
	if err := s.Close(); err != nil {
		a.logger.Warn("failed to close project", "error", err)
	}
}

// runProject opens the project named by args[0], runs fn and saves when
// mutate is set. The live editor text passed to the save comes from fn.
func runProject(args []string, mutate bool, fn func(a *app, s *session.Session) (string, error)) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}

	if _, err := os.Stat(args[0]); err != nil {
		return fmt.Errorf("failed to open project (run init to create one): %w", err)
	}
	s, err := a.open(args[0], session.ModeOpen)
	if err != nil {
		return fmt.Errorf("failed to open project: %w", err)
	}
	defer a.close(s)

	text, err := fn(a, s)
	if err != nil {
		return err
	}
	if mutate {
		if err := a.save(s, text); err != nil {
			return err
		}
	}
	return nil
}

// resolveNode maps a node reference to its key. References are
// content-relative paths ("Chapters/Chapter 1.txt") or ids ("#3") as printed
// by tree --ids. Ids are handed out in tree order, so they are the same in
// every invocation as long as the tree is unchanged.
func resolveNode(s *session.Session, ref string) (string, error) {
	if id, ok := strings.CutPrefix(ref, "#"); ok {
		s.Items()
		n, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			return "", fmt.Errorf("invalid node id %q: %w", ref, err)
		}
		key, found := s.KeyOf(n)
		if !found {
			return "", fmt.Errorf("node %s: %w", ref, tree.ErrNotFound)
		}
		return key, nil
	}

	want := strings.Trim(ref, "/")
	var key string
	errFound := errors.New("found")
	err := s.Walk(func(n tree.Node, _ int) error {
		if n.Path == want {
			key = n.Key
			return errFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, errFound) {
		return "", err
	}
	if key == "" {
		return "", fmt.Errorf("node %q: %w", ref, tree.ErrNotFound)
	}
	return key, nil
}

// resolveParent is resolveNode that also accepts the root ("" or "/")
func resolveParent(s *session.Session, ref string) (string, error) {
	if strings.Trim(ref, "/") == "" {
		return tree.Root, nil
	}
	return resolveNode(s, ref)
}
