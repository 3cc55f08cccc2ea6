package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/schaermu/storypack/internal/session"
	"github.com/schaermu/storypack/internal/tree"
)

var (
	initSample   bool
	treeIDs      bool
	addDir       bool
	addParent    string
	movePosition string
	expandClose  bool
	exportFormat string
)

var initCmd = &cobra.Command{
	Use:   "init <project.story>",
	Short: "Create a project archive",
	Long: `Init creates an empty project archive, or one seeded with the bundled
sample story when --sample is given. An existing archive is opened and
migrated if it has no usable manifest.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := setupSignalHandler()
		defer cancel()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}

		_, statErr := os.Stat(args[0])
		existed := statErr == nil

		mode := session.ModeOpen
		if initSample {
			mode = session.ModeSample
		}
		s, err := a.open(args[0], mode)
		if err != nil {
			return fmt.Errorf("failed to open project: %w", err)
		}
		defer a.close(s)

		nodes := 0
		_ = s.Walk(func(tree.Node, int) error {
			nodes++
			return nil
		})

		verb := "created"
		if existed {
			verb = "opened"
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d nodes)\n", verb, s.Path(), nodes)
		return nil
	},
}

var treeCmd = &cobra.Command{
	Use:   "tree <project.story>",
	Short: "Print the project tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		return runProject(args, false, func(a *app, s *session.Session) (string, error) {
			printItems(out, s.Items(), 0)
			return "", nil
		})
	},
}

func printItems(out io.Writer, items []tree.Item, depth int) {
	for row, it := range items {
		name := it.Name
		if it.Kind == tree.Directory {
			name += "/"
			if it.HasChildren && !it.Expanded {
				name += " (collapsed)"
			}
		}
		line := strings.Repeat("  ", depth) + name
		if treeIDs {
			line = fmt.Sprintf("%-40s #%d row %d", line, it.ID, row)
		}
		_, _ = fmt.Fprintln(out, line)
		printItems(out, it.Children, depth+1)
	}
}

var addCmd = &cobra.Command{
	Use:   "add <project.story> <name>",
	Short: "Add a blank file or directory",
	Long: `Add creates a blank node. With a file as --parent the new node is placed
right after that file, in the file's directory.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProject(args, true, func(a *app, s *session.Session) (string, error) {
			parent, err := resolveParent(s, addParent)
			if err != nil {
				return "", err
			}
			kind := tree.File
			if addDir {
				kind = tree.Directory
			}
			key, err := s.Add(args[1], kind, parent)
			if err != nil {
				return "", err
			}
			n, _ := s.Find(key)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "added %s %s\n", kind, n.Path)
			return "", nil
		})
	},
}

var renameCmd = &cobra.Command{
	Use:   "rename <project.story> <node> <new-name>",
	Short: "Rename a file or directory",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProject(args, true, func(a *app, s *session.Session) (string, error) {
			key, err := resolveNode(s, args[1])
			if err != nil {
				return "", err
			}
			if err := s.Rename(key, args[2]); err != nil {
				return "", err
			}
			n, _ := s.Find(key)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "renamed %s to %s\n", args[1], n.Path)
			return "", nil
		})
	},
}

var moveCmd = &cobra.Command{
	Use:   "move <project.story> <node> [target]",
	Short: "Move a node relative to another",
	Long: `Move places a node above, below or inside the target node, or at the end
of the top level (--position end, no target).`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		pos, err := tree.ParsePosition(movePosition)
		if err != nil {
			return err
		}
		if pos != tree.End && len(args) != 3 {
			return fmt.Errorf("position %s needs a target node", movePosition)
		}

		return runProject(args, true, func(a *app, s *session.Session) (string, error) {
			pivot, err := resolveNode(s, args[1])
			if err != nil {
				return "", err
			}
			fulcrum := tree.Root
			if len(args) == 3 {
				if fulcrum, err = resolveParent(s, args[2]); err != nil {
					return "", err
				}
			}
			if err := s.Move(pivot, fulcrum, pos); err != nil {
				return "", err
			}
			n, _ := s.Find(pivot)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "moved %s to %s\n", args[1], n.Path)
			return "", nil
		})
	},
}

var cutCmd = &cobra.Command{
	Use:   "cut <project.story> <node>",
	Short: "Remove a node and everything below it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProject(args, true, func(a *app, s *session.Session) (string, error) {
			key, err := resolveNode(s, args[1])
			if err != nil {
				return "", err
			}
			affected, _, err := s.Cut(key)
			if err != nil {
				return "", err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cut %s (%d nodes)\n", args[1], len(affected))
			return "", nil
		})
	},
}

var expandCmd = &cobra.Command{
	Use:   "expand <project.story> <directory>",
	Short: "Mark a directory expanded (or collapsed with --collapse)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProject(args, true, func(a *app, s *session.Session) (string, error) {
			key, err := resolveNode(s, args[1])
			if err != nil {
				return "", err
			}
			return "", s.SetExpanded(key, !expandClose)
		})
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <project.story> <file>",
	Short: "Print a file's text",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProject(args, false, func(a *app, s *session.Session) (string, error) {
			key, err := resolveNode(s, args[1])
			if err != nil {
				return "", err
			}
			text, err := s.SwitchActive(a.ctx, key, "")
			if err != nil {
				return "", err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), text)
			return "", err
		})
	},
}

var writeCmd = &cobra.Command{
	Use:   "write <project.story> <file>",
	Short: "Replace a file's text with standard input",
	Long: `Write reads the new text from standard input and commits it. Text is
staged while it streams in, so an interrupted write can be picked up again
with cat.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProject(args, true, func(a *app, s *session.Session) (string, error) {
			key, err := resolveNode(s, args[1])
			if err != nil {
				return "", err
			}
			if _, err := s.SwitchActive(a.ctx, key, ""); err != nil {
				return "", err
			}

			autosave := s.NewAutoSaver(a.cfg.Session.AutosaveInterval)
			defer autosave.Stop()

			text, err := readStaged(cmd.InOrStdin(), autosave.Trigger)
			if err != nil {
				return "", err
			}
			if err := autosave.Flush(); err != nil {
				return "", err
			}
			s.NoteEdits(text)
			return text, nil
		})
	},
}

// readStaged reads r line by line, reporting the text so far after each line
func readStaged(r io.Reader, progress func(string)) (string, error) {
	br := bufio.NewReader(r)
	var sb strings.Builder
	for {
		line, err := br.ReadString('\n')
		sb.WriteString(line)
		if line != "" {
			progress(sb.String())
		}
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to read input: %w", err)
		}
	}
}

var exportCmd = &cobra.Command{
	Use:   "export <project.story> <dest>",
	Short: "Export the project as a folder or a single text file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := session.ParseFormat(exportFormat)
		if err != nil {
			return err
		}
		return runProject(args, false, func(a *app, s *session.Session) (string, error) {
			target, err := s.Export(a.ctx, args[1], format)
			if err != nil {
				return "", err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "exported to %s\n", target)
			return "", nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats <project.story>",
	Short: "Print project statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		return runProject(args, false, func(a *app, s *session.Session) (string, error) {
			counts, err := s.TotalCounts(a.ctx)
			if err != nil {
				return "", err
			}
			info, err := os.Stat(s.Path())
			if err != nil {
				return "", fmt.Errorf("failed to stat project: %w", err)
			}
			backups, err := s.Backups()
			if err != nil {
				return "", err
			}
			s.Items()
			index := s.IndexStats()

			_, _ = fmt.Fprintf(out, "project:    %s\n", s.Name())
			_, _ = fmt.Fprintf(out, "archive:    %s\n", humanize.Bytes(uint64(info.Size())))
			_, _ = fmt.Fprintf(out, "files:      %s\n", humanize.Comma(int64(counts.Files)))
			_, _ = fmt.Fprintf(out, "lines:      %s\n", humanize.Comma(int64(counts.Lines)))
			_, _ = fmt.Fprintf(out, "words:      %s\n", humanize.Comma(int64(counts.Words)))
			_, _ = fmt.Fprintf(out, "characters: %s\n", humanize.Comma(int64(counts.Characters)))
			_, _ = fmt.Fprintf(out, "backups:    %d\n", len(backups))
			_, _ = fmt.Fprintf(out, "indexed:    %d nodes, next id %d\n", index.Entries, index.NextID)
			return "", nil
		})
	},
}

var backupsCmd = &cobra.Command{
	Use:   "backups <project.story>",
	Short: "List the project's backups, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		return runProject(args, false, func(a *app, s *session.Session) (string, error) {
			backups, err := s.Backups()
			if err != nil {
				return "", err
			}
			for _, p := range backups {
				info, err := os.Stat(p)
				if err != nil {
					a.logger.Warn("failed to stat backup", "backup", p, "error", err)
					continue
				}
				_, _ = fmt.Fprintf(out, "%s\t%s\t%s\n", filepath.Base(p), humanize.Bytes(uint64(info.Size())), humanize.Time(info.ModTime()))
			}
			return "", nil
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <project.story> <backup>",
	Short: "Replace the project with one of its backups",
	Long: `Restore copies a backup over the project archive. The backup is a path or
a name as printed by the backups command.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProject(args, false, func(a *app, s *session.Session) (string, error) {
			backup := args[1]
			if !strings.ContainsRune(backup, filepath.Separator) {
				backup = filepath.Join(a.cfg.Paths.RollbackDir, backup)
			}
			if err := s.RestoreBackup(a.ctx, backup); err != nil {
				return "", err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "restored %s from %s\n", s.Name(), filepath.Base(backup))
			return "", nil
		})
	},
}

func init() {
	initCmd.Flags().BoolVar(&initSample, "sample", false, "seed the project with the bundled sample story")
	treeCmd.Flags().BoolVar(&treeIDs, "ids", false, "show node ids and rows")
	addCmd.Flags().BoolVar(&addDir, "dir", false, "add a directory instead of a file")
	addCmd.Flags().StringVar(&addParent, "parent", "", "parent directory, or a file to add after (default is the top level)")
	moveCmd.Flags().StringVar(&movePosition, "position", "inside", "where to put the node (above, below, inside, end)")
	expandCmd.Flags().BoolVar(&expandClose, "collapse", false, "collapse instead of expand")
	exportCmd.Flags().StringVar(&exportFormat, "format", "dir", "export format (dir, text)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(treeCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(renameCmd)
	rootCmd.AddCommand(moveCmd)
	rootCmd.AddCommand(cutCmd)
	rootCmd.AddCommand(expandCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(backupsCmd)
	rootCmd.AddCommand(restoreCmd)
}
