// Package main provides the splitctl CLI for administering split stores.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"splitstore/config"
	"splitstore/courseio"
	"splitstore/keys"
	"splitstore/logging"
	"splitstore/mixed"
	"splitstore/split"
)

// Version is the current splitctl version.
var Version = "0.3.0"

// app holds the global flags and the lazily opened stores.
type app struct {
	configPath string
	backend    string
	dataDir    string
	user       string
	jsonOut    bool

	log    *logging.Logger
	opened *mixed.Opened
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "splitctl",
		Short:         "Administer versioned course stores",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("SPLIT_CONFIG"), "YAML config file (default: environment)")
	root.PersistentFlags().StringVar(&a.backend, "backend", "", "Backend for the single env-configured store")
	root.PersistentFlags().StringVar(&a.dataDir, "data", "", "Data directory for the single env-configured store")
	root.PersistentFlags().StringVarP(&a.user, "user", "u", defaultUser(), "User recorded on edits")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "Output as JSON")

	root.AddCommand(
		a.courseCmd(),
		a.itemCmd(),
		a.publishCmd(),
		a.exportCmd(),
		a.importCmd(),
		a.gcCmd(),
	)
	return root
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "splitctl"
}

func (a *app) open(ctx context.Context) (*mixed.Opened, error) {
	if a.opened != nil {
		return a.opened, nil
	}
	var cfg *config.Config
	if a.configPath != "" {
		var err error
		if cfg, err = config.Load(a.configPath); err != nil {
			return nil, err
		}
	} else {
		cfg = config.FromArgs(a.backend, a.dataDir)
	}
	log, err := logging.New(cfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a.log = log
	o, err := mixed.Open(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.opened = o
	return o, nil
}

func (a *app) close() error {
	if a.opened == nil {
		return nil
	}
	err := a.opened.Close()
	a.opened = nil
	a.log.Sync()
	return err
}

func (a *app) print(w io.Writer, v any, text func()) error {
	if a.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text()
	return nil
}

// blockSummary is the JSON view of a block.
type blockSummary struct {
	Location    string         `json:"location"`
	DisplayName string         `json:"displayName"`
	Fields      map[string]any `json:"fields,omitempty"`
	Content     map[string]any `json:"content,omitempty"`
	Children    []string       `json:"children,omitempty"`
	EditedBy    string         `json:"editedBy,omitempty"`
	EditedOn    time.Time      `json:"editedOn"`
}

func summarize(ctx context.Context, b *split.Block, withContent bool) (blockSummary, error) {
	s := blockSummary{
		Location:    b.Location.String(),
		DisplayName: b.DisplayName(),
		Fields:      b.Fields,
		EditedBy:    b.EditInfo.EditedBy,
		EditedOn:    b.EditInfo.EditedOn,
	}
	for _, c := range b.Children {
		s.Children = append(s.Children, c.String())
	}
	if withContent {
		content, err := b.Content(ctx)
		if err != nil {
			return s, err
		}
		s.Content = content
	}
	return s, nil
}

func (a *app) courseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "course", Short: "Create and inspect courses"}

	var name string
	var library bool
	create := &cobra.Command{
		Use:   "create ORG COURSE [RUN]",
		Short: "Create a course, or a library with --library",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			fields := map[string]any{}
			if name != "" {
				fields["display_name"] = name
			}
			var root *split.Block
			if library {
				root, err = o.CreateLibrary(cmd.Context(), args[0], args[1], a.user, fields)
			} else {
				if len(args) != 3 {
					return fmt.Errorf("a course needs ORG COURSE RUN")
				}
				root, err = o.CreateCourse(cmd.Context(), args[0], args[1], args[2], a.user, fields)
			}
			if err != nil {
				return err
			}
			key := root.Location.Course.Identity()
			return a.print(cmd.OutOrStdout(), map[string]string{"course": key.String()}, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", key)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "Display name")
	create.Flags().BoolVar(&library, "library", false, "Create a library (ORG LIBRARY)")

	var libraries bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List courses across every store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			var roots []*split.Block
			if libraries {
				roots, err = o.GetLibraries(cmd.Context())
			} else {
				roots, err = o.GetCourses(cmd.Context())
			}
			if err != nil {
				return err
			}
			var out []map[string]string
			for _, r := range roots {
				key := r.Location.Course.Identity()
				out = append(out, map[string]string{"course": key.String(), "name": r.DisplayName(), "store": o.StoreName(key)})
			}
			return a.print(cmd.OutOrStdout(), out, func() {
				for _, c := range out {
					fmt.Fprintf(cmd.OutOrStdout(), "%-40s  %-10s  %s\n", c["course"], c["store"], c["name"])
				}
			})
		},
	}
	list.Flags().BoolVar(&libraries, "libraries", false, "List libraries instead of courses")

	info := &cobra.Command{
		Use:   "info COURSE_KEY",
		Short: "Show a course's index entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			course, err := keys.ParseCourseKey(args[0])
			if err != nil {
				return err
			}
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			idx, err := o.GetCourseIndexInfo(cmd.Context(), course)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), idx, func() {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Course:  %s\n", course.Identity())
				fmt.Fprintf(w, "Store:   %s\n", o.StoreName(course))
				fmt.Fprintf(w, "Edited:  %s by %s\n", idx.EditedOn.Format(time.RFC3339), idx.EditedBy)
				for branch, v := range idx.Versions {
					fmt.Fprintf(w, "  %-18s %s\n", branch, v)
				}
			})
		},
	}

	var limit int
	history := &cobra.Command{
		Use:   "history COURSE_KEY",
		Short: "Show the version history of a course branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			course, err := keys.ParseCourseKey(args[0])
			if err != nil {
				return err
			}
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			hist, err := o.VersionHistory(cmd.Context(), course, limit)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), hist, func() {
				for _, h := range hist {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s\n", h.Version, h.EditedOn.Format(time.RFC3339), h.EditedBy)
				}
			})
		},
	}
	history.Flags().IntVarP(&limit, "limit", "n", 10, "Number of versions to show")

	cmd.AddCommand(create, list, info, history)
	return cmd
}

func (a *app) itemCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "item", Short: "Inspect blocks"}

	var depth int
	get := &cobra.Command{
		Use:   "get USAGE_KEY",
		Short: "Show a block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keys.ParseUsageKey(args[0])
			if err != nil {
				return err
			}
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			b, err := o.GetItem(cmd.Context(), key, depth)
			if err != nil {
				return err
			}
			s, err := summarize(cmd.Context(), b, true)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), s, func() {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%s  %q\n", s.Location, s.DisplayName)
				for k, v := range s.Fields {
					fmt.Fprintf(w, "  %s = %v\n", k, v)
				}
				for k, v := range s.Content {
					fmt.Fprintf(w, "  %s (content) = %v\n", k, v)
				}
				for _, c := range s.Children {
					fmt.Fprintf(w, "  -> %s\n", c)
				}
			})
		},
	}
	get.Flags().IntVar(&depth, "depth", 0, "Child levels to load (-1 for all)")

	orphans := &cobra.Command{
		Use:   "orphans COURSE_KEY",
		Short: "List blocks unreachable from the course root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			course, err := keys.ParseCourseKey(args[0])
			if err != nil {
				return err
			}
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			found, err := o.GetOrphans(cmd.Context(), course)
			if err != nil {
				return err
			}
			out := make([]string, 0, len(found))
			for _, k := range found {
				out = append(out, k.String())
			}
			return a.print(cmd.OutOrStdout(), out, func() {
				if len(out) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No orphans.")
				}
				for _, k := range out {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
			})
		},
	}

	diff := &cobra.Command{
		Use:   "diff USAGE_KEY",
		Short: "Show unpublished field changes of a block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keys.ParseUsageKey(args[0])
			if err != nil {
				return err
			}
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			diffs, err := o.DiffFields(cmd.Context(), key)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), diffs, func() {
				w := cmd.OutOrStdout()
				if len(diffs) == 0 {
					fmt.Fprintln(w, "No unpublished changes.")
				}
				for _, d := range diffs {
					fmt.Fprintf(w, "--- %s (%s)\n", d.Name, d.Scope)
					if len(d.Text) == 0 {
						fmt.Fprintf(w, "-%v\n+%v\n", d.Published, d.Draft)
						continue
					}
					for _, l := range d.Text {
						fmt.Fprintln(w, l)
					}
				}
			})
		},
	}

	cmd.AddCommand(get, orphans, diff)
	return cmd
}

func (a *app) publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish USAGE_KEY",
		Short: "Publish a block and its subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := keys.ParseUsageKey(args[0])
			if err != nil {
				return err
			}
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			b, err := o.Publish(cmd.Context(), a.user, key)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), map[string]string{"published": b.Location.String()}, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "Published %s\n", b.Location)
			})
		},
	}
}

func isArchive(path string) bool {
	return strings.HasSuffix(path, ".tar.zst")
}

func (a *app) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export COURSE_KEY DEST",
		Short: "Export a course draft to a directory, or to a .tar.zst archive",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			course, err := keys.ParseCourseKey(args[0])
			if err != nil {
				return err
			}
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			dest := args[1]
			if !isArchive(dest) {
				if err := courseio.Export(cmd.Context(), o, course, dest); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Exported %s to %s\n", course.Identity(), dest)
				return nil
			}

			tmp, err := os.MkdirTemp("", "splitctl-export-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(tmp)
			if err := courseio.Export(cmd.Context(), o, course, tmp); err != nil {
				return err
			}
			f, err := os.Create(dest)
			if err != nil {
				return err
			}
			if err := courseio.WriteArchive(f, tmp); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %s to %s\n", course.Identity(), dest)
			return nil
		},
	}
}

func (a *app) importCmd() *cobra.Command {
	var destKey string
	var skipPublish bool
	cmd := &cobra.Command{
		Use:   "import SOURCE",
		Short: "Import a course from an export directory or .tar.zst archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := courseio.ImportOptions{SkipPublish: skipPublish}
			if destKey != "" {
				k, err := keys.ParseCourseKey(destKey)
				if err != nil {
					return err
				}
				opts.Dest = k
			}
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}

			src := args[0]
			if isArchive(src) {
				tmp, err := os.MkdirTemp("", "splitctl-import-")
				if err != nil {
					return err
				}
				defer os.RemoveAll(tmp)
				f, err := os.Open(src)
				if err != nil {
					return err
				}
				err = courseio.ReadArchive(f, tmp)
				f.Close()
				if err != nil {
					return err
				}
				src = tmp
			}

			course, err := courseio.Import(cmd.Context(), o, filepath.Clean(src), a.user, opts)
			if err != nil {
				return err
			}
			return a.print(cmd.OutOrStdout(), map[string]string{"course": course.String()}, func() {
				fmt.Fprintf(cmd.OutOrStdout(), "Imported %s\n", course)
			})
		},
	}
	cmd.Flags().StringVar(&destKey, "dest", "", "Course key to import as (default: the exported key)")
	cmd.Flags().BoolVar(&skipPublish, "skip-publish", false, "Leave draftable content unpublished")
	return cmd
}

func (a *app) gcCmd() *cobra.Command {
	var keep int
	var olderThan time.Duration
	var yes bool
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete structures and definitions no branch can reach",
		Long: `Collect garbage in every configured store.

Structures reachable from a branch head, and up to --keep predecessors of
each head, are kept. Everything else older than --older-than is deleted,
along with definitions no kept structure uses.

Examples:
  splitctl gc                       # Preview what would be deleted
  splitctl gc --yes                 # Delete it
  splitctl gc --keep 5 --older-than 720h --yes`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for name, s := range o.Stores {
				plan, err := s.BuildGCPlan(cmd.Context(), split.GCOptions{KeepHistory: keep, OlderThan: olderThan})
				if err != nil {
					return fmt.Errorf("store %s: building GC plan: %w", name, err)
				}
				if len(plan.StructuresToDelete) == 0 && len(plan.DefinitionsToDelete) == 0 {
					fmt.Fprintf(w, "%s: nothing to collect\n", name)
					continue
				}
				verb := "would delete"
				if yes {
					verb = "deleting"
				}
				fmt.Fprintf(w, "%s: %s %d structures, %d definitions\n", name, verb, len(plan.StructuresToDelete), len(plan.DefinitionsToDelete))
				if !yes {
					continue
				}
				if err := s.RunGC(cmd.Context(), plan); err != nil {
					return fmt.Errorf("store %s: %w", name, err)
				}
			}
			if !yes {
				fmt.Fprintln(w, "\nRun `splitctl gc --yes` to proceed.")
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&keep, "keep", 0, "Predecessor versions to keep per branch head")
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Only delete content older than this")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Actually delete")
	return cmd
}

// run executes one command line and closes whatever it opened.
func run(ctx context.Context, args []string, out io.Writer) error {
	a := &app{}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(out)
	err := root.ExecuteContext(ctx)
	return errors.Join(err, a.close())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
