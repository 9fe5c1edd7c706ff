package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/run-llama/semtools/internal/embed"
	"github.com/run-llama/semtools/internal/errs"
	"github.com/run-llama/semtools/internal/ingest"
	"github.com/run-llama/semtools/internal/query"
	"github.com/run-llama/semtools/internal/similarity"
	"github.com/run-llama/semtools/internal/tui"
	"github.com/run-llama/semtools/internal/watcher"
	"github.com/run-llama/semtools/internal/window"
	"github.com/run-llama/semtools/internal/workspace"
)

var (
	defaultModelDir = "./models"
	defaultWorkers  = ingest.DefaultConcurrency
	defaultTopK     = 3
)

func main() {
	root := &cobra.Command{
		Use:   "semtools",
		Short: "Local semantic search over files",
		Long:  "semtools — offline semantic search and a workspace cache for embedding results.",
	}

	var cfg struct {
		ModelDir    string `toml:"model-dir"`
		Workers     int    `toml:"workers"`
		WindowLines int    `toml:"window-lines"`
		StrideLines int    `toml:"stride-lines"`
		TopK        int    `toml:"top-k"`
	}
	if b, err := os.ReadFile(".semtools.toml"); err == nil {
		if err := toml.Unmarshal(b, &cfg); err == nil {
			if cfg.ModelDir != "" {
				defaultModelDir = cfg.ModelDir
			}
			if cfg.Workers > 0 {
				defaultWorkers = cfg.Workers
			}
			if cfg.TopK > 0 {
				defaultTopK = cfg.TopK
			}
		}
	}

	var modelDir string
	root.PersistentFlags().StringVar(&modelDir, "model-dir", defaultModelDir, "directory containing the static embedding model")

	// openScheduler loads the model and, if a workspace is active, opens its
	// store, printing status so the user knows it isn't stuck.
	openScheduler := func() (*ingest.Scheduler, *embed.Embedder, *workspace.Workspace, error) {
		fmt.Fprint(os.Stderr, "Loading model… ")
		e, err := embed.New(modelDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "")
			return nil, nil, nil, err
		}
		fmt.Fprintln(os.Stderr, "ready.")

		opts := window.DefaultOptions()
		if cfg.WindowLines > 0 {
			opts.WindowLines = cfg.WindowLines
		}
		if cfg.StrideLines > 0 {
			opts.StrideLines = cfg.StrideLines
		}

		var ws *workspace.Workspace
		name := workspace.ActiveName()
		var sched *ingest.Scheduler
		if name != "" {
			ws, err = workspace.Use(name, e.ModelID(), e.ModelVersion(), e.Dim())
			if err != nil {
				e.Close()
				return nil, nil, nil, err
			}
			sched = ingest.New(e, ws.Store, opts)
		} else {
			sched = ingest.New(e, nil, opts)
		}
		sched.Concurrency = defaultWorkers
		return sched, e, ws, nil
	}

	// ---- semtools search <QUERY> [FILES...] --------------------------------
	var nLines, topK int
	var maxDistance float64
	var ignoreCase, jsonOut, recursive bool
	searchCmd := &cobra.Command{
		Use:   "search <QUERY> [FILES...]",
		Short: "Semantic search over files or stdin",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := args[0]
			inputs := args[1:]

			sched, e, ws, err := openScheduler()
			if err != nil {
				return err
			}
			defer e.Close()
			if ws != nil {
				defer func() { _ = ws.Touch() }()
			}

			var stdinPath string
			files, err := query.ResolveFiles(inputs, recursive)
			if err != nil {
				return err
			}
			if len(inputs) == 0 {
				stdinPath, err = materializeStdin()
				if err != nil {
					return err
				}
				defer os.Remove(stdinPath)
				files = []string{stdinPath}
			}

			opts := query.DefaultOptions()
			opts.NLines = nLines
			opts.IgnoreCase = ignoreCase
			opts.Recursive = recursive
			sched.Options.CaseFold = ignoreCase
			if cmd.Flags().Changed("max-distance") {
				opts.Selection = similarity.Selection{Mode: similarity.Threshold, Tau: float32(maxDistance)}
			} else {
				k := topK
				if k <= 0 {
					k = defaultTopK
				}
				opts.Selection = similarity.Selection{Mode: similarity.TopK, K: k}
			}

			results, err := query.Run(context.Background(), q, files, e, sched, opts)
			if err != nil {
				return err
			}

			for i := range results {
				if results[i].Path == stdinPath {
					results[i].Path = "<stdin>"
				}
			}

			if jsonOut {
				j, err := json.MarshalIndent(results, "", "  ")
				if err != nil {
					return fmt.Errorf("marshal json: %w", err)
				}
				fmt.Println(string(j))
				return nil
			}
			if len(results) == 0 {
				fmt.Println("no results")
				return nil
			}
			for _, r := range results {
				fmt.Printf("%s:%d::%d (%.3f)\n%s\n\n", r.Path, r.ContextStart, r.ContextEnd, r.Distance, r.Text)
			}
			return nil
		},
	}
	searchCmd.Flags().IntVarP(&nLines, "n-lines", "n", 3, "context lines before/after each match")
	searchCmd.Flags().IntVar(&topK, "top-k", defaultTopK, "number of results to return")
	searchCmd.Flags().Float64VarP(&maxDistance, "max-distance", "m", 0, "return every match within this cosine distance (overrides --top-k)")
	searchCmd.Flags().BoolVarP(&ignoreCase, "ignore-case", "i", false, "fold case before embedding and display")
	searchCmd.Flags().BoolVarP(&jsonOut, "json", "j", false, "output results as JSON")
	searchCmd.Flags().BoolVar(&recursive, "recursive", false, "descend into subdirectories of FILES arguments that are directories")
	root.AddCommand(searchCmd)

	// ---- semtools workspace use|status|prune|delete ------------------------
	workspaceCmd := &cobra.Command{
		Use:   "workspace",
		Short: "Manage named workspace caches",
	}

	workspaceCmd.AddCommand(&cobra.Command{
		Use:   "use <name>",
		Short: "Create (if absent) and select the active workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(os.Stderr, "Loading model… ")
			e, err := embed.New(modelDir)
			if err != nil {
				fmt.Fprintln(os.Stderr, "")
				return err
			}
			defer e.Close()
			fmt.Fprintln(os.Stderr, "ready.")

			ws, err := workspace.Use(args[0], e.ModelID(), e.ModelVersion(), e.Dim())
			if err != nil {
				return err
			}
			fmt.Printf("workspace %q ready. export SEMTOOLS_WORKSPACE=%s to select it.\n", ws.Name, ws.Name)
			return nil
		},
	})

	workspaceCmd.AddCommand(&cobra.Command{
		Use:   "status [name]",
		Short: "Show cache status for a workspace (default: the active one)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := workspace.ActiveName()
			if len(args) == 1 {
				name = args[0]
			}
			if name == "" {
				return errs.InputErrorf("workspace status", "no workspace given and SEMTOOLS_WORKSPACE is unset")
			}
			s, err := workspace.StatusOf(name)
			if err != nil {
				return err
			}
			fmt.Printf("name:     %s\n", s.Name)
			fmt.Printf("dir:      %s\n", s.Dir)
			fmt.Printf("model:    %s\n", s.ModelID)
			fmt.Printf("entries:  %d\n", s.NumEntries)
			if !s.UpdatedAt.IsZero() {
				fmt.Printf("updated:  %s\n", s.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	})

	workspaceCmd.AddCommand(&cobra.Command{
		Use:   "prune [name]",
		Short: "Remove cache entries whose source file is gone or has changed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := workspace.ActiveName()
			if len(args) == 1 {
				name = args[0]
			}
			if name == "" {
				return errs.InputErrorf("workspace prune", "no workspace given and SEMTOOLS_WORKSPACE is unset")
			}
			n, err := workspace.Prune(name)
			if err != nil {
				return err
			}
			fmt.Printf("pruned %d stale entries from %q.\n", n, name)
			return nil
		},
	})

	workspaceCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := workspace.List()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Println("no workspaces found")
				return nil
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	})

	workspaceCmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a workspace and all of its cached entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := workspace.Delete(args[0]); err != nil {
				return err
			}
			fmt.Printf("workspace %q deleted.\n", args[0])
			return nil
		},
	})

	root.AddCommand(workspaceCmd)

	// ---- semtools watch <dir> [dir...] --------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "watch <dir> [dir...]",
		Short: "Warm the active workspace, then watch for changes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sched, e, ws, err := openScheduler()
			if err != nil {
				return err
			}
			defer e.Close()

			files, err := query.ResolveFiles(args, true)
			if err != nil {
				return err
			}
			prog := makeProgressPrinter()
			if _, err := sched.Run(ctx, files, prog); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "\nDone. watching for changes… (Ctrl+C to stop)")
			if ws != nil {
				_ = ws.Touch()
			}

			w, err := watcher.New(sched)
			if err != nil {
				return err
			}

			done := make(chan struct{})
			go func() {
				<-ctx.Done()
				close(done)
			}()
			for _, dir := range args {
				go func(d string) {
					if err := w.Watch(d, done); err != nil {
						fmt.Fprintf(os.Stderr, "watch error %s: %v\n", d, err)
					}
				}(dir)
			}
			<-done
			return nil
		},
	})

	// ---- semtools tui --------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "tui [FILES...]",
		Short: "Launch the interactive search browser",
		RunE: func(cmd *cobra.Command, args []string) error {
			sched, e, _, err := openScheduler()
			if err != nil {
				return err
			}
			defer e.Close()

			files, err := query.ResolveFiles(args, true)
			if err != nil {
				return err
			}

			m := tui.New(files, e, sched, query.DefaultOptions(), workspace.ActiveName())
			p := tea.NewProgram(m, tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	})

	// ---- semtools bench -------------------------------------------------------
	root.AddCommand(&cobra.Command{
		Use:   "bench",
		Short: "Benchmark tokenizer/embedder throughput on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(os.Stderr, "Loading model… ")
			e, err := embed.New(modelDir)
			if err != nil {
				return err
			}
			defer e.Close()
			fmt.Fprintln(os.Stderr, "ready.")

			texts := []struct{ label, text string }{
				{"short (8 words) ", "the quick brown fox jumps over the lazy dog"},
				{"medium (50 words)", strings.Repeat("the quick brown fox ", 50)},
				{"long (200 words) ", strings.Repeat("the quick brown fox jumps over the lazy dog. ", 20)},
			}

			fmt.Printf("\n%-20s  %10s  %10s  %10s\n", "text size", "tokenize", "pool", "total")
			fmt.Println(strings.Repeat("─", 55))
			for _, tc := range texts {
				tok, pool, tot, err := e.BenchmarkSingle(tc.text)
				if err != nil {
					return fmt.Errorf("bench %s: %w", tc.label, err)
				}
				fmt.Printf("%-20s  %10s  %10s  %10s\n", tc.label,
					tok.Round(time.Microsecond), pool.Round(time.Microsecond), tot.Round(time.Microsecond))
			}
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(errs.ExitCode(err))
	}
}

// materializeStdin drains stdin into a temp file so the ingestion/query
// layers — which always operate on real paths — can read it like any
// other file. The caller remaps the returned path back to "<stdin>" when
// formatting output.
func materializeStdin() (string, error) {
	f, err := os.CreateTemp("", "semtools-stdin-*")
	if err != nil {
		return "", errs.InputErrorf("materializeStdin", "create temp file: %w", err)
	}
	defer f.Close()
	if _, err := f.ReadFrom(os.Stdin); err != nil {
		os.Remove(f.Name())
		return "", errs.InputErrorf("materializeStdin", "read stdin: %w", err)
	}
	return f.Name(), nil
}

// makeProgressPrinter returns an ingest.ProgressFunc that prints a compact
// progress line; cache hits are shown with · instead of a percentage.
func makeProgressPrinter() ingest.ProgressFunc {
	return func(done, total int, path string, hit bool) {
		short := filepath.Base(filepath.Dir(path)) + "/" + filepath.Base(path)
		if hit {
			fmt.Fprintf(os.Stderr, "\r  [%d/%d]  ·   %-50s", done, total, short)
			return
		}
		pct := 100 * done / total
		if done < total {
			fmt.Fprintf(os.Stderr, "\r  [%d/%d] %3d%%  %-50s", done, total, pct, short)
		} else {
			fmt.Fprintf(os.Stderr, "\r  [%d/%d] 100%%  %-50s\n", done, total, short)
		}
	}
}
